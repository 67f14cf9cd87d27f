package ratelimit

import (
	"sort"
	"time"
)

type modelUsage struct {
	inputUnits  int64
	outputUnits int64
	requests    int64
	cost        float64
}

// Record accumulates one request's token usage into the ledger. Cost is
// derived from the pricer; freeTier usage (oauth) accrues zero cost.
func (t *Tracker) Record(model string, inputUnits, outputUnits int64, freeTier bool) {
	var cost float64
	if !freeTier && t.pricer != nil {
		if in, out, ok := t.pricer(model); ok {
			cost = float64(inputUnits)/1e6*in + float64(outputUnits)/1e6*out
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.ledger[model]
	if !ok {
		u = &modelUsage{}
		t.ledger[model] = u
	}
	u.inputUnits += inputUnits
	u.outputUnits += outputUnits
	u.requests++
	u.cost += cost

	t.rollDayLocked()
	t.dayCost += cost
}

// DayCost returns the cost accrued so far today. The counter resets when
// the calendar date rolls over.
func (t *Tracker) DayCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	return t.dayCost
}

func (t *Tracker) rollDayLocked() {
	today := time.Now().Format("2006-01-02")
	if today != t.day {
		t.day = today
		t.dayCost = 0
	}
}

// ModelUsage is a per-model slice of the ledger.
type ModelUsage struct {
	Model       string  `json:"model"`
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	Requests    int64   `json:"requests"`
	Cost        float64 `json:"cost"`
	Available   bool    `json:"available"`
}

// Stats is a point-in-time snapshot of the ledger.
type Stats struct {
	Models           []ModelUsage `json:"models"`
	TotalInputUnits  int64        `json:"total_input_units"`
	TotalOutputUnits int64        `json:"total_output_units"`
	TotalRequests    int64        `json:"total_requests"`
	TotalCost        float64      `json:"total_cost"`
	DayCost          float64      `json:"day_cost"`
}

// Stats returns the per-model breakdown and global totals.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()

	s := Stats{DayCost: t.dayCost}
	for model, u := range t.ledger {
		available := true
		if st, ok := t.states[model]; ok && st.failures >= t.threshold && time.Since(st.lastFailure) < t.cooldown {
			available = false
		}
		s.Models = append(s.Models, ModelUsage{
			Model:       model,
			InputUnits:  u.inputUnits,
			OutputUnits: u.outputUnits,
			Requests:    u.requests,
			Cost:        u.cost,
			Available:   available,
		})
		s.TotalInputUnits += u.inputUnits
		s.TotalOutputUnits += u.outputUnits
		s.TotalRequests += u.requests
		s.TotalCost += u.cost
	}
	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].Model < s.Models[j].Model })
	return s
}
