// Package ratelimit tracks per-model quota pressure and billable usage. A
// model that keeps failing with rate-limit errors is reported unavailable
// for a cooldown window so the router can route around it.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultThreshold = 3
	defaultCooldown  = 60 * time.Second
)

// PriceFunc resolves per-million-unit input/output prices for a model.
// ok is false for unknown models, which then accrue zero cost.
type PriceFunc func(model string) (inputPrice, outputPrice float64, ok bool)

type limitState struct {
	failures    int
	lastFailure time.Time
}

// Tracker remembers recent per-model failures and accumulates the usage
// ledger. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	pricer    PriceFunc

	states map[string]*limitState
	ledger map[string]*modelUsage

	day     string
	dayCost float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold sets how many consecutive failures mark a model unavailable.
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithCooldown sets how long a model stays unavailable after hitting the
// failure threshold.
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cooldown = d
		}
	}
}

// New creates a Tracker. pricer may be nil, in which case all usage is
// recorded at zero cost.
func New(pricer PriceFunc, opts ...Option) *Tracker {
	t := &Tracker{
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		pricer:    pricer,
		states:    make(map[string]*limitState),
		ledger:    make(map[string]*modelUsage),
		day:       time.Now().Format("2006-01-02"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Available reports whether the model is currently usable. A model is
// unavailable only while its consecutive-failure counter has reached the
// threshold and the last failure is within the cooldown window. Once the
// cooldown elapses the counter resets to zero.
func (t *Tracker) Available(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[model]
	if !ok || st.failures == 0 {
		return true
	}
	if time.Since(st.lastFailure) >= t.cooldown {
		st.failures = 0
		return true
	}
	return st.failures < t.threshold
}

// RecordFailure bumps the model's consecutive-failure counter.
func (t *Tracker) RecordFailure(model string) {
	t.mu.Lock()
	st, ok := t.states[model]
	if !ok {
		st = &limitState{}
		t.states[model] = st
	}
	st.failures++
	st.lastFailure = time.Now()
	failures := st.failures
	t.mu.Unlock()

	if failures >= t.threshold {
		slog.Warn("ratelimit.model_unavailable", "model", model, "failures", failures)
	}
}

// RecordSuccess decrements the model's failure counter, floored at zero.
func (t *Tracker) RecordSuccess(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[model]; ok && st.failures > 0 {
		st.failures--
	}
}

// Failures returns the model's current consecutive-failure count.
func (t *Tracker) Failures(model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[model]; ok {
		return st.failures
	}
	return 0
}
