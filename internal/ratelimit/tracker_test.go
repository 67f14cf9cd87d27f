package ratelimit

import (
	"math"
	"testing"
	"time"
)

func testPricer(model string) (float64, float64, bool) {
	switch model {
	case "pro":
		return 1.25, 10.00, true
	case "flash":
		return 0.30, 2.50, true
	}
	return 0, 0, false
}

func TestAvailable_ThresholdAndCooldown(t *testing.T) {
	tr := New(testPricer)

	if !tr.Available("flash") {
		t.Fatal("fresh model should be available")
	}

	tr.RecordFailure("flash")
	tr.RecordFailure("flash")
	if !tr.Available("flash") {
		t.Error("two failures should stay available (threshold 3)")
	}

	tr.RecordFailure("flash")
	if tr.Available("flash") {
		t.Error("three failures within cooldown should be unavailable")
	}
}

func TestAvailable_CooldownElapsedResetsCounter(t *testing.T) {
	tr := New(testPricer)
	for i := 0; i < 3; i++ {
		tr.RecordFailure("flash")
	}

	// Backdate the last failure beyond the cooldown.
	tr.mu.Lock()
	tr.states["flash"].lastFailure = time.Now().Add(-61 * time.Second)
	tr.mu.Unlock()

	if !tr.Available("flash") {
		t.Fatal("model should be available once cooldown elapsed")
	}
	if got := tr.Failures("flash"); got != 0 {
		t.Errorf("Failures = %d after cooldown, want 0", got)
	}
}

func TestRecordSuccess_DecrementsFlooredAtZero(t *testing.T) {
	tr := New(testPricer)

	tr.RecordSuccess("flash")
	if got := tr.Failures("flash"); got != 0 {
		t.Errorf("Failures = %d, want 0 (floor)", got)
	}

	tr.RecordFailure("flash")
	tr.RecordFailure("flash")
	tr.RecordSuccess("flash")
	if got := tr.Failures("flash"); got != 1 {
		t.Errorf("Failures = %d, want 1 after success", got)
	}
}

func TestCustomThresholdCooldown(t *testing.T) {
	tr := New(testPricer, WithThreshold(1), WithCooldown(30*time.Second))

	tr.RecordFailure("pro")
	if tr.Available("pro") {
		t.Error("threshold 1 should mark unavailable after a single failure")
	}
}

func TestRecord_CostAccrual(t *testing.T) {
	tr := New(testPricer)

	tr.Record("pro", 1_000_000, 500_000, false)

	s := tr.Stats()
	if len(s.Models) != 1 {
		t.Fatalf("got %d models, want 1", len(s.Models))
	}
	m := s.Models[0]
	if m.InputUnits != 1_000_000 || m.OutputUnits != 500_000 || m.Requests != 1 {
		t.Errorf("usage = %+v", m)
	}
	want := 1.25 + 5.00
	if math.Abs(m.Cost-want) > 1e-9 {
		t.Errorf("Cost = %v, want %v", m.Cost, want)
	}
	if math.Abs(s.DayCost-want) > 1e-9 {
		t.Errorf("DayCost = %v, want %v", s.DayCost, want)
	}
}

func TestRecord_FreeTierZeroCost(t *testing.T) {
	tr := New(testPricer)

	tr.Record("pro", 2_000_000, 1_000_000, true)

	s := tr.Stats()
	if s.TotalCost != 0 {
		t.Errorf("TotalCost = %v, want 0 for free tier", s.TotalCost)
	}
	if s.TotalInputUnits != 2_000_000 {
		t.Errorf("free tier should still count units, got %d", s.TotalInputUnits)
	}
	if tr.DayCost() != 0 {
		t.Errorf("DayCost = %v, want 0 for free tier", tr.DayCost())
	}
}

func TestRecord_UnknownModelZeroCost(t *testing.T) {
	tr := New(testPricer)
	tr.Record("mystery", 1_000_000, 1_000_000, false)

	if got := tr.Stats().TotalCost; got != 0 {
		t.Errorf("TotalCost = %v, want 0 for unknown model", got)
	}
}

func TestDayCost_RollsOver(t *testing.T) {
	tr := New(testPricer)
	tr.Record("pro", 1_000_000, 0, false)

	if tr.DayCost() == 0 {
		t.Fatal("DayCost should be non-zero after billed usage")
	}

	// Force a date rollover.
	tr.mu.Lock()
	tr.day = "2000-01-01"
	tr.mu.Unlock()

	if got := tr.DayCost(); got != 0 {
		t.Errorf("DayCost = %v after rollover, want 0", got)
	}
}

func TestStats_Totals(t *testing.T) {
	tr := New(testPricer)
	tr.Record("pro", 100, 200, false)
	tr.Record("flash", 300, 400, false)
	tr.Record("flash", 50, 60, false)

	s := tr.Stats()
	if s.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", s.TotalRequests)
	}
	if s.TotalInputUnits != 450 || s.TotalOutputUnits != 660 {
		t.Errorf("totals = %d/%d, want 450/660", s.TotalInputUnits, s.TotalOutputUnits)
	}
	// Sorted by model name.
	if s.Models[0].Model != "flash" || s.Models[1].Model != "pro" {
		t.Errorf("models not sorted: %v, %v", s.Models[0].Model, s.Models[1].Model)
	}
}

func TestStats_MarksUnavailableModels(t *testing.T) {
	tr := New(testPricer)
	tr.Record("flash", 1, 1, false)
	for i := 0; i < 3; i++ {
		tr.RecordFailure("flash")
	}

	s := tr.Stats()
	if s.Models[0].Available {
		t.Error("Stats should report the model unavailable")
	}
}
