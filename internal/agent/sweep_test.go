package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

func TestPruneArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "dead-full.txt")
	fresh := filepath.Join(dir, "live-full.txt")
	other := filepath.Join(dir, "keep.json")

	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, stale, stale); err != nil {
		t.Fatal(err)
	}

	if n := pruneArtifacts(dir, 24*time.Hour); n != 1 {
		t.Errorf("pruned %d files, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired transcript survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh transcript was pruned")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-transcript file was pruned")
	}

	if n := pruneArtifacts(filepath.Join(dir, "missing"), time.Hour); n != 0 {
		t.Errorf("missing dir pruned %d files", n)
	}
}

func TestSweeper_Gate(t *testing.T) {
	s := newSweeper(config.AgentConfig{CleanupSchedule: "* * * * *", SweepHours: 24})

	fired := make(chan struct{}, 2)
	fn := func() { fired <- struct{}{} }

	// Not due: the next tick is still in the future.
	s.maybe(fn)
	select {
	case <-fired:
		t.Fatal("sweep fired before the schedule's next tick")
	case <-time.After(50 * time.Millisecond):
	}

	// Force the tick into the past; first call fires, the interval gate
	// then holds the second call.
	s.mu.Lock()
	s.next = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.maybe(fn)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("due sweep never fired")
	}

	s.mu.Lock()
	s.next = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.maybe(fn)
	select {
	case <-fired:
		t.Fatal("second sweep fired inside the minimum interval")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweeper_BadScheduleFallsBack(t *testing.T) {
	s := newSweeper(config.AgentConfig{CleanupSchedule: "not a cron line"})
	if s.schedule != defaultSchedule {
		t.Errorf("schedule = %q, want fallback %q", s.schedule, defaultSchedule)
	}
	if s.next.IsZero() {
		t.Error("fallback schedule has no next tick")
	}
}

func TestSupervisorSweep(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.Enabled = true
	cfg.Agent.OutputDir = t.TempDir()
	cfg.Agent.RetentionDays = 1
	sup := New(cfg, &fakeStreamer{}, nil)

	// One expired artifact and one expired terminal session.
	old := filepath.Join(cfg.Agent.OutputDir, "gone-full.txt")
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	id, err := sup.Registry().Create("done work", ".", "", 5, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	_ = sup.Registry().SetStatus(id, StatusCompleted)
	sup.Registry().mu.Lock()
	sup.Registry().sessions[id].FinishedAt = stale
	sup.Registry().mu.Unlock()

	sessions, files := sup.Sweep()
	if sessions != 1 || files != 1 {
		t.Errorf("Sweep = (%d, %d), want (1, 1)", sessions, files)
	}
}
