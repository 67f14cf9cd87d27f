package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

const defaultSchedule = "0 3 * * *"

// sweeper decides when the retention sweep may fire: on or after the cron
// schedule's next tick, and never more often than the minimum interval. The
// sweep itself runs in the background so task execution never waits on it.
type sweeper struct {
	mu       sync.Mutex
	schedule string
	minEvery time.Duration
	last     time.Time
	next     time.Time
}

func newSweeper(cfg config.AgentConfig) *sweeper {
	schedule := cfg.CleanupSchedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	if !gronx.New().IsValid(schedule) {
		slog.Warn("agent.bad_cleanup_schedule", "schedule", schedule, "using", defaultSchedule)
		schedule = defaultSchedule
	}

	minEvery := time.Duration(cfg.SweepHours) * time.Hour
	if minEvery <= 0 {
		minEvery = 24 * time.Hour
	}

	s := &sweeper{schedule: schedule, minEvery: minEvery}
	if next, err := gronx.NextTick(schedule, false); err == nil {
		s.next = next
	}
	return s
}

// maybe fires fn in a goroutine when the sweep is due.
func (s *sweeper) maybe(fn func()) {
	now := time.Now()

	s.mu.Lock()
	due := !s.next.IsZero() && now.After(s.next) && now.Sub(s.last) >= s.minEvery
	if due {
		s.last = now
		next, err := gronx.NextTickAfter(s.schedule, now, false)
		if err != nil {
			next = now.Add(s.minEvery)
		}
		s.next = next
	}
	s.mu.Unlock()

	if due {
		go fn()
	}
}

// pruneArtifacts removes transcript files older than the retention window
// and reports how many were deleted. A missing directory is not an error.
func pruneArtifacts(dir string, olderThan time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			n++
		}
	}
	return n
}
