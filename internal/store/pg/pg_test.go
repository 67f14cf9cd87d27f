package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gofer/internal/store"
)

// These tests need a live server; set GOFER_TEST_POSTGRES_DSN to run them.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GOFER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GOFER_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunAndStepsRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	runID := uuid.NewString()

	run := store.Run{
		ID: runID, Task: "draft a migration plan", ToolTag: "code_draft",
		Model: "gemini-2.5-pro", AuthMethod: "api_key", Verdict: "corrected",
		InputTokens: 40, OutputTokens: 90, CostUSD: 0.01, ElapsedMS: 2200,
		CreatedAt: time.Now(),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	for seq, kind := range []string{store.StepExec, store.StepReview} {
		st := store.Step{RunID: runID, Seq: seq + 1, Kind: kind, Model: run.Model, Attempt: 1}
		if err := s.SaveStep(ctx, st); err != nil {
			t.Fatalf("SaveStep(%s): %v", kind, err)
		}
	}

	steps, err := s.RunSteps(ctx, runID)
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if len(steps) != 2 || steps[0].Kind != store.StepExec || steps[1].Kind != store.StepReview {
		t.Fatalf("steps = %+v", steps)
	}

	runs, err := s.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	found := false
	for _, r := range runs {
		if r.ID == runID {
			found = true
			if r.Verdict != "corrected" || r.InputTokens != 40 || r.OutputTokens != 90 {
				t.Errorf("run fields lost: %+v", r)
			}
		}
	}
	if !found {
		t.Errorf("saved run %s missing from RecentRuns", runID)
	}
}

func TestAgentSessionUpsert(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := uuid.NewString()
	started := time.Now().Add(-time.Minute)

	first := store.AgentSession{
		ID: id, Status: "running", Task: "fix the flaky watcher test",
		WorkDir: "/tmp/w", Model: "gemini-2.5-pro", StartedAt: started,
	}
	if err := s.SaveAgentSession(ctx, first); err != nil {
		t.Fatalf("SaveAgentSession: %v", err)
	}

	second := first
	second.ExternalID = "ext-1"
	second.Status = "completed"
	second.Iterations = 4
	second.Created = []string{"watcher_test.go"}
	second.FinishedAt = time.Now()
	if err := s.SaveAgentSession(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.AgentSessions(ctx, 50)
	if err != nil {
		t.Fatalf("AgentSessions: %v", err)
	}
	var match *store.AgentSession
	for i := range got {
		if got[i].ID == id {
			if match != nil {
				t.Fatalf("upsert duplicated session %s", id)
			}
			match = &got[i]
		}
	}
	if match == nil {
		t.Fatalf("session %s missing", id)
	}
	if match.Status != "completed" || match.ExternalID != "ext-1" || match.Iterations != 4 {
		t.Errorf("upserted fields = %+v", match)
	}
	if len(match.Created) != 1 || match.Created[0] != "watcher_test.go" {
		t.Errorf("Created = %v", match.Created)
	}
	if match.FinishedAt.IsZero() {
		t.Error("FinishedAt not persisted")
	}
}
