// Package store persists the run log: one row per orchestrated request,
// one row per execution/review/correction step, and a snapshot per agent
// session. The backend is chosen by DSN at startup (empty disables the log,
// postgres:// selects the pg backend, anything else is a SQLite file path);
// engine behavior is identical with the log disabled.
package store

import (
	"context"
	"time"
)

// Step kinds recorded per run leg.
const (
	StepExec       = "exec"
	StepReview     = "review"
	StepCorrection = "correction"
)

// Run is one orchestrated request, recorded after it finishes.
type Run struct {
	ID           string
	Task         string // truncated prompt sample
	ToolTag      string
	Model        string
	AuthMethod   string
	Cached       bool
	Verdict      string // approved or exhausted; empty when review never ran
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	ElapsedMS    int64
	CreatedAt    time.Time
}

// Step is one leg of a run: the initial execution, a review pass, or a
// correction retry.
type Step struct {
	RunID        string
	Seq          int
	Kind         string
	Model        string
	Attempt      int
	Verdict      string
	Sample       string // truncated output sample
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// AgentSession is the persisted snapshot of an agent session. Path sets are
// sorted slices; FinishedAt is zero while the session is still running.
type AgentSession struct {
	ID           string
	ExternalID   string
	Status       string
	Task         string
	WorkDir      string
	Model        string
	Iterations   int
	InputTokens  int
	OutputTokens int
	Created      []string
	Modified     []string
	Deleted      []string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RunLog is the persistence surface the orchestrator writes to. Save calls
// must not fail the request they record; callers log and continue on error.
type RunLog interface {
	SaveRun(ctx context.Context, r Run) error
	SaveStep(ctx context.Context, s Step) error
	SaveAgentSession(ctx context.Context, s AgentSession) error
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	RunSteps(ctx context.Context, runID string) ([]Step, error)
	AgentSessions(ctx context.Context, limit int) ([]AgentSession, error)
	Close() error
}

// Disabled is the no-op run log used when no DSN is configured.
type Disabled struct{}

func (Disabled) SaveRun(context.Context, Run) error { return nil }

func (Disabled) SaveStep(context.Context, Step) error { return nil }

func (Disabled) SaveAgentSession(context.Context, AgentSession) error { return nil }

func (Disabled) RecentRuns(context.Context, int) ([]Run, error) { return nil, nil }

func (Disabled) RunSteps(context.Context, string) ([]Step, error) { return nil, nil }

func (Disabled) AgentSessions(context.Context, int) ([]AgentSession, error) { return nil, nil }

func (Disabled) Close() error { return nil }
