package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/fileref"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
	"github.com/nextlevelbuilder/gofer/internal/store"
	"github.com/nextlevelbuilder/gofer/internal/worker"
)

// contextFileCap bounds how much of one context file enters the prompt.
const contextFileCap = 16000

// Streamer drives one worker child and forwards its events. *worker.Driver
// is the production implementation.
type Streamer interface {
	Stream(ctx context.Context, req worker.Request, onEvent func(worker.Event) error) (worker.Result, error)
}

// RunRequest describes one agent run.
type RunRequest struct {
	Task          string
	WorkDir       string
	Model         string        // optional model pin
	ContextFiles  []string      // file contents appended to the prompt
	MaxIterations int           // overrides the configured quota when positive
	Timeout       time.Duration // overrides the configured deadline when positive
	Resume        string        // local session id to continue
}

// Supervisor runs agent sessions: it seeds the registry, drives the worker
// child, enforces quotas on every tool call, and writes the transcript
// artifacts.
type Supervisor struct {
	cfg    *config.Config
	reg    *Registry
	driver Streamer
	shaper *sizer.Sizer
	runlog store.RunLog

	outputDir string
	sweeper   *sweeper
}

// Option customizes the supervisor.
type Option func(*Supervisor)

// WithRunLog snapshots each session into the run log when it reaches a
// terminal status, so sessions survive process restarts.
func WithRunLog(rl store.RunLog) Option {
	return func(s *Supervisor) { s.runlog = rl }
}

// New constructs the supervisor and its registry.
func New(cfg *config.Config, driver Streamer, shaper *sizer.Sizer, opts ...Option) *Supervisor {
	dir := config.ExpandHome(cfg.Agent.OutputDir)
	s := &Supervisor{
		cfg:       cfg,
		reg:       RegistryFromConfig(cfg),
		driver:    driver,
		shaper:    shaper,
		outputDir: dir,
		sweeper:   newSweeper(cfg.Agent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes session records for status and listing surfaces.
func (s *Supervisor) Registry() *Registry { return s.reg }

// Run executes one agent leg to completion. The returned summary is valid
// whenever a session was seeded, including on failure; the error carries
// the terminal fault.
func (s *Supervisor) Run(ctx context.Context, req RunRequest) (Summary, error) {
	const op = "agent.run"

	if strings.TrimSpace(req.Task) == "" {
		return Summary{}, fault.New(fault.Validation, op, "task must not be empty")
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = s.cfg.Agent.MaxIterations
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.Agent.TimeoutMinutes) * time.Minute
	}
	deadline := time.Now().Add(timeout)

	var id, external string
	if req.Resume != "" {
		prev, err := s.reg.Get(req.Resume)
		if err != nil {
			return Summary{}, err
		}
		if prev.ExternalID == "" {
			return Summary{}, fault.Errorf(fault.Session, op,
				"agent session %s has no external session id; it cannot be resumed", req.Resume)
		}
		id, external = prev.ID, prev.ExternalID
		if err := s.reg.reopen(id, deadline); err != nil {
			return Summary{}, err
		}
	} else {
		var err error
		id, err = s.reg.Create(req.Task, req.WorkDir, req.Model, maxIter, deadline)
		if err != nil {
			return Summary{}, err
		}
	}

	// @file references in the task resolve before the context files append,
	// so reference expansion never rescans embedded content.
	expanded, err := fileref.Expand(ctx, req.Task, req.WorkDir, nil)
	if err != nil {
		s.fail(ctx, id, err)
		return s.summarize(id), err
	}
	prompt, err := buildPrompt(expanded, req.ContextFiles)
	if err != nil {
		s.fail(ctx, id, err)
		return s.summarize(id), err
	}

	started := time.Now()
	trans, err := openTranscript(s.outputDir, id, req.Task, started)
	if err != nil {
		err = fault.Wrapf(fault.Filesystem, op, err, "open transcript in %s", s.outputDir)
		s.fail(ctx, id, err)
		return s.summarize(id), err
	}

	buf := newCappedBuffer(s.cfg.Agent.MaxBufferChars, trans.path)
	_ = s.reg.SetStatus(id, StatusRunning)
	slog.Info("agent.run_started",
		"session", id,
		"resume", req.Resume != "",
		"max_iterations", maxIter,
		"deadline", deadline.Format(time.RFC3339))

	sawText := false
	res, runErr := s.driver.Stream(ctx, worker.Request{
		Prompt:     prompt,
		Model:      req.Model,
		ToolTag:    "agent_run",
		AllowTools: true,
		Yolo:       true,
		Resume:     external,
		Dir:        req.WorkDir,
		Timeout:    timeout,
	}, func(ev worker.Event) error {
		switch ev.Type {
		case worker.EventSession:
			if ev.SessionID != "" {
				_ = s.reg.SetExternalID(id, ev.SessionID)
			}
		case worker.EventText, worker.EventMessage:
			sawText = true
			trans.append(ev.Text)
			buf.writeString(ev.Text)
		case worker.EventToolUse, worker.EventToolCode:
			if err := s.reg.CheckLimits(id); err != nil {
				return err
			}
			_ = s.reg.RecordToolCall(id, ev.ToolName, ev.ToolInput)
			trans.append(fmt.Sprintf("\n[tool %s] %s\n", ev.ToolName, renderInput(ev.ToolInput)))
		case worker.EventToolResult:
			if code, ok := resultExitCode(ev.ToolInput); ok {
				_ = s.reg.RecordShellExit(id, code)
			}
			if ev.Text != "" {
				trans.append(fmt.Sprintf("\n[result] %s\n", ev.Text))
			}
		case worker.EventUsage, worker.EventStats:
			_ = s.reg.UpdateTokens(id, ev.InputTokens, ev.OutputTokens)
		case worker.EventError:
			trans.append(fmt.Sprintf("\n[error] %s\n", ev.ErrMessage))
		case worker.EventResult:
			if !sawText && ev.Text != "" {
				trans.append(ev.Text)
				buf.writeString(ev.Text)
			}
		}
		return nil
	})

	if res.SessionID != "" {
		_ = s.reg.SetExternalID(id, res.SessionID)
	}

	status := StatusCompleted
	truncNote := ""
	if runErr != nil {
		status = StatusFailed
		switch fault.KindOf(runErr) {
		case fault.LimitExceeded, fault.Timeout, fault.Cancelled:
			truncNote = fmt.Sprintf("child terminated: %v", runErr)
		}
	}
	trans.close(status, truncNote)

	if runErr == nil {
		sess, _ := s.reg.Get(id)
		if sess.InputTokens == 0 && sess.OutputTokens == 0 {
			_ = s.reg.UpdateTokens(id, res.InputTokens, res.OutputTokens)
		}
		_ = s.reg.SetResult(id, buf.String())
	} else {
		// The full artifact survives every failure; its path rides in the
		// session error so the caller can recover the partial output.
		_ = s.reg.SetError(id, fmt.Sprintf("%v (full transcript: %s)", runErr, trans.path))
	}
	_ = s.reg.SetStatus(id, status)

	summaryPath := s.writeSummary(id, trans.path, runErr != nil)
	_ = s.reg.SetArtifacts(id, trans.path, summaryPath)
	s.persist(ctx, id)

	slog.Info("agent.run_finished",
		"session", id,
		"status", status,
		"elapsed", time.Since(started).Round(time.Millisecond),
		"transcript", trans.path)

	s.sweeper.maybe(func() { s.Sweep() })
	return s.summarize(id), runErr
}

// Sweep drops old terminal sessions and prunes expired artifacts. Safe to
// call directly; the scheduled path runs it in the background.
func (s *Supervisor) Sweep() (sessions, files int) {
	retention := time.Duration(s.cfg.Agent.RetentionDays) * 24 * time.Hour
	sessions = s.reg.Cleanup(retention)
	files = pruneArtifacts(s.outputDir, retention)
	if sessions > 0 || files > 0 {
		slog.Info("agent.sweep", "sessions", sessions, "files", files)
	}
	return sessions, files
}

// writeSummary generates the <id>-summary.txt artifact from the full
// transcript. Returns the path, or empty when generation failed.
func (s *Supervisor) writeSummary(id, fullPath string, failed bool) string {
	body, err := os.ReadFile(fullPath)
	if err != nil {
		slog.Warn("agent.summary_failed", "session", id, "error", err)
		return ""
	}

	var b strings.Builder
	b.WriteString(s.shaper.Summarize(string(body), fullPath))

	sum, _ := s.reg.Summary(id)
	if sum.ResumeCommand != "" {
		fmt.Fprintf(&b, "\n\nResume: %s\n", sum.ResumeCommand)
	}
	if failed {
		fmt.Fprintf(&b, "Recovery: inspect %s for the partial output, then resume the session or retry with a narrower task.\n", fullPath)
	}

	path := filepath.Join(s.outputDir, id+"-summary.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		slog.Warn("agent.summary_failed", "session", id, "error", err)
		return ""
	}
	return path
}

func (s *Supervisor) fail(ctx context.Context, id string, err error) {
	_ = s.reg.SetError(id, err.Error())
	_ = s.reg.SetStatus(id, StatusFailed)
	s.persist(ctx, id)
}

// persist snapshots the session into the run log. Best effort: the log
// never fails the run it records. The snapshot of a cancelled or timed-out
// run is exactly the one worth keeping, so the save outlives ctx.
func (s *Supervisor) persist(ctx context.Context, id string) {
	if s.runlog == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	sum, err := s.reg.Summary(id)
	if err != nil {
		return
	}
	sess, err := s.reg.Get(id)
	if err != nil {
		return
	}
	snap := store.AgentSession{
		ID:           sum.ID,
		ExternalID:   sum.ExternalID,
		Status:       string(sum.Status),
		Task:         sum.Task,
		WorkDir:      sess.WorkDir,
		Model:        sum.Model,
		Iterations:   sum.Iterations,
		InputTokens:  int(sum.InputTokens),
		OutputTokens: int(sum.OutputTokens),
		Created:      sum.Created,
		Modified:     sum.Modified,
		Deleted:      sum.Deleted,
		Error:        sum.Error,
		StartedAt:    sum.StartedAt,
		FinishedAt:   sum.FinishedAt,
	}
	if err := s.runlog.SaveAgentSession(ctx, snap); err != nil {
		slog.Warn("agent.persist_failed", "session", id, "error", err)
	}
}

func (s *Supervisor) summarize(id string) Summary {
	sum, err := s.reg.Summary(id)
	if err != nil {
		return Summary{ID: id}
	}
	return sum
}

// buildPrompt appends context file contents to the task description. Each
// file is capped; the worker can read the originals itself when it needs
// more.
func buildPrompt(task string, files []string) (string, error) {
	if len(files) == 0 {
		return task, nil
	}

	var b strings.Builder
	b.WriteString(task)
	for _, p := range files {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fault.Wrapf(fault.Filesystem, "agent.run", err, "context file %s", p)
		}
		fmt.Fprintf(&b, "\n\n--- context: %s ---\n%s", p, sizer.MidTruncate(string(data), contextFileCap))
	}
	return b.String(), nil
}

// resultExitCode digs an exit status out of a tool result payload.
func resultExitCode(input map[string]any) (int, bool) {
	for _, key := range []string{"exit_code", "exitCode", "status", "code"} {
		switch v := input[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
	}
	return 0, false
}
