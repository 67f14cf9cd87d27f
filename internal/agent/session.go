// Package agent supervises long autonomous worker runs. An agent session is
// a worker CLI child that is allowed to use its own filesystem and shell
// tools; the supervisor enforces iteration and wall-clock quotas, keeps a
// ledger of every side effect the child reports, and persists full and
// summary transcripts per session.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
)

// Status is the lifecycle phase of an agent session. Transitions follow
// pending → running → {completed, failed}; a resume moves a terminal
// session back to running for the next leg.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// maxInputChars bounds the stored rendering of one tool input. Larger
// payloads are mid-truncated; the full transcript still has everything.
const maxInputChars = 2000

// ToolCall is one recorded tool invocation.
type ToolCall struct {
	Seq   int       `json:"seq"`
	Name  string    `json:"name"`
	Input string    `json:"input,omitempty"` // JSON rendering, mid-truncated
	Time  time.Time `json:"time"`
}

// ShellCommand is one shell execution observed in the stream. ExitCode is
// -1 until a tool result reports it.
type ShellCommand struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
}

// Session is the supervisor's record of one agent run.
type Session struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id,omitempty"` // CLI-native session id, absent until emitted
	Status     Status `json:"status"`
	Task       string `json:"task"`
	WorkDir    string `json:"workdir,omitempty"`
	Model      string `json:"model,omitempty"`

	Iterations    int       `json:"iterations"`
	MaxIterations int       `json:"max_iterations"`
	Deadline      time.Time `json:"deadline"`

	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Created   map[string]bool `json:"-"`
	Modified  map[string]bool `json:"-"`
	Deleted   map[string]bool `json:"-"`
	Read      map[string]bool `json:"-"`
	Shell     []ShellCommand  `json:"shell,omitempty"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	FullPath    string `json:"full_path,omitempty"`
	SummaryPath string `json:"summary_path,omitempty"`
}

// Summary is the caller-facing view of a session. Path sets are sorted.
type Summary struct {
	ID            string         `json:"id"`
	ExternalID    string         `json:"external_id,omitempty"`
	Status        Status         `json:"status"`
	Task          string         `json:"task"`
	Model         string         `json:"model,omitempty"`
	Iterations    int            `json:"iterations"`
	MaxIterations int            `json:"max_iterations"`
	InputTokens   int64          `json:"input_tokens"`
	OutputTokens  int64          `json:"output_tokens"`
	Created       []string       `json:"created,omitempty"`
	Modified      []string       `json:"modified,omitempty"`
	Deleted       []string       `json:"deleted,omitempty"`
	Read          []string       `json:"read,omitempty"`
	Shell         []ShellCommand `json:"shell,omitempty"`
	Result        string         `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
	FullPath      string         `json:"full_path,omitempty"`
	SummaryPath   string         `json:"summary_path,omitempty"`
	ResumeCommand string         `json:"resume_command,omitempty"`
}

// Registry holds every agent session for the process. Agent mode must be
// enabled by the operator before Create succeeds: agent runs relax the tool
// restrictions passed to the worker CLI.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	enabled bool
	command string // worker CLI name, for the resume command string
}

// NewRegistry returns an empty registry. command names the worker CLI used
// in resume command strings.
func NewRegistry(enabled bool, command string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		enabled:  enabled,
		command:  command,
	}
}

// RegistryFromConfig builds the registry from the agent and worker sections.
func RegistryFromConfig(cfg *config.Config) *Registry {
	return NewRegistry(cfg.Agent.Enabled, cfg.Worker.Command)
}

// Enabled reports whether the operator has switched agent mode on.
func (r *Registry) Enabled() bool { return r.enabled }

// Create seeds a pending session and returns its id. It fails with a
// Config error when agent mode is disabled.
func (r *Registry) Create(task, workdir, model string, maxIterations int, deadline time.Time) (string, error) {
	if !r.enabled {
		return "", fault.New(fault.Config, "agent.create",
			"agent mode is disabled; set agent.enabled=true in the config file or GOFER_AGENT_MODE=1")
	}

	s := &Session{
		ID:            uuid.NewString(),
		Status:        StatusPending,
		Task:          task,
		WorkDir:       workdir,
		Model:         model,
		MaxIterations: maxIterations,
		Deadline:      deadline,
		Created:       make(map[string]bool),
		Modified:      make(map[string]bool),
		Deleted:       make(map[string]bool),
		Read:          make(map[string]bool),
		StartedAt:     time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return s.ID, nil
}

// Get returns a deep copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fault.Errorf(fault.Session, "agent.get", "agent session %s not found", id)
	}
	return s.clone(), nil
}

// SetExternalID captures the CLI-native session id once the child emits it.
func (r *Registry) SetExternalID(id, external string) error {
	return r.update("agent.set_external_id", id, func(s *Session) {
		s.ExternalID = external
	})
}

// SetStatus moves the session to the given status. Terminal statuses stamp
// the finish time.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.update("agent.set_status", id, func(s *Session) {
		s.Status = status
		if status == StatusCompleted || status == StatusFailed {
			s.FinishedAt = time.Now()
		}
	})
}

// SetResult stores the final caller-facing text.
func (r *Registry) SetResult(id, result string) error {
	return r.update("agent.set_result", id, func(s *Session) {
		s.Result = result
	})
}

// SetError stores the terminal error text.
func (r *Registry) SetError(id, msg string) error {
	return r.update("agent.set_error", id, func(s *Session) {
		s.Error = msg
	})
}

// SetArtifacts records the transcript paths.
func (r *Registry) SetArtifacts(id, fullPath, summaryPath string) error {
	return r.update("agent.set_artifacts", id, func(s *Session) {
		s.FullPath = fullPath
		s.SummaryPath = summaryPath
	})
}

// UpdateTokens adds to the session's aggregate token counts.
func (r *Registry) UpdateTokens(id string, input, output int64) error {
	return r.update("agent.update_tokens", id, func(s *Session) {
		s.InputTokens += input
		s.OutputTokens += output
	})
}

// CheckLimits fails with LimitExceeded when the session has used up its
// iteration quota or passed its deadline. The supervisor calls this before
// recording each tool call and terminates the child on failure.
func (r *Registry) CheckLimits(id string) error {
	const op = "agent.check_limits"

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return fault.Errorf(fault.Session, op, "agent session %s not found", id)
	}
	if s.Iterations >= s.MaxIterations {
		return fault.Errorf(fault.LimitExceeded, op,
			"agent session %s hit its iteration limit (%d)", id, s.MaxIterations)
	}
	if !s.Deadline.IsZero() && time.Now().After(s.Deadline) {
		return fault.Errorf(fault.LimitExceeded, op,
			"agent session %s passed its deadline (%s)", id, s.Deadline.Format(time.RFC3339))
	}
	return nil
}

// RecordToolCall logs one tool invocation, increments the iteration counter
// by exactly one, and derives the semantic side effect from the tool name
// and input.
func (r *Registry) RecordToolCall(id, name string, input map[string]any) error {
	return r.update("agent.record_tool_call", id, func(s *Session) {
		s.Iterations++
		s.ToolCalls = append(s.ToolCalls, ToolCall{
			Seq:   s.Iterations,
			Name:  name,
			Input: renderInput(input),
			Time:  time.Now(),
		})
		s.recordEffect(name, input)
	})
}

// RecordShellExit backfills the exit status of the most recent shell
// command once the tool result reports it.
func (r *Registry) RecordShellExit(id string, exitCode int) error {
	return r.update("agent.record_shell_exit", id, func(s *Session) {
		if n := len(s.Shell); n > 0 && s.Shell[n-1].ExitCode < 0 {
			s.Shell[n-1].ExitCode = exitCode
		}
	})
}

// Summary builds the caller-facing view of the session.
func (r *Registry) Summary(id string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Summary{}, fault.Errorf(fault.Session, "agent.summary", "agent session %s not found", id)
	}

	sum := Summary{
		ID:            s.ID,
		ExternalID:    s.ExternalID,
		Status:        s.Status,
		Task:          s.Task,
		Model:         s.Model,
		Iterations:    s.Iterations,
		MaxIterations: s.MaxIterations,
		InputTokens:   s.InputTokens,
		OutputTokens:  s.OutputTokens,
		Created:       sortedKeys(s.Created),
		Modified:      sortedKeys(s.Modified),
		Deleted:       sortedKeys(s.Deleted),
		Read:          sortedKeys(s.Read),
		Shell:         append([]ShellCommand(nil), s.Shell...),
		Result:        s.Result,
		Error:         s.Error,
		StartedAt:     s.StartedAt,
		FinishedAt:    s.FinishedAt,
		FullPath:      s.FullPath,
		SummaryPath:   s.SummaryPath,
	}
	if s.ExternalID != "" {
		sum.ResumeCommand = fmt.Sprintf("%s --resume %s", r.command, s.ExternalID)
	}
	return sum, nil
}

// List returns summaries for every session in the given status, newest
// first. An empty status returns everything.
func (r *Registry) List(status Status) []Summary {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if status != "" && s.Status != status {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		if sum, err := r.Summary(id); err == nil {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Delete removes the session record. Artifacts on disk are left for the
// retention sweep.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fault.Errorf(fault.Session, "agent.delete", "agent session %s not found", id)
	}
	delete(r.sessions, id)
	return nil
}

// Cleanup drops terminal sessions that finished before the window and
// reports how many were removed.
func (r *Registry) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.sessions {
		if s.Status != StatusCompleted && s.Status != StatusFailed {
			continue
		}
		at := s.FinishedAt
		if at.IsZero() {
			at = s.StartedAt
		}
		if at.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// reopen readies a terminal session for a resumed leg: status back to
// running, fresh deadline, error cleared. The iteration counter keeps
// accumulating across legs.
func (r *Registry) reopen(id string, deadline time.Time) error {
	return r.update("agent.reopen", id, func(s *Session) {
		s.Status = StatusRunning
		s.Deadline = deadline
		s.Error = ""
		s.FinishedAt = time.Time{}
	})
}

func (r *Registry) update(op, id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fault.Errorf(fault.Session, op, "agent session %s not found", id)
	}
	fn(s)
	return nil
}

// recordEffect derives the semantic side effect of a tool call. Unknown
// tools are recorded in the call list only.
func (s *Session) recordEffect(name string, input map[string]any) {
	switch name {
	case "write_file", "save_file", "create_file":
		path := inputPath(input)
		if path == "" {
			return
		}
		if s.touched(path) {
			s.Modified[path] = true
		} else {
			s.Created[path] = true
		}
	case "read_file", "view_file":
		if path := inputPath(input); path != "" {
			s.Read[path] = true
		}
	case "delete_file", "remove_file":
		if path := inputPath(input); path != "" {
			s.Deleted[path] = true
		}
	case "run_shell_command", "shell", "execute", "bash":
		if cmd := inputCommand(input); cmd != "" {
			s.Shell = append(s.Shell, ShellCommand{Command: cmd, ExitCode: -1})
		}
	}
}

// touched reports whether any prior call saw the path.
func (s *Session) touched(path string) bool {
	return s.Created[path] || s.Modified[path] || s.Deleted[path] || s.Read[path]
}

func (s *Session) clone() Session {
	out := *s
	out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	out.Shell = append([]ShellCommand(nil), s.Shell...)
	out.Created = copySet(s.Created)
	out.Modified = copySet(s.Modified)
	out.Deleted = copySet(s.Deleted)
	out.Read = copySet(s.Read)
	return out
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// renderInput JSON-encodes a tool input for the call record, mid-truncated
// so one giant payload cannot bloat the session.
func renderInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return sizer.MidTruncate(string(b), maxInputChars)
}

// inputPath extracts the file path argument under its common spellings.
func inputPath(input map[string]any) string {
	for _, key := range []string{"path", "file_path", "filename", "file"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// inputCommand extracts the shell command argument.
func inputCommand(input map[string]any) string {
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
