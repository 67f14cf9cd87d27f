package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
	"github.com/nextlevelbuilder/gofer/internal/store"
	"github.com/nextlevelbuilder/gofer/internal/worker"
)

// fakeStreamer replays canned events. A callback error stops the replay and
// is returned, mirroring how the driver terminates the child.
type fakeStreamer struct {
	events []worker.Event
	result worker.Result
	err    error

	gotReq worker.Request
}

func (f *fakeStreamer) Stream(ctx context.Context, req worker.Request, onEvent func(worker.Event) error) (worker.Result, error) {
	f.gotReq = req
	for _, ev := range f.events {
		if err := onEvent(ev); err != nil {
			return worker.Result{}, err
		}
	}
	if f.err != nil {
		return worker.Result{}, f.err
	}
	return f.result, nil
}

func testSupervisor(t *testing.T, fake *fakeStreamer, opts ...Option) *Supervisor {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.Enabled = true
	cfg.Agent.OutputDir = t.TempDir()
	return New(cfg, fake, sizer.New(cfg.Agent.OutputDir, sizer.Budgets{}), opts...)
}

func toolUse(name string, input map[string]any) worker.Event {
	return worker.Event{Type: worker.EventToolUse, ToolName: name, ToolInput: input}
}

func TestRun_Success(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{
			{Type: worker.EventSession, SessionID: "ext-7"},
			{Type: worker.EventText, Text: "working on it\n"},
			toolUse("write_file", map[string]any{"path": "out.go"}),
			toolUse("read_file", map[string]any{"path": "in.go"}),
			{Type: worker.EventUsage, InputTokens: 200, OutputTokens: 50},
			{Type: worker.EventText, Text: "done\n"},
		},
		result: worker.Result{Model: "gemini-2.5-pro", SessionID: "ext-7"},
	}
	sup := testSupervisor(t, fake)

	sum, err := sup.Run(context.Background(), RunRequest{Task: "write out.go from in.go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", sum.Status)
	}
	if sum.ExternalID != "ext-7" {
		t.Errorf("external id = %q, want ext-7", sum.ExternalID)
	}
	if sum.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", sum.Iterations)
	}
	if len(sum.Created) != 1 || sum.Created[0] != "out.go" {
		t.Errorf("created = %v, want [out.go]", sum.Created)
	}
	if len(sum.Read) != 1 || sum.Read[0] != "in.go" {
		t.Errorf("read = %v, want [in.go]", sum.Read)
	}
	if sum.InputTokens != 200 || sum.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want 200/50", sum.InputTokens, sum.OutputTokens)
	}
	if sum.ResumeCommand != "gemini --resume ext-7" {
		t.Errorf("resume command = %q", sum.ResumeCommand)
	}
	if sum.Result != "working on it\ndone\n" {
		t.Errorf("result = %q", sum.Result)
	}

	if !fake.gotReq.AllowTools || !fake.gotReq.Yolo {
		t.Error("agent run must keep tools enabled and auto-accept them")
	}
	if fake.gotReq.ToolTag != "agent_run" {
		t.Errorf("tool tag = %q, want agent_run", fake.gotReq.ToolTag)
	}

	full, err := os.ReadFile(sum.FullPath)
	if err != nil {
		t.Fatalf("full transcript: %v", err)
	}
	for _, want := range []string{"working on it", "[tool write_file]", "=== session completed ==="} {
		if !strings.Contains(string(full), want) {
			t.Errorf("full transcript missing %q", want)
		}
	}

	summary, err := os.ReadFile(sum.SummaryPath)
	if err != nil {
		t.Fatalf("summary artifact: %v", err)
	}
	if !strings.Contains(string(summary), "Resume: gemini --resume ext-7") {
		t.Error("summary artifact is missing the resume command")
	}
	if filepath.Dir(sum.FullPath) != filepath.Dir(sum.SummaryPath) {
		t.Error("artifacts are not side by side")
	}
}

func TestRun_IterationLimitTerminates(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{
			{Type: worker.EventSession, SessionID: "ext-9"},
			toolUse("shell", map[string]any{"command": "step 1"}),
			toolUse("shell", map[string]any{"command": "step 2"}),
			toolUse("shell", map[string]any{"command": "step 3"}),
		},
	}
	sup := testSupervisor(t, fake)

	sum, err := sup.Run(context.Background(), RunRequest{Task: "loop forever", MaxIterations: 2})
	if err == nil {
		t.Fatal("Run succeeded past its iteration limit")
	}
	if got := fault.KindOf(err); got != fault.LimitExceeded {
		t.Errorf("kind = %s, want %s", got, fault.LimitExceeded)
	}

	if sum.Status != StatusFailed {
		t.Errorf("status = %s, want failed", sum.Status)
	}
	if sum.Iterations != 2 {
		t.Errorf("iterations = %d, want 2: the third call must not be recorded", sum.Iterations)
	}
	if !strings.Contains(sum.Error, "full transcript:") {
		t.Errorf("failure %q does not carry the artifact path", sum.Error)
	}

	full, _ := os.ReadFile(sum.FullPath)
	if !strings.Contains(string(full), "output truncated") {
		t.Error("transcript footer is missing the truncation note")
	}
}

func TestRun_StreamFailureKeepsArtifact(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{{Type: worker.EventText, Text: "partial output\n"}},
		err:    fault.New(fault.Process, "worker.stream", "worker exited with code 1 (check task description)"),
	}
	sup := testSupervisor(t, fake)

	sum, err := sup.Run(context.Background(), RunRequest{Task: "doomed"})
	if err == nil {
		t.Fatal("Run swallowed the stream failure")
	}
	if sum.Status != StatusFailed {
		t.Errorf("status = %s, want failed", sum.Status)
	}

	full, readErr := os.ReadFile(sum.FullPath)
	if readErr != nil {
		t.Fatalf("full artifact missing after failure: %v", readErr)
	}
	if !strings.Contains(string(full), "partial output") {
		t.Error("partial output did not reach the artifact")
	}
}

func TestRun_Resume(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{
			{Type: worker.EventSession, SessionID: "ext-11"},
			{Type: worker.EventText, Text: "first leg\n"},
			toolUse("shell", map[string]any{"command": "true"}),
		},
	}
	sup := testSupervisor(t, fake)

	first, err := sup.Run(context.Background(), RunRequest{Task: "start the work"})
	if err != nil {
		t.Fatal(err)
	}

	fake.events = []worker.Event{
		{Type: worker.EventText, Text: "second leg\n"},
		toolUse("shell", map[string]any{"command": "true"}),
	}
	second, err := sup.Run(context.Background(), RunRequest{Task: "keep going", Resume: first.ID})
	if err != nil {
		t.Fatal(err)
	}

	if fake.gotReq.Resume != "ext-11" {
		t.Errorf("resume leg passed %q to the worker, want ext-11", fake.gotReq.Resume)
	}
	if second.ID != first.ID {
		t.Error("resume seeded a new session instead of reopening")
	}
	if second.Iterations != 2 {
		t.Errorf("iterations = %d, want 2 accumulated across legs", second.Iterations)
	}
	if second.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", second.Status)
	}
}

func TestRun_ResumeNeedsExternalID(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{{Type: worker.EventText, Text: "no session event\n"}},
	}
	sup := testSupervisor(t, fake)

	first, err := sup.Run(context.Background(), RunRequest{Task: "start"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = sup.Run(context.Background(), RunRequest{Task: "again", Resume: first.ID})
	if got := fault.KindOf(err); got != fault.Session {
		t.Errorf("kind = %s, want %s", got, fault.Session)
	}

	if _, err := sup.Run(context.Background(), RunRequest{Task: "again", Resume: "nope"}); err == nil {
		t.Error("resume of an unknown session succeeded")
	}
}

func TestRun_Validation(t *testing.T) {
	sup := testSupervisor(t, &fakeStreamer{})

	if _, err := sup.Run(context.Background(), RunRequest{Task: "  "}); fault.KindOf(err) != fault.Validation {
		t.Errorf("blank task error = %v, want validation", err)
	}

	cfg := config.Default()
	cfg.Agent.OutputDir = t.TempDir()
	disabled := New(cfg, &fakeStreamer{}, sizer.New(cfg.Agent.OutputDir, sizer.Budgets{}))
	if _, err := disabled.Run(context.Background(), RunRequest{Task: "task"}); fault.KindOf(err) != fault.Config {
		t.Errorf("disabled gate error = %v, want config", err)
	}
}

func TestRun_ContextFiles(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(notes, []byte("remember the edge case"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeStreamer{events: []worker.Event{{Type: worker.EventText, Text: "ok"}}}
	sup := testSupervisor(t, fake)

	if _, err := sup.Run(context.Background(), RunRequest{Task: "fix it", ContextFiles: []string{notes}}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fake.gotReq.Prompt, "fix it") ||
		!strings.Contains(fake.gotReq.Prompt, "remember the edge case") ||
		!strings.Contains(fake.gotReq.Prompt, "--- context: ") {
		t.Errorf("prompt did not embed the context file:\n%s", fake.gotReq.Prompt)
	}

	_, err := sup.Run(context.Background(), RunRequest{Task: "fix it", ContextFiles: []string{filepath.Join(dir, "missing.md")}})
	if got := fault.KindOf(err); got != fault.Filesystem {
		t.Errorf("missing context file kind = %s, want %s", got, fault.Filesystem)
	}
}

func TestRun_ExpandsFileReferences(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("remember the edge case"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeStreamer{events: []worker.Event{{Type: worker.EventText, Text: "ok"}}}
	sup := testSupervisor(t, fake)

	if _, err := sup.Run(context.Background(), RunRequest{Task: "apply @notes.md", WorkDir: dir}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fake.gotReq.Prompt, "remember the edge case") {
		t.Errorf("@reference was not expanded:\n%s", fake.gotReq.Prompt)
	}

	_, err := sup.Run(context.Background(), RunRequest{Task: "apply @gone.md", WorkDir: dir})
	if got := fault.KindOf(err); got != fault.Validation {
		t.Errorf("missing @reference kind = %s, want %s", got, fault.Validation)
	}
}

func TestRun_ShellExitBackfill(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{
			toolUse("run_shell_command", map[string]any{"command": "go test ./..."}),
			{Type: worker.EventToolResult, ToolName: "run_shell_command",
				ToolInput: map[string]any{"exit_code": float64(1)}, Text: "FAIL"},
			{Type: worker.EventText, Text: "tests failed, investigating\n"},
		},
	}
	sup := testSupervisor(t, fake)

	sum, err := sup.Run(context.Background(), RunRequest{Task: "run the tests"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Shell) != 1 {
		t.Fatalf("shell = %v, want one entry", sum.Shell)
	}
	if sum.Shell[0].ExitCode != 1 {
		t.Errorf("exit = %d, want 1 backfilled from the tool result", sum.Shell[0].ExitCode)
	}

	full, _ := os.ReadFile(sum.FullPath)
	if !strings.Contains(string(full), "FAIL") {
		t.Error("tool result output missing from the transcript")
	}
}

func TestRun_FallsBackToResultText(t *testing.T) {
	fake := &fakeStreamer{
		events: []worker.Event{
			{Type: worker.EventResult, Text: "final answer"},
		},
		result: worker.Result{Text: "final answer", InputTokens: 12, OutputTokens: 3},
	}
	sup := testSupervisor(t, fake)

	sum, err := sup.Run(context.Background(), RunRequest{Task: "quick"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Result != "final answer" {
		t.Errorf("result = %q, want the result event text", sum.Result)
	}
	if sum.InputTokens != 12 || sum.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want the driver totals as fallback", sum.InputTokens, sum.OutputTokens)
	}
}

// memRunLog records agent session snapshots; everything else is a no-op.
type memRunLog struct {
	snapshots []store.AgentSession
}

func (l *memRunLog) SaveRun(context.Context, store.Run) error   { return nil }
func (l *memRunLog) SaveStep(context.Context, store.Step) error { return nil }
func (l *memRunLog) SaveAgentSession(_ context.Context, s store.AgentSession) error {
	l.snapshots = append(l.snapshots, s)
	return nil
}
func (l *memRunLog) RecentRuns(context.Context, int) ([]store.Run, error)   { return nil, nil }
func (l *memRunLog) RunSteps(context.Context, string) ([]store.Step, error) { return nil, nil }
func (l *memRunLog) AgentSessions(context.Context, int) ([]store.AgentSession, error) {
	return l.snapshots, nil
}
func (l *memRunLog) Close() error { return nil }

func TestRun_PersistsSnapshot(t *testing.T) {
	log := &memRunLog{}
	fake := &fakeStreamer{
		events: []worker.Event{
			{Type: worker.EventSession, SessionID: "ext-21"},
			toolUse("write_file", map[string]any{"path": "out.go"}),
			{Type: worker.EventUsage, InputTokens: 30, OutputTokens: 7},
		},
	}
	sup := testSupervisor(t, fake, WithRunLog(log))

	dir := t.TempDir()
	sum, err := sup.Run(context.Background(), RunRequest{Task: "persist me", WorkDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	if len(log.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(log.snapshots))
	}
	snap := log.snapshots[0]
	if snap.ID != sum.ID {
		t.Errorf("snapshot id = %q, want %q", snap.ID, sum.ID)
	}
	if snap.Status != string(StatusCompleted) {
		t.Errorf("snapshot status = %q, want completed", snap.Status)
	}
	if snap.ExternalID != "ext-21" || snap.Task != "persist me" || snap.WorkDir != dir {
		t.Errorf("snapshot = %+v, want external id, task and workdir carried over", snap)
	}
	if snap.InputTokens != 30 || snap.OutputTokens != 7 {
		t.Errorf("snapshot tokens = %d/%d, want 30/7", snap.InputTokens, snap.OutputTokens)
	}
	if len(snap.Created) != 1 || snap.Created[0] != "out.go" {
		t.Errorf("snapshot created = %v, want [out.go]", snap.Created)
	}
	if snap.FinishedAt.IsZero() {
		t.Error("snapshot of a finished session has no FinishedAt")
	}
}

func TestRun_PersistsFailedSnapshot(t *testing.T) {
	log := &memRunLog{}
	fake := &fakeStreamer{
		events: []worker.Event{{Type: worker.EventText, Text: "partial\n"}},
		err:    fault.New(fault.Process, "worker.stream", "worker exited with code 1"),
	}
	sup := testSupervisor(t, fake, WithRunLog(log))

	// A cancelled context must not block the snapshot: the interrupted run
	// is exactly the one worth finding in the log afterwards.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, runErr := sup.Run(ctx, RunRequest{Task: "doomed"})
	if runErr == nil {
		t.Fatal("Run swallowed the stream failure")
	}

	if len(log.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(log.snapshots))
	}
	snap := log.snapshots[0]
	if snap.Status != string(StatusFailed) {
		t.Errorf("snapshot status = %q, want failed", snap.Status)
	}
	if snap.Error == "" {
		t.Error("failed snapshot carries no error")
	}
}
