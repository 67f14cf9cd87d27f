// Package orchestrate coordinates the engine: one Orchestrator owns the
// router, driver, conversation store, agent supervisor, usage tracker, cache,
// run log, and event bus, and runs the supervisor/worker review loop on top
// of them. Hosts construct one and hand it to the MCP server, the gateway,
// and the CLI commands.
package orchestrate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/gofer/internal/agent"
	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/bus"
	"github.com/nextlevelbuilder/gofer/internal/cache"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/convo"
	"github.com/nextlevelbuilder/gofer/internal/ratelimit"
	"github.com/nextlevelbuilder/gofer/internal/router"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
	"github.com/nextlevelbuilder/gofer/internal/store"
	"github.com/nextlevelbuilder/gofer/internal/tracing"
	"github.com/nextlevelbuilder/gofer/internal/worker"
)

// sampleChars bounds the prompt/output samples stored in the run log.
const sampleChars = 500

// Phase is one stage of a run, emitted as progress.
type Phase string

const (
	PhaseRouting    Phase = "routing"
	PhaseExecuting  Phase = "executing"
	PhaseReview     Phase = "review"
	PhaseCorrection Phase = "correction"
	PhaseComplete   Phase = "complete"
)

// Final review verdicts.
const (
	VerdictApproved  = "approved"
	VerdictExhausted = "exhausted"
)

// Progress is one progress tick, delivered on the per-run channel and
// mirrored to the bus.
type Progress struct {
	RunID   string `json:"run_id"`
	Phase   Phase  `json:"phase"`
	Model   string `json:"model,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// RunNotice is the bus payload broadcast when a run finishes.
type RunNotice struct {
	RunID        string `json:"run_id"`
	Model        string `json:"model"`
	Verdict      string `json:"verdict,omitempty"`
	Cached       bool   `json:"cached"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

// ReviewMode selects when the supervisor pass runs.
type ReviewMode int

const (
	ReviewAuto   ReviewMode = iota // by task type
	ReviewAlways                   // force a review pass
	ReviewNever                    // skip review
)

// Request is one orchestrated ask.
type Request struct {
	Task       string
	Model      string // explicit model hint
	ToolTag    string
	PreferFast bool
	NoCache    bool
	CacheTTL   time.Duration // per-entry cache lifetime override
	Review     ReviewMode
	Timeout    time.Duration

	// Progress receives phase ticks when non-nil. Sends never block; Run
	// closes the channel when the run finishes, errors, or is cancelled.
	Progress chan<- Progress
}

// TokenCount is per-model token attribution.
type TokenCount struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Outcome is the final result of an orchestrated run.
type Outcome struct {
	RunID        string
	Text         string
	Model        string // model whose text is returned
	AuthUsed     auth.Method
	Cached       bool
	Verdict      string // approved, exhausted; empty when review never ran
	Note         string // set when review degraded or retries ran out
	Attempts     int    // review attempts performed
	InputTokens  int64
	OutputTokens int64
	Usage        map[string]TokenCount
	CostUSD      float64
	Elapsed      time.Duration
}

// Execer is the single-call driver surface the loop uses.
type Execer interface {
	Execute(ctx context.Context, req worker.Request) (worker.Result, error)
}

// Deps carries the shared services the orchestrator coordinates. RunLog and
// Bus may be nil; Cache may be nil when caching is disabled.
type Deps struct {
	Router  *router.Router
	Driver  Execer
	Convos  *convo.Store
	Agents  *agent.Supervisor
	Tracker *ratelimit.Tracker
	Cache   *cache.Cache
	RunLog  store.RunLog
	Bus     *bus.Bus
}

// Orchestrator is the engine façade.
type Orchestrator struct {
	cfg     *config.Config
	router  *router.Router
	driver  Execer
	convos  *convo.Store
	agents  *agent.Supervisor
	tracker *ratelimit.Tracker
	cache   *cache.Cache
	runlog  store.RunLog
	bus     *bus.Bus
}

// New wires an Orchestrator from its dependencies.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	runlog := deps.RunLog
	if runlog == nil {
		runlog = store.Disabled{}
	}
	return &Orchestrator{
		cfg:     cfg,
		router:  deps.Router,
		driver:  deps.Driver,
		convos:  deps.Convos,
		agents:  deps.Agents,
		tracker: deps.Tracker,
		cache:   deps.Cache,
		runlog:  runlog,
		bus:     deps.Bus,
	}
}

// Convos exposes the conversation store.
func (o *Orchestrator) Convos() *convo.Store { return o.convos }

// Agents exposes the agent session supervisor.
func (o *Orchestrator) Agents() *agent.Supervisor { return o.agents }

// UsageStats snapshots the usage ledger.
func (o *Orchestrator) UsageStats() ratelimit.Stats { return o.tracker.Stats() }

// CacheStats snapshots the response cache counters. Zero stats when caching
// is disabled.
func (o *Orchestrator) CacheStats() cache.Stats {
	if o.cache == nil {
		return cache.Stats{}
	}
	return o.cache.Stats()
}

// RunLog exposes the run log for read queries.
func (o *Orchestrator) RunLog() store.RunLog { return o.runlog }

// Catalog returns the configured models.
func (o *Orchestrator) Catalog() []router.Model { return o.router.Catalog() }

// Run executes one orchestrated request: route, execute on the worker, and
// when the task type warrants it, loop the candidate through the supervisor
// review protocol until approval or the retry budget runs out.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	started := time.Now()
	runID := uuid.NewString()

	if req.Progress != nil {
		defer close(req.Progress)
	}

	ctx, span := tracing.Start(ctx, "orchestrate.run",
		attribute.String("run_id", runID),
		attribute.String("tool_tag", req.ToolTag))
	var runErr error
	defer func() { tracing.End(span, runErr) }()

	o.emit(req.Progress, Progress{RunID: runID, Phase: PhaseRouting})

	// Advisory pre-route for the executing tick; the driver routes for real
	// and may land elsewhere after a mid-flight fallback.
	sel, err := o.router.Select(router.Request{
		Task:          req.Task,
		ToolTag:       req.ToolTag,
		ExplicitModel: req.Model,
		PreferFast:    req.PreferFast,
	})
	if err != nil {
		runErr = err
		return Outcome{}, err
	}
	o.emit(req.Progress, Progress{RunID: runID, Phase: PhaseExecuting, Model: sel.Model.Name})

	res, err := o.driver.Execute(ctx, worker.Request{
		Prompt:     req.Task,
		Model:      req.Model,
		ToolTag:    req.ToolTag,
		PreferFast: req.PreferFast,
		NoCache:    req.NoCache,
		CacheTTL:   req.CacheTTL,
		Timeout:    req.Timeout,
	})
	if err != nil {
		runErr = err
		return Outcome{}, err
	}

	run := newRunState(runID, res)
	o.recordStep(ctx, run, store.StepExec, res, 1, "")

	if o.shouldReview(req, res.Cached) {
		o.reviewLoop(ctx, req, run)
	}

	out := run.outcome(started)
	o.finish(ctx, req, run, out)
	return out, nil
}

// shouldReview applies the review gate: explicit mode wins, otherwise the
// task type decides. Cached responses were reviewed when first produced.
func (o *Orchestrator) shouldReview(req Request, cached bool) bool {
	switch req.Review {
	case ReviewAlways:
		return true
	case ReviewNever:
		return false
	}
	return !cached && NeedsReview(req.ToolTag)
}

// reviewLoop drives the review/correct protocol, mutating run in place.
func (o *Orchestrator) reviewLoop(ctx context.Context, req Request, run *runState) {
	maxRetries := o.cfg.Review.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	// The reviewer must be a different model than the one that produced the
	// candidate, unless the operator pinned a supervisor explicitly.
	exclude := func(candidateModel string) []string {
		if o.cfg.Review.SupervisorModel == candidateModel {
			return nil
		}
		return []string{candidateModel}
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		run.attempts = attempt
		o.emit(req.Progress, Progress{RunID: run.id, Phase: PhaseReview, Model: o.cfg.Review.SupervisorModel, Attempt: attempt})

		revCtx, revSpan := tracing.Start(ctx, "review",
			attribute.Int("attempt", attempt))
		revRes, err := o.driver.Execute(revCtx, worker.Request{
			Prompt:  reviewPrompt(req.Task, run.candidate),
			Model:   o.cfg.Review.SupervisorModel,
			ToolTag: "code_review",
			NoCache: true,
			Timeout: req.Timeout,
			Exclude: exclude(run.candidateModel),
		})
		tracing.End(revSpan, err)
		if err != nil {
			// The worker already produced a candidate; a dead supervisor
			// degrades the run instead of failing it.
			slog.Warn("orchestrate.review_unavailable", "run_id", run.id, "attempt", attempt, "error", err)
			run.note = "review unavailable: " + err.Error()
			return
		}
		run.absorb(revRes)

		verdict, text := parseReview(revRes.Text)
		switch verdict {
		case reviewApproved:
			o.recordStep(ctx, run, store.StepReview, revRes, attempt, "approved")
			run.verdict = VerdictApproved
			if text != "" {
				run.candidate = text
				run.candidateModel = revRes.Model
				run.candidateAuth = revRes.AuthUsed
			}
			return

		case reviewCorrected:
			o.recordStep(ctx, run, store.StepReview, revRes, attempt, "corrected")
			run.candidate = text
			run.candidateModel = revRes.Model
			run.candidateAuth = revRes.AuthUsed

		default: // feedback goes back to the worker
			o.recordStep(ctx, run, store.StepReview, revRes, attempt, "rejected")
			o.emit(req.Progress, Progress{RunID: run.id, Phase: PhaseCorrection, Model: run.workerModel, Attempt: attempt})

			corrRes, err := o.driver.Execute(ctx, worker.Request{
				Prompt:  correctionPrompt(req.Task, run.candidate, text),
				Model:   run.workerModel,
				ToolTag: req.ToolTag,
				NoCache: true,
				Timeout: req.Timeout,
			})
			if err != nil {
				slog.Warn("orchestrate.correction_failed", "run_id", run.id, "attempt", attempt, "error", err)
				run.note = "correction failed: " + err.Error()
				run.verdict = VerdictExhausted
				return
			}
			run.absorb(corrRes)
			o.recordStep(ctx, run, store.StepCorrection, corrRes, attempt, "")
			run.candidate = corrRes.Text
			run.candidateModel = corrRes.Model
			run.candidateAuth = corrRes.AuthUsed
		}
	}

	run.verdict = VerdictExhausted
	run.note = "review retries exhausted; returning the last candidate"
}

// finish logs the run row, broadcasts the notice, and emits the final tick.
func (o *Orchestrator) finish(ctx context.Context, req Request, run *runState, out Outcome) {
	o.emit(req.Progress, Progress{RunID: run.id, Phase: PhaseComplete, Model: out.Model, Attempt: run.attempts})

	if err := o.runlog.SaveRun(ctx, store.Run{
		ID:           run.id,
		Task:         sizer.MidTruncate(req.Task, sampleChars),
		ToolTag:      req.ToolTag,
		Model:        out.Model,
		AuthMethod:   string(out.AuthUsed),
		Cached:       out.Cached,
		Verdict:      out.Verdict,
		InputTokens:  int(out.InputTokens),
		OutputTokens: int(out.OutputTokens),
		CostUSD:      out.CostUSD,
		ElapsedMS:    out.Elapsed.Milliseconds(),
		CreatedAt:    time.Now(),
	}); err != nil {
		slog.Warn("orchestrate.runlog_failed", "run_id", run.id, "error", err)
	}

	if o.bus != nil {
		o.bus.Broadcast(bus.Event{Name: bus.EventRun, Payload: RunNotice{
			RunID:        run.id,
			Model:        out.Model,
			Verdict:      out.Verdict,
			Cached:       out.Cached,
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			ElapsedMS:    out.Elapsed.Milliseconds(),
		}})
	}

	slog.Info("orchestrate.run_finished",
		"run_id", run.id,
		"model", out.Model,
		"verdict", out.Verdict,
		"cached", out.Cached,
		"attempts", run.attempts,
		"elapsed", out.Elapsed.Round(time.Millisecond))
}

// ConversationSend executes one conversation turn: render the running prompt,
// run it, and record both sides only after the worker succeeds.
func (o *Orchestrator) ConversationSend(ctx context.Context, convoID, text string) (Outcome, error) {
	info, err := o.convos.Stats(convoID)
	if err != nil {
		return Outcome{}, err
	}
	prompt, err := o.convos.BuildPrompt(convoID, text)
	if err != nil {
		return Outcome{}, err
	}

	out, err := o.Run(ctx, Request{
		Task:    prompt,
		Model:   info.Model,
		ToolTag: "conversation_send",
	})
	if err != nil {
		return Outcome{}, err
	}

	if err := o.convos.Append(convoID, convo.RoleUser, text); err != nil {
		return Outcome{}, err
	}
	if err := o.convos.Append(convoID, convo.RoleAssistant, out.Text); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (o *Orchestrator) emit(ch chan<- Progress, p Progress) {
	if ch != nil {
		select {
		case ch <- p:
		default:
		}
	}
	if o.bus != nil {
		o.bus.Broadcast(bus.Event{Name: bus.EventProgress, Payload: p})
	}
}

// legCost prices one leg from the catalog; free-tier legs cost nothing.
func (o *Orchestrator) legCost(res worker.Result) float64 {
	if res.Cached || res.AuthUsed == auth.MethodOAuth {
		return 0
	}
	in, out, ok := o.router.Prices(res.Model)
	if !ok {
		return 0
	}
	return (float64(res.InputTokens)*in + float64(res.OutputTokens)*out) / 1e6
}

// runState accumulates the loop's moving parts.
type runState struct {
	id             string
	candidate      string
	candidateModel string
	candidateAuth  auth.Method
	workerModel    string // initial executor; corrections go back to it
	cached         bool
	verdict        string
	note           string
	attempts       int
	seq            int
	usage          map[string]TokenCount
	cost           float64
}

func newRunState(id string, res worker.Result) *runState {
	run := &runState{
		id:             id,
		candidate:      res.Text,
		candidateModel: res.Model,
		candidateAuth:  res.AuthUsed,
		workerModel:    res.Model,
		cached:         res.Cached,
		usage:          make(map[string]TokenCount),
	}
	run.absorb(res)
	return run
}

// absorb folds one leg's token usage into the per-model tally.
func (run *runState) absorb(res worker.Result) {
	u := run.usage[res.Model]
	u.Input += res.InputTokens
	u.Output += res.OutputTokens
	run.usage[res.Model] = u
}

// recordStep logs one leg to the run log and accrues its cost.
func (o *Orchestrator) recordStep(ctx context.Context, run *runState, kind string, res worker.Result, attempt int, verdict string) {
	run.seq++
	run.cost += o.legCost(res)
	if err := o.runlog.SaveStep(ctx, store.Step{
		RunID:        run.id,
		Seq:          run.seq,
		Kind:         kind,
		Model:        res.Model,
		Attempt:      attempt,
		Verdict:      verdict,
		Sample:       sizer.MidTruncate(res.Text, sampleChars),
		InputTokens:  int(res.InputTokens),
		OutputTokens: int(res.OutputTokens),
		CreatedAt:    time.Now(),
	}); err != nil {
		slog.Warn("orchestrate.runlog_failed", "run_id", run.id, "error", err)
	}
}

func (run *runState) outcome(started time.Time) Outcome {
	var in, out int64
	for _, u := range run.usage {
		in += u.Input
		out += u.Output
	}
	return Outcome{
		RunID:        run.id,
		Text:         run.candidate,
		Model:        run.candidateModel,
		AuthUsed:     run.candidateAuth,
		Cached:       run.cached,
		Verdict:      run.verdict,
		Note:         run.note,
		Attempts:     run.attempts,
		InputTokens:  in,
		OutputTokens: out,
		Usage:        run.usage,
		CostUSD:      run.cost,
		Elapsed:      time.Since(started),
	}
}
