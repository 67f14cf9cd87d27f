package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/gofer/internal/aggregator"
	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/cache"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/router"
	"github.com/nextlevelbuilder/gofer/internal/tokens"
	"github.com/nextlevelbuilder/gofer/internal/tracing"
)

// killDelay is how long a signalled child gets before the hard kill.
const killDelay = 5 * time.Second

// Tracker is the rate-limit and usage view the driver needs.
type Tracker interface {
	RecordFailure(model string)
	RecordSuccess(model string)
	Record(model string, inputUnits, outputUnits int64, freeTier bool)
	DayCost() float64
}

// Marketplace serves models gated on the marketplace credential over HTTP
// instead of the CLI.
type Marketplace interface {
	Complete(ctx context.Context, model, prompt string) (aggregator.Completion, error)
}

// Request is one execution ask.
type Request struct {
	Prompt     string
	Model      string // explicit model; bypasses classification when set
	ToolTag    string // caller tool hint for complexity classification
	PreferFast bool
	NoCache    bool
	AllowTools bool   // keep worker tools enabled (agent mode)
	Yolo       bool   // auto-accept tool calls (agent mode)
	Resume     string // external session id to rejoin
	Dir        string // child working directory; empty inherits ours

	// Exclude lists models that must not be selected.
	Exclude []string

	// Timeout overrides the configured per-call deadline when positive.
	Timeout time.Duration

	// CacheTTL overrides the memoized entry's lifetime when positive.
	CacheTTL time.Duration
}

// Result is the normalized execution outcome.
type Result struct {
	Text         string
	Model        string
	AuthUsed     auth.Method
	InputTokens  int64
	OutputTokens int64
	Cached       bool
	SessionID    string
	Elapsed      time.Duration
}

// Driver executes worker calls. Safe for concurrent use: each call owns its
// child process, buffer, and timer; the shared router, chain, tracker, and
// cache guard themselves.
type Driver struct {
	cfg      *config.Config
	router   *router.Router
	chain    *auth.Chain
	tracker  Tracker
	cache    *cache.Cache // nil disables caching
	market   Marketplace
	classify classifier
	flight   singleflight.Group
}

// Option tunes the Driver.
type Option func(*Driver)

// WithMarketplace routes marketplace-gated models through the aggregator
// client instead of spawning the CLI.
func WithMarketplace(m Marketplace) Option {
	return func(d *Driver) { d.market = m }
}

// New builds a Driver. Pass a nil cache to disable response caching.
func New(cfg *config.Config, rt *router.Router, chain *auth.Chain, tracker Tracker, c *cache.Cache, opts ...Option) *Driver {
	d := &Driver{
		cfg:      cfg,
		router:   rt,
		chain:    chain,
		tracker:  tracker,
		cache:    c,
		classify: newClassifier(cfg.Worker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one worker call: sweep auth, route, consult the cache, spawn,
// stream, classify the exit. Rate-limited models get one retry on an
// alternative; rejected credentials fall through the chain.
func (d *Driver) Execute(ctx context.Context, req Request) (Result, error) {
	const op = "worker.execute"

	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fault.New(fault.Validation, op, "prompt must not be empty")
	}
	if err := d.checkCostLimit(op); err != nil {
		return Result{}, err
	}
	d.chain.Sweep()

	sel, err := d.route(req)
	if err != nil {
		return Result{}, err
	}

	if !d.cacheable(req) {
		return d.run(ctx, req, sel, nil)
	}

	key := cache.Fingerprint(req.Prompt, sel.Model.Name)
	if ent, ok := d.cache.Get(key); ok {
		slog.Debug("worker.cache_hit", "model", ent.Model)
		return Result{
			Text:         ent.Response,
			Model:        ent.Model,
			InputTokens:  ent.InputTokens,
			OutputTokens: ent.OutputTokens,
			Cached:       true,
		}, nil
	}

	// Identical concurrent misses collapse into one spawn; later callers
	// share the first flight's result.
	v, err, _ := d.flight.Do(key, func() (any, error) {
		return d.run(ctx, req, sel, nil)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Stream runs the worker and forwards every decoded event to onEvent. The
// agent supervisor uses it to intercept tool calls; onEvent returning an
// error terminates the child and fails the call with that error. Streamed
// calls never touch the cache.
func (d *Driver) Stream(ctx context.Context, req Request, onEvent func(Event) error) (Result, error) {
	const op = "worker.stream"

	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fault.New(fault.Validation, op, "prompt must not be empty")
	}
	if onEvent == nil {
		return Result{}, fault.New(fault.Validation, op, "onEvent must not be nil")
	}
	if err := d.checkCostLimit(op); err != nil {
		return Result{}, err
	}
	d.chain.Sweep()
	req.NoCache = true

	sel, err := d.route(req)
	if err != nil {
		return Result{}, err
	}
	return d.run(ctx, req, sel, onEvent)
}

func (d *Driver) route(req Request) (router.Selection, error) {
	return d.router.Select(router.Request{
		Task:          req.Prompt,
		ToolTag:       req.ToolTag,
		ExplicitModel: req.Model,
		PreferFast:    req.PreferFast,
		Exclude:       req.Exclude,
	})
}

func (d *Driver) cacheable(req Request) bool {
	return d.cache != nil && !req.NoCache && req.Resume == "" && !req.AllowTools
}

// memoize stores a successful result under the prompt/model fingerprint,
// honoring the request's TTL override.
func (d *Driver) memoize(req Request, model string, res Result) {
	ent := cache.Entry{
		Response:     res.Text,
		Model:        model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CreatedAt:    time.Now(),
	}
	if req.CacheTTL > 0 {
		ent.ExpiresAt = ent.CreatedAt.Add(req.CacheTTL)
	}
	d.cache.Set(cache.Fingerprint(req.Prompt, model), ent)
}

func (d *Driver) checkCostLimit(op string) error {
	limit := d.cfg.CostLimitPerDay
	if limit > 0 && d.tracker.DayCost() >= limit {
		return fault.Errorf(fault.Budget, op, "daily cost limit reached (%.2f USD)", limit)
	}
	return nil
}

// run drives the spawn-classify-recover loop. Rate-limit and model errors
// get one re-route onto an alternative model; authentication errors walk
// the credential chain until it is exhausted.
func (d *Driver) run(ctx context.Context, req Request, sel router.Selection, onEvent func(Event) error) (Result, error) {
	const op = "worker.execute"

	var (
		authAttempts []string
		rerouted     bool
	)
	for {
		model := sel.Model

		if model.Requires == auth.MethodMarketplace {
			return d.viaMarketplace(ctx, req, model)
		}

		cred, ok := d.chain.Active()
		if !ok {
			return Result{}, fault.New(fault.Authentication, op, "no credentials configured")
		}

		spawnCtx, span := tracing.Start(ctx, "worker.exec",
			attribute.String("model", model.Name),
			attribute.String("auth", string(cred.Method)))
		res, err := d.spawn(spawnCtx, req, model, cred, onEvent)
		tracing.End(span, err)
		if err == nil {
			res.Model = model.Name
			res.AuthUsed = cred.Method
			// CLIs that report no usage still contribute estimated cost.
			if res.InputTokens == 0 {
				res.InputTokens = int64(tokens.Estimate(req.Prompt))
			}
			if res.OutputTokens == 0 && res.Text != "" {
				res.OutputTokens = int64(tokens.Estimate(res.Text))
			}
			d.tracker.RecordSuccess(model.Name)
			d.tracker.Record(model.Name, res.InputTokens, res.OutputTokens, cred.FreeTier())
			if d.cacheable(req) && onEvent == nil {
				d.memoize(req, model.Name, res)
			}
			return res, nil
		}

		switch fault.KindOf(err) {
		case fault.RateLimit, fault.ModelUnavailable:
			d.tracker.RecordFailure(model.Name)
			if rerouted {
				return Result{}, err
			}
			rerouted = true
			retry := req
			retry.Exclude = append(append([]string(nil), req.Exclude...), model.Name)
			alt, selErr := d.route(retry)
			if selErr != nil || alt.Model.Name == model.Name {
				return Result{}, err
			}
			slog.Warn("worker.model_fallback", "from", model.Name, "to", alt.Model.Name)
			req = retry
			sel = alt

		case fault.Authentication:
			d.chain.RecordFailure(cred, "worker rejected credential")
			authAttempts = append(authAttempts, fmt.Sprintf("%s: %v", cred.Label, err))
			if _, more := d.chain.Next(cred); !more {
				return Result{}, fault.Errorf(fault.Authentication, op,
					"credential chain exhausted after %d attempt(s): %s",
					len(authAttempts), strings.Join(authAttempts, "; "))
			}
			slog.Warn("worker.auth_fallback", "failed", cred.Label)

		default:
			return Result{}, err
		}
	}
}

// viaMarketplace serves a marketplace-gated model over the aggregator HTTP
// client. No child process is involved.
func (d *Driver) viaMarketplace(ctx context.Context, req Request, model router.Model) (Result, error) {
	const op = "worker.marketplace"

	if d.market == nil {
		return Result{}, fault.Errorf(fault.Config, op,
			"model %s requires the aggregator but no marketplace client is configured", model.Name)
	}

	started := time.Now()
	mktCtx, span := tracing.Start(ctx, "worker.exec",
		attribute.String("model", model.Name),
		attribute.String("transport", "aggregator"))
	comp, err := d.market.Complete(mktCtx, model.Name, req.Prompt)
	tracing.End(span, err)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Text:         comp.Content,
		Model:        model.Name,
		AuthUsed:     auth.MethodMarketplace,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		Elapsed:      time.Since(started),
	}
	d.tracker.RecordSuccess(model.Name)
	d.tracker.Record(model.Name, res.InputTokens, res.OutputTokens, false)
	if d.cacheable(req) {
		d.memoize(req, model.Name, res)
	}
	return res, nil
}

// accumulator folds the event stream into the pieces the Result needs.
type accumulator struct {
	text      strings.Builder
	finalText string
	sessionID string
	inTokens  int64
	outTokens int64
	errMsg    string
}

func (a *accumulator) absorb(ev Event) {
	if ev.SessionID != "" {
		a.sessionID = ev.SessionID
	}
	switch ev.Type {
	case EventText, EventMessage:
		a.text.WriteString(ev.Text)
	case EventUsage, EventStats:
		if ev.InputTokens > 0 {
			a.inTokens = ev.InputTokens
		}
		if ev.OutputTokens > 0 {
			a.outTokens = ev.OutputTokens
		}
	case EventError:
		a.errMsg = ev.ErrMessage
	case EventResult, EventDone:
		if ev.Text != "" {
			a.finalText = ev.Text
		}
		if ev.InputTokens > 0 {
			a.inTokens = ev.InputTokens
		}
		if ev.OutputTokens > 0 {
			a.outTokens = ev.OutputTokens
		}
	}
}

// resultText prefers the final result record over accumulated deltas so
// chunked and whole-message CLIs produce the same text.
func (a *accumulator) resultText() string {
	if a.finalText != "" {
		return a.finalText
	}
	return a.text.String()
}

// spawn runs one child process to completion: prompt on stdin, events on
// stdout, classification on exit. Deadline expiry and caller cancellation
// both send SIGTERM and hard-kill after killDelay.
func (d *Driver) spawn(ctx context.Context, req Request, model router.Model, cred auth.Credential, onEvent func(Event) error) (Result, error) {
	const op = "worker.spawn"

	timeout := time.Duration(d.cfg.Worker.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		Command:    d.cfg.Worker.Command,
		Model:      model.Name,
		AllowTools: req.AllowTools,
		Yolo:       req.Yolo,
		Resume:     req.Resume,
		ExtraArgs:  d.cfg.Worker.ExtraArgs,
	}
	name, args := inv.commandLine()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = req.Dir
	cmd.Env = credentialEnv(os.Environ(), cred)
	cmd.Cancel = func() error {
		// Graceful first; WaitDelay hard-kills a lingering child.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fault.Wrap(fault.Process, op, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fault.Wrap(fault.Process, op, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fault.Wrapf(fault.Process, op, err, "start %s", name)
	}
	slog.Debug("worker.spawned",
		"command", name, "model", model.Name, "auth", string(cred.Method), "pid", cmd.Process.Pid)

	// Prompt on stdin, then close; the child reads to EOF. Written off the
	// scan path so a child that never drains stdin cannot wedge the scan.
	go func() {
		_, _ = io.WriteString(stdin, req.Prompt)
		_ = stdin.Close()
	}()

	var acc accumulator
	scanErr := scanEvents(stdout, func(ev Event) error {
		acc.absorb(ev)
		if onEvent != nil {
			return onEvent(ev)
		}
		return nil
	})

	if scanErr != nil && runCtx.Err() == nil {
		// The event callback aborted the stream (agent limit gate) or the
		// scanner itself failed. Stop the child and surface the error.
		cancel()
		_ = cmd.Wait()
		if fault.KindOf(scanErr) == fault.Unknown {
			scanErr = fault.Wrap(fault.Process, op, scanErr)
		}
		return Result{}, scanErr
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return Result{}, fault.Errorf(fault.Cancelled, op, "worker cancelled after %s", elapsed.Round(time.Millisecond))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Result{}, fault.Errorf(fault.Timeout, op, "worker timed out after %s", timeout)
	}

	if waitErr != nil {
		code := exitCode(waitErr)
		stderrStr := stderr.String()
		detail := stderrTail(stderrStr, 400)
		class := d.classify.classify(stderrStr)
		if code == exitAuth {
			class = classAuthError
		}
		slog.Warn("worker.exited",
			"code", code, "class", class.String(), "model", model.Name, "elapsed", elapsed.Round(time.Millisecond))
		switch class {
		case classRateLimit, classModelError:
			return Result{}, fault.Errorf(fault.RateLimit, op, "worker %s: %s", class, detail)
		case classAuthError:
			return Result{}, fault.Errorf(fault.Authentication, op, "worker auth error: %s", detail)
		default:
			return Result{}, classifyExit(op, code, detail)
		}
	}

	text := acc.resultText()
	if text == "" && acc.errMsg != "" {
		// Clean exit but the stream reported an error and produced nothing.
		return Result{}, fault.Errorf(fault.Process, op, "worker error event: %s", acc.errMsg)
	}

	return Result{
		Text:         text,
		SessionID:    acc.sessionID,
		InputTokens:  acc.inTokens,
		OutputTokens: acc.outTokens,
		Elapsed:      elapsed,
	}, nil
}

// credentialEnv injects the credential into the child environment. OAuth
// carries no material here; the worker CLI holds its own login state.
func credentialEnv(base []string, cred auth.Credential) []string {
	switch cred.Method {
	case auth.MethodAPIKey:
		return append(base, "GEMINI_API_KEY="+cred.Key)
	case auth.MethodEnterprise:
		env := append(base,
			"GOOGLE_API_KEY="+cred.Key,
			"GOOGLE_GENAI_USE_VERTEXAI=true",
		)
		if cred.Project != "" {
			env = append(env, "GOOGLE_CLOUD_PROJECT="+cred.Project)
		}
		if cred.Location != "" {
			env = append(env, "GOOGLE_CLOUD_LOCATION="+cred.Location)
		}
		return env
	default:
		return base
	}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
