package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/aggregator"
	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/cache"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/ratelimit"
	"github.com/nextlevelbuilder/gofer/internal/router"
)

// fakeWorker writes a shell script standing in for the worker CLI.
func fakeWorker(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker scripts need sh")
	}
	path := filepath.Join(t.TempDir(), "fake-worker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, script string) *config.Config {
	cfg := config.Default()
	cfg.Worker.Command = fakeWorker(t, script)
	cfg.Worker.TimeoutSeconds = 10
	return cfg
}

type harness struct {
	driver  *Driver
	tracker *ratelimit.Tracker
	chain   *auth.Chain
	store   *cache.Cache
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	chain := auth.FromConfig(cfg)

	var rt *router.Router
	tracker := ratelimit.New(func(model string) (float64, float64, bool) {
		return rt.Prices(model)
	})
	rt = router.FromConfig(cfg, tracker, chain)

	store := cache.New(16, time.Hour)
	return &harness{
		driver:  New(cfg, rt, chain, tracker, store, opts...),
		tracker: tracker,
		chain:   chain,
		store:   store,
	}
}

func TestExecute_Success(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"session","session_id":"ext-123"}'
echo '{"type":"text","content":"partial "}'
echo '{"type":"usage","input_tokens":10,"output_tokens":5}'
echo '{"type":"result","result":"hello from worker"}'
`
	h := newHarness(t, testConfig(t, script))

	res, err := h.driver.Execute(context.Background(), Request{Prompt: "say hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "hello from worker" {
		t.Errorf("Text = %q, want the result record", res.Text)
	}
	if res.SessionID != "ext-123" {
		t.Errorf("SessionID = %q, want ext-123", res.SessionID)
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", res.InputTokens, res.OutputTokens)
	}
	if res.Cached {
		t.Error("first call reported cached")
	}
	if res.AuthUsed != auth.MethodOAuth {
		t.Errorf("AuthUsed = %s, want oauth", res.AuthUsed)
	}
	if res.Model == "" {
		t.Error("Model is empty")
	}
}

func TestExecute_CacheHit(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"result","result":"expensive answer"}'
`
	h := newHarness(t, testConfig(t, script))
	ctx := context.Background()
	req := Request{Prompt: "cache me"}

	first, err := h.driver.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := h.driver.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !second.Cached {
		t.Error("second call not served from cache")
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}
	if stats := h.store.Stats(); stats.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", stats.Hits)
	}
}

func TestExecute_CacheTTLOverride(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"result","result":"short-lived answer"}'
`
	h := newHarness(t, testConfig(t, script))

	res, err := h.driver.Execute(context.Background(), Request{
		Prompt:   "cache briefly",
		CacheTTL: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ent, ok := h.store.Get(cache.Fingerprint("cache briefly", res.Model))
	if !ok {
		t.Fatal("result was not memoized")
	}
	if ent.ExpiresAt.IsZero() {
		t.Fatal("entry carries no expiry override")
	}
	if got := ent.ExpiresAt.Sub(ent.CreatedAt); got != 30*time.Second {
		t.Errorf("override window = %v, want 30s", got)
	}
}

func TestExecute_EmptyPrompt(t *testing.T) {
	h := newHarness(t, testConfig(t, "exit 0\n"))
	_, err := h.driver.Execute(context.Background(), Request{Prompt: "   "})
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestExecute_RateLimitFallback(t *testing.T) {
	script := `cat > /dev/null
if [ "$2" = "gemini-2.5-flash-lite" ]; then
	echo "quota exceeded (429)" >&2
	exit 1
fi
echo '{"type":"result","result":"served by fallback"}'
`
	h := newHarness(t, testConfig(t, script))

	// Trivial prompt routes to tier 3, which the fake rate-limits.
	prompt := "what is 2+2"
	res, err := h.driver.Execute(context.Background(), Request{Prompt: prompt})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Model == "gemini-2.5-flash-lite" {
		t.Error("retry stayed on the rate-limited model")
	}
	if res.Text != "served by fallback" {
		t.Errorf("Text = %q", res.Text)
	}
	if got := h.tracker.Failures("gemini-2.5-flash-lite"); got != 1 {
		t.Errorf("tracker failures = %d, want 1", got)
	}

	// The cache key is on the model that actually served the call.
	if !h.store.Has(cache.Fingerprint(prompt, res.Model)) {
		t.Error("no cache entry under the serving model")
	}
	if h.store.Has(cache.Fingerprint(prompt, "gemini-2.5-flash-lite")) {
		t.Error("cache entry recorded under the rate-limited model")
	}
}

func TestExecute_RateLimitNoAlternative(t *testing.T) {
	cfg := config.Default()
	cfg.Models = []config.ModelSpec{{Name: "only-model", Tier: 2, InputPrice: 1, OutputPrice: 1}}
	cfg.Router.DefaultModel = "only-model"
	cfg.Worker.Command = fakeWorker(t, `cat > /dev/null
echo "rate limit hit" >&2
exit 1
`)
	cfg.Worker.TimeoutSeconds = 10
	h := newHarness(t, cfg)

	_, err := h.driver.Execute(context.Background(), Request{Prompt: "anything"})
	if !fault.IsKind(err, fault.RateLimit) {
		t.Fatalf("err = %v, want RateLimit surfaced with no alternative", err)
	}
	if got := h.tracker.Failures("only-model"); got != 1 {
		t.Errorf("tracker failures = %d, want 1", got)
	}
}

func TestExecute_AuthFallback(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	script := `cat > /dev/null
if [ -n "$GEMINI_API_KEY" ]; then
	echo "UNAUTHENTICATED: api key rejected" >&2
	exit 1
fi
echo '{"type":"result","result":"via enterprise"}'
`
	cfg := testConfig(t, script)
	cfg.Auth.OAuthEnabled = false
	cfg.Auth.APIKey = "sk-bad"
	cfg.Auth.Enterprise.Key = "ent-good"
	cfg.Auth.Enterprise.Project = "proj"
	h := newHarness(t, cfg)

	res, err := h.driver.Execute(context.Background(), Request{Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.AuthUsed != auth.MethodEnterprise {
		t.Errorf("AuthUsed = %s, want enterprise-key after api-key rejection", res.AuthUsed)
	}

	for _, st := range h.chain.Snapshot() {
		if st.Method == auth.MethodAPIKey && st.Healthy {
			t.Error("rejected api-key credential not stamped")
		}
	}
}

func TestExecute_AuthChainExhausted(t *testing.T) {
	script := `cat > /dev/null
echo "401 unauthorized" >&2
exit 1
`
	cfg := testConfig(t, script)
	cfg.Auth.OAuthEnabled = false
	cfg.Auth.APIKey = "sk-bad"
	h := newHarness(t, cfg)

	_, err := h.driver.Execute(context.Background(), Request{Prompt: "anything"})
	if !fault.IsKind(err, fault.Authentication) {
		t.Fatalf("err = %v, want Authentication", err)
	}
	if !strings.Contains(err.Error(), "credential chain exhausted") {
		t.Errorf("err = %q, want the aggregated exhaustion message", err)
	}
}

func TestExecute_AuthExitCode(t *testing.T) {
	// Exit 41 forces the auth class even without matching stderr words.
	script := `cat > /dev/null
exit 41
`
	h := newHarness(t, testConfig(t, script))
	_, err := h.driver.Execute(context.Background(), Request{Prompt: "anything"})
	if !fault.IsKind(err, fault.Authentication) {
		t.Errorf("err = %v, want Authentication from exit 41", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	script := `cat > /dev/null
exec sleep 5
`
	h := newHarness(t, testConfig(t, script))

	start := time.Now()
	_, err := h.driver.Execute(context.Background(), Request{Prompt: "anything", Timeout: 200 * time.Millisecond})
	if !fault.IsKind(err, fault.Timeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("termination took %s; graceful signal did not land", elapsed)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	script := `cat > /dev/null
exec sleep 5
`
	h := newHarness(t, testConfig(t, script))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := h.driver.Execute(ctx, Request{Prompt: "anything"})
	if !fault.IsKind(err, fault.Cancelled) {
		t.Errorf("err = %v, want Cancelled", err)
	}
}

func TestExecute_ErrorEventCleanExit(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"error","message":"boom"}'
`
	h := newHarness(t, testConfig(t, script))
	_, err := h.driver.Execute(context.Background(), Request{Prompt: "anything"})
	if !fault.IsKind(err, fault.Process) {
		t.Fatalf("err = %v, want Process", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %q, want the stream error message", err)
	}
}

func TestExecute_CostLimit(t *testing.T) {
	cfg := testConfig(t, "exit 0\n")
	cfg.CostLimitPerDay = 0.01
	h := newHarness(t, cfg)

	// A million paid input units on the tier-1 model puts the day over.
	h.tracker.Record("gemini-2.5-pro", 1_000_000, 0, false)

	_, err := h.driver.Execute(context.Background(), Request{Prompt: "anything"})
	if !fault.IsKind(err, fault.Budget) {
		t.Errorf("err = %v, want Budget", err)
	}
}

func TestStream_ForwardsEvents(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"text","content":"streamed"}'
`
	h := newHarness(t, testConfig(t, script))

	var seen []Event
	res, err := h.driver.Stream(context.Background(), Request{Prompt: "go"}, func(ev Event) error {
		seen = append(seen, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(seen) != 1 || seen[0].Text != "streamed" {
		t.Errorf("events = %+v, want the one text event", seen)
	}
	if res.Text != "streamed" {
		t.Errorf("Text = %q", res.Text)
	}
	if h.store.Len() != 0 {
		t.Error("streamed call wrote to the cache")
	}
}

func TestStream_CallbackTerminatesChild(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"tool_use","tool_name":"write_file","tool_input":{"file_path":"a.txt"}}'
echo '{"type":"tool_use","tool_name":"write_file","tool_input":{"file_path":"b.txt"}}'
echo '{"type":"text","content":"never seen"}'
exec sleep 5
`
	h := newHarness(t, testConfig(t, script))

	limitErr := fault.New(fault.LimitExceeded, "agent.limits", "tool call limit reached")
	calls := 0
	start := time.Now()
	_, err := h.driver.Stream(context.Background(), Request{Prompt: "go", AllowTools: true, Yolo: true}, func(ev Event) error {
		if ev.Type != EventToolUse {
			return nil
		}
		calls++
		if calls >= 2 {
			return limitErr
		}
		return nil
	})
	if !fault.IsKind(err, fault.LimitExceeded) {
		t.Fatalf("err = %v, want LimitExceeded from the callback", err)
	}
	if calls != 2 {
		t.Errorf("tool calls seen = %d, want 2", calls)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("child not terminated promptly after callback error (%s)", elapsed)
	}
}

type fakeMarket struct {
	lastModel  string
	lastPrompt string
	comp       aggregator.Completion
	err        error
}

func (f *fakeMarket) Complete(_ context.Context, model, prompt string) (aggregator.Completion, error) {
	f.lastModel, f.lastPrompt = model, prompt
	if f.err != nil {
		return aggregator.Completion{}, f.err
	}
	return f.comp, nil
}

func TestExecute_MarketplaceModel(t *testing.T) {
	// The script proves the CLI is never spawned for marketplace models.
	cfg := testConfig(t, "exit 99\n")
	cfg.Models = append(cfg.Models, config.ModelSpec{
		Name: "frontier-x", Tier: 1, InputPrice: 3, OutputPrice: 15, Requires: "marketplace-key",
	})
	cfg.Auth.MarketplaceKey = "mk-1"

	fm := &fakeMarket{comp: aggregator.Completion{Content: "from the marketplace", InputTokens: 8, OutputTokens: 3}}
	h := newHarness(t, cfg, WithMarketplace(fm))

	res, err := h.driver.Execute(context.Background(), Request{Prompt: "big question", Model: "frontier-x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.AuthUsed != auth.MethodMarketplace {
		t.Errorf("AuthUsed = %s, want marketplace-key", res.AuthUsed)
	}
	if res.Text != "from the marketplace" {
		t.Errorf("Text = %q", res.Text)
	}
	if fm.lastModel != "frontier-x" {
		t.Errorf("marketplace called with model %q", fm.lastModel)
	}
}

func TestExecute_MarketplaceNotConfigured(t *testing.T) {
	cfg := testConfig(t, "exit 99\n")
	cfg.Models = append(cfg.Models, config.ModelSpec{
		Name: "frontier-x", Tier: 1, InputPrice: 3, OutputPrice: 15, Requires: "marketplace-key",
	})
	cfg.Auth.MarketplaceKey = "mk-1"
	h := newHarness(t, cfg) // no WithMarketplace

	_, err := h.driver.Execute(context.Background(), Request{Prompt: "big question", Model: "frontier-x"})
	if !fault.IsKind(err, fault.Config) {
		t.Errorf("err = %v, want Config when the aggregator client is missing", err)
	}
}
