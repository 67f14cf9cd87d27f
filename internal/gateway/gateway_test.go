package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gofer/internal/agent"
	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/bus"
	"github.com/nextlevelbuilder/gofer/internal/cache"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/convo"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
	"github.com/nextlevelbuilder/gofer/internal/ratelimit"
	"github.com/nextlevelbuilder/gofer/internal/router"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
	"github.com/nextlevelbuilder/gofer/internal/worker"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

// fakeExecer returns one canned result for every call and records requests.
type fakeExecer struct {
	mu    sync.Mutex
	calls []worker.Request
	res   worker.Result
	err   error
}

func (f *fakeExecer) Execute(_ context.Context, req worker.Request) (worker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.res, f.err
}

type noopStreamer struct{}

func (noopStreamer) Stream(context.Context, worker.Request, func(worker.Event) error) (worker.Result, error) {
	return worker.Result{}, nil
}

type fixture struct {
	srv     *Server
	bus     *bus.Bus
	exec    *fakeExecer
	tracker *ratelimit.Tracker
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.OutputDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	chain := auth.FromConfig(cfg)

	var rt *router.Router
	tracker := ratelimit.New(func(model string) (float64, float64, bool) {
		return rt.Prices(model)
	})
	rt = router.FromConfig(cfg, tracker, chain)

	exec := &fakeExecer{res: worker.Result{
		Text:         "All good.",
		Model:        "gemini-2.5-flash",
		AuthUsed:     auth.MethodAPIKey,
		InputTokens:  10,
		OutputTokens: 3,
	}}
	b := bus.New(0)
	orch := orchestrate.New(cfg, orchestrate.Deps{
		Router:  rt,
		Driver:  exec,
		Convos:  convo.New(0, 0, 0),
		Agents:  agent.New(cfg, noopStreamer{}, sizer.FromConfig(cfg)),
		Tracker: tracker,
		Cache:   cache.New(8, time.Minute),
		Bus:     b,
	})
	return &fixture{
		srv:     New(cfg, orch, b, "test"),
		bus:     b,
		exec:    exec,
		tracker: tracker,
		cfg:     cfg,
	}
}

func postAsk(t *testing.T, ts *httptest.Server, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+protocol.RouteAsk, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + protocol.RouteHealth)
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	h := decode[protocol.HealthResponse](t, resp)
	if h.Status != "ok" || h.Protocol != protocol.ProtocolVersion || h.Version != "test" {
		t.Fatalf("health = %+v", h)
	}
}

func TestAsk(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(protocol.AskRequest{Task: "what is two plus two"})
	resp := postAsk(t, ts, "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[protocol.AskResponse](t, resp)
	if got.Text != "All good." || got.Model != "gemini-2.5-flash" {
		t.Fatalf("response = %+v", got)
	}
	if got.RunID == "" {
		t.Fatal("run id missing")
	}
	if got.InputTokens != 10 || got.OutputTokens != 3 {
		t.Fatalf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
	if len(f.exec.calls) != 1 {
		t.Fatalf("driver calls = %d, want 1", len(f.exec.calls))
	}
	if f.exec.calls[0].ToolTag != "ask_gemini" {
		t.Fatalf("default tool tag = %q", f.exec.calls[0].ToolTag)
	}
}

func TestAskRequiresToken(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Gateway.Token = "secret" })
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	body, _ := json.Marshal(protocol.AskRequest{Task: "hello"})

	resp := postAsk(t, ts, "", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = postAsk(t, ts, "wrong", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	resp = postAsk(t, ts, "secret", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("right token: status = %d, want 200", resp.StatusCode)
	}
}

func TestAskValidation(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + protocol.RouteAsk)
	if err != nil {
		t.Fatalf("GET ask: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status = %d, want 405", resp.StatusCode)
	}

	resp = postAsk(t, ts, "", []byte("not json"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d, want 400", resp.StatusCode)
	}

	body, _ := json.Marshal(protocol.AskRequest{Task: "   "})
	resp = postAsk(t, ts, "", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank task: status = %d, want 400", resp.StatusCode)
	}
	e := decode[protocol.ErrorResponse](t, resp)
	if e.Error == "" {
		t.Fatal("error body missing")
	}
	if len(f.exec.calls) != 0 {
		t.Fatalf("driver was called %d times for invalid input", len(f.exec.calls))
	}
}

func TestAskFaultStatus(t *testing.T) {
	tests := []struct {
		kind   fault.Kind
		status int
	}{
		{fault.RateLimit, http.StatusTooManyRequests},
		{fault.Budget, http.StatusTooManyRequests},
		{fault.Timeout, http.StatusGatewayTimeout},
		{fault.ModelUnavailable, http.StatusServiceUnavailable},
		{fault.Authentication, http.StatusBadGateway},
		{fault.Process, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t, nil)
			f.exec.err = fault.New(tt.kind, "worker.execute", "boom")
			ts := httptest.NewServer(f.srv.BuildMux())
			defer ts.Close()

			body, _ := json.Marshal(protocol.AskRequest{Task: "hello"})
			resp := postAsk(t, ts, "", body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			e := decode[protocol.ErrorResponse](t, resp)
			if e.Kind != string(tt.kind) {
				t.Fatalf("kind = %q, want %q", e.Kind, tt.kind)
			}
		})
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Agent.Enabled = true })
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	reg := f.srv.orch.Agents().Registry()
	for _, task := range []string{"refactor the parser", "add tests"} {
		if _, err := reg.Create(task, t.TempDir(), "", 5, time.Time{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	resp, err := ts.Client().Get(ts.URL + protocol.RouteSessions)
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	all := decode[[]agent.Summary](t, resp)
	if len(all) != 2 {
		t.Fatalf("sessions = %d, want 2", len(all))
	}

	resp, err = ts.Client().Get(ts.URL + protocol.RouteSessions + "?status=running")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	running := decode[[]agent.Summary](t, resp)
	if len(running) != 0 {
		t.Fatalf("running sessions = %d, want 0", len(running))
	}
}

func TestUsage(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record("gemini-2.5-flash", 100, 20, false)
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + protocol.RouteUsage)
	if err != nil {
		t.Fatalf("GET usage: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[struct {
		Usage ratelimit.Stats `json:"usage"`
		Cache cache.Stats     `json:"cache"`
	}](t, resp)
	if got.Usage.TotalRequests != 1 || got.Usage.TotalInputUnits != 100 {
		t.Fatalf("usage = %+v", got.Usage)
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + protocol.RouteWS
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		got := len(s.clients)
		s.mu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connected clients", n)
}

func TestWebSocketBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()
	waitForClients(t, f.srv, 1)

	f.bus.Broadcast(bus.Event{Name: bus.EventRun, Payload: map[string]any{"run_id": "r1"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != protocol.FrameEvent || frame.Event != protocol.EventRun {
		t.Fatalf("frame = %+v", frame)
	}
	payload, ok := frame.Payload.(map[string]any)
	if !ok || payload["run_id"] != "r1" {
		t.Fatalf("payload = %#v", frame.Payload)
	}
}

func TestWebSocketOrigin(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Gateway.AllowedOrigins = []string{"https://ok.example"}
	})
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("dial from a disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake rejection, got %+v", resp)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": {"https://ok.example"}})
	if err != nil {
		t.Fatalf("dial from an allowed origin: %v", err)
	}
	resp.Body.Close()
	conn.Close()
}

func TestWebSocketToken(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Gateway.Token = "secret" })
	ts := httptest.NewServer(f.srv.BuildMux())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %+v", resp)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	resp.Body.Close()
	conn.Close()
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if !rl.Allow("a") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("a") {
		t.Fatal("second immediate request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("each client has its own bucket")
	}

	open := NewRateLimiter(0, 1)
	for range 10 {
		if !open.Allow("a") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
