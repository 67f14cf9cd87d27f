package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
)

func testClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Aggregator.BaseURL = baseURL
	cfg.Aggregator.MaxRetries = maxRetries
	cfg.Aggregator.RequestsPerSecond = 1000 // keep tests fast
	cfg.Auth.MarketplaceKey = "mk-test"

	c, err := New(cfg, "1.2.3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func completionBody(content string, in, out int64) string {
	return `{"choices":[{"message":{"content":"` + content + `"}}],` +
		`"usage":{"prompt_tokens":` + jsonInt(in) + `,"completion_tokens":` + jsonInt(out) + `}}`
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestComplete_Success(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer mk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Client"); got != "gofer" {
			t.Errorf("X-Client = %q", got)
		}
		if got := r.Header.Get("X-Client-Version"); got != "1.2.3" {
			t.Errorf("X-Client-Version = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody("marketplace says hi", 12, 7)))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 0)
	comp, err := c.Complete(context.Background(), "frontier-x", "hello there")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "marketplace says hi" {
		t.Errorf("Content = %q", comp.Content)
	}
	if comp.InputTokens != 12 || comp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", comp.InputTokens, comp.OutputTokens)
	}

	if gotReq.Model != "frontier-x" || gotReq.Stream {
		t.Errorf("request = %+v; want model set and stream false", gotReq)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" || gotReq.Messages[0].Content != "hello there" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens == 0 {
		t.Error("max_tokens not set")
	}
}

func TestComplete_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionBody("second try", 1, 1)))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 2)
	comp, err := c.Complete(context.Background(), "m", "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "second try" {
		t.Errorf("Content = %q", comp.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d calls, want 2", calls.Load())
	}
}

func TestComplete_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var gap time.Duration
	var first time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			gap = time.Since(first)
			w.Write([]byte(completionBody("after the wait", 1, 1)))
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 2)
	if _, err := c.Complete(context.Background(), "m", "p"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gap < 900*time.Millisecond {
		t.Errorf("second attempt after %s, want Retry-After honored (~1s)", gap)
	}
}

func TestComplete_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 2)
	_, err := c.Complete(context.Background(), "m", "p")
	if !fault.IsKind(err, fault.Authentication) {
		t.Errorf("err = %v, want Authentication without retries", err)
	}
}

func TestComplete_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 0)
	_, err := c.Complete(context.Background(), "nope", "p")
	if !fault.IsKind(err, fault.ModelUnavailable) {
		t.Errorf("err = %v, want ModelUnavailable", err)
	}
}

func TestComplete_Exhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	_, err := c.Complete(context.Background(), "m", "p")
	if !fault.IsKind(err, fault.RateLimit) {
		t.Fatalf("err = %v, want RateLimit after exhaustion", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d calls, want 2 (initial + 1 retry)", calls.Load())
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 0)
	_, err := c.Complete(context.Background(), "m", "p")
	if !fault.IsKind(err, fault.Process) {
		t.Errorf("err = %v, want Process for empty choices", err)
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.MarketplaceKey = "mk"
	if _, err := New(cfg, "v"); !fault.IsKind(err, fault.Config) {
		t.Errorf("err = %v, want Config for missing base URL", err)
	}

	cfg = config.Default()
	cfg.Aggregator.BaseURL = "https://example.test"
	if _, err := New(cfg, "v"); !fault.IsKind(err, fault.Config) {
		t.Errorf("err = %v, want Config for missing key", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	// HTTP-date in the near future parses to a positive wait.
	future := time.Now().Add(2 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 2*time.Second {
		t.Errorf("parseRetryAfter(date) = %s, want within (0, 2s]", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("parseRetryAfter(past date) = %s, want 0", got)
	}
}
