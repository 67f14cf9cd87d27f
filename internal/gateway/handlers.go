package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/agent"
	"github.com/nextlevelbuilder/gofer/internal/cache"
	"github.com/nextlevelbuilder/gofer/internal/fault"
	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
	"github.com/nextlevelbuilder/gofer/internal/ratelimit"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

// askTimeout caps a single ask request; review loops run within it.
const askTimeout = 60 * time.Second

// authorized checks the bearer token. With no token configured the gateway is
// open, which is the expected state for a loopback-only bind.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		// WebSocket clients cannot set headers from browsers.
		presented = q
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// clientKey buckets rate limiting by remote host.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.authorized(r) {
		httpError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	if !s.limiter.Allow(clientKey(r)) {
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req protocol.AskRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		httpError(w, http.StatusBadRequest, "task must not be empty")
		return
	}
	toolTag := req.ToolTag
	if toolTag == "" {
		toolTag = "ask_gemini"
	}

	ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
	defer cancel()

	out, err := s.orch.Run(ctx, orchestrate.Request{
		Task:       req.Task,
		Model:      req.Model,
		ToolTag:    toolTag,
		PreferFast: req.PreferFast,
		NoCache:    req.NoCache,
	})
	if err != nil {
		kind := fault.KindOf(err)
		slog.Warn("gateway.ask_failed", "kind", kind, "error", err)
		writeJSON(w, statusFor(kind), protocol.ErrorResponse{
			Error: err.Error(),
			Kind:  string(kind),
		})
		return
	}

	writeJSON(w, http.StatusOK, protocol.AskResponse{
		RunID:        out.RunID,
		Text:         out.Text,
		Model:        out.Model,
		Auth:         string(out.AuthUsed),
		Cached:       out.Cached,
		Verdict:      out.Verdict,
		Note:         out.Note,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		CostUSD:      out.CostUSD,
		ElapsedMS:    out.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if !s.authorized(r) {
		httpError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	status := agent.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.orch.Agents().Registry().List(status))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if !s.authorized(r) {
		httpError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Usage ratelimit.Stats `json:"usage"`
		Cache cache.Stats     `json:"cache"`
	}{
		Usage: s.orch.UsageStats(),
		Cache: s.orch.CacheStats(),
	})
}

// statusFor maps engine fault kinds onto HTTP status codes. Authentication
// means the upstream credential chain failed, not that the caller's bearer
// token was wrong.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.RateLimit, fault.Budget:
		return http.StatusTooManyRequests
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.ModelUnavailable:
		return http.StatusServiceUnavailable
	case fault.Authentication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("gateway.write_failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
