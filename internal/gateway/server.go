// Package gateway is the local control surface: a small HTTP API over the
// orchestrator plus a WebSocket stream that forwards bus events to connected
// clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gofer/internal/bus"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

// Server handles the gateway's WebSocket and HTTP connections.
type Server struct {
	cfg     *config.Config
	orch    *orchestrate.Orchestrator
	bus     bus.Publisher
	version string

	upgrader websocket.Upgrader
	limiter  *RateLimiter

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	mux        *http.ServeMux
}

// New builds the gateway server over an orchestrator and the event bus.
func New(cfg *config.Config, orch *orchestrate.Orchestrator, b bus.Publisher, version string) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		bus:     b,
		version: version,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.limiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

// checkOrigin validates the WebSocket Origin header against the configured
// allowlist. No allowlist admits every origin; an empty Origin header
// (non-browser clients) is always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered. Call
// it before Start when the mux is needed for an additional listener (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.RouteWS, s.handleWebSocket)
	mux.HandleFunc(protocol.RouteHealth, s.handleHealth)
	mux.HandleFunc(protocol.RouteAsk, s.handleAsk)
	mux.HandleFunc(protocol.RouteSessions, s.handleSessions)
	mux.HandleFunc(protocol.RouteUsage, s.handleUsage)

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then broadcasts a shutdown frame and
// drains within five seconds.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway.starting", "addr", addr, "protocol", protocol.ProtocolVersion, "version", s.version)

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and streams bus events until the
// peer goes away. The stream is push-only; inbound messages are discarded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		httpError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	if !s.limiter.Allow(clientKey(r)) {
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	c := newClient(conn)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()

	go c.writePump()
	c.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		Version:  s.version,
	})
}

// BroadcastEvent sends a frame to every connected client.
func (s *Server) BroadcastEvent(ev protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.sendEvent(ev)
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Each client gets its own bus subscription so a slow socket only drops
	// its own frames.
	s.bus.Subscribe(c.id, func(ev bus.Event) {
		c.sendEvent(protocol.EventFrame{
			Type:    protocol.FrameEvent,
			Event:   ev.Name,
			Payload: ev.Payload,
			Time:    ev.Time,
		})
	})
	slog.Info("gateway.client_connected", "client", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.Unsubscribe(c.id)
	slog.Info("gateway.client_disconnected", "client", c.id)
}
