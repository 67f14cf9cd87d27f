//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

// initTailscale exposes the gateway mux on the tailnet when a hostname is
// configured. The tsnet node shares the gateway's auth: bearer-token checks
// still apply to every request. Returns a cleanup func, or nil when tsnet
// is not configured or failed to come up.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname: tc.Hostname,
		Dir:      config.ExpandHome(tc.StateDir),
		AuthKey:  tc.AuthKey,
	}

	var (
		ln  net.Listener
		err error
	)
	if tc.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tsnet.listen_failed", "hostname", tc.Hostname, "error", err)
		srv.Close()
		return nil
	}

	go func() {
		if err := http.Serve(ln, mux); err != nil && ctx.Err() == nil {
			slog.Warn("tsnet.serve_stopped", "error", err)
		}
	}()
	slog.Info("tsnet.listening", "hostname", tc.Hostname, "tls", tc.EnableTLS)

	return func() {
		ln.Close()
		srv.Close()
	}
}
