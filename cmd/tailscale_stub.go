//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tsnet.not_compiled",
			"hostname", cfg.Tailscale.Hostname,
			"hint", "rebuild with -tags tsnet to expose the gateway on the tailnet")
	}
	return nil
}
