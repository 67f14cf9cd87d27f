package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gofer/internal/bus"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/gateway"
	"github.com/nextlevelbuilder/gofer/internal/tracing"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

// cleanupEvery paces the background housekeeping loop: expired-conversation
// cleanup and the agent artifact sweep.
const cleanupEvery = 10 * time.Minute

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the local HTTP/WebSocket gateway",
		Long: "Serves /v1/ask, /v1/sessions, /v1/usage, /health, and the /ws event\n" +
			"stream on the configured host and port. The config file is watched\n" +
			"and credential or catalog edits apply without a restart.",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	if err := serveHTTP(); err != nil {
		slog.Error("gateway.failed", "error", err)
		os.Exit(1)
	}
}

func serveHTTP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingShutdown, err := tracing.Setup(ctx, cfg, Version)
	if err != nil {
		slog.Warn("tracing.setup_failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracingShutdown(flushCtx); err != nil {
				slog.Warn("tracing.shutdown_failed", "error", err)
			}
		}()
	}

	b := bus.New(0)
	eng, err := buildEngine(cfg, b)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := gateway.New(cfg, eng.orch, b, Version)

	// Hot reload: the watcher hands over freshly loaded configs until ctx
	// is cancelled. Watch errors are not fatal; the gateway keeps serving
	// with the config it has.
	cfgPath := resolveConfigPath()
	go func() {
		if err := config.Watch(ctx, cfgPath, eng.reload); err != nil && ctx.Err() == nil {
			slog.Warn("config.watch_failed", "path", cfgPath, "error", err)
		}
	}()

	go housekeeping(ctx, eng)

	mux := srv.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	slog.Info("gateway.started",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"host", cfg.Gateway.Host,
		"port", cfg.Gateway.Port)

	return srv.Start(ctx)
}

// housekeeping drops expired conversations and sweeps agent artifacts on a
// fixed cadence so a quiet gateway still enforces retention.
func housekeeping(ctx context.Context, eng *engine) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := eng.convos.CleanupExpired(); n > 0 {
				slog.Info("convo.swept", "expired", n)
			}
			eng.agents.Sweep()
		}
	}
}
