package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gofer/internal/mcpserver"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: "Serves the gofer tool set (ask, brainstorm, conversation_*, agent_*,\n" +
			"usage_stats, cache_stats) over MCP stdio. Logs go to stderr; stdout\n" +
			"belongs to the protocol.",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	if err := serveMCP(); err != nil {
		slog.Error("serve.failed", "error", err)
		os.Exit(1)
	}
}

func serveMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(eng.orch, eng.shaper, Version)
	slog.Info("serve.started",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"worker", cfg.Worker.Command)

	// Listen returns on stdin EOF or signal; both are clean exits.
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("serve.stopped")
	return nil
}
