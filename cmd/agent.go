package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gofer/internal/agent"
)

// sessionListLimit bounds how many stored sessions list and status read
// back from the run log.
const sessionListLimit = 100

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run and inspect autonomous agent sessions",
		Long: "Agent sessions let the worker CLI edit files and run commands in a\n" +
			"workspace under iteration and timeout quotas. Disabled by default;\n" +
			"set agent.enabled=true in the config file or GOFER_AGENT_MODE=1.",
	}

	cmd.AddCommand(agentRunCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentStatusCmd())
	cmd.AddCommand(agentResumeCmd())
	return cmd
}

func agentRunCmd() *cobra.Command {
	var (
		workdir       string
		model         string
		maxIterations int
		timeout       time.Duration
		contextFiles  []string
	)

	cmd := &cobra.Command{
		Use:   "run <task...>",
		Short: "Start an agent session and wait for it to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentSession(agent.RunRequest{
				Task:          strings.Join(args, " "),
				WorkDir:       workdir,
				Model:         model,
				ContextFiles:  contextFiles,
				MaxIterations: maxIterations,
				Timeout:       timeout,
			})
		},
	}

	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "workspace the session operates in (default: current directory)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model pin for the session")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "tool-call quota override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "session deadline override")
	cmd.Flags().StringArrayVarP(&contextFiles, "context-file", "f", nil, "file whose contents are appended to the task (repeatable)")
	return cmd
}

func agentResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id> <task...>",
		Short: "Continue a finished session with a follow-up task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentSession(agent.RunRequest{
				Resume: args[0],
				Task:   strings.Join(args[1:], " "),
			})
		},
	}
}

// runAgentSession drives one session to completion and prints the summary.
// A session that seeded but failed still has a useful record, so the
// summary is printed before the error is returned.
func runAgentSession(req agent.RunRequest) error {
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

	sum, runErr := eng.agents.Run(ctx, req)
	if sum.ID != "" {
		if err := printJSON(sum); err != nil {
			return err
		}
	}
	return runErr
}

func agentListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			// The registry only holds this process's sessions; past runs
			// come from the run-log store when one is configured.
			sessions := eng.agents.Registry().List(agent.Status(status))
			for _, s := range sessions {
				line := fmt.Sprintf("%s  %-9s  iter %d/%d", s.ID, s.Status, s.Iterations, s.MaxIterations)
				if s.Model != "" {
					line += "  " + s.Model
				}
				fmt.Printf("%s  %s\n", line, truncateTask(s.Task, 60))
			}
			if len(sessions) > 0 {
				return nil
			}

			stored, err := eng.runlog.AgentSessions(cmd.Context(), sessionListLimit)
			if err != nil {
				return err
			}
			if len(stored) == 0 {
				fmt.Println("no agent sessions")
				return nil
			}
			for _, s := range stored {
				if status != "" && s.Status != status {
					continue
				}
				fmt.Printf("%s  %-9s  iter %d  %s\n", s.ID, s.Status, s.Iterations, truncateTask(s.Task, 60))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter: pending, running, completed, or failed")
	return cmd
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show one session's full summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			sum, err := eng.agents.Registry().Summary(args[0])
			if err == nil {
				return printJSON(sum)
			}

			// Not in this process's registry; look in the run-log store.
			stored, lookupErr := eng.runlog.AgentSessions(cmd.Context(), sessionListLimit)
			if lookupErr != nil {
				return err
			}
			for _, s := range stored {
				if s.ID == args[0] {
					return printJSON(s)
				}
			}
			return err
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncateTask(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
