package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gofer/internal/fileref"
	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
	"github.com/nextlevelbuilder/gofer/pkg/protocol"
)

func askCmd() *cobra.Command {
	var (
		model      string
		preferFast bool
		noCache    bool
		ttl        time.Duration
		review     string
		timeout    time.Duration
		workdir    string
		files      []string
		asJSON     bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Run a one-shot prompt through the engine",
		Long: "Routes the prompt to a model, drives the worker CLI, and prints the\n" +
			"answer. Reads the prompt from stdin when no arguments are given.\n" +
			"@file tokens and --file globs inline file contents into the prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := promptFrom(args)
			if err != nil {
				return err
			}
			mode, err := reviewMode(review)
			if err != nil {
				return err
			}

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

			task, err = fileref.Expand(ctx, task, workdir, files)
			if err != nil {
				return err
			}

			var (
				progress chan orchestrate.Progress
				done     chan struct{}
			)
			if !quiet {
				progress = make(chan orchestrate.Progress, 8)
				done = make(chan struct{})
				go func() {
					defer close(done)
					for p := range progress {
						printProgress(p)
					}
				}()
			}

			out, err := eng.orch.Run(ctx, orchestrate.Request{
				Task:       task,
				Model:      model,
				ToolTag:    "ask_gemini",
				PreferFast: preferFast,
				NoCache:    noCache,
				CacheTTL:   ttl,
				Review:     mode,
				Timeout:    timeout,
				Progress:   progress,
			})
			if done != nil {
				<-done
			}
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(protocol.AskResponse{
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

			fmt.Println(out.Text)
			if !quiet {
				printFooter(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "explicit model hint")
	cmd.Flags().BoolVar(&preferFast, "prefer-fast", false, "bias routing toward the fastest tier")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache lifetime override for this response")
	cmd.Flags().StringVar(&review, "review", "auto", "review pass: auto, always, or never")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-call deadline override")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "directory @file references resolve against")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "glob of files to inline into the prompt (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full outcome as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress and the result footer")

	return cmd
}

// promptFrom joins the args, falling back to stdin so prompts can be piped.
func promptFrom(args []string) (string, error) {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task != "" && task != "-" {
		return task, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	task = strings.TrimSpace(string(data))
	if task == "" {
		return "", fmt.Errorf("no prompt given: pass it as arguments or on stdin")
	}
	return task, nil
}

func reviewMode(s string) (orchestrate.ReviewMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return orchestrate.ReviewAuto, nil
	case "always":
		return orchestrate.ReviewAlways, nil
	case "never":
		return orchestrate.ReviewNever, nil
	default:
		return 0, fmt.Errorf("invalid --review %q: want auto, always, or never", s)
	}
}

// printProgress writes one phase tick to stderr, keeping stdout clean for
// the answer itself.
func printProgress(p orchestrate.Progress) {
	switch {
	case p.Model != "" && p.Attempt > 0:
		fmt.Fprintf(os.Stderr, "· %s %s (attempt %d)\n", p.Phase, p.Model, p.Attempt)
	case p.Model != "":
		fmt.Fprintf(os.Stderr, "· %s %s\n", p.Phase, p.Model)
	default:
		fmt.Fprintf(os.Stderr, "· %s\n", p.Phase)
	}
}

func printFooter(out orchestrate.Outcome) {
	line := fmt.Sprintf("model=%s tokens=%d/%d cost=$%.4f elapsed=%s",
		out.Model, out.InputTokens, out.OutputTokens, out.CostUSD, out.Elapsed.Round(time.Millisecond))
	if out.Cached {
		line += " (cached)"
	}
	if out.Verdict != "" {
		line += " verdict=" + out.Verdict
	}
	fmt.Fprintln(os.Stderr, line)
	if out.Note != "" {
		fmt.Fprintln(os.Stderr, "note:", out.Note)
	}
}
