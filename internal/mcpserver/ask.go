package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/gofer/internal/fileref"
	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
)

func (s *Server) registerAsk(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Ask the worker model. Routes by task complexity unless a model is pinned; @file references in the prompt are inlined."),
		mcp.WithString("prompt", mcp.Required(),
			mcp.Description("The task or question")),
		mcp.WithString("model",
			mcp.Description("Exact model name to pin; must be in the catalog")),
		mcp.WithBoolean("prefer_fast", mcp.DefaultBool(false),
			mcp.Description("Bias routing one tier faster")),
		mcp.WithBoolean("cache", mcp.DefaultBool(true),
			mcp.Description("Serve and store memoized responses")),
		mcp.WithNumber("ttl_seconds",
			mcp.Description("Cache lifetime override for this response")),
		mcp.WithString("workdir",
			mcp.Description("Directory @file references resolve against")),
		mcp.WithArray("files",
			mcp.Description("Glob patterns whose matching files are appended as context"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handleAsk)

	m.AddTool(mcp.NewTool("brainstorm",
		mcp.WithDescription("Generate ranked solution approaches for a topic."),
		mcp.WithString("topic", mcp.Required(),
			mcp.Description("The problem or question to explore")),
		mcp.WithNumber("ideas", mcp.DefaultNumber(5),
			mcp.Description("How many approaches to produce (1-12)")),
		mcp.WithString("model",
			mcp.Description("Exact model name to pin")),
	), s.handleBrainstorm)
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, err := fileref.Expand(ctx, prompt,
		req.GetString("workdir", ""),
		req.GetStringSlice("files", nil))
	if err != nil {
		return toolError(err), nil
	}

	out, err := s.orch.Run(ctx, orchestrate.Request{
		Task:       task,
		Model:      req.GetString("model", ""),
		ToolTag:    "ask_gemini",
		PreferFast: req.GetBool("prefer_fast", false),
		NoCache:    !req.GetBool("cache", true),
		CacheTTL:   time.Duration(req.GetFloat("ttl_seconds", 0) * float64(time.Second)),
	})
	if err != nil {
		return toolError(err), nil
	}
	return s.shaped("ask", out), nil
}

func (s *Server) handleBrainstorm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ideas := req.GetInt("ideas", 5)
	if ideas < 1 {
		ideas = 1
	}
	if ideas > 12 {
		ideas = 12
	}

	out, err := s.orch.Run(ctx, orchestrate.Request{
		Task:    brainstormPrompt(topic, ideas),
		Model:   req.GetString("model", ""),
		ToolTag: "brainstorm",
		NoCache: true,
	})
	if err != nil {
		return toolError(err), nil
	}
	return s.shaped("brainstorm", out), nil
}

// shaped bounds a run's text to the client read budget and carries the
// review note when one was recorded.
func (s *Server) shaped(label string, out orchestrate.Outcome) *mcp.CallToolResult {
	text := out.Text
	if out.Note != "" {
		text += "\n\n[note] " + out.Note
	}
	if s.shaper != nil {
		res, err := s.shaper.Shape(label, text)
		if err != nil {
			slog.Warn("mcpserver.shape_failed", "label", label, "error", err)
		}
		text = res.Text
	}
	return mcp.NewToolResultText(text)
}

func brainstormPrompt(topic string, ideas int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Brainstorm %d distinct approaches to the topic below.\n\n", ideas)
	b.WriteString("For each approach give a short name, the core idea in at most two sentences, and the main risk or tradeoff.\n")
	b.WriteString("Finish with a one-line ranking by promise.\n\n")
	b.WriteString("## Topic\n\n")
	b.WriteString(topic)
	b.WriteString("\n")
	return b.String()
}
