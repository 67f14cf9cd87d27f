package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/gofer/internal/agent"
)

func (s *Server) registerAgents(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("agent_run",
		mcp.WithDescription("Run an autonomous agent session: the worker may read and edit files under the working directory. Requires agent mode to be enabled."),
		mcp.WithString("task", mcp.Required(),
			mcp.Description("What the agent should accomplish")),
		mcp.WithString("workdir",
			mcp.Description("Working directory for the session; empty inherits the server's")),
		mcp.WithString("model",
			mcp.Description("Exact model name to pin")),
		mcp.WithNumber("max_iterations",
			mcp.Description("Tool-call quota override for this session")),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Session deadline override")),
		mcp.WithArray("context_files",
			mcp.Description("Files whose contents are appended to the task prompt"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("resume",
			mcp.Description("Session id to continue instead of starting fresh")),
	), s.handleAgentRun)

	m.AddTool(mcp.NewTool("agent_status",
		mcp.WithDescription("Report one agent session: status, iterations, touched files, result."),
		mcp.WithString("session_id", mcp.Required(),
			mcp.Description("Id returned by agent_run")),
	), s.handleAgentStatus)

	m.AddTool(mcp.NewTool("agent_list",
		mcp.WithDescription("List agent sessions, newest first."),
		mcp.WithString("status",
			mcp.Description("Filter: pending, running, completed, or failed; empty lists all")),
	), s.handleAgentList)
}

func (s *Server) handleAgentRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sum, err := s.orch.Agents().Run(ctx, agent.RunRequest{
		Task:          task,
		WorkDir:       req.GetString("workdir", ""),
		Model:         req.GetString("model", ""),
		ContextFiles:  req.GetStringSlice("context_files", nil),
		MaxIterations: req.GetInt("max_iterations", 0),
		Timeout:       time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second,
		Resume:        req.GetString("resume", ""),
	})
	if err != nil {
		// A seeded session still has a useful record to report.
		if sum.ID == "" {
			return toolError(err), nil
		}
		data, _ := json.MarshalIndent(sum, "", "  ")
		return mcp.NewToolResultError(fmt.Sprintf("%v\n%s", err, data)), nil
	}
	return jsonResult(sum), nil
}

func (s *Server) handleAgentStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sum, err := s.orch.Agents().Registry().Summary(id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(sum), nil
}

func (s *Server) handleAgentList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := agent.Status(req.GetString("status", ""))
	return jsonResult(s.orch.Agents().Registry().List(status)), nil
}
