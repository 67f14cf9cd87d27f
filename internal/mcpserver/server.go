// Package mcpserver exposes the engine to MCP clients over stdio: ask and
// brainstorm prompts, conversations, agent sessions, and the usage/cache
// counters. Handlers return tool errors for engine failures; transport
// errors are the only thing surfaced to the MCP layer itself.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
)

// Server bridges MCP tool calls onto the orchestrator.
type Server struct {
	orch   *orchestrate.Orchestrator
	shaper *sizer.Sizer
	mcp    *server.MCPServer
}

// New registers every tool on a fresh MCP server. The shaper bounds large
// responses so tool results stay within client read budgets.
func New(orch *orchestrate.Orchestrator, shaper *sizer.Sizer, version string) *Server {
	s := &Server{orch: orch, shaper: shaper}

	m := server.NewMCPServer("gofer", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("gofer drives local worker CLIs: ask for one-shot "+
			"prompts, conversation_* for multi-turn context, agent_* for autonomous "+
			"file-editing sessions."),
	)

	s.registerAsk(m)
	s.registerConversations(m)
	s.registerAgents(m)
	s.registerStats(m)

	s.mcp = m
	return s
}

// Serve speaks MCP on stdio until ctx is cancelled or stdin closes. Logs
// must already be routed to stderr; stdout belongs to the protocol.
func (s *Server) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// toolError wraps an engine failure as a tool-level error. Engine errors
// carry their fault kind in the message and never embed credentials.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
