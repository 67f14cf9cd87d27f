package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (s *Server) registerStats(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("usage_stats",
		mcp.WithDescription("Per-model token and cost totals plus today's accrued cost."),
	), s.handleUsageStats)

	m.AddTool(mcp.NewTool("cache_stats",
		mcp.WithDescription("Response cache effectiveness counters."),
	), s.handleCacheStats)
}

func (s *Server) handleUsageStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.orch.UsageStats()), nil
}

func (s *Server) handleCacheStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.orch.CacheStats()), nil
}
