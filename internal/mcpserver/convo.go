package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/gofer/internal/convo"
)

func (s *Server) registerConversations(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("conversation_start",
		mcp.WithDescription("Start a multi-turn conversation. Returns its id."),
		mcp.WithString("title", mcp.Description("Human-readable label")),
		mcp.WithString("model",
			mcp.Description("Pin every turn to this model; empty routes per message")),
		mcp.WithString("system",
			mcp.Description("Directive prepended to every rendered prompt")),
	), s.handleConversationStart)

	m.AddTool(mcp.NewTool("conversation_send",
		mcp.WithDescription("Send a message in a conversation and return the reply."),
		mcp.WithString("conversation_id", mcp.Required(),
			mcp.Description("Id returned by conversation_start")),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("The user turn to send")),
	), s.handleConversationSend)

	m.AddTool(mcp.NewTool("conversation_end",
		mcp.WithDescription("Complete a conversation; no further messages are accepted."),
		mcp.WithString("conversation_id", mcp.Required(),
			mcp.Description("Id returned by conversation_start")),
	), s.handleConversationEnd)

	m.AddTool(mcp.NewTool("conversation_list",
		mcp.WithDescription("List conversations with message and token counts."),
		mcp.WithString("state",
			mcp.Description("Filter: active, paused, completed, or expired; empty lists all")),
	), s.handleConversationList)
}

func (s *Server) handleConversationStart(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := s.orch.Convos().Start(convo.StartOptions{
		Title:  req.GetString("title", ""),
		Model:  req.GetString("model", ""),
		System: req.GetString("system", ""),
	})
	return jsonResult(map[string]string{"conversation_id": id}), nil
}

func (s *Server) handleConversationSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.orch.ConversationSend(ctx, id, msg)
	if err != nil {
		return toolError(err), nil
	}
	return s.shaped("conversation", out), nil
}

func (s *Server) handleConversationEnd(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.orch.Convos().End(id); err != nil {
		return toolError(err), nil
	}
	info, err := s.orch.Convos().Stats(id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(info), nil
}

func (s *Server) handleConversationList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := convo.State(req.GetString("state", ""))
	return jsonResult(s.orch.Convos().List(state)), nil
}
