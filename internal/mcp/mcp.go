// Package mcp implements the Model Context Protocol server for Parley.
//
// The MCP server exposes the run surface of the HTTP API (tool catalog,
// run inspection, confirmation and cancellation) so MCP-compatible agents can
// drive confirmable tool actions the same way the chat UI does.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/service/chat"
)

// Chat is the subset of the orchestrator the MCP tools call.
type Chat interface {
	ConfirmRun(ctx context.Context, user chat.User, runID uuid.UUID) (model.Run, error)
	CancelRun(ctx context.Context, user chat.User, runID uuid.UUID) (model.Run, error)
	Invoke(ctx context.Context, user chat.User, conversationID uuid.UUID, name string, args map[string]any) (model.Run, error)
}

// Runs reads run state.
type Runs interface {
	Get(ctx context.Context, id uuid.UUID) (model.Run, error)
	Steps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)
}

// Catalog lists the tool registry.
type Catalog interface {
	List() []model.ToolMeta
}

// Server wraps the MCP server with Parley's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	chat      Chat
	runs      Runs
	catalog   Catalog
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(chatSvc Chat, runs Runs, catalog Catalog, logger *slog.Logger, version string) *Server {
	s := &Server{
		chat:    chatSvc,
		runs:    runs,
		catalog: catalog,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"parley",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

const instructions = `Parley runs tools on behalf of a signed-in user.

Tools marked needs_confirmation stay in awaiting_confirmation until
parley_confirm_run is called. Never confirm a run the user has not
approved. Use parley_get_run to follow a run to a terminal status
(completed, failed or cancelled).`

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
