// Package mcp implements the Model Context Protocol server for kotae.
//
// The MCP server exposes the answer engine through MCP tools and resources so
// MCP-compatible assistants can ask questions against a thread and poll runs.
// Every call acts on behalf of the owner authenticated by the HTTP transport.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/service/answer"
)

var errNoOwner = errors.New("mcp: request is not authenticated")

// Server wraps the MCP server with kotae's answer engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *answer.Engine
	runner    *answer.Runner
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
// runner may be nil, in which case async asks run inline.
func New(engine *answer.Engine, runner *answer.Runner, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine: engine,
		runner: runner,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kotae",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions("Ask questions against a conversation thread with kotae_ask. "+
			"Each question is answered iteratively from the owner's knowledge base. "+
			"Long runs can be started with async=true and polled with kotae_run_status."),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func ownerFrom(ctx context.Context) (uuid.UUID, error) {
	owner := ctxutil.OwnerIDFromContext(ctx)
	if owner == uuid.Nil {
		return uuid.Nil, errNoOwner
	}
	return owner, nil
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

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
