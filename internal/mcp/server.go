package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"layersync/internal/service"
)

// Server is the MCP server for layersync.
// It exposes tools, resources and prompts so AI agents can inspect and run
// reconciliation jobs.
type Server struct {
	mcp    *server.MCPServer
	sync   *service.SyncService
	logger *zap.Logger
}

// Deps holds all dependencies passed from the app layer to the MCP server.
type Deps struct {
	Sync    *service.SyncService
	Logger  *zap.Logger
	Version string
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{sync: deps.Sync, logger: logger}

	s.mcp = server.NewMCPServer(
		"layersync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerSyncTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("starting MCP stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

func boolPtr(v bool) *bool { return &v }

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// logCall records a tool invocation.
func (s *Server) logCall(_ context.Context, tool string, fields ...zap.Field) {
	s.logger.Debug("tool called", append([]zap.Field{zap.String("tool", tool)}, fields...)...)
}
