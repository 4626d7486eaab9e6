// Package mcp hosts the tool registry. Tools are declared with mcp-go so the
// same handlers serve the chat orchestrator in-process and external agents
// over MCP streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/yyup/aistream/internal/port/database"
	"github.com/yyup/aistream/internal/port/provider"
	"github.com/yyup/aistream/internal/port/toolset"
)

// ServerConfig names the MCP server.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps holds the backends used by tool handlers. A nil Stats makes
// query_statistics report an error result.
type ServerDeps struct {
	Stats      database.StatsReader
	Components []string
}

// Server is the tool registry.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	tools     map[string]mcpserver.ServerTool
}

var _ toolset.Toolset = (*Server)(nil)

// NewServer creates the registry and registers all tools.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(true),
		),
		tools: make(map[string]mcpserver.ServerTool),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler serves the registry over MCP streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) addTools(tools ...mcpserver.ServerTool) {
	for _, t := range tools {
		s.tools[t.Tool.Name] = t
	}
	s.mcpServer.AddTools(tools...)
}

// Definitions returns the provider-facing definitions of the named tools.
func (s *Server) Definitions(names []string) []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := s.tools[name]
		if !ok {
			continue
		}
		params, err := json.Marshal(t.Tool.InputSchema)
		if err != nil {
			continue
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Tool.Name,
			Description: t.Tool.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Call runs a tool handler in-process. Error results, handler errors and
// panics are all returned as errors.
func (s *Server) Call(ctx context.Context, name string, args json.RawMessage) (out json.RawMessage, err error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", toolset.ErrUnknownTool, name)
	}

	var arguments map[string]any
	if trimmed := strings.TrimSpace(string(args)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()

	var req mcplib.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = arguments

	res, err := t.Handler(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if res == nil {
		return nil, fmt.Errorf("tool %s returned no result", name)
	}

	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "tool failed"
		}
		return nil, errors.New(text)
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

func resultText(res *mcplib.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func toolResultJSON(data []byte) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(string(data))
}
