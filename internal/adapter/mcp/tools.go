package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/yyup/aistream/internal/domain"
)

// Tool names.
const (
	ToolQueryStatistics   = "query_statistics"
	ToolRenderUIComponent = "render_ui_component"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.addTools(
		s.queryStatisticsTool(),
		s.renderUIComponentTool(),
	)
}

func (s *Server) queryStatisticsTool() mcpserver.ServerTool {
	nameOpts := []mcplib.PropertyOption{
		mcplib.Required(),
		mcplib.Description("Name of the statistics query to run"),
	}
	if s.deps.Stats != nil {
		if names := s.deps.Stats.QueryNames(); len(names) > 0 {
			nameOpts = append(nameOpts, mcplib.Enum(names...))
		}
	}
	tool := mcplib.NewTool(ToolQueryStatistics,
		mcplib.WithDescription("Run a named read-only statistics query over the kindergarten data and return its rows"),
		mcplib.WithString("name", nameOpts...),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleQueryStatistics,
	}
}

func (s *Server) renderUIComponentTool() mcpserver.ServerTool {
	componentOpts := []mcplib.PropertyOption{
		mcplib.Required(),
		mcplib.Description("Component the page should render"),
	}
	if len(s.deps.Components) > 0 {
		componentOpts = append(componentOpts, mcplib.Enum(s.deps.Components...))
	}
	tool := mcplib.NewTool(ToolRenderUIComponent,
		mcplib.WithDescription("Ask the page to render a chart or table next to the answer"),
		mcplib.WithString("component", componentOpts...),
		mcplib.WithString("title",
			mcplib.Description("Heading shown above the component"),
		),
		mcplib.WithObject("data",
			mcplib.Description("Series or rows the component displays"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRenderUIComponent,
	}
}

type statisticsResult struct {
	Query string           `json:"query"`
	Rows  []map[string]any `json:"rows"`
}

func (s *Server) handleQueryStatistics(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Stats == nil {
		return mcplib.NewToolResultError("statistics store not configured"), nil
	}
	args := req.GetArguments()
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return mcplib.NewToolResultError("name is required"), nil
	}
	rows, err := s.deps.Stats.QueryNamed(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return mcplib.NewToolResultError(fmt.Sprintf("unknown query %q", name)), nil
	}
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("query %s failed", name), err), nil
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	data, err := json.Marshal(statisticsResult{Query: name, Rows: rows})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal rows", err), nil
	}
	return toolResultJSON(data), nil
}

type uiDirective struct {
	Component string         `json:"component"`
	Title     string         `json:"title,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (s *Server) handleRenderUIComponent(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	component, ok := args["component"].(string)
	if !ok || component == "" {
		return mcplib.NewToolResultError("component is required"), nil
	}
	if !slices.Contains(s.deps.Components, component) {
		return mcplib.NewToolResultError(fmt.Sprintf("unsupported component %q", component)), nil
	}

	d := uiDirective{Component: component}
	d.Title, _ = args["title"].(string)
	if raw, present := args["data"]; present && raw != nil {
		data, ok := raw.(map[string]any)
		if !ok {
			return mcplib.NewToolResultError("data must be an object"), nil
		}
		d.Data = data
	}

	out, err := json.Marshal(d)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal directive", err), nil
	}
	return toolResultJSON(out), nil
}
