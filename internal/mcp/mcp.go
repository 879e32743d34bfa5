// Package mcp implements the Model Context Protocol server for Toikake.
//
// The MCP server exposes the question answering pipeline through MCP
// tools and the table catalog through MCP resources, so MCP-compatible
// AI agents can query the database in natural language without going
// through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/toikake/internal/model"
	"github.com/ashita-ai/toikake/internal/pipeline"
	"github.com/ashita-ai/toikake/internal/storage"
)

// Server wraps the MCP server with Toikake's pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipe      *pipeline.Pipeline
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(pipe *pipeline.Pipeline, db *storage.DB, logger *slog.Logger, version string) *Server {
	s := &Server{
		pipe:   pipe,
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"toikake",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// toikake://tables — the queryable table catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"toikake://tables",
			"Table Catalog",
			mcplib.WithResourceDescription("Tables available for natural language querying, with schemas and descriptions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTablesResource,
	)

	// toikake://queries/recent — recent query log entries.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"toikake://queries/recent",
			"Recent Queries",
			mcplib.WithResourceDescription("Recently processed questions with their routes and generated SQL"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentQueriesResource,
	)
}

func (s *Server) registerTools() {
	// toikake_ask — the full pipeline: question in, answer out.
	s.mcpServer.AddTool(
		mcplib.NewTool("toikake_ask",
			mcplib.WithDescription("Ask a question about the data in natural language. Returns an answer with the generated SQL and result rows when the question needs the database."),
			mcplib.WithString("question", mcplib.Description("The question to answer"), mcplib.Required()),
			mcplib.WithNumber("max_results", mcplib.Description("Maximum result rows to return (default 500, max 1000)")),
		),
		s.handleAsk,
	)

	// toikake_sql — run caller-written SQL through the guardrail and executor.
	s.mcpServer.AddTool(
		mcplib.NewTool("toikake_sql",
			mcplib.WithDescription("Execute a read-only SELECT statement. The statement is checked against the guardrail before execution; write operations are rejected."),
			mcplib.WithString("sql", mcplib.Description("The SELECT statement to execute"), mcplib.Required()),
			mcplib.WithBoolean("validate_only", mcplib.Description("Check the statement without executing it")),
			mcplib.WithNumber("max_results", mcplib.Description("Maximum result rows to return")),
		),
		s.handleSQL,
	)
}

func (s *Server) handleTablesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tables, err := s.db.ListCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list catalog: %w", err)
	}

	out := make([]model.TableInfo, 0, len(tables))
	for _, t := range tables {
		out = append(out, t.Info())
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal tables: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "toikake://tables",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentQueriesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	entries, err := s.db.ListRecentQueries(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent queries: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal queries: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "toikake://queries/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	req := model.QueryRequest{
		Query: question,
		Options: model.QueryOptions{
			MaxResults: request.GetInt("max_results", 0),
		},
	}
	if err := model.ValidateQueryRequest(req); err != nil {
		return errorResult(err.Error()), nil
	}

	resp := s.pipe.ProcessQuery(ctx, req)

	resultData, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal response: %v", err)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleSQL(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sqlText := request.GetString("sql", "")
	if sqlText == "" {
		return errorResult("sql is required"), nil
	}
	if len(sqlText) > model.MaxSuppliedSQLLen {
		return errorResult("sql exceeds maximum length"), nil
	}

	out, err := s.pipe.ExecuteSQL(ctx, model.ExecuteSQLRequest{
		SQL:          sqlText,
		ValidateOnly: request.GetBool("validate_only", false),
		MaxResults:   request.GetInt("max_results", 0),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("execution failed: %v", err)), nil
	}

	resultData, merr := json.MarshalIndent(out, "", "  ")
	if merr != nil {
		return errorResult(fmt.Sprintf("marshal response: %v", merr)), nil
	}

	result := &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}
	if !out.Verdict.Allowed {
		result.IsError = true
	}
	return result, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
