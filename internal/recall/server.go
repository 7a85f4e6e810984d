package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kiro-community/total-recall/internal/config"
	"github.com/kiro-community/total-recall/internal/index"
	"github.com/kiro-community/total-recall/internal/models"
	"github.com/kiro-community/total-recall/internal/query"
)

const (
	serverName    = "kiro-total-recall"
	serverVersion = "1.0.0"
)

// Server exposes the four scoped search tools over MCP stdio. Each tool is
// a thin pre-filter in front of the shared query engine.
type Server struct {
	engine *query.Engine
	index  *index.Index
	cfg    *config.Config
	logger *slog.Logger
}

// NewServer creates the MCP tool surface.
func NewServer(engine *query.Engine, idx *index.Index, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{engine: engine, index: idx, cfg: cfg, logger: logger}
}

// Run serves MCP over stdio until stdin closes. The index preloads in the
// background so the first tool call does not pay the full build cost.
func (s *Server) Run() error {
	go s.preload()
	return server.ServeStdio(s.MCPServer())
}

// preload builds the index ahead of the first query. Errors surface on the
// actual search instead.
func (s *Server) preload() {
	if _, err := s.index.Snapshot(context.Background()); err != nil {
		s.logger.Debug("index preload failed", "error", err)
	}
}

// MCPServer builds the tool registry.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(serverName, serverVersion)

	srv.AddTool(searchTool("search_project_history",
		"Search conversation history for the CURRENT WORKSPACE only. "+
			"Use this to find workspace-specific context: past decisions, implementation details, "+
			"bugs discussed, architecture choices in this codebase.",
	), s.handleProjectSearch)

	srv.AddTool(searchTool("search_global_history",
		"Search conversation history across ALL WORKSPACES. "+
			"Use this to find cross-project knowledge: user preferences, coding patterns, "+
			"common solutions, and insights from all previous work.",
	), s.handleGlobalSearch)

	srv.AddTool(searchTool("search_cli_history",
		"Search Kiro CLI conversation history only.",
	), s.handleCLISearch)

	srv.AddTool(searchTool("search_ide_history",
		"Search Kiro IDE conversation history only.",
	), s.handleIDESearch)

	return srv
}

func searchTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("query", mcp.Required(),
			mcp.Description("Keywords or sentence describing what to find")),
		mcp.WithString("after",
			mcp.Description("Filter to messages on/after this date (ISO 8601: \"2025-01-15\")")),
		mcp.WithString("before",
			mcp.Description("Filter to messages before this date (ISO 8601)")),
		mcp.WithNumber("context_size", mcp.DefaultNumber(3),
			mcp.Description("Messages to include before AND after each match")),
		mcp.WithNumber("threshold", mcp.DefaultNumber(0.2),
			mcp.Description("Minimum similarity 0-1")),
		mcp.WithNumber("max_results", mcp.DefaultNumber(10),
			mcp.Description("Maximum results to return")),
		mcp.WithNumber("offset", mcp.DefaultNumber(0),
			mcp.Description("Skip results for pagination")),
	)
}

func (s *Server) handleProjectSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.search(ctx, request, CurrentWorkspace(), "")
}

func (s *Server) handleGlobalSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.search(ctx, request, "", "")
}

func (s *Server) handleCLISearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.search(ctx, request, "", models.SourceCLI)
}

func (s *Server) handleIDESearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.search(ctx, request, "", models.SourceIDE)
}

func (s *Server) search(ctx context.Context, request mcp.CallToolRequest, workspace string, src models.Source) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("invalid arguments"), nil
	}

	params, err := parseParams(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params.Workspace = workspace
	params.Source = src

	resp, err := s.engine.Search(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode response: %s", err)), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func parseParams(args map[string]any) (query.Params, error) {
	var p query.Params

	p.Query, _ = args["query"].(string)

	after, _ := args["after"].(string)
	afterT, err := query.ParseDateFilter(after)
	if err != nil {
		return p, err
	}
	p.After = afterT

	before, _ := args["before"].(string)
	beforeT, err := query.ParseDateFilter(before)
	if err != nil {
		return p, err
	}
	p.Before = beforeT

	if v, ok := argNumber(args, "context_size"); ok {
		p.ContextSize = int(v)
		p.ContextSizeSet = true
	}
	if v, ok := argNumber(args, "threshold"); ok {
		p.Threshold = v
		p.ThresholdSet = true
	}
	if v, ok := argNumber(args, "max_results"); ok {
		p.MaxResults = int(v)
	}
	if v, ok := argNumber(args, "offset"); ok {
		p.Offset = int(v)
	}
	return p, nil
}

func argNumber(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// CurrentWorkspace resolves the caller's project directory from the
// environment, falling back to the working directory.
func CurrentWorkspace() string {
	for _, key := range []string{"KIRO_PROJECT_DIR", "KIRO_WORKSPACE"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if v := os.Getenv("PWD"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
