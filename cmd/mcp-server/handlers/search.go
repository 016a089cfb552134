// Package handlers registers the MCP tools exposed by the protected
// code-search endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/elastic/semantic-code-search-mcp-server/cmd/mcp-server/auth"
	"github.com/elastic/semantic-code-search-mcp-server/internal/search"
)

// Register adds the code-search tools to the MCP server.
func Register(srv *server.MCPServer, client *search.Client, log *zap.Logger) {
	searchTool := mcp.NewTool("search_code",
		mcp.WithDescription("Full-text search across the indexed source code. Matches file content, paths, and symbols."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search query, e.g. a function name, error message, or phrase."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (1-100, default 20)."),
		),
	)
	srv.AddTool(searchTool, searchHandler(client, log))

	reposTool := mcp.NewTool("list_repositories",
		mcp.WithDescription("List the repositories present in the code-search index."),
	)
	srv.AddTool(reposTool, repositoriesHandler(client, log))
}

func searchHandler(client *search.Client, log *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		limit := request.GetInt("limit", 20)

		if claims, ok := auth.ClaimsFromContext(ctx); ok {
			log.Debug("search_code", zap.String("subject", claims.Subject()), zap.String("query", query))
		}

		results, err := client.Search(ctx, query, limit)
		if err != nil {
			log.Error("code search failed", zap.Error(err))
			return mcp.NewToolResultError("search backend unavailable"), nil
		}

		body, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding search results: %w", err)
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func repositoriesHandler(client *search.Client, log *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repos, err := client.Repositories(ctx)
		if err != nil {
			log.Error("listing repositories failed", zap.Error(err))
			return mcp.NewToolResultError("search backend unavailable"), nil
		}
		body, err := json.MarshalIndent(repos, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding repository list: %w", err)
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
