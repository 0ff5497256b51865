package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sacha-l/ResearchOS/internal/research"
	"github.com/sacha-l/ResearchOS/internal/storage"
)

// NewMCPServer creates an MCP server exposing the research query engine as
// tools, so agent frontends can submit and read queries over stdio.
func NewMCPServer(svc *research.Service) *server.MCPServer {
	s := server.NewMCPServer(
		"researchos",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("ResearchOS — submit research questions for AI completion and read back results."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_query",
			mcp.WithDescription("Submit a research question for asynchronous AI completion. Returns the query in processing state; poll get_query for the answer."),
			mcp.WithString("question", mcp.Description("The research question to ask"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Opaque caller identifier owning the query"), mcp.Required()),
		),
		mcpSubmitQuery(svc),
	)

	s.AddTool(
		mcp.NewTool("get_query",
			mcp.WithDescription("Fetch one query by id, including its status and answer when completed."),
			mcp.WithString("id", mcp.Description("Query id"), mcp.Required()),
		),
		mcpGetQuery(svc),
	)

	s.AddTool(
		mcp.NewTool("list_queries",
			mcp.WithDescription("List a user's queries in submission order."),
			mcp.WithString("user_id", mcp.Description("Opaque caller identifier"), mcp.Required()),
		),
		mcpListQueries(svc),
	)

	s.AddTool(
		mcp.NewTool("query_stats",
			mcp.WithDescription("Summary counters over all stored queries."),
		),
		mcpQueryStats(svc),
	)

	return s
}

func mcpSubmitQuery(svc *research.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		q, err := svc.Submit(ctx, question, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("submission rejected: %v", err)), nil
		}

		b, err := json.Marshal(q)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal query: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetQuery(svc *research.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		q, err := svc.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("query not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get query: %v", err)), nil
		}

		b, err := json.Marshal(q)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal query: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListQueries(svc *research.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		queries, err := svc.ListByUser(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list queries: %v", err)), nil
		}
		if len(queries) == 0 {
			return mcpText("[]"), nil
		}

		type querySummary struct {
			ID          string `json:"id"`
			SubmittedAt string `json:"submitted_at"`
			Status      string `json:"status"`
			Question    string `json:"question"`
		}

		summaries := make([]querySummary, len(queries))
		for i, q := range queries {
			question := q.Question
			if utf8.RuneCountInString(question) > 200 {
				runes := []rune(question)
				question = string(runes[:200]) + "..."
			}
			summaries[i] = querySummary{
				ID:          q.ID,
				SubmittedAt: q.SubmittedAt.Format(time.RFC3339),
				Status:      string(q.Status),
				Question:    question,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueryStats(svc *research.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := svc.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}

		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
