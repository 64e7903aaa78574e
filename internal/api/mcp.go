package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	Version string
}

// NewMCPServer creates an MCP server exposing notebook Q&A, URL ingestion
// and job status as tools, and the notebook list as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"folio",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("folio: notebooks of ingested sources. Ask questions with citations, ingest URLs, and track ingestion jobs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_notebook",
			mcp.WithDescription("Answer a question from the sources of a notebook. The answer cites the chunks it used."),
			mcp.WithString("notebook_id", mcp.Description("Notebook to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("history", mcp.Description("Optional JSON array of prior {role, content} turns")),
		),
		mcpAskNotebook(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_url",
			mcp.WithDescription("Fetch a web page into a notebook. Ingestion runs in the background; poll job_status with the returned job id."),
			mcp.WithString("notebook_id", mcp.Description("Target notebook"), mcp.Required()),
			mcp.WithString("url", mcp.Description("http(s) URL to ingest"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; defaults to the page title")),
			mcp.WithArray("transformations", mcp.Description("Optional transformation ids to run after ingestion")),
		),
		mcpIngestURL(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the status, attempts and last error of a background job."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"folio://notebooks",
			"Notebooks",
			mcp.WithResourceDescription("All notebooks as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceNotebooks(deps),
	)

	return s
}

func mcpAskNotebook(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		notebookID, err := req.RequireString("notebook_id")
		if err != nil {
			return mcpError("notebook_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		var history []ask.Turn
		if raw := req.GetString("history", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return mcpError(fmt.Sprintf("invalid history JSON: %v", err)), nil
			}
		}

		ans, err := deps.Service.Ask(ctx, notebookID, query, history)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpText(formatAnswer(ans)), nil
	}
}

func formatAnswer(ans ask.Answer) string {
	if len(ans.Citations) == 0 {
		return ans.Text
	}
	var b strings.Builder
	b.WriteString(ans.Text)
	b.WriteString("\n\nSources:\n")
	for i, c := range ans.Citations {
		id := "source " + c.SourceID
		if c.NoteID != "" {
			id = "note " + c.NoteID
		}
		fmt.Fprintf(&b, "[%d] %s, chunk %d (score %.3f)\n", i+1, id, c.ChunkIndex, c.Score)
	}
	return strings.TrimRight(b.String(), "\n")
}

func mcpIngestURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		notebookID, err := req.RequireString("notebook_id")
		if err != nil {
			return mcpError("notebook_id is required"), nil
		}
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		enq, err := deps.Service.EnqueueIngestion(ctx, pipeline.SourceDraft{
			NotebookID:      notebookID,
			URL:             url,
			Title:           req.GetString("title", ""),
			Transformations: req.GetStringSlice("transformations", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}

		b, err := json.Marshal(enq)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := deps.Service.GetJobStatus(ctx, jobID)
		if err != nil {
			return mcpError(fmt.Sprintf("job %s: %v", jobID, err)), nil
		}

		type jobResult struct {
			ID          string `json:"id"`
			Kind        string `json:"kind"`
			TargetID    string `json:"target_id"`
			Status      string `json:"status"`
			Attempts    int    `json:"attempts"`
			MaxAttempts int    `json:"max_attempts"`
			LastError   string `json:"last_error,omitempty"`
		}
		b, err := json.Marshal(jobResult{
			ID:          job.ID,
			Kind:        job.Kind,
			TargetID:    job.TargetID,
			Status:      string(job.Status),
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceNotebooks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		nbs, err := deps.Service.ListNotebooks(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list notebooks: %w", err)
		}
		b, err := json.Marshal(nbs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notebooks: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
