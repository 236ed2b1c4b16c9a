package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/brainview/internal/storage"
)

// NewMCPServer creates an MCP server exposing job tracking and viewer control.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"brainview",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("brainview: track brain tumor segmentation jobs and load their volumes into the viewer."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("track_job",
			mcp.WithDescription("Start polling a segmentation job until it reaches DONE, ERROR or CANCELED."),
			mcp.WithString("id", mcp.Description("Segmentation id"), mcp.Required()),
		),
		mcpTrackJob(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the current status and transition history of a segmentation job."),
			mcp.WithString("id", mcp.Description("Segmentation id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("load_subject",
			mcp.WithDescription("Fetch, decode and display a finished segmentation with its label overlay."),
			mcp.WithString("id", mcp.Description("Segmentation id"), mcp.Required()),
			mcp.WithString("modality", mcp.Description("t1, t1km, t2 or flair (default t1)")),
		),
		mcpLoadSubject(deps),
	)

	s.AddTool(
		mcp.NewTool("invalidate_subject",
			mcp.WithDescription("Drop a subject's cached volumes so the next load refetches them."),
			mcp.WithString("id", mcp.Description("Segmentation id"), mcp.Required()),
		),
		mcpInvalidateSubject(deps),
	)

	s.AddTool(
		mcp.NewTool("set_class_visibility",
			mcp.WithDescription("Show or hide one tumor class (1 necrotic core, 2 enhancing tumor, 3 edema) in every viewport."),
			mcp.WithNumber("index", mcp.Description("Class index"), mcp.Required()),
			mcp.WithBoolean("visible", mcp.Description("Whether the class is drawn"), mcp.Required()),
			mcp.WithNumber("opacity", mcp.Description("Opacity 0-100 (default 50)")),
		),
		mcpSetClassVisibility(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"brainview://jobs",
			"Segmentation Jobs",
			mcp.WithResourceDescription("Most recent segmentation jobs with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJobs(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"brainview://viewports",
			"Viewports",
			mcp.WithResourceDescription("Attached viewports and label class visibility"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceViewports(deps),
	)

	return s
}

func mcpTrackJob(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		res, err := trackJob(deps, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to track %s: %v", id, err)), nil
		}
		if !res.Added {
			return mcpText(fmt.Sprintf("Job %s is already tracked", id)), nil
		}
		return mcpText(fmt.Sprintf("Tracking job %s", id)), nil
	}
}

func mcpJobStatus(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		job, err := getJob(deps, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}
		history, err := deps.Store.StatusHistory(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get history: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{"job": job, "history": historyView(history)})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLoadSubject(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		sum, err := loadSubject(ctx, deps, id, req.GetString("modality", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load %s: %v", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Loaded %s: %d modalities, dims %dx%dx%d, class voxels %v",
			id, len(sum.Modalities), sum.Dims[0], sum.Dims[1], sum.Dims[2], sum.ClassCounts)), nil
	}
}

func mcpInvalidateSubject(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := invalidateSubject(ctx, deps, id); err != nil {
			return mcpError(fmt.Sprintf("failed to invalidate %s: %v", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Invalidated %s", id)), nil
	}
}

func mcpSetClassVisibility(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		index, err := req.RequireInt("index")
		if err != nil {
			return mcpError("index is required"), nil
		}
		visible, err := req.RequireBool("visible")
		if err != nil {
			return mcpError("visible is required"), nil
		}
		opacity := req.GetInt("opacity", 50)

		if err := deps.Viewports.SetClassVisibility(ctx, index, visible, opacity); err != nil {
			return mcpError(err.Error()), nil
		}
		state := "hidden"
		if visible {
			state = "visible"
		}
		return mcpText(fmt.Sprintf("Class %d %s at opacity %d", index, state, opacity)), nil
	}
}

func mcpResourceJobs(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := listJobs(deps, false, 20)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		return jsonResource(req.Params.URI, jobs)
	}
}

func mcpResourceViewports(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonResource(req.Params.URI, map[string]any{
			"viewports": deps.Viewports.States(),
			"classes":   deps.Viewports.ClassStates(),
		})
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
