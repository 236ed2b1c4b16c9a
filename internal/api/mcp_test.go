package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPTool_TrackAndStatus(t *testing.T) {
	deps, backend := newTestDeps(t)
	ctx := context.Background()

	result, err := mcpTrackJob(deps)(ctx, makeCallToolRequest("track_job", map[string]interface{}{"id": "job-1"}))
	if err != nil || result.IsError {
		t.Fatalf("track_job: %v %s", err, toolText(t, result))
	}

	backend.setStatus("job-1", "PREDICTING")
	if err := deps.Tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	result, err = mcpJobStatus(deps)(ctx, makeCallToolRequest("job_status", map[string]interface{}{"id": "job-1"}))
	if err != nil || result.IsError {
		t.Fatalf("job_status: %v", err)
	}
	var body struct {
		Job     JobView        `json:"job"`
		History []historyEntry `json:"history"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &body); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if body.Job.Status != "PREDICTING" || len(body.History) != 1 {
		t.Errorf("status = %+v", body)
	}
}

func TestMCPTool_MissingArguments(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()

	for name, handler := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"track_job":          mcpTrackJob(deps),
		"job_status":         mcpJobStatus(deps),
		"load_subject":       mcpLoadSubject(deps),
		"invalidate_subject": mcpInvalidateSubject(deps),
	} {
		result, err := handler(ctx, makeCallToolRequest(name, map[string]interface{}{}))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected IsError without id", name)
		}
	}
}

func TestMCPTool_LoadSubject(t *testing.T) {
	deps, _ := newTestDeps(t)

	result, err := mcpLoadSubject(deps)(context.Background(), makeCallToolRequest("load_subject", map[string]interface{}{
		"id":       "sub-1",
		"modality": "t2",
	}))
	if err != nil || result.IsError {
		t.Fatalf("load_subject: %v %s", err, toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "4 modalities") {
		t.Errorf("text = %q", toolText(t, result))
	}
	if !deps.Cache.Has("sub-1") {
		t.Error("subject not cached")
	}

	result, _ = mcpInvalidateSubject(deps)(context.Background(), makeCallToolRequest("invalidate_subject", map[string]interface{}{"id": "sub-1"}))
	if result.IsError || deps.Cache.Has("sub-1") {
		t.Error("invalidate_subject did not drop the subject")
	}
}

func TestMCPTool_SetClassVisibility(t *testing.T) {
	deps, _ := newTestDeps(t)

	result, err := mcpSetClassVisibility(deps)(context.Background(), makeCallToolRequest("set_class_visibility", map[string]interface{}{
		"index":   float64(3),
		"visible": false,
		"opacity": float64(0),
	}))
	if err != nil || result.IsError {
		t.Fatalf("set_class_visibility: %v %s", err, toolText(t, result))
	}
	for _, c := range deps.Viewports.ClassStates() {
		if c.Index == 3 && (c.Visible || c.Opacity != 0) {
			t.Errorf("class 3 = %+v", c)
		}
	}
}

func TestMCPResource_Jobs(t *testing.T) {
	deps, _ := newTestDeps(t)
	if _, err := trackJob(deps, "job-1"); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceJobs(deps)(context.Background(), makeReadResourceRequest("brainview://jobs"))
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("got %T", contents[0])
	}
	var jobs []JobView
	if err := json.Unmarshal([]byte(tc.Text), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" || !jobs[0].Tracked {
		t.Errorf("jobs = %+v", jobs)
	}
}
