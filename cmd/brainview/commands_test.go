package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/brainview/internal/api"
	"github.com/kalambet/brainview/internal/archive"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if resp == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

var ctx = context.Background()

func TestTrackJob_ByID(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs": `{"id":"job-1","token":"tok","added":true}`,
	})

	res, err := trackJob(ctx, ts.client(), api.TrackRequest{ID: "job-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Added || res.ID != "job-1" {
		t.Errorf("result = %+v", res)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/jobs" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["id"] != "job-1" {
		t.Errorf("body.id = %v, want job-1", body["id"])
	}
}

func TestBuildTrackRequest(t *testing.T) {
	req, err := buildTrackRequest(nil, "p-1", map[string]string{"T1": "a", "flair": "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ProjectID != "p-1" || req.Sequences[archive.T1] != "a" || req.Sequences[archive.FLAIR] != "b" {
		t.Errorf("request = %+v", req)
	}

	for _, tc := range []struct {
		name    string
		args    []string
		project string
		seqs    map[string]string
	}{
		{"nothing", nil, "", nil},
		{"id and project", []string{"job-1"}, "p-1", nil},
		{"bad modality", nil, "p-1", map[string]string{"pd": "x"}},
	} {
		if _, err := buildTrackRequest(tc.args, tc.project, tc.seqs); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestTrackCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"track"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs": `{"jobs":[{"id":"job-1","status":"PREDICTING","tracked":true},{"id":"job-2","status":"DONE"}]}`,
	})

	jobs, err := listJobs(ctx, ts.client(), true, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Status != "PREDICTING" {
		t.Errorf("jobs = %+v", jobs)
	}
	r := ts.last(t)
	if !strings.Contains(r.Path, "tracked=true") || !strings.Contains(r.Path, "limit=10") {
		t.Errorf("path = %q", r.Path)
	}
}

func TestFetchEvents(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/events": `{"events":[{"seq":4,"job_id":"job-1","type":"status","old":"QUEUEING","new":"PREPROCESSING"}],"last_seq":4}`,
	})

	page, err := fetchEvents(ctx, ts.client(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.LastSeq != 4 || len(page.Events) != 1 || page.Events[0].New != "PREPROCESSING" {
		t.Errorf("page = %+v", page)
	}
	if r := ts.last(t); r.Path != "/jobs/events?since=3" {
		t.Errorf("path = %q", r.Path)
	}
}

func TestLoadSubject(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /subjects/sub-1/load": `{"subject":{"subject_id":"sub-1","modalities":["t1","t2"],"dims":[240,240,155],"has_labels":true,"class_counts":[10,1,2,3]}}`,
	})

	sum, err := loadSubject(ctx, ts.client(), "sub-1", "t2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Dims[2] != 155 || !sum.HasLabels || len(sum.Modalities) != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if r := ts.last(t); !strings.Contains(r.Body, `"modality":"t2"`) {
		t.Errorf("body = %s", r.Body)
	}
}

func TestDecodeJSON_ErrorStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().delete(ctx, "/subjects/nope")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404 error", err)
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /jobs/job-1": ""})

	resp, err := ts.client().delete(ctx, "/jobs/job-1")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := decodeJSON(resp, &v); err != nil {
		t.Errorf("unexpected error on 204: %v", err)
	}
}

func TestClassCommand_BadArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	for _, args := range [][]string{
		{"class", "x", "show"},
		{"class", "1", "toggle"},
	} {
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "junk": "INFO"} {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "hello"); result != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
