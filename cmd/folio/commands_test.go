package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/storage"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
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
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
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

func silenceStatus(t *testing.T) {
	t.Helper()
	old := statusOut
	statusOut = io.Discard
	t.Cleanup(func() { statusOut = old })
}

func TestCreateNotebook(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /notebooks": `{"id":"nb-1","name":"Research"}`,
	})

	nb, err := createNotebook(ctx, ts.client(), "Research", "papers")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nb.ID != "nb-1" {
		t.Errorf("id = %q, want nb-1", nb.ID)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/notebooks" {
		t.Errorf("request = %s %s, want POST /notebooks", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["name"] != "Research" || body["description"] != "papers" {
		t.Errorf("body = %v", body)
	}
}

func TestListNotebooks(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /notebooks": `[{"id":"nb-1","name":"Research","created_at":"2026-01-02T03:04:05Z"}]`,
	})

	var out bytes.Buffer
	if err := listNotebooks(ctx, ts.client(), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "nb-1") || !strings.Contains(out.String(), "Research") {
		t.Errorf("output = %q, want notebook row", out.String())
	}
}

func TestIngestSource_URL(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /notebooks/nb-1/sources": `{"source_id":"src-1","job_id":"job-1"}`,
	})

	no := false
	enq, err := ingestSource(ctx, ts.client(), ingestOptions{
		Notebook:        "nb-1",
		URL:             "https://example.com/a",
		Transformations: []string{"builtin-summary"},
		Embed:           &no,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enq.SourceID != "src-1" || enq.JobID != "job-1" {
		t.Errorf("enqueued = %+v", enq)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["url"] != "https://example.com/a" {
		t.Errorf("body.url = %v", body["url"])
	}
	if body["embed"] != false {
		t.Errorf("body.embed = %v, want false", body["embed"])
	}
	if list, ok := body["transformations"].([]any); !ok || len(list) != 1 || list[0] != "builtin-summary" {
		t.Errorf("body.transformations = %v", body["transformations"])
	}
}

func TestIngestSource_FileUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /notebooks/nb-1/sources": `{"source_id":"src-2","job_id":"job-2"}`,
	})

	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\nbody"), 0o644); err != nil {
		t.Fatal(err)
	}

	enq, err := ingestSource(ctx, ts.client(), ingestOptions{
		Notebook:        "nb-1",
		File:            path,
		Title:           "My notes",
		Transformations: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enq.JobID != "job-2" {
		t.Errorf("job = %q, want job-2", enq.JobID)
	}

	r := ts.last(t)
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q, want multipart", r.ContentType)
	}
	for _, want := range []string{`filename="notes.md"`, "# Notes", "My notes", "a,b"} {
		if !strings.Contains(r.Body, want) {
			t.Errorf("multipart body missing %q", want)
		}
	}
}

func TestIngestOptions_Validate(t *testing.T) {
	tests := []struct {
		name string
		opts ingestOptions
		want string
	}{
		{"no notebook", ingestOptions{URL: "https://x"}, "--notebook"},
		{"no input", ingestOptions{Notebook: "nb"}, "exactly one"},
		{"two inputs", ingestOptions{Notebook: "nb", URL: "https://x", Text: "t"}, "exactly one"},
		{"ok", ingestOptions{Notebook: "nb", Text: "t"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestWaitForJob(t *testing.T) {
	silenceStatus(t)

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		status := "running"
		if n >= 3 {
			status = "succeeded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(storage.Job{ID: "job-1", Status: storage.JobStatus(status)})
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	job, err := waitForJob(ctx, client, "job-1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != storage.JobSucceeded {
		t.Errorf("status = %q, want succeeded", job.Status)
	}
	mu.Lock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	mu.Unlock()
	if err := reportJob(job); err != nil {
		t.Errorf("reportJob: %v", err)
	}
}

func TestReportJob_Failed(t *testing.T) {
	err := reportJob(storage.Job{ID: "job-1", Status: storage.JobFailed, LastError: "unsupported content type"})
	if err == nil {
		t.Fatal("expected error for failed job")
	}
	if !strings.Contains(err.Error(), "unsupported content type") {
		t.Errorf("error = %q, want last error", err.Error())
	}
}

func TestListJobs_Filters(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs": `[{"id":"job-1","kind":"ingest","target_id":"src-1","status":"failed","attempts":3,"max_attempts":3}]`,
	})

	var out bytes.Buffer
	if err := listJobs(ctx, ts.client(), &out, "ingest", "failed", "src-1", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := ts.last(t).Path
	for _, want := range []string{"kind=ingest", "status=failed", "target_id=src-1", "limit=10"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
	if !strings.Contains(out.String(), "3/3") {
		t.Errorf("output = %q, want attempts column", out.String())
	}
}

func TestAskNotebook(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /notebooks/nb-1/ask": `{"text":"Go was released in 2009 [1].","citations":[{"source_id":"src-1","chunk_index":2,"score":0.91},{"note_id":"note-1","score":0.5}]}`,
	})

	ans, err := askNotebook(ctx, ts.client(), "nb-1", "when was go released")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["query"] != "when was go released" {
		t.Errorf("body.query = %v", body["query"])
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var out bytes.Buffer
	writeAnswer(&out, ans)
	got := out.String()
	for _, want := range []string{"released in 2009", "[1] source src-1, chunk 2 (score 0.910)", "[2] note note-1"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestWriteAnswer_NoCitations(t *testing.T) {
	var out bytes.Buffer
	writeAnswer(&out, ask.Answer{Text: "I don't know.", NoContext: true})
	if strings.Contains(out.String(), "Sources") {
		t.Errorf("output = %q, want no sources section", out.String())
	}
}

func TestTransformations(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /transformations": `{"id":"t-1","name":"Glossary","kind":"custom","prompt_template":"{{.Text}}"}`,
		"GET /transformations":  `[{"id":"builtin-summary","name":"Summary","kind":"summary","apply_default":true}]`,
	})
	client := ts.client()

	created, err := createTransformation(ctx, client, storage.Transformation{
		Name:           "Glossary",
		Kind:           storage.TransformCustom,
		PromptTemplate: "{{.Text}}",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != "t-1" {
		t.Errorf("id = %q, want t-1", created.ID)
	}

	var out bytes.Buffer
	if err := listTransformations(ctx, client, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "builtin-summary") || !strings.Contains(out.String(), "yes") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"job already finished","type":"conflict"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.post(ctx, "/jobs/job-1/cancel", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "job already finished") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if auth := ts.last(t).Auth; auth != "" {
		t.Errorf("auth = %q, want empty", auth)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Providers.OpenAIAPIKey = "sk-secret-value"

	var port, key string
	for _, k := range config.ShowAll(cfg) {
		switch k.Key {
		case "server.port":
			port = k.Value
		case "providers.openai_api_key":
			key = k.Value
		}
	}
	if port != "4000" {
		t.Errorf("server.port = %q, want 4000", port)
	}
	if strings.Contains(key, "secret") {
		t.Errorf("openai key not masked: %q", key)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"localhost", true},
		{"::1", true},
		{"0.0.0.0", false},
		{"192.168.1.10", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.host); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
