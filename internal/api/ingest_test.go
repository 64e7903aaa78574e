package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/folio/internal/artifact"
	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

const testToken = "test-token-12345"

type stubTransformer struct {
	note storage.Note
	err  error
}

func (s *stubTransformer) Run(_ context.Context, transformationID, sourceID string) (storage.Note, error) {
	if s.err != nil {
		return storage.Note{}, s.err
	}
	n := s.note
	n.TransformationID = transformationID
	n.SourceID = sourceID
	return n, nil
}

type stubAsker struct {
	mu      sync.Mutex
	answer  ask.Answer
	err     error
	query   string
	history []ask.Turn
}

func (s *stubAsker) Ask(_ context.Context, _ string, query string, history []ask.Turn) (ask.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = query
	s.history = history
	if query == "" {
		return ask.Answer{}, ask.ErrEmptyQuery
	}
	return s.answer, s.err
}

type testEnv struct {
	handler     http.Handler
	store       *storage.Store
	svc         *pipeline.Service
	transformer *stubTransformer
	asker       *stubAsker
}

func setupAppHandler(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs, err := artifact.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		store:       store,
		transformer: &stubTransformer{note: storage.Note{ID: "note-1", Title: "Summary", Content: "short", Kind: storage.NoteAI}},
		asker:       &stubAsker{answer: ask.Answer{Text: "42 [1]", Citations: []ask.Citation{{SourceID: "s1", ChunkIndex: 0, Score: 0.9}}}},
	}
	env.svc = pipeline.NewService(store, blobs, env.transformer, env.asker, pipeline.Options{}, nil)
	env.handler = NewAppHandler(AppDeps{Service: env.svc, Token: token, MaxUploadSize: 1 << 20})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func (e *testEnv) notebook(t *testing.T) storage.Notebook {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/notebooks", `{"name":"research","description":"papers"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create notebook: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	return decode[storage.Notebook](t, rr)
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	env := setupAppHandler(t, testToken)

	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/notebooks", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}

	open := setupAppHandler(t, "")
	rr := httptest.NewRecorder()
	open.handler.ServeHTTP(rr, authReq(http.MethodGet, "/notebooks", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("empty token config: status = %d, want 200", rr.Code)
	}
}

func TestCreateNotebook(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)
	if nb.ID == "" || nb.Name != "research" {
		t.Fatalf("notebook = %+v", nb)
	}

	rr := env.do(t, http.MethodPost, "/notebooks", `{"name":"  "}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("blank name: status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/notebooks", "")
	if got := decode[[]storage.Notebook](t, rr); len(got) != 1 {
		t.Errorf("list = %d notebooks, want 1", len(got))
	}
}

func TestAddSource_URL(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)

	rr := env.do(t, http.MethodPost, "/notebooks/"+nb.ID+"/sources",
		`{"url":"https://example.com/post","transformations":["builtin-summary"],"embed":false}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	enq := decode[pipeline.Enqueued](t, rr)

	src, err := env.store.GetSource(enq.SourceID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Status != storage.SourcePending || src.URL != "https://example.com/post" {
		t.Errorf("source = %+v", src)
	}

	job, err := env.store.GetJob(enq.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != storage.JobKindIngest || job.TargetID != enq.SourceID {
		t.Errorf("job = %+v", job)
	}
	var p ingest.Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Transformations) != 1 || p.Embed == nil || *p.Embed {
		t.Errorf("payload = %+v", p)
	}
}

func TestAddSource_Validation(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)

	tests := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"no input", "/notebooks/" + nb.ID + "/sources", `{}`, http.StatusBadRequest},
		{"two inputs", "/notebooks/" + nb.ID + "/sources", `{"url":"https://a.b","text":"x"}`, http.StatusBadRequest},
		{"bad scheme", "/notebooks/" + nb.ID + "/sources", `{"url":"ftp://a.b/c"}`, http.StatusBadRequest},
		{"bad json", "/notebooks/" + nb.ID + "/sources", `{`, http.StatusBadRequest},
		{"unknown notebook", "/notebooks/missing/sources", `{"text":"hello"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tt.url, tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func multipartUpload(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestAddSource_Upload(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)

	body, ct := multipartUpload(t, "notes.md", "# Heading\n\nbody text", map[string]string{
		"title":           "My notes",
		"transformations": "builtin-summary, builtin-key-points",
		"embed":           "true",
	})
	req := httptest.NewRequest(http.MethodPost, "/notebooks/"+nb.ID+"/sources", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	enq := decode[pipeline.Enqueued](t, rr)
	src, err := env.store.GetSource(enq.SourceID)
	if err != nil {
		t.Fatal(err)
	}
	if src.ArtifactID == "" || src.Title != "My notes" {
		t.Fatalf("source = %+v", src)
	}
	a, err := env.store.GetArtifact(src.ArtifactID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Filename != "notes.md" || a.Size != int64(len("# Heading\n\nbody text")) {
		t.Errorf("artifact = %+v", a)
	}

	job, _ := env.store.GetJob(enq.JobID)
	var p ingest.Payload
	json.Unmarshal([]byte(job.PayloadJSON), &p)
	if len(p.Transformations) != 2 || p.Embed == nil || !*p.Embed {
		t.Errorf("payload = %+v", p)
	}
}

func TestAddSource_UploadTooLarge(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)

	body, ct := multipartUpload(t, "big.txt", strings.Repeat("x", 2<<20), nil)
	req := httptest.NewRequest(http.MethodPost, "/notebooks/"+nb.ID+"/sources", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge && rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 413 or 400", rr.Code)
	}
}

func TestJobs(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)
	enq := decode[pipeline.Enqueued](t, env.do(t, http.MethodPost, "/notebooks/"+nb.ID+"/sources", `{"text":"pasted text"}`))

	rr := env.do(t, http.MethodGet, "/jobs/"+enq.JobID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get job: status = %d", rr.Code)
	}
	if job := decode[storage.Job](t, rr); job.Status != storage.JobQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}

	rr = env.do(t, http.MethodGet, "/jobs?kind=ingest&status=queued", "")
	if jobs := decode[[]storage.Job](t, rr); len(jobs) != 1 {
		t.Errorf("list = %d jobs, want 1", len(jobs))
	}

	rr = env.do(t, http.MethodPost, "/jobs/"+enq.JobID+"/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/jobs/"+enq.JobID+"/cancel", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/jobs/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", rr.Code)
	}
}

func TestReingest(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)
	enq := decode[pipeline.Enqueued](t, env.do(t, http.MethodPost, "/notebooks/"+nb.ID+"/sources", `{"text":"pasted"}`))

	rr := env.do(t, http.MethodPost, "/sources/"+enq.SourceID+"/reingest", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	again := decode[pipeline.Enqueued](t, rr)
	if again.JobID == "" || again.JobID == enq.JobID {
		t.Errorf("reingest job = %q", again.JobID)
	}

	rr = env.do(t, http.MethodPost, "/sources/missing/reingest", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing source: status = %d, want 404", rr.Code)
	}
}

func TestTransformations(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodPost, "/transformations", `{"name":"Glossary","kind":"custom","prompt_template":"Terms in {{.title}}: {{.text}}"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	created := decode[storage.Transformation](t, rr)

	rr = env.do(t, http.MethodPost, "/transformations", `{"name":"Broken","prompt_template":"{{.text"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad template: status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/transformations", "")
	ts := decode[[]storage.Transformation](t, rr)
	if len(ts) != 3 {
		t.Errorf("list = %d transformations, want 2 builtins + 1", len(ts))
	}

	rr = env.do(t, http.MethodPost, "/sources/src-1/transformations/"+created.ID, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("run: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	note := decode[storage.Note](t, rr)
	if note.SourceID != "src-1" || note.TransformationID != created.ID {
		t.Errorf("note = %+v", note)
	}
}

func TestRunTransformation_ErrorMapping(t *testing.T) {
	env := setupAppHandler(t, testToken)

	env.transformer.err = capability.MarkPermanent(errors.New("invalid prompt template"))
	if rr := env.do(t, http.MethodPost, "/sources/s/transformations/t", ""); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("permanent: status = %d, want 422", rr.Code)
	}

	env.transformer.err = storage.ErrNotFound
	if rr := env.do(t, http.MethodPost, "/sources/s/transformations/t", ""); rr.Code != http.StatusNotFound {
		t.Errorf("not found: status = %d, want 404", rr.Code)
	}

	env.transformer.err = &capability.GenerationError{Reason: capability.GenerationProviderError, Err: errors.New("502")}
	if rr := env.do(t, http.MethodPost, "/sources/s/transformations/t", ""); rr.Code != http.StatusInternalServerError {
		t.Errorf("transient: status = %d, want 500", rr.Code)
	}
}

func TestAsk(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)

	rr := env.do(t, http.MethodPost, "/notebooks/"+nb.ID+"/ask",
		`{"query":"and after that?","history":[{"role":"user","content":"what happened first?"},{"role":"assistant","content":"the start"}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	ans := decode[ask.Answer](t, rr)
	if ans.Text != "42 [1]" || len(ans.Citations) != 1 {
		t.Errorf("answer = %+v", ans)
	}
	if len(env.asker.history) != 2 || env.asker.query != "and after that?" {
		t.Errorf("asker saw query %q history %+v", env.asker.query, env.asker.history)
	}

	if rr := env.do(t, http.MethodPost, "/notebooks/"+nb.ID+"/ask", `{"query":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty query: status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/notebooks/missing/ask", `{"query":"x"}`); rr.Code != http.StatusNotFound {
		t.Errorf("missing notebook: status = %d, want 404", rr.Code)
	}
}

func TestAdminReload(t *testing.T) {
	env := setupAppHandler(t, testToken)
	if rr := env.do(t, http.MethodPost, "/admin/reload", ""); rr.Code != http.StatusNotImplemented {
		t.Errorf("no reload func: status = %d, want 501", rr.Code)
	}

	calls := 0
	var fail error
	h := NewAppHandler(AppDeps{Service: env.svc, Token: testToken, Reload: func(context.Context) error {
		calls++
		return fail
	}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/admin/reload", "", testToken))
	if rr.Code != http.StatusOK || calls != 1 {
		t.Errorf("reload: status = %d calls = %d", rr.Code, calls)
	}

	fail = errors.New("providers.generation: bogus")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/admin/reload", "", testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("rejected reload: status = %d, want 422", rr.Code)
	}
}

func TestListNotes(t *testing.T) {
	env := setupAppHandler(t, testToken)
	nb := env.notebook(t)

	rr := env.do(t, http.MethodGet, "/notebooks/"+nb.ID+"/notes", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}
}
