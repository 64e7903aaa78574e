package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Service is the pipeline surface the HTTP and MCP layers drive.
// *pipeline.Service satisfies it.
type Service interface {
	CreateNotebook(ctx context.Context, name, description string) (storage.Notebook, error)
	ListNotebooks(ctx context.Context) ([]storage.Notebook, error)
	StoreArtifact(ctx context.Context, filename, contentType string, r io.Reader) (storage.Artifact, error)
	EnqueueIngestion(ctx context.Context, d pipeline.SourceDraft) (pipeline.Enqueued, error)
	Reingest(ctx context.Context, sourceID string) (string, error)
	GetSource(ctx context.Context, id string) (storage.Source, error)
	ListNotes(ctx context.Context, notebookID, sourceID string) ([]storage.Note, error)
	GetJobStatus(ctx context.Context, jobID string) (storage.Job, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	CreateTransformation(ctx context.Context, t storage.Transformation) (storage.Transformation, error)
	ListTransformations(ctx context.Context) ([]storage.Transformation, error)
	RunTransformation(ctx context.Context, transformationID, sourceID string) (storage.Note, error)
	Ask(ctx context.Context, notebookID, query string, history []ask.Turn) (ask.Answer, error)
}

type AppDeps struct {
	Service Service
	Token   string
	// Reload re-reads configuration and swaps providers. Nil disables
	// POST /admin/reload.
	Reload        func(ctx context.Context) error
	MaxUploadSize int64
	Logger        *slog.Logger
}

// NewAppHandler wires the REST surface. /health is public; everything else
// sits behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = 100 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/notebooks", handleCreateNotebook(deps))
		r.Get("/notebooks", handleListNotebooks(deps))
		r.Post("/notebooks/{id}/sources", handleAddSource(deps))
		r.Get("/notebooks/{id}/notes", handleListNotes(deps))
		r.Post("/notebooks/{id}/ask", handleAsk(deps))

		r.Get("/sources/{id}", handleGetSource(deps))
		r.Post("/sources/{id}/reingest", handleReingest(deps))
		r.Post("/sources/{id}/transformations/{tid}", handleRunTransformation(deps))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))

		r.Post("/transformations", handleCreateTransformation(deps))
		r.Get("/transformations", handleListTransformations(deps))

		r.Post("/admin/reload", handleReload(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// serviceError maps pipeline errors onto HTTP statuses.
func serviceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, storage.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout", "%v", err)
	case capability.IsPermanent(err):
		httpError(w, http.StatusUnprocessableEntity, "unprocessable", "%v", err)
	default:
		attrs := []any{"error", err}
		if n, ok := graph.FailedNode(err); ok {
			attrs = append(attrs, "node", n)
		}
		logger.Error("request failed", attrs...)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
