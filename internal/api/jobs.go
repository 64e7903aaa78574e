package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/storage"
)

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Service.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		jobs, err := deps.Service.ListJobs(r.Context(), storage.JobFilter{
			Kind:     q.Get("kind"),
			TargetID: q.Get("target_id"),
			Status:   storage.JobStatus(q.Get("status")),
			Limit:    parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		if jobs == nil {
			jobs = []storage.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Service.CancelJob(r.Context(), id); err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(storage.JobCancelled)})
	}
}

func handleCreateTransformation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req storage.Transformation
		if !decodeJSON(w, r, &req) {
			return
		}
		t, err := deps.Service.CreateTransformation(r.Context(), req)
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleListTransformations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, err := deps.Service.ListTransformations(r.Context())
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		if ts == nil {
			ts = []storage.Transformation{}
		}
		writeJSON(w, http.StatusOK, ts)
	}
}

// handleRunTransformation runs synchronously and returns the new note.
func handleRunTransformation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		note, err := deps.Service.RunTransformation(r.Context(), chi.URLParam(r, "tid"), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, note)
	}
}

type askRequest struct {
	Query   string     `json:"query"`
	History []ask.Turn `json:"history"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ans, err := deps.Service.Ask(r.Context(), chi.URLParam(r, "id"), req.Query, req.History)
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

func handleReload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reload == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "reload is not available")
			return
		}
		if err := deps.Reload(r.Context()); err != nil {
			deps.Logger.Warn("reload rejected", "error", err)
			httpError(w, http.StatusUnprocessableEntity, "invalid_config", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
