package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

type notebookRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func handleCreateNotebook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notebookRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		nb, err := deps.Service.CreateNotebook(r.Context(), req.Name, req.Description)
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, nb)
	}
}

func handleListNotebooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nbs, err := deps.Service.ListNotebooks(r.Context())
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		if nbs == nil {
			nbs = []storage.Notebook{}
		}
		writeJSON(w, http.StatusOK, nbs)
	}
}

// handleAddSource accepts either a JSON draft (url or text) or a multipart
// upload with a "file" part. Uploads are stored as artifacts first, then the
// ingestion is enqueued against the artifact.
func handleAddSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notebookID := chi.URLParam(r, "id")

		var draft pipeline.SourceDraft
		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mt == "multipart/form-data" {
			var ok bool
			if draft, ok = uploadDraft(w, r, deps); !ok {
				return
			}
		} else if !decodeJSON(w, r, &draft) {
			return
		}
		draft.NotebookID = notebookID

		enq, err := deps.Service.EnqueueIngestion(r.Context(), draft)
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, enq)
	}
}

func uploadDraft(w http.ResponseWriter, r *http.Request, deps AppDeps) (pipeline.SourceDraft, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", deps.MaxUploadSize)
		} else {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
		}
		return pipeline.SourceDraft{}, false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "file part is required")
		return pipeline.SourceDraft{}, false
	}
	defer file.Close()

	contentType := r.FormValue("content_type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}
	a, err := deps.Service.StoreArtifact(r.Context(), header.Filename, contentType, file)
	if err != nil {
		serviceError(w, deps.Logger, err)
		return pipeline.SourceDraft{}, false
	}

	draft := pipeline.SourceDraft{
		Title:       r.FormValue("title"),
		ArtifactID:  a.ID,
		ContentType: a.ContentType,
	}
	for _, v := range r.MultipartForm.Value["transformations"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				draft.Transformations = append(draft.Transformations, id)
			}
		}
	}
	if v := r.FormValue("embed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "embed must be a boolean")
			return pipeline.SourceDraft{}, false
		}
		draft.Embed = &b
	}
	return draft, true
}

func handleGetSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := deps.Service.GetSource(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, src)
	}
}

func handleReingest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		jobID, err := deps.Service.Reingest(r.Context(), id)
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, pipeline.Enqueued{SourceID: id, JobID: jobID})
	}
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notes, err := deps.Service.ListNotes(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("source_id"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		if notes == nil {
			notes = []storage.Note{}
		}
		writeJSON(w, http.StatusOK, notes)
	}
}
