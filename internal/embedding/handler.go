package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/retrieval"
	"github.com/kalambet/folio/internal/storage"
	"github.com/kalambet/folio/internal/worker"
)

// Payload is the embed job payload. The job target is the entity id.
type Payload struct {
	EntityType string `json:"entity_type"`
	// Force re-embeds an entity that already has records for the current
	// model, e.g. after a re-ingest changed its text.
	Force bool `json:"force,omitempty"`
}

// EntityStore loads the text of embeddable entities.
type EntityStore interface {
	GetSource(id string) (storage.Source, error)
	GetNote(id string) (storage.Note, error)
}

// Handler processes embed jobs.
type Handler struct {
	pipeline *Pipeline
	store    EntityStore
	logger   *slog.Logger
}

func NewHandler(pipeline *Pipeline, store EntityStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: pipeline, store: store, logger: logger.With("component", "embed_job")}
}

func (h *Handler) Handle(ctx context.Context, job *storage.Job, cancelled worker.CancelCheck) error {
	p := Payload{EntityType: retrieval.EntitySource}
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return capability.MarkPermanent(fmt.Errorf("decoding embed payload: %w", err))
		}
	}
	if cancelled != nil {
		stop, err := cancelled(ctx)
		if err != nil {
			return fmt.Errorf("checking cancellation: %w", err)
		}
		if stop {
			return graph.ErrCancelled
		}
	}

	entity, text, err := h.load(job.TargetID, p.EntityType)
	if err != nil {
		return err
	}

	if !p.Force {
		n, err := h.pipeline.store.Count(ctx, entity.ID, h.pipeline.Model())
		if err != nil {
			return fmt.Errorf("counting embeddings: %w", err)
		}
		if n > 0 {
			h.logger.Info("entity already embedded, skipping", "entity_id", entity.ID, "records", n)
			return nil
		}
	}

	_, err = h.pipeline.Run(ctx, entity, text)
	return err
}

func (h *Handler) load(id, entityType string) (retrieval.Entity, string, error) {
	switch entityType {
	case retrieval.EntitySource, "":
		src, err := h.store.GetSource(id)
		if err != nil {
			return retrieval.Entity{}, "", notFound("source", id, err)
		}
		switch src.Status {
		case storage.SourceDone:
		case storage.SourceFailed:
			return retrieval.Entity{}, "", capability.MarkPermanent(fmt.Errorf("source %s failed ingestion", id))
		default:
			// A re-ingest is in flight; the text is about to change.
			return retrieval.Entity{}, "", fmt.Errorf("source %s is %s", id, src.Status)
		}
		return retrieval.Entity{ID: src.ID, Type: retrieval.EntitySource, NotebookID: src.NotebookID, SourceID: src.ID}, src.Text, nil
	case retrieval.EntityNote:
		n, err := h.store.GetNote(id)
		if err != nil {
			return retrieval.Entity{}, "", notFound("note", id, err)
		}
		return retrieval.Entity{ID: n.ID, Type: retrieval.EntityNote, NotebookID: n.NotebookID, SourceID: n.SourceID}, n.Content, nil
	}
	return retrieval.Entity{}, "", capability.MarkPermanent(fmt.Errorf("unknown entity type %q", entityType))
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return capability.MarkPermanent(fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return fmt.Errorf("loading %s %s: %w", kind, id, err)
}
