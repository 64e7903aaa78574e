// Package ingest runs the ingestion graph for a Source: extract text,
// transcribe media, persist the result and emit downstream jobs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/embedding"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/retrieval"
	"github.com/kalambet/folio/internal/storage"
	"github.com/kalambet/folio/internal/transform"
	"github.com/kalambet/folio/internal/worker"
)

const (
	NodeReceived     graph.Node = "received"
	NodeExtracting   graph.Node = "extracting"
	NodeTranscribing graph.Node = "transcribing"
	NodeTextReady    graph.Node = "text_ready"
	NodeTransforming graph.Node = "transforming"
	NodeEmbedding    graph.Node = "embedding"
	NodeComplete     graph.Node = "complete"
)

// Payload is the ingest job payload.
type Payload struct {
	Reingest        bool     `json:"reingest,omitempty"`
	Transformations []string `json:"transformations,omitempty"`
	// Embed overrides the configured auto-embed behaviour when set.
	Embed *bool `json:"embed,omitempty"`
}

// Store is the repository and queue surface the ingestion graph needs.
type Store interface {
	GetSource(id string) (storage.Source, error)
	GetArtifact(id string) (storage.Artifact, error)
	TransitionSource(id string, to storage.SourceStatus, reingest bool) error
	CompleteSource(id, text, contentType string) error
	UpdateSourceTitle(id, title string) error
	ListTransformations(defaultsOnly bool) ([]storage.Transformation, error)
	EnqueueOnce(job storage.Job) (bool, error)
}

// State is carried through the ingestion graph for one job.
type State struct {
	JobID    string
	SourceID string
	Attempt  int
	Payload  Payload

	Source     storage.Source
	Artifact   *storage.Artifact
	Extraction capability.Extraction
	Text       string
	Skipped    bool
	// Resumed is set when a retried job finds its text already persisted
	// and only the downstream jobs are left to emit.
	Resumed bool

	TransformJobs []string
	EmbedJob      string
}

type Options struct {
	// AutoEmbed enqueues an embed job after every successful ingestion.
	AutoEmbed bool
	// MaxAttempts for downstream jobs. Zero uses the queue default.
	MaxAttempts int
	// ExtractRetry and TranscribeRetry tune the queue backoff for failures
	// at those nodes.
	ExtractRetry    graph.RetryPolicy
	TranscribeRetry graph.RetryPolicy
}

// Handler processes ingest jobs.
type Handler struct {
	store       Store
	extractor   capability.Extractor
	transcriber capability.Transcriber
	opts        Options
	graph       *graph.Graph[State]
	logger      *slog.Logger
}

func NewHandler(store Store, extractor capability.Extractor, transcriber capability.Transcriber, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:       store,
		extractor:   extractor,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger.With("component", "ingest"),
	}
	h.graph = graph.New[State]("ingest", NodeReceived).
		Add(NodeReceived, h.received, func(s *State) graph.Node {
			switch {
			case s.Skipped:
				return graph.End
			case s.Resumed:
				return NodeTransforming
			}
			return NodeExtracting
		}).
		Add(NodeExtracting, h.extracting, func(s *State) graph.Node {
			if s.Extraction.Audio != nil {
				return NodeTranscribing
			}
			return NodeTextReady
		}, graph.WithRetry(opts.ExtractRetry)).
		Add(NodeTranscribing, h.transcribing, graph.To[State](NodeTextReady), graph.WithRetry(opts.TranscribeRetry)).
		Add(NodeTextReady, h.textReady, graph.To[State](NodeTransforming)).
		Add(NodeTransforming, h.transforming, graph.To[State](NodeEmbedding)).
		Add(NodeEmbedding, h.embedding, graph.To[State](NodeComplete)).
		Add(NodeComplete, h.complete, graph.To[State](graph.End))
	return h
}

// Graph exposes the ingestion graph definition.
func (h *Handler) Graph() *graph.Graph[State] { return h.graph }

// Handle runs the ingestion graph for job.TargetID.
func (h *Handler) Handle(ctx context.Context, job *storage.Job, cancelled worker.CancelCheck) error {
	var p Payload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return capability.MarkPermanent(fmt.Errorf("decoding ingest payload: %w", err))
		}
	}
	state := &State{JobID: job.ID, SourceID: job.TargetID, Attempt: job.Attempts, Payload: p}
	log := h.logger.With("job_id", job.ID, "source_id", job.TargetID)
	_, err := h.Run(ctx, state, graph.WithCancelCheck(cancelled), graph.WithObserver(func(t graph.Transition) {
		log.Debug("ingest transition", "from", t.From, "to", t.To, "duration_ms", t.Duration.Milliseconds())
	}))
	return err
}

// Run executes the graph on state.
func (h *Handler) Run(ctx context.Context, state *State, opts ...graph.RunOption) (*State, error) {
	if err := h.graph.Run(ctx, state, opts...); err != nil {
		return state, err
	}
	return state, nil
}

// RetryPolicy returns the policy of the node that produced err.
func (h *Handler) RetryPolicy(err error) graph.RetryPolicy {
	n, ok := graph.FailedNode(err)
	if !ok {
		return graph.RetryPolicy{}
	}
	return h.graph.Retry(n)
}

// GiveUp marks the source failed once the job has no attempts left.
func (h *Handler) GiveUp(_ context.Context, job *storage.Job, cause error) {
	err := h.store.TransitionSource(job.TargetID, storage.SourceFailed, false)
	if err != nil {
		h.logger.Warn("marking source failed", "source_id", job.TargetID, "error", err, "cause", cause)
		return
	}
	h.logger.Info("source failed", "source_id", job.TargetID, "cause", cause)
}

func (h *Handler) received(_ context.Context, s *State) error {
	src, err := h.store.GetSource(s.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return capability.MarkPermanent(fmt.Errorf("source %s: %w", s.SourceID, err))
	}
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}
	s.Source = src

	switch src.Status {
	case storage.SourceDone:
		if !s.Payload.Reingest && s.Attempt > 1 {
			// An earlier attempt persisted the text and failed while
			// emitting downstream jobs.
			s.Resumed = true
			s.Text = src.Text
			return nil
		}
		if !s.Payload.Reingest {
			h.logger.Info("source already ingested, skipping", "source_id", src.ID)
			s.Skipped = true
			return nil
		}
	case storage.SourceProcessing:
		// Redelivery after a crash or a retry: the source is already ours.
		return nil
	}

	if err := h.store.TransitionSource(src.ID, storage.SourceProcessing, s.Payload.Reingest); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return capability.MarkPermanent(err)
		}
		return fmt.Errorf("marking source processing: %w", err)
	}
	s.Source.Status = storage.SourceProcessing
	return nil
}

func (h *Handler) extracting(ctx context.Context, s *State) error {
	req := capability.ExtractRequest{URL: s.Source.URL, ContentType: s.Source.ContentType}
	if s.Source.ArtifactID != "" {
		a, err := h.store.GetArtifact(s.Source.ArtifactID)
		if errors.Is(err, storage.ErrNotFound) {
			return capability.MarkPermanent(fmt.Errorf("artifact %s: %w", s.Source.ArtifactID, err))
		}
		if err != nil {
			return fmt.Errorf("loading artifact: %w", err)
		}
		s.Artifact = &a
		req.ArtifactID = a.ID
		req.Location = a.Location
		req.Filename = a.Filename
		if req.ContentType == "" {
			req.ContentType = a.ContentType
		}
	}
	if req.URL == "" && req.ArtifactID == "" {
		if s.Source.Text != "" {
			// Pasted text: nothing to extract.
			s.Extraction = capability.Extraction{Text: s.Source.Text, ContentType: "text/plain"}
			return nil
		}
		return capability.MarkPermanent(fmt.Errorf("source %s has neither artifact nor url", s.Source.ID))
	}

	ex, err := h.extractor.ExtractText(ctx, req)
	if err != nil {
		return err
	}
	s.Extraction = ex
	s.Text = ex.Text
	return nil
}

func (h *Handler) transcribing(ctx context.Context, s *State) error {
	audio := *s.Extraction.Audio
	defer func() {
		if err := os.Remove(audio.Path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("removing audio track", "path", audio.Path, "error", err)
		}
	}()

	start := time.Now()
	text, err := h.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return err
	}
	h.logger.Info("transcribed media", "source_id", s.SourceID,
		"audio_seconds", audio.Duration.Seconds(), "duration_ms", time.Since(start).Milliseconds())
	s.Text = text
	return nil
}

func (h *Handler) textReady(_ context.Context, s *State) error {
	if s.Text == "" {
		s.Text = s.Extraction.Text
	}
	if strings.TrimSpace(s.Text) == "" {
		return capability.MarkPermanent(&capability.ExtractionError{
			Reason:      capability.CorruptInput,
			ContentType: s.Extraction.ContentType,
			Err:         errors.New("no text extracted"),
		})
	}
	if err := h.store.CompleteSource(s.SourceID, s.Text, s.Extraction.ContentType); err != nil {
		return fmt.Errorf("persisting source text: %w", err)
	}
	s.Source.Status = storage.SourceDone

	if s.Source.Title == "" {
		if title := h.titleFor(s); title != "" {
			if err := h.store.UpdateSourceTitle(s.SourceID, title); err != nil {
				h.logger.Warn("setting source title", "source_id", s.SourceID, "error", err)
			}
		}
	}
	return nil
}

func (h *Handler) titleFor(s *State) string {
	if t := strings.TrimSpace(s.Extraction.Title); t != "" {
		return t
	}
	if s.Artifact != nil && s.Artifact.Filename != "" {
		return strings.TrimSuffix(s.Artifact.Filename, path.Ext(s.Artifact.Filename))
	}
	return s.Source.URL
}

// transforming emits one transform job per requested or default
// transformation. The text is already persisted at this point.
func (h *Handler) transforming(_ context.Context, s *State) error {
	ids := make([]string, 0, len(s.Payload.Transformations))
	seen := map[string]bool{}
	for _, id := range s.Payload.Transformations {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	defaults, err := h.store.ListTransformations(true)
	if err != nil {
		return fmt.Errorf("listing default transformations: %w", err)
	}
	for _, t := range defaults {
		if !seen[t.ID] {
			seen[t.ID] = true
			ids = append(ids, t.ID)
		}
	}

	for _, id := range ids {
		jobID, err := h.emit(s, storage.JobKindTransform, id, transform.Payload{TransformationID: id})
		if err != nil {
			return fmt.Errorf("enqueueing transformation %s: %w", id, err)
		}
		s.TransformJobs = append(s.TransformJobs, jobID)
	}
	return nil
}

func (h *Handler) embedding(_ context.Context, s *State) error {
	embed := h.opts.AutoEmbed
	if s.Payload.Embed != nil {
		embed = *s.Payload.Embed
	}
	if !embed {
		return nil
	}
	jobID, err := h.emit(s, storage.JobKindEmbed, "", embedding.Payload{EntityType: retrieval.EntitySource, Force: s.Payload.Reingest})
	if err != nil {
		return fmt.Errorf("enqueueing embedding: %w", err)
	}
	s.EmbedJob = jobID
	return nil
}

// emit enqueues a downstream job whose id is derived from the ingest job,
// so a resumed attempt finds the jobs an earlier attempt already queued
// instead of queueing them again.
func (h *Handler) emit(s *State, kind, key string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", capability.MarkPermanent(fmt.Errorf("marshalling %s payload: %w", kind, err))
	}
	id := uuid.New().String()
	if s.JobID != "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ingest-job:"+s.JobID+"/"+kind+"/"+key)).String()
	}
	created, err := h.store.EnqueueOnce(storage.Job{
		ID:          id,
		Kind:        kind,
		TargetID:    s.SourceID,
		PayloadJSON: string(raw),
		MaxAttempts: h.opts.MaxAttempts,
	})
	if err != nil {
		return "", err
	}
	if !created {
		h.logger.Debug("downstream job already queued", "job_id", id, "kind", kind, "source_id", s.SourceID)
	}
	return id, nil
}

func (h *Handler) complete(_ context.Context, s *State) error {
	h.logger.Info("source ingested",
		"source_id", s.SourceID,
		"chars", len(s.Text),
		"transform_jobs", len(s.TransformJobs),
		"embed", s.EmbedJob != "",
	)
	return nil
}
