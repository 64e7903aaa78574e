// Package transform applies a named transformation (summary, key points,
// custom prompt) to a source's text and stores the output as a new AI note.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/embedding"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/retrieval"
	"github.com/kalambet/folio/internal/storage"
	"github.com/kalambet/folio/internal/worker"
)

const (
	NodeLoad            graph.Node = "load"
	NodeRoute           graph.Node = "route"
	NodeGenerateDefault graph.Node = "generate_default"
	NodeGenerateLarge   graph.Node = "generate_large"
	NodePersist         graph.Node = "persist"
)

// Payload is the transform job payload. The job target is the source id.
type Payload struct {
	TransformationID string `json:"transformation_id"`
}

// Store is the repository and queue surface the transformation graph needs.
type Store interface {
	GetSource(id string) (storage.Source, error)
	GetTransformation(id string) (storage.Transformation, error)
	GetNote(id string) (storage.Note, error)
	CreateNote(n storage.Note) error
	Enqueue(kind, targetID string, payload any, maxAttempts int) (string, error)
}

// TokenCounter estimates the token count of text.
type TokenCounter func(text string) int

// CountTokens estimates with the tiktoken encoding of model.
func CountTokens(model string) TokenCounter {
	return func(text string) int { return llms.CountTokens(model, text) }
}

// State is carried through the transformation graph for one run.
type State struct {
	TransformationID string
	SourceID         string
	// NoteID is fixed per invocation so that a retried persist does not
	// create a second note.
	NoteID string

	Source         storage.Source
	Transformation storage.Transformation
	Prompt         string
	Tokens         int
	Large          bool
	Output         string

	Note     storage.Note
	EmbedJob string
}

type Options struct {
	// LargeContextThreshold routes prompts above this many tokens to the
	// large-context model.
	LargeContextThreshold int
	Counter               TokenCounter
	// EmbedNotes enqueues an embed job for every new note.
	EmbedNotes  bool
	MaxAttempts int
	// Retry applies to the generate nodes.
	Retry graph.RetryPolicy
	// SyncAttempts bounds in-process retries of Run.
	SyncAttempts int
	SyncBackoff  func(attempt int) time.Duration
}

type Handler struct {
	store     Store
	generator capability.Generator
	opts      Options
	graph     *graph.Graph[State]
	logger    *slog.Logger
}

func NewHandler(store Store, generator capability.Generator, opts Options, logger *slog.Logger) *Handler {
	if opts.LargeContextThreshold <= 0 {
		opts.LargeContextThreshold = 24000
	}
	if opts.Counter == nil {
		opts.Counter = CountTokens("gpt-4")
	}
	if opts.SyncAttempts <= 0 {
		opts.SyncAttempts = 3
	}
	if opts.SyncBackoff == nil {
		opts.SyncBackoff = storage.ExponentialBackoff(time.Second, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:     store,
		generator: generator,
		opts:      opts,
		logger:    logger.With("component", "transform"),
	}
	h.graph = graph.New[State]("transform", NodeLoad).
		Add(NodeLoad, h.load, graph.To[State](NodeRoute)).
		Add(NodeRoute, h.route, func(s *State) graph.Node {
			if s.Large {
				return NodeGenerateLarge
			}
			return NodeGenerateDefault
		}).
		Add(NodeGenerateDefault, h.generate(capability.ModelDefault), graph.To[State](NodePersist), graph.WithRetry(opts.Retry)).
		Add(NodeGenerateLarge, h.generate(capability.ModelLargeContext), graph.To[State](NodePersist), graph.WithRetry(opts.Retry)).
		Add(NodePersist, h.persist, graph.To[State](graph.End))
	return h
}

func (h *Handler) Graph() *graph.Graph[State] { return h.graph }

// Handle runs the graph for a transform job. The note id derives from the
// job id, so redelivery of the same job never duplicates the note.
func (h *Handler) Handle(ctx context.Context, job *storage.Job, cancelled worker.CancelCheck) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return capability.MarkPermanent(fmt.Errorf("decoding transform payload: %w", err))
	}
	if p.TransformationID == "" {
		return capability.MarkPermanent(errors.New("transform payload has no transformation_id"))
	}
	state := &State{
		TransformationID: p.TransformationID,
		SourceID:         job.TargetID,
		NoteID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("transform-job:"+job.ID)).String(),
	}
	return h.graph.Run(ctx, state, graph.WithCancelCheck(cancelled))
}

func (h *Handler) RetryPolicy(err error) graph.RetryPolicy {
	n, ok := graph.FailedNode(err)
	if !ok {
		return graph.RetryPolicy{}
	}
	return h.graph.Retry(n)
}

// Run applies transformationID to sourceID synchronously and returns the
// new note. Transient failures are retried in-process with backoff.
func (h *Handler) Run(ctx context.Context, transformationID, sourceID string) (storage.Note, error) {
	state := &State{TransformationID: transformationID, SourceID: sourceID, NoteID: uuid.New().String()}

	var err error
	for attempt := 1; attempt <= h.opts.SyncAttempts; attempt++ {
		err = h.graph.Run(ctx, state)
		if err == nil {
			return state.Note, nil
		}
		if capability.IsPermanent(err) || attempt == h.opts.SyncAttempts {
			break
		}
		delay := h.opts.SyncBackoff(attempt)
		h.logger.Warn("transformation failed, retrying", "source_id", sourceID,
			"transformation_id", transformationID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return storage.Note{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return storage.Note{}, err
}

func (h *Handler) load(_ context.Context, s *State) error {
	t, err := h.store.GetTransformation(s.TransformationID)
	if err != nil {
		return loadError("transformation", s.TransformationID, err)
	}
	src, err := h.store.GetSource(s.SourceID)
	if err != nil {
		return loadError("source", s.SourceID, err)
	}
	switch src.Status {
	case storage.SourceDone:
	case storage.SourceFailed:
		return capability.MarkPermanent(fmt.Errorf("source %s failed ingestion", src.ID))
	default:
		// A re-ingest is in flight; the text is about to change.
		return fmt.Errorf("source %s is %s", src.ID, src.Status)
	}
	if strings.TrimSpace(src.Text) == "" {
		return capability.MarkPermanent(fmt.Errorf("source %s has no extracted text", src.ID))
	}
	s.Transformation = t
	s.Source = src
	return nil
}

func loadError(kind, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return capability.MarkPermanent(fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return fmt.Errorf("loading %s %s: %w", kind, id, err)
}

// route renders the prompt and picks the model variant by token estimate.
func (h *Handler) route(_ context.Context, s *State) error {
	prompt, err := Render(s.Transformation.PromptTemplate, s.Source.Title, s.Source.Text)
	if err != nil {
		return err
	}
	s.Prompt = prompt
	s.Tokens = h.opts.Counter(prompt)
	s.Large = s.Tokens > h.opts.LargeContextThreshold
	return nil
}

// Render fills a transformation template. Templates use Go template
// syntax with the variables text and title.
func Render(tmpl, title, text string) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", capability.MarkPermanent(errors.New("invalid prompt template: empty"))
	}
	pt := prompts.NewPromptTemplate(tmpl, []string{"text", "title"})
	out, err := pt.Format(map[string]any{"text": text, "title": title})
	if err != nil {
		return "", capability.MarkPermanent(fmt.Errorf("invalid prompt template: %w", err))
	}
	return out, nil
}

func (h *Handler) generate(model capability.ModelSelector) graph.Handler[State] {
	return func(ctx context.Context, s *State) error {
		start := time.Now()
		out, err := h.generator.Generate(ctx, s.Prompt, "", model)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return &capability.GenerationError{Reason: capability.GenerationProviderError, Err: errors.New("empty completion")}
		}
		s.Output = out
		h.logger.Info("transformation generated", "source_id", s.SourceID, "transformation", s.Transformation.Name,
			"model", model, "tokens", s.Tokens, "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
}

func (h *Handler) persist(_ context.Context, s *State) error {
	note, err := h.store.GetNote(s.NoteID)
	switch {
	case err == nil:
		// Created by an earlier attempt of this invocation.
	case errors.Is(err, storage.ErrNotFound):
		note = storage.Note{
			ID:               s.NoteID,
			NotebookID:       s.Source.NotebookID,
			SourceID:         s.Source.ID,
			TransformationID: s.Transformation.ID,
			Title:            noteTitle(s.Transformation.Name, s.Source.Title),
			Content:          s.Output,
			Kind:             storage.NoteAI,
		}
		if err := h.store.CreateNote(note); err != nil {
			return fmt.Errorf("creating note: %w", err)
		}
		if note, err = h.store.GetNote(s.NoteID); err != nil {
			return fmt.Errorf("reading created note: %w", err)
		}
	default:
		return fmt.Errorf("checking note: %w", err)
	}
	s.Note = note

	if h.opts.EmbedNotes {
		jobID, err := h.store.Enqueue(storage.JobKindEmbed, note.ID, embedding.Payload{EntityType: retrieval.EntityNote}, h.opts.MaxAttempts)
		if err != nil {
			return fmt.Errorf("enqueueing note embedding: %w", err)
		}
		s.EmbedJob = jobID
	}
	return nil
}

func noteTitle(transformation, source string) string {
	if source == "" {
		return transformation
	}
	return transformation + ": " + source
}
