// Package pipeline is the surface the API and CLI layers drive: it records
// sources and artifacts, enqueues ingestion, and fronts the synchronous
// transformation and ask graphs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/folio/internal/artifact"
	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/extract"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/storage"
	"github.com/kalambet/folio/internal/transform"
)

// ErrInvalid wraps caller mistakes: missing fields, bad URLs, bad templates.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Repository is the persistence surface the service uses.
type Repository interface {
	CreateNotebook(n storage.Notebook) error
	GetNotebook(id string) (storage.Notebook, error)
	ListNotebooks() ([]storage.Notebook, error)
	SaveArtifact(a storage.Artifact) error
	CreateSource(src storage.Source) error
	GetSource(id string) (storage.Source, error)
	ListSources(notebookID string) ([]storage.Source, error)
	ListNotes(notebookID, sourceID string) ([]storage.Note, error)
	CreateTransformation(t storage.Transformation) error
	ListTransformations(defaultsOnly bool) ([]storage.Transformation, error)
	Enqueue(kind, targetID string, payload any, maxAttempts int) (string, error)
	GetJob(id string) (storage.Job, error)
	ListJobs(f storage.JobFilter) ([]storage.Job, error)
	CancelJob(id string) error
}

// Transformer runs a transformation synchronously.
type Transformer interface {
	Run(ctx context.Context, transformationID, sourceID string) (storage.Note, error)
}

// Asker answers questions over a notebook.
type Asker interface {
	Ask(ctx context.Context, notebookID, query string, history []ask.Turn) (ask.Answer, error)
}

type Options struct {
	// MaxAttempts for ingest jobs. Zero uses the queue default.
	MaxAttempts int
}

type Service struct {
	repo        Repository
	artifacts   artifact.Store
	transformer Transformer
	asker       Asker
	opts        Options
	logger      *slog.Logger
}

func NewService(repo Repository, artifacts artifact.Store, transformer Transformer, asker Asker, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		artifacts:   artifacts,
		transformer: transformer,
		asker:       asker,
		opts:        opts,
		logger:      logger.With("component", "pipeline"),
	}
}

// SourceDraft describes a source to ingest. Exactly one of ArtifactID, URL
// or Text is set.
type SourceDraft struct {
	NotebookID      string   `json:"notebook_id"`
	Title           string   `json:"title,omitempty"`
	ArtifactID      string   `json:"artifact_id,omitempty"`
	URL             string   `json:"url,omitempty"`
	Text            string   `json:"text,omitempty"`
	ContentType     string   `json:"content_type,omitempty"`
	Transformations []string `json:"transformations,omitempty"`
	Embed           *bool    `json:"embed,omitempty"`
}

// Enqueued identifies the source and job an ingestion created.
type Enqueued struct {
	SourceID string `json:"source_id"`
	JobID    string `json:"job_id"`
}

// EnqueueIngestion records a pending source and enqueues its ingest job.
// The source is durable before the job exists.
func (s *Service) EnqueueIngestion(ctx context.Context, d SourceDraft) (Enqueued, error) {
	if d.NotebookID == "" {
		return Enqueued{}, invalid("notebook_id is required")
	}
	set := 0
	for _, v := range []string{d.ArtifactID, d.URL, d.Text} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return Enqueued{}, invalid("exactly one of artifact_id, url or text is required")
	}
	if d.URL != "" {
		u, err := url.Parse(d.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Enqueued{}, invalid("url must be an absolute http(s) url")
		}
	}
	if _, err := s.repo.GetNotebook(d.NotebookID); err != nil {
		return Enqueued{}, fmt.Errorf("notebook %s: %w", d.NotebookID, err)
	}

	src := storage.Source{
		ID:          uuid.New().String(),
		NotebookID:  d.NotebookID,
		Title:       strings.TrimSpace(d.Title),
		ArtifactID:  d.ArtifactID,
		URL:         d.URL,
		Text:        d.Text,
		ContentType: d.ContentType,
	}
	if err := s.repo.CreateSource(src); err != nil {
		return Enqueued{}, fmt.Errorf("creating source: %w", err)
	}

	payload := ingest.Payload{Transformations: d.Transformations, Embed: d.Embed}
	jobID, err := s.repo.Enqueue(storage.JobKindIngest, src.ID, payload, s.opts.MaxAttempts)
	if err != nil {
		return Enqueued{}, fmt.Errorf("enqueueing ingestion: %w", err)
	}
	s.logger.Info("ingestion enqueued", "source_id", src.ID, "job_id", jobID, "notebook_id", d.NotebookID)
	return Enqueued{SourceID: src.ID, JobID: jobID}, nil
}

// Reingest enqueues a fresh ingestion of an existing source.
func (s *Service) Reingest(ctx context.Context, sourceID string) (string, error) {
	if _, err := s.repo.GetSource(sourceID); err != nil {
		return "", fmt.Errorf("source %s: %w", sourceID, err)
	}
	jobID, err := s.repo.Enqueue(storage.JobKindIngest, sourceID, ingest.Payload{Reingest: true}, s.opts.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("enqueueing re-ingestion: %w", err)
	}
	s.logger.Info("re-ingestion enqueued", "source_id", sourceID, "job_id", jobID)
	return jobID, nil
}

func (s *Service) GetJobStatus(ctx context.Context, jobID string) (storage.Job, error) {
	return s.repo.GetJob(jobID)
}

func (s *Service) ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.Job, error) {
	return s.repo.ListJobs(f)
}

// CancelJob stops further processing of a job. Work a running job already
// committed stays.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	if err := s.repo.CancelJob(jobID); err != nil {
		return err
	}
	s.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

func (s *Service) RunTransformation(ctx context.Context, transformationID, sourceID string) (storage.Note, error) {
	return s.transformer.Run(ctx, transformationID, sourceID)
}

func (s *Service) Ask(ctx context.Context, notebookID, query string, history []ask.Turn) (ask.Answer, error) {
	if _, err := s.repo.GetNotebook(notebookID); err != nil {
		return ask.Answer{}, fmt.Errorf("notebook %s: %w", notebookID, err)
	}
	ans, err := s.asker.Ask(ctx, notebookID, query, history)
	if errors.Is(err, ask.ErrEmptyQuery) {
		return ask.Answer{}, invalid("query is required")
	}
	return ans, err
}

func (s *Service) CreateNotebook(ctx context.Context, name, description string) (storage.Notebook, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Notebook{}, invalid("name is required")
	}
	n := storage.Notebook{ID: uuid.New().String(), Name: name, Description: description}
	if err := s.repo.CreateNotebook(n); err != nil {
		return storage.Notebook{}, fmt.Errorf("creating notebook: %w", err)
	}
	return s.repo.GetNotebook(n.ID)
}

func (s *Service) ListNotebooks(ctx context.Context) ([]storage.Notebook, error) {
	return s.repo.ListNotebooks()
}

func (s *Service) GetSource(ctx context.Context, id string) (storage.Source, error) {
	return s.repo.GetSource(id)
}

func (s *Service) ListNotes(ctx context.Context, notebookID, sourceID string) ([]storage.Note, error) {
	return s.repo.ListNotes(notebookID, sourceID)
}

// CreateTransformation validates the prompt template before storing it.
func (s *Service) CreateTransformation(ctx context.Context, t storage.Transformation) (storage.Transformation, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return storage.Transformation{}, invalid("name is required")
	}
	if _, err := transform.Render(t.PromptTemplate, "title", "text"); err != nil {
		return storage.Transformation{}, invalid("%v", err)
	}
	switch t.Kind {
	case "", storage.TransformSummary, storage.TransformKeyPoints, storage.TransformCustom:
	default:
		return storage.Transformation{}, invalid("unknown transformation kind %q", t.Kind)
	}
	t.ID = uuid.New().String()
	if err := s.repo.CreateTransformation(t); err != nil {
		return storage.Transformation{}, fmt.Errorf("creating transformation: %w", err)
	}
	return t, nil
}

func (s *Service) ListTransformations(ctx context.Context) ([]storage.Transformation, error) {
	return s.repo.ListTransformations(false)
}

// StoreArtifact persists uploaded bytes and their metadata.
func (s *Service) StoreArtifact(ctx context.Context, filename, contentType string, r io.Reader) (storage.Artifact, error) {
	if filename == "" {
		return storage.Artifact{}, invalid("filename is required")
	}
	id := uuid.New().String()
	location, size, err := s.artifacts.Put(ctx, id, r)
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("storing artifact bytes: %w", err)
	}
	a := storage.Artifact{
		ID:          id,
		Filename:    filename,
		ContentType: extract.ResolveContentType(contentType, filename),
		Location:    location,
		Size:        size,
	}
	if err := s.repo.SaveArtifact(a); err != nil {
		if derr := s.artifacts.Delete(ctx, location); derr != nil {
			s.logger.Warn("removing orphaned artifact bytes", "location", location, "error", derr)
		}
		return storage.Artifact{}, fmt.Errorf("saving artifact: %w", err)
	}
	s.logger.Info("artifact stored", "artifact_id", id, "filename", filename, "size", size)
	return a, nil
}
