package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/retrieval"
)

// Pipeline embeds an entity's text and atomically replaces its records.
type Pipeline struct {
	chunker     Chunker
	embedder    capability.Embedder
	store       retrieval.VectorStore
	model       func() string
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

type Options struct {
	BatchSize   int
	Concurrency int
}

func NewPipeline(chunker Chunker, embedder capability.Embedder, store retrieval.VectorStore, model func() string, opts Options, logger *slog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chunker:     chunker,
		embedder:    embedder,
		store:       store,
		model:       model,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		logger:      logger.With("component", "embedding"),
	}
}

// Model is the embedding model new runs use.
func (p *Pipeline) Model() string { return p.model() }

// Result summarizes one embedding run.
type Result struct {
	Model  string
	Chunks int
}

// Run chunks text, embeds every chunk and replaces the entity's records for
// the current model. Nothing is written unless every batch succeeds; a
// partial failure surfaces as a transient EmbeddingError so the whole run is
// retried.
func (p *Pipeline) Run(ctx context.Context, entity retrieval.Entity, text string) (Result, error) {
	model := p.model()
	if model == "" {
		return Result{}, capability.MarkPermanent(errors.New("no embedding model configured"))
	}

	chunks, err := p.chunker.Chunk(text)
	if err != nil {
		return Result{}, capability.MarkPermanent(fmt.Errorf("chunking %s: %w", entity.ID, err))
	}

	start := time.Now()
	vectors, err := p.embedAll(ctx, chunks, model)
	if err != nil {
		return Result{}, err
	}

	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ChunkIndex: c.Index,
			SpanStart:  c.Start,
			SpanEnd:    c.End,
			Text:       c.Text,
			Vector:     vectors[i],
		}
	}
	if err := p.store.Replace(ctx, entity, model, records); err != nil {
		return Result{}, fmt.Errorf("replacing embeddings of %s: %w", entity.ID, err)
	}

	p.logger.Info("entity embedded", "entity_id", entity.ID, "entity_type", entity.Type,
		"model", model, "chunks", len(chunks), "duration_ms", time.Since(start).Milliseconds())
	return Result{Model: model, Chunks: len(chunks)}, nil
}

func (p *Pipeline) embedAll(ctx context.Context, chunks []Chunk, model string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for lo := 0; lo < len(chunks); lo += p.batchSize {
		hi := min(lo+p.batchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, hi-lo)
			for i := lo; i < hi; i++ {
				texts[i-lo] = chunks[i].Text
			}
			vecs, err := p.embedder.Embed(gctx, texts, model)
			if err != nil {
				return fmt.Errorf("embedding chunks %d-%d: %w", lo, hi-1, err)
			}
			if len(vecs) != len(texts) {
				return &capability.EmbeddingError{
					Reason: capability.EmbeddingProviderError,
					Err:    fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(texts)),
				}
			}
			copy(vectors[lo:hi], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var ee *capability.EmbeddingError
		if errors.As(err, &ee) || capability.IsPermanent(err) {
			return nil, err
		}
		return nil, &capability.EmbeddingError{Reason: capability.EmbeddingProviderError, Err: err}
	}
	return vectors, nil
}
