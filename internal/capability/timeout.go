package capability

import (
	"context"
	"errors"
	"time"
)

// Timeouts bounds each kind of external call. A zero duration leaves the
// call bounded only by the caller's context.
type Timeouts struct {
	Extraction    time.Duration
	Transcription time.Duration
	Generation    time.Duration
	Embedding     time.Duration
}

func bound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// WithExtractionTimeout bounds ExtractText. Hitting the bound surfaces as
// a transient engine_failure.
func WithExtractionTimeout(next Extractor, d time.Duration) Extractor {
	return &timedExtractor{next: next, d: d}
}

type timedExtractor struct {
	next Extractor
	d    time.Duration
}

func (t *timedExtractor) ExtractText(ctx context.Context, req ExtractRequest) (Extraction, error) {
	ctx, cancel := bound(ctx, t.d)
	defer cancel()
	out, err := t.next.ExtractText(ctx, req)
	if err != nil && timedOut(ctx) {
		return Extraction{}, &ExtractionError{Reason: EngineFailure, ContentType: req.ContentType, Err: err}
	}
	return out, err
}

// WithTranscriptionTimeout bounds Transcribe. Hitting the bound surfaces as
// TranscriptionError{timeout}.
func WithTranscriptionTimeout(next Transcriber, d time.Duration) Transcriber {
	return &timedTranscriber{next: next, d: d}
}

type timedTranscriber struct {
	next Transcriber
	d    time.Duration
}

func (t *timedTranscriber) Transcribe(ctx context.Context, audio AudioRef) (string, error) {
	ctx, cancel := bound(ctx, t.d)
	defer cancel()
	text, err := t.next.Transcribe(ctx, audio)
	if err != nil && timedOut(ctx) {
		return "", &TranscriptionError{Reason: TranscriptionTimeout, Err: err}
	}
	return text, err
}

// WithGenerationTimeout bounds Generate.
func WithGenerationTimeout(next Generator, d time.Duration) Generator {
	return &timedGenerator{next: next, d: d}
}

type timedGenerator struct {
	next Generator
	d    time.Duration
}

func (t *timedGenerator) Generate(ctx context.Context, prompt, contextText string, model ModelSelector) (string, error) {
	ctx, cancel := bound(ctx, t.d)
	defer cancel()
	text, err := t.next.Generate(ctx, prompt, contextText, model)
	if err != nil && timedOut(ctx) {
		return "", &GenerationError{Reason: GenerationProviderError, Err: err}
	}
	return text, err
}

// WithEmbeddingTimeout bounds Embed.
func WithEmbeddingTimeout(next Embedder, d time.Duration) Embedder {
	return &timedEmbedder{next: next, d: d}
}

type timedEmbedder struct {
	next Embedder
	d    time.Duration
}

func (t *timedEmbedder) Embed(ctx context.Context, chunks []string, modelID string) ([][]float32, error) {
	ctx, cancel := bound(ctx, t.d)
	defer cancel()
	vecs, err := t.next.Embed(ctx, chunks, modelID)
	if err != nil && timedOut(ctx) {
		return nil, &EmbeddingError{Reason: EmbeddingProviderError, Err: err}
	}
	return vecs, err
}
