// Package capability defines the provider-agnostic ports the pipeline calls
// out to (extraction, transcription, generation, embedding) together with
// their typed failures and retry classification.
package capability

import (
	"context"
	"time"
)

// ExtractRequest identifies what to extract text from: either stored
// artifact bytes (ArtifactID and Location) or a URL.
type ExtractRequest struct {
	ArtifactID  string
	Location    string
	URL         string
	Filename    string
	ContentType string
}

// Extraction is the normalized result of text extraction. Media engines
// return an Audio track instead of text; the caller transcribes it.
type Extraction struct {
	Title       string
	Text        string
	ContentType string
	Audio       *AudioRef
}

// AudioRef is a local audio file produced by a media engine.
type AudioRef struct {
	Path     string
	Duration time.Duration
}

type Extractor interface {
	ExtractText(ctx context.Context, req ExtractRequest) (Extraction, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio AudioRef) (string, error)
}

// ModelSelector picks a generation model variant.
type ModelSelector string

const (
	ModelDefault      ModelSelector = "default"
	ModelLargeContext ModelSelector = "large_context"
)

type Generator interface {
	// Generate answers prompt. contextText is optional supporting material,
	// sent as a system message.
	Generate(ctx context.Context, prompt, contextText string, model ModelSelector) (string, error)
}

type Embedder interface {
	// Embed returns one vector per chunk, in order.
	Embed(ctx context.Context, chunks []string, modelID string) ([][]float32, error)
}
