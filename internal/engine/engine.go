// Package engine binds concrete inference backends (a local Ollama server,
// OpenAI-compatible and Anthropic APIs through langchaingo) to the
// generation and embedding capability ports.
package engine

import "context"

// Backend is a chat and embedding provider. Implementations return errors
// already classified as capability.GenerationError or
// capability.EmbeddingError.
type Backend interface {
	// Chat sends messages to model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Manager is implemented by backends that host their own models locally.
type Manager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
