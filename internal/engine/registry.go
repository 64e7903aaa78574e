package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kalambet/folio/internal/capability"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Settings selects and configures providers.
type Settings struct {
	Generation      string
	Embedding       string
	OllamaURL       string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	Models          Models
	EmbeddingModel  string
}

// Set is one immutable provider configuration.
type Set struct {
	Settings  Settings
	Generator capability.Generator
	Embedder  capability.Embedder
	// Local is non-nil when generation or embedding runs on a local Ollama.
	Local Manager
}

// Build constructs the providers named in s.
func Build(s Settings) (*Set, error) {
	backends := map[string]Backend{}
	var local Manager
	get := func(name string) (Backend, error) {
		if b, ok := backends[name]; ok {
			return b, nil
		}
		var (
			b   Backend
			err error
		)
		switch name {
		case "", ProviderOllama:
			o := NewOllamaEngine(s.OllamaURL)
			local = o
			b = o
		case ProviderOpenAI:
			b, err = NewOpenAI(s.OpenAIBaseURL, s.OpenAIAPIKey, s.Models.Default)
		case ProviderAnthropic:
			b, err = NewAnthropic(s.AnthropicAPIKey, s.Models.Default)
		default:
			err = fmt.Errorf("unsupported provider %q", name)
		}
		if err != nil {
			return nil, err
		}
		backends[name] = b
		return b, nil
	}

	gen, err := get(s.Generation)
	if err != nil {
		return nil, fmt.Errorf("generation provider: %w", err)
	}
	if s.Embedding == ProviderAnthropic {
		return nil, fmt.Errorf("embedding provider: anthropic has no embeddings API")
	}
	emb, err := get(s.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	return &Set{
		Settings:  s,
		Generator: NewGenerator(gen, s.Models),
		Embedder:  NewEmbedder(emb),
		Local:     local,
	}, nil
}

// Registry holds the process-wide provider set. Reload swaps it atomically;
// calls already in flight finish on the set they started with.
type Registry struct {
	current atomic.Pointer[Set]
	build   func(Settings) (*Set, error)
	logger  *slog.Logger
}

func NewRegistry(s Settings, logger *slog.Logger) (*Registry, error) {
	return newRegistry(s, Build, logger)
}

func newRegistry(s Settings, build func(Settings) (*Set, error), logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{build: build, logger: logger.With("component", "engine")}
	set, err := build(s)
	if err != nil {
		return nil, err
	}
	r.current.Store(set)
	return r, nil
}

// Reload rebuilds providers from s. On error the previous set stays active.
func (r *Registry) Reload(s Settings) error {
	set, err := r.build(s)
	if err != nil {
		r.logger.Error("provider reload failed, keeping previous configuration", "error", err)
		return err
	}
	r.current.Store(set)
	r.logger.Info("providers reloaded", "generation", s.Generation, "embedding", s.Embedding,
		"model", s.Models.Default, "embedding_model", s.EmbeddingModel)
	return nil
}

// Current returns the active set.
func (r *Registry) Current() *Set {
	return r.current.Load()
}

// EmbeddingModel is the model id embedding records are written and queried
// with.
func (r *Registry) EmbeddingModel() string {
	return r.Current().Settings.EmbeddingModel
}

func (r *Registry) Generate(ctx context.Context, prompt, contextText string, sel capability.ModelSelector) (string, error) {
	return r.Current().Generator.Generate(ctx, prompt, contextText, sel)
}

func (r *Registry) Embed(ctx context.Context, chunks []string, modelID string) ([][]float32, error) {
	return r.Current().Embedder.Embed(ctx, chunks, modelID)
}
