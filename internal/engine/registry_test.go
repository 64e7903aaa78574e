package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/folio/internal/capability"
)

type stubGenerator struct{ answer string }

func (s stubGenerator) Generate(context.Context, string, string, capability.ModelSelector) (string, error) {
	return s.answer, nil
}

func stubBuild(s Settings) (*Set, error) {
	if s.Generation == "broken" {
		return nil, errors.New("broken provider")
	}
	return &Set{Settings: s, Generator: stubGenerator{answer: s.Models.Default}}, nil
}

func TestRegistry_Reload(t *testing.T) {
	r, err := newRegistry(Settings{Generation: "x", Models: Models{Default: "first"}, EmbeddingModel: "e1"}, stubBuild, nil)
	if err != nil {
		t.Fatalf("newRegistry: %v", err)
	}
	var _ capability.Generator = r
	var _ capability.Embedder = r

	got, _ := r.Generate(context.Background(), "q", "", capability.ModelDefault)
	if got != "first" {
		t.Fatalf("Generate = %q, want first", got)
	}

	if err := r.Reload(Settings{Generation: "x", Models: Models{Default: "second"}, EmbeddingModel: "e2"}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got, _ = r.Generate(context.Background(), "q", "", capability.ModelDefault)
	if got != "second" {
		t.Errorf("after reload Generate = %q, want second", got)
	}
	if r.EmbeddingModel() != "e2" {
		t.Errorf("EmbeddingModel = %q, want e2", r.EmbeddingModel())
	}
}

func TestRegistry_FailedReloadKeepsPrevious(t *testing.T) {
	r, err := newRegistry(Settings{Generation: "x", Models: Models{Default: "first"}}, stubBuild, nil)
	if err != nil {
		t.Fatalf("newRegistry: %v", err)
	}
	if err := r.Reload(Settings{Generation: "broken"}); err == nil {
		t.Fatal("expected reload error")
	}
	got, _ := r.Generate(context.Background(), "q", "", capability.ModelDefault)
	if got != "first" {
		t.Errorf("Generate = %q, want previous configuration", got)
	}
}

func TestBuild(t *testing.T) {
	set, err := Build(Settings{Generation: ProviderOllama, Embedding: ProviderOllama, OllamaURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if set.Local == nil {
		t.Error("ollama set must expose a local manager")
	}

	if _, err := Build(Settings{Generation: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := Build(Settings{Generation: ProviderOllama, Embedding: ProviderAnthropic}); err == nil {
		t.Error("expected error for anthropic embeddings")
	}
	if _, err := Build(Settings{Generation: ProviderAnthropic}); err == nil {
		t.Error("expected error for anthropic without key")
	}

	set, err = Build(Settings{Generation: ProviderOpenAI, Embedding: ProviderOpenAI, OpenAIBaseURL: "http://localhost:8080/v1", Models: Models{Default: "gpt-4o-mini"}})
	if err != nil {
		t.Fatalf("Build openai: %v", err)
	}
	if set.Local != nil {
		t.Error("openai set must not expose a local manager")
	}
}
