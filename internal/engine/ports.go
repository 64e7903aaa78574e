package engine

import (
	"context"

	"github.com/kalambet/folio/internal/capability"
)

// Models maps model selectors to concrete model names.
type Models struct {
	Default      string
	LargeContext string
}

func (m Models) resolve(sel capability.ModelSelector) string {
	if sel == capability.ModelLargeContext && m.LargeContext != "" {
		return m.LargeContext
	}
	return m.Default
}

// Generator implements capability.Generator over a Backend.
type Generator struct {
	backend Backend
	models  Models
}

func NewGenerator(b Backend, models Models) *Generator {
	return &Generator{backend: b, models: models}
}

var _ capability.Generator = (*Generator)(nil)

func (g *Generator) Generate(ctx context.Context, prompt, contextText string, sel capability.ModelSelector) (string, error) {
	var msgs []Message
	if contextText != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: contextText})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})
	return g.backend.Chat(ctx, g.models.resolve(sel), msgs)
}

// Embedder implements capability.Embedder over a Backend.
type Embedder struct {
	backend Backend
}

func NewEmbedder(b Backend) *Embedder {
	return &Embedder{backend: b}
}

var _ capability.Embedder = (*Embedder)(nil)

func (e *Embedder) Embed(ctx context.Context, chunks []string, modelID string) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	return e.backend.Embed(ctx, modelID, chunks)
}
