// Package retrieval stores chunk embeddings and ranks them against a query.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/folio/internal/capability"
)

// ContextChunk is a retrieved fragment with its similarity score.
type ContextChunk struct {
	RecordID   string
	EntityID   string
	EntityType string
	SourceID   string
	ChunkIndex int
	Text       string
	Score      float32
}

// Retriever embeds queries and searches a VectorStore.
type Retriever struct {
	embedder capability.Embedder
	store    VectorStore
	model    func() string
}

// NewRetriever searches records written with the model returned by model at
// query time, so a provider reload is picked up without rebuilding.
func NewRetriever(embedder capability.Embedder, store VectorStore, model func() string) *Retriever {
	return &Retriever{embedder: embedder, store: store, model: model}
}

// Retrieve returns the topK chunks of notebookID most similar to query.
func (r *Retriever) Retrieve(ctx context.Context, notebookID, query string, topK int) ([]ContextChunk, error) {
	model := r.model()
	vecs, err := r.embedder.Embed(ctx, []string{query}, model)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, errors.New("embedding query: no vector returned")
	}

	scored, err := r.store.Search(ctx, Query{NotebookID: notebookID, Model: model, Vector: vecs[0], TopK: topK})
	if err != nil {
		return nil, err
	}

	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = ContextChunk{
			RecordID:   s.ID,
			EntityID:   s.EntityID,
			EntityType: s.EntityType,
			SourceID:   s.SourceID,
			ChunkIndex: s.ChunkIndex,
			Text:       s.Text,
			Score:      s.Score,
		}
	}
	return chunks, nil
}
