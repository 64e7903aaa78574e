package retrieval

import (
	"context"
	"time"
)

const (
	EntitySource = "source"
	EntityNote   = "note"
)

// Entity identifies the owner of a set of embedding records.
type Entity struct {
	ID         string
	Type       string
	NotebookID string
	// SourceID is the source the text belongs to: the entity itself for
	// sources, the parent source (possibly empty) for notes.
	SourceID string
}

// VectorStore keeps embedding records and answers similarity queries.
type VectorStore interface {
	// Replace atomically swaps every record of (entity, model) for records.
	Replace(ctx context.Context, entity Entity, model string, records []Record) error

	// Search returns the topK records of a notebook embedded with model,
	// most similar first.
	Search(ctx context.Context, q Query) ([]ScoredRecord, error)

	// Count returns the number of records of (entityID, model).
	Count(ctx context.Context, entityID, model string) (int, error)
}

// Record is one embedded chunk.
type Record struct {
	ID         string
	EntityID   string
	EntityType string
	NotebookID string
	SourceID   string
	ChunkIndex int
	SpanStart  int
	SpanEnd    int
	Text       string
	Vector     []float32
	Model      string
	CreatedAt  time.Time
}

// Query selects candidates for Search.
type Query struct {
	NotebookID string
	Model      string
	Vector     []float32
	TopK       int
}

// ScoredRecord is a Record with its cosine similarity to the query.
// SourceUpdatedAt orders equal scores, newest first.
type ScoredRecord struct {
	Record
	Score           float32
	SourceUpdatedAt time.Time
}
