package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the embeddings table and searches them by
// brute-force cosine similarity.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps a database whose schema was created by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Replace(ctx context.Context, entity Entity, model string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE entity_id = ? AND model = ?`, entity.ID, model); err != nil {
		return fmt.Errorf("deleting embeddings of %s: %w", entity.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (id, entity_id, entity_type, notebook_id, source_id, chunk_index,
			span_start, span_end, text, vector, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	createdAt := s.now().UnixMilli()
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, entity.ID, entity.Type, entity.NotebookID, entity.SourceID,
			r.ChunkIndex, r.SpanStart, r.SpanEnd, r.Text, encodeFloat32s(r.Vector), model, createdAt); err != nil {
			return fmt.Errorf("inserting chunk %d of %s: %w", r.ChunkIndex, entity.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Count(ctx context.Context, entityID, model string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE entity_id = ? AND model = ?`, entityID, model).Scan(&n)
	return n, err
}

// candidate holds only what the scan phase needs; full rows are fetched
// for the winners.
type candidate struct {
	id        string
	score     float32
	updatedAt int64
}

// worse orders candidates: lower score first, then older source.
func (c candidate) worse(o candidate) bool {
	if c.score != o.score {
		return c.score < o.score
	}
	return c.updatedAt < o.updatedAt
}

func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]ScoredRecord, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	queryNorm := norm(q.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.vector, COALESCE(src.updated_at, 0)
		FROM embeddings e
		LEFT JOIN sources src ON src.id = e.source_id
		WHERE e.notebook_id = ? AND e.model = ?`,
		q.NotebookID, q.Model)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	var buf []float32
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.id, &blob, &c.updatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.id, err)
		}
		c.score = cosine(q.Vector, buf, queryNorm)

		if h.Len() < q.TopK {
			heap.Push(h, c)
		} else if (*h)[0].worse(c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	winners := make(map[string]candidate, h.Len())
	args := make([]any, 0, h.Len())
	for _, c := range *h {
		winners[c.id] = c
		args = append(args, c.id)
	}

	full, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, notebook_id, source_id, chunk_index, span_start, span_end,
			text, vector, model, created_at
		FROM embeddings WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer full.Close()

	results := make([]ScoredRecord, 0, len(args))
	for full.Next() {
		var r Record
		var blob []byte
		var createdAt int64
		if err := full.Scan(&r.ID, &r.EntityID, &r.EntityType, &r.NotebookID, &r.SourceID, &r.ChunkIndex,
			&r.SpanStart, &r.SpanEnd, &r.Text, &blob, &r.Model, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		if r.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		c := winners[r.ID]
		results = append(results, ScoredRecord{Record: r, Score: c.score, SourceUpdatedAt: time.UnixMilli(c.updatedAt).UTC()})
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN does not preserve order.
	sort.SliceStable(results, func(i, j int) bool {
		a := candidate{score: results[i].Score, updatedAt: results[i].SourceUpdatedAt.UnixMilli()}
		b := candidate{score: results[j].Score, updatedAt: results[j].SourceUpdatedAt.UnixMilli()}
		return b.worse(a)
	})
	return results, nil
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s returns an error if len(b) is not a multiple of 4, which
// indicates a corrupted row.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto reuses buf to avoid per-row allocations during scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Vectors of different
// dimensions (a model mismatch) score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap is a min-heap: the root is the worst of the current top-K.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].worse(h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
