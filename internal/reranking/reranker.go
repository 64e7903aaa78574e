// Package reranking re-scores retrieved chunks against the question with the
// generation model before they are composed into answer context.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/retrieval"
)

const defaultConcurrency = 3

// Reranker reorders and filters chunks by relevance to query.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk) ([]retrieval.ContextChunk, error)
}

type Options struct {
	// Threshold drops chunks scoring below it. Scores are in [0, 1].
	Threshold float64
	// Timeout bounds the whole rerank. On expiry the input order is kept.
	Timeout     time.Duration
	Concurrency int
}

// New returns an LLMReranker, or a pass-through when gen is nil.
func New(gen capability.Generator, opts Options, logger *slog.Logger) Reranker {
	if gen == nil {
		return NoOp{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReranker{gen: gen, opts: opts, logger: logger.With("component", "reranker")}
}

// LLMReranker asks the default model for a relevance score per chunk.
type LLMReranker struct {
	gen    capability.Generator
	opts   Options
	logger *slog.Logger
}

const scorePrompt = `Rate how relevant the supporting text is to the question on a scale from 0.0 to 1.0.
Question: %s
Respond with only a JSON object: {"score": <number>}`

// Rerank scores every chunk concurrently. A chunk whose scoring fails keeps
// its retrieval score. If the deadline passes first, chunks are returned
// unchanged.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk) ([]retrieval.ContextChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}
	tctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	scored := make([]retrieval.ContextChunk, len(chunks))
	copy(scored, chunks)

	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range scored {
		g.Go(func() error {
			score, err := r.score(gctx, query, scored[i].Text)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Debug("score failed, keeping retrieval score", "record_id", scored[i].RecordID, "error", err)
				return nil
			}
			scored[i].Score = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("rerank timed out, keeping retrieval order", "chunks", len(chunks), "timeout", r.opts.Timeout)
		return chunks, nil
	}

	kept := scored[:0]
	for _, ch := range scored {
		if float64(ch.Score) >= r.opts.Threshold {
			kept = append(kept, ch)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

func (r *LLMReranker) score(ctx context.Context, query, text string) (float32, error) {
	prompt := strings.Replace(scorePrompt, "%s", query, 1)
	resp, err := r.gen.Generate(ctx, prompt, text, capability.ModelDefault)
	if err != nil {
		return 0, err
	}
	return ParseScore(resp)
}

var numberRe = regexp.MustCompile(`[0-9]*\.?[0-9]+`)

// ParseScore reads a relevance score from a model reply. It accepts a JSON
// object with a "score" field, possibly fenced or surrounded by prose, or a
// bare number. The result is clamped to [0, 1].
func ParseScore(resp string) (float32, error) {
	s := strings.TrimSpace(resp)
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		var obj struct {
			Score *float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil && obj.Score != nil {
			return clamp(*obj.Score), nil
		}
	}
	m := numberRe.FindString(s)
	if m == "" {
		return 0, errors.New("no score in response")
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, err
	}
	return clamp(v), nil
}

func clamp(v float64) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return float32(v)
}

// NoOp passes chunks through unchanged.
type NoOp struct{}

func (NoOp) Rerank(_ context.Context, _ string, chunks []retrieval.ContextChunk) ([]retrieval.ContextChunk, error) {
	return chunks, nil
}
