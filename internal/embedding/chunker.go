// Package embedding chunks entity text, embeds the chunks and swaps them
// into the vector store as one unit.
package embedding

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	StrategyFixed    = "fixed"
	StrategySemantic = "semantic"
)

// Chunk is a piece of text and its byte span in the original.
type Chunk struct {
	Index int
	Start int
	End   int
	Text  string
}

// Chunker splits text deterministically: equal input yields equal chunks.
type Chunker interface {
	Chunk(text string) ([]Chunk, error)
}

// NewChunker returns the chunker for strategy. For "fixed", size and
// overlap count words; for "semantic" they count characters.
func NewChunker(strategy string, size, overlap int) (Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, size)
	}
	switch strategy {
	case "", StrategyFixed:
		return &FixedChunker{size: size, overlap: overlap}, nil
	case StrategySemantic:
		return &SemanticChunker{splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		)}, nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", strategy)
	}
}

// FixedChunker emits windows of size words, each sharing overlap words
// with the previous one.
type FixedChunker struct {
	size    int
	overlap int
}

type wordSpan struct{ start, end int }

func wordSpans(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, wordSpan{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, wordSpan{start, len(text)})
	}
	return spans
}

func (c *FixedChunker) Chunk(text string) ([]Chunk, error) {
	words := wordSpans(text)
	if len(words) == 0 {
		return nil, nil
	}
	step := c.size - c.overlap

	var out []Chunk
	for i := 0; i < len(words); i += step {
		end := min(i+c.size, len(words))
		ws := words[i:end]
		parts := make([]string, len(ws))
		for j, w := range ws {
			parts[j] = text[w.start:w.end]
		}
		out = append(out, Chunk{
			Index: len(out),
			Start: ws[0].start,
			End:   ws[len(ws)-1].end,
			Text:  strings.Join(parts, " "),
		})
		if end >= len(words) {
			break
		}
	}
	return out, nil
}

// SemanticChunker splits on paragraph, line, then word boundaries using
// langchaingo's recursive character splitter.
type SemanticChunker struct {
	splitter textsplitter.RecursiveCharacter
}

func (c *SemanticChunker) Chunk(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}

	out := make([]Chunk, 0, len(parts))
	cursor := 0
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		start, end := locate(text, p, cursor)
		if start >= 0 {
			cursor = start + 1
		}
		out = append(out, Chunk{Index: len(out), Start: start, End: end, Text: p})
	}
	return out, nil
}

// locate finds part in text at or after from. Splitters may normalize
// whitespace, in which case the span is unknown and -1 is returned.
func locate(text, part string, from int) (int, int) {
	if from > len(text) {
		from = len(text)
	}
	for from > 0 && from < len(text) && !utf8.RuneStart(text[from]) {
		from++
	}
	if i := strings.Index(text[from:], part); i >= 0 {
		return from + i, from + i + len(part)
	}
	if i := strings.Index(text, part); i >= 0 {
		return i, i + len(part)
	}
	return -1, -1
}
