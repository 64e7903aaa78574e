package ask

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/folio/internal/retrieval"
)

const defaultMaxContextTokens = 4000

const systemPreamble = `You answer questions about the user's notebook. Use only the numbered context passages below. Cite passages by their number in square brackets, e.g. [2]. If the passages do not contain the answer, say so.`

// Composer assembles the context block for a generation call within a
// token budget.
type Composer struct {
	MaxContextTokens int
}

// NewComposer creates a Composer. If maxContextTokens <= 0 the default
// (4000) is used.
func NewComposer(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the context text and the chunks it includes, highest
// score first. Chunks that would overflow the budget are dropped, lowest
// scoring first.
func (c *Composer) Compose(chunks []retrieval.ContextChunk) (string, []retrieval.ContextChunk) {
	if len(chunks) == 0 {
		return "", nil
	}

	sorted := make([]retrieval.ContextChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var sb strings.Builder
	sb.WriteString(systemPreamble)
	sb.WriteString("\n\n[Context]\n")
	remaining := c.MaxContextTokens - EstimateTokens(sb.String())

	var selected []retrieval.ContextChunk
	for _, ch := range sorted {
		entry := formatChunk(len(selected)+1, ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		selected = append(selected, ch)
		remaining -= tokens
	}
	if len(selected) == 0 {
		return "", nil
	}
	return sb.String(), selected
}

func formatChunk(n int, ch retrieval.ContextChunk) string {
	return fmt.Sprintf("[%d] (%s %s, chunk %d)\n%s\n\n", n, ch.EntityType, ch.EntityID, ch.ChunkIndex, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// BuildPrompt renders the recent history and the question as the user
// prompt.
func BuildPrompt(query string, history []Turn, maxTurns int) string {
	if len(history) > maxTurns && maxTurns > 0 {
		history = history[len(history)-maxTurns:]
	}
	if len(history) == 0 {
		return query
	}
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	for _, t := range history {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)
	return sb.String()
}
