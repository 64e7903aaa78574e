package ask

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/folio/internal/capability"
)

const condenseTimeout = 10 * time.Second

const condensePrompt = `Rewrite the follow-up question as a standalone question that can be understood without the conversation. Reply with the question only.

Conversation:
%s
Follow-up question: %s`

// Condenser rewrites a follow-up question into a standalone retrieval
// query using the conversation history.
type Condenser struct {
	generator capability.Generator
	maxTurns  int
	logger    *slog.Logger
}

func NewCondenser(generator capability.Generator, maxTurns int, logger *slog.Logger) *Condenser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Condenser{generator: generator, maxTurns: maxTurns, logger: logger}
}

// Condense returns the standalone form of query. On any failure it returns
// query unchanged; answering must not block on condensing.
func (c *Condenser) Condense(ctx context.Context, query string, history []Turn) string {
	if query == "" || len(history) == 0 {
		return query
	}
	if len(history) > c.maxTurns && c.maxTurns > 0 {
		history = history[len(history)-c.maxTurns:]
	}

	ctx, cancel := context.WithTimeout(ctx, condenseTimeout)
	defer cancel()

	var sb strings.Builder
	for _, t := range history {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	out, err := c.generator.Generate(ctx, fmt.Sprintf(condensePrompt, sb.String(), query), "", capability.ModelDefault)
	if err != nil {
		c.logger.Warn("condensing follow-up failed", "error", err)
		return query
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return query
	}
	return out
}
