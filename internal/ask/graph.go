// Package ask answers questions over a notebook: optionally condense a
// follow-up, retrieve the closest chunks, generate a grounded answer and
// cite what was used. It runs synchronously per request.
package ask

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/retrieval"
)

const (
	NodeReceivedQuery   graph.Node = "received_query"
	NodeCondense        graph.Node = "condense"
	NodeRetrieveContext graph.Node = "retrieve_context"
	NodeRerank          graph.Node = "rerank"
	NodeGenerateAnswer  graph.Node = "generate_answer"
	NodeNoContext       graph.Node = "no_context"
	NodeCite            graph.Node = "cite"
	NodeRespond         graph.Node = "respond"
)

// NoContextAnswer is returned when nothing relevant was retrieved.
const NoContextAnswer = "No relevant context found in this notebook to answer the question."

var ErrEmptyQuery = errors.New("empty query")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Citation struct {
	SourceID   string  `json:"source_id,omitempty"`
	NoteID     string  `json:"note_id,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}

type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	NoContext bool       `json:"no_context"`
}

// Retriever finds the chunks of a notebook closest to a query.
type Retriever interface {
	Retrieve(ctx context.Context, notebookID, query string, topK int) ([]retrieval.ContextChunk, error)
}

// Reranker reorders and filters retrieved chunks by relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk) ([]retrieval.ContextChunk, error)
}

// State is carried through the ask graph for one question.
type State struct {
	NotebookID string
	Query      string
	History    []Turn

	Standalone string
	Chunks     []retrieval.ContextChunk
	Selected   []retrieval.ContextChunk
	Context    string
	Answer     Answer
}

type Options struct {
	TopK            int
	CondenseHistory bool
	// HistoryTurns bounds how much history is sent to the model.
	HistoryTurns     int
	MaxContextTokens int
	// Reranker, when set, runs between retrieval and composition.
	Reranker Reranker
}

type Asker struct {
	retriever Retriever
	generator capability.Generator
	composer  *Composer
	condenser *Condenser
	opts      Options
	graph     *graph.Graph[State]
	logger    *slog.Logger
}

func New(retriever Retriever, generator capability.Generator, opts Options, logger *slog.Logger) *Asker {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ask")
	a := &Asker{
		retriever: retriever,
		generator: generator,
		composer:  NewComposer(opts.MaxContextTokens),
		condenser: NewCondenser(generator, opts.HistoryTurns, logger),
		opts:      opts,
		logger:    logger,
	}
	a.graph = graph.New[State]("ask", NodeReceivedQuery).
		Add(NodeReceivedQuery, a.received, func(s *State) graph.Node {
			if a.opts.CondenseHistory && len(s.History) > 0 {
				return NodeCondense
			}
			return NodeRetrieveContext
		}).
		Add(NodeCondense, a.condense, graph.To[State](NodeRetrieveContext)).
		Add(NodeRetrieveContext, a.retrieve, func(s *State) graph.Node {
			if a.opts.Reranker != nil && len(s.Chunks) > 0 {
				return NodeRerank
			}
			return afterCompose(s)
		}).
		Add(NodeRerank, a.rerank, afterCompose).
		Add(NodeGenerateAnswer, a.generate, graph.To[State](NodeCite)).
		Add(NodeNoContext, a.noContext, graph.To[State](NodeRespond)).
		Add(NodeCite, a.cite, graph.To[State](NodeRespond)).
		Add(NodeRespond, a.respond, graph.To[State](graph.End))
	return a
}

// Ask answers query over notebookID. Zero retrieved chunks, or a retrieval
// failure, yields the no-context answer rather than an error.
func (a *Asker) Ask(ctx context.Context, notebookID, query string, history []Turn) (Answer, error) {
	s := &State{NotebookID: notebookID, Query: query, History: history}
	if err := a.graph.Run(ctx, s); err != nil {
		return Answer{}, err
	}
	return s.Answer, nil
}

func (a *Asker) Graph() *graph.Graph[State] { return a.graph }

func (a *Asker) received(_ context.Context, s *State) error {
	s.Query = strings.TrimSpace(s.Query)
	if s.Query == "" {
		return ErrEmptyQuery
	}
	s.Standalone = s.Query
	return nil
}

func (a *Asker) condense(ctx context.Context, s *State) error {
	s.Standalone = a.condenser.Condense(ctx, s.Query, s.History)
	if s.Standalone != s.Query {
		a.logger.Debug("condensed follow-up", "query", s.Query, "standalone", s.Standalone)
	}
	return nil
}

func (a *Asker) retrieve(ctx context.Context, s *State) error {
	chunks, err := a.retriever.Retrieve(ctx, s.NotebookID, s.Standalone, a.opts.TopK)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("retrieval failed, answering without context", "notebook_id", s.NotebookID, "error", err)
		s.Chunks = nil
		return nil
	}
	s.Chunks = chunks
	if a.opts.Reranker == nil || len(chunks) == 0 {
		s.Context, s.Selected = a.composer.Compose(chunks)
	}
	return nil
}

func (a *Asker) rerank(ctx context.Context, s *State) error {
	chunks, err := a.opts.Reranker.Rerank(ctx, s.Standalone, s.Chunks)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("rerank failed, using retrieval order", "notebook_id", s.NotebookID, "error", err)
		chunks = s.Chunks
	}
	s.Chunks = chunks
	s.Context, s.Selected = a.composer.Compose(chunks)
	return nil
}

func afterCompose(s *State) graph.Node {
	if len(s.Selected) == 0 {
		return NodeNoContext
	}
	return NodeGenerateAnswer
}

func (a *Asker) generate(ctx context.Context, s *State) error {
	prompt := BuildPrompt(s.Query, s.History, a.opts.HistoryTurns)
	text, err := a.generator.Generate(ctx, prompt, s.Context, capability.ModelDefault)
	if err != nil {
		return err
	}
	s.Answer.Text = text
	return nil
}

func (a *Asker) noContext(_ context.Context, s *State) error {
	s.Answer = Answer{Text: NoContextAnswer, NoContext: true}
	return nil
}

func (a *Asker) cite(_ context.Context, s *State) error {
	citations := make([]Citation, 0, len(s.Selected))
	for _, ch := range s.Selected {
		c := Citation{SourceID: ch.SourceID, ChunkIndex: ch.ChunkIndex, Score: ch.Score}
		if ch.EntityType == retrieval.EntityNote {
			c.NoteID = ch.EntityID
		}
		citations = append(citations, c)
	}
	s.Answer.Citations = citations
	return nil
}

func (a *Asker) respond(_ context.Context, s *State) error {
	s.Answer.Text = strings.TrimSpace(s.Answer.Text)
	if s.Answer.Citations == nil {
		s.Answer.Citations = []Citation{}
	}
	a.logger.Info("question answered", "notebook_id", s.NotebookID,
		"chunks", len(s.Chunks), "cited", len(s.Answer.Citations), "no_context", s.Answer.NoContext)
	return nil
}
