package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kalambet/folio/internal/capability"
)

// LangchainEngine is a Backend over a langchaingo model. Embedding is only
// available when an embedder factory is configured.
type LangchainEngine struct {
	llm      llms.Model
	newEmbed func(model string) (embeddings.Embedder, error)

	mu        sync.Mutex
	embedders map[string]embeddings.Embedder
}

// NewOpenAI returns a Backend for the OpenAI API or any compatible server
// at baseURL.
func NewOpenAI(baseURL, token, defaultModel string) (*LangchainEngine, error) {
	if token == "" {
		// Local OpenAI-compatible servers ignore the token but the client
		// requires one.
		token = "none"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if defaultModel != "" {
		opts = append(opts, openai.WithModel(defaultModel))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	newEmbed := func(model string) (embeddings.Embedder, error) {
		client, err := openai.New(append(opts, openai.WithEmbeddingModel(model))...)
		if err != nil {
			return nil, fmt.Errorf("create openai embedding client: %w", err)
		}
		return embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	}
	return &LangchainEngine{llm: llm, newEmbed: newEmbed, embedders: map[string]embeddings.Embedder{}}, nil
}

// NewAnthropic returns a chat-only Backend for the Anthropic API.
func NewAnthropic(token, defaultModel string) (*LangchainEngine, error) {
	if token == "" {
		return nil, errors.New("anthropic API key required")
	}
	opts := []anthropic.Option{anthropic.WithToken(token)}
	if defaultModel != "" {
		opts = append(opts, anthropic.WithModel(defaultModel))
	}
	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return &LangchainEngine{llm: llm, embedders: map[string]embeddings.Embedder{}}, nil
}

func toMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func (e *LangchainEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	content := make([]llms.MessageContent, len(messages))
	for i, m := range messages {
		content[i] = llms.TextParts(toMessageType(m.Role), m.Content)
	}

	var opts []llms.CallOption
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	resp, err := e.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", generationError(err)
	}
	if len(resp.Choices) == 0 {
		return "", generationError(errors.New("no response choices"))
	}
	return resp.Choices[0].Content, nil
}

func (e *LangchainEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	emb, err := e.embedder(model)
	if err != nil {
		return nil, err
	}
	vecs, err := emb.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, embeddingError(err)
	}
	if len(vecs) != len(texts) {
		return nil, embeddingError(fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)))
	}
	return vecs, nil
}

func (e *LangchainEngine) embedder(model string) (embeddings.Embedder, error) {
	if e.newEmbed == nil {
		return nil, capability.MarkPermanent(errors.New("backend does not support embeddings"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if emb, ok := e.embedders[model]; ok {
		return emb, nil
	}
	emb, err := e.newEmbed(model)
	if err != nil {
		return nil, err
	}
	e.embedders[model] = emb
	return emb, nil
}
