package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/folio/internal/artifact"
	"github.com/kalambet/folio/internal/ask"
	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/embedding"
	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/extract"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/media"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/reranking"
	"github.com/kalambet/folio/internal/retrieval"
	"github.com/kalambet/folio/internal/storage"
	"github.com/kalambet/folio/internal/transcribe"
	"github.com/kalambet/folio/internal/transform"
	"github.com/kalambet/folio/internal/worker"
)

// app is the composition root shared by serve, worker and mcp.
type app struct {
	cfg       config.Config
	level     *slog.LevelVar
	logger    *slog.Logger
	closeLog  func() error
	store     *storage.Store
	artifacts artifact.Store
	providers *engine.Registry
	service   *pipeline.Service
	runtime   *worker.Runtime
}

func engineSettings(cfg config.Config) engine.Settings {
	return engine.Settings{
		Generation:      cfg.Providers.Generation,
		Embedding:       cfg.Providers.Embedding,
		OllamaURL:       cfg.Providers.OllamaURL,
		OpenAIBaseURL:   cfg.Providers.OpenAIBaseURL,
		OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
		AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
		Models: engine.Models{
			Default:      cfg.Models.Default,
			LargeContext: cfg.Models.LargeContext,
		},
		EmbeddingModel: cfg.Models.Embedding,
	}
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(config.ParseLevel(cfg.Log.Level))
	a.logger, a.closeLog = config.SetupLogger(cfg.Log.File, a.level)
	slog.SetDefault(a.logger)

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store.SetBackoff(storage.ExponentialBackoff(cfg.Worker.RetryBaseDelay, cfg.Worker.RetryMaxDelay))

	a.artifacts, err = artifact.New(cfg.Storage.ArtifactBackend, filepath.Join(cfg.Storage.DataDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}

	a.providers, err = engine.NewRegistry(engineSettings(cfg), a.logger)
	if err != nil {
		return nil, fmt.Errorf("configuring providers: %w", err)
	}

	generator := capability.WithGenerationTimeout(a.providers, cfg.Timeouts.Generation)
	embedder := capability.WithEmbeddingTimeout(a.providers, cfg.Timeouts.Embedding)

	ff := media.New(nil)
	scratch := filepath.Join(cfg.Storage.DataDir, "tmp")
	extractor := capability.WithExtractionTimeout(
		extract.NewRouter(a.artifacts, extract.NewWebEngine(nil), extract.NewMediaEngine(ff, scratch), a.logger),
		cfg.Timeouts.Extraction,
	)
	transcriber := capability.WithTranscriptionTimeout(
		transcribe.New(
			transcribe.NewClient(cfg.Transcription.URL, cfg.Transcription.APIKey, cfg.Models.Transcription),
			ff,
			transcribe.Options{
				Chunk:   time.Duration(cfg.Transcription.ChunkSeconds) * time.Second,
				Overlap: time.Duration(cfg.Transcription.OverlapSeconds) * time.Second,
			},
			a.logger,
		),
		cfg.Timeouts.Transcription,
	)

	vectors := retrieval.NewSQLiteStore(a.store.DB())
	chunker, err := embedding.NewChunker(cfg.Embedding.Strategy, cfg.Embedding.ChunkSize, cfg.Embedding.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	embedPipeline := embedding.NewPipeline(chunker, embedder, vectors, a.providers.EmbeddingModel,
		embedding.Options{BatchSize: cfg.Embedding.BatchSize}, a.logger)

	retry := graph.RetryPolicy{MaxAttempts: cfg.Worker.MaxAttempts, BaseDelay: cfg.Worker.RetryBaseDelay}
	transformer := transform.NewHandler(a.store, generator, transform.Options{
		LargeContextThreshold: cfg.Transform.LargeContextThreshold,
		EmbedNotes:            cfg.Transform.EmbedNotes,
		MaxAttempts:           cfg.Worker.MaxAttempts,
		Retry:                 retry,
	}, a.logger)
	ingester := ingest.NewHandler(a.store, extractor, transcriber, ingest.Options{
		AutoEmbed:       cfg.Ingest.AutoEmbed,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		ExtractRetry:    retry,
		TranscribeRetry: graph.RetryPolicy{MaxAttempts: cfg.Worker.MaxAttempts, BaseDelay: 2 * cfg.Worker.RetryBaseDelay},
	}, a.logger)
	askOpts := ask.Options{
		TopK:            cfg.Ask.TopK,
		CondenseHistory: cfg.Ask.CondenseHistory,
	}
	if cfg.Ask.Rerank {
		askOpts.Reranker = reranking.New(generator, reranking.Options{
			Threshold: cfg.Ask.RerankThreshold,
			Timeout:   cfg.Ask.RerankTimeout,
		}, a.logger)
	}
	asker := ask.New(retrieval.NewRetriever(embedder, vectors, a.providers.EmbeddingModel), generator, askOpts, a.logger)

	a.service = pipeline.NewService(a.store, a.artifacts, transformer, asker,
		pipeline.Options{MaxAttempts: cfg.Worker.MaxAttempts}, a.logger)

	a.runtime, err = worker.New(a.store, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		Lease:         cfg.Worker.Lease,
		MaxRetryDelay: cfg.Worker.RetryMaxDelay,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.runtime.Register(storage.JobKindIngest, ingester)
	a.runtime.Register(storage.JobKindTransform, transformer)
	a.runtime.Register(storage.JobKindEmbed, embedding.NewHandler(embedPipeline, a.store, a.logger))

	ok = true
	return a, nil
}

// ensureModels pulls missing models when a provider runs on local Ollama.
func (a *app) ensureModels(ctx context.Context, w io.Writer) error {
	set := a.providers.Current()
	if set.Local == nil {
		return nil
	}
	local := func(p string) bool { return p == "" || p == engine.ProviderOllama }
	var models []string
	if local(set.Settings.Generation) {
		models = append(models, set.Settings.Models.Default, set.Settings.Models.LargeContext)
	}
	if local(set.Settings.Embedding) {
		models = append(models, set.Settings.EmbeddingModel)
	}
	return engine.EnsureReady(ctx, set.Local, models, w)
}

// reload applies the parts of cfg that can change at runtime: providers,
// models and the log level. Everything else needs a restart.
func (a *app) reload(cfg config.Config) error {
	if err := a.providers.Reload(engineSettings(cfg)); err != nil {
		return err
	}
	a.level.Set(config.ParseLevel(cfg.Log.Level))
	a.cfg = cfg
	return nil
}

func (a *app) reloadFromDisk(context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return a.reload(cfg)
}

func (a *app) Close() {
	if a.runtime != nil {
		a.runtime.Close()
	}
	if a.artifacts != nil {
		if err := a.artifacts.Close(); err != nil {
			a.logger.Warn("closing artifact store", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", "error", err)
		}
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}
