package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "FOLIO_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "FOLIO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "FOLIO_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FOLIO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.artifact_backend", typ: kString, env: "FOLIO_STORAGE_ARTIFACT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.ArtifactBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ArtifactBackend },
	},
	{
		key: "log.level", typ: kString, env: "FOLIO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "FOLIO_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "FOLIO_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "FOLIO_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.lease", typ: kDuration, env: "FOLIO_WORKER_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Worker.Lease = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.Lease },
	},
	{
		key: "worker.max_attempts", typ: kInt, env: "FOLIO_WORKER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxAttempts },
	},
	{
		key: "worker.retry_base_delay", typ: kDuration, env: "FOLIO_WORKER_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Worker.RetryBaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.RetryBaseDelay },
	},
	{
		key: "worker.retry_max_delay", typ: kDuration, env: "FOLIO_WORKER_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Worker.RetryMaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.RetryMaxDelay },
	},
	{
		key: "providers.generation", typ: kString, env: "FOLIO_PROVIDERS_GENERATION",
		apply:   func(cfg *Config, v any) { cfg.Providers.Generation = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Generation },
	},
	{
		key: "providers.embedding", typ: kString, env: "FOLIO_PROVIDERS_EMBEDDING",
		apply:   func(cfg *Config, v any) { cfg.Providers.Embedding = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Embedding },
	},
	{
		key: "providers.ollama_url", typ: kString, env: "FOLIO_PROVIDERS_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OllamaURL },
	},
	{
		key: "providers.openai_base_url", typ: kString, env: "FOLIO_PROVIDERS_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAIBaseURL },
	},
	{
		key: "providers.openai_api_key", typ: kString, env: "FOLIO_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAIAPIKey },
	},
	{
		key: "providers.anthropic_api_key", typ: kString, env: "FOLIO_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Providers.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.AnthropicAPIKey },
	},
	{
		key: "models.default", typ: kString, env: "FOLIO_MODELS_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Models.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Default },
	},
	{
		key: "models.large_context", typ: kString, env: "FOLIO_MODELS_LARGE_CONTEXT",
		apply:   func(cfg *Config, v any) { cfg.Models.LargeContext = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.LargeContext },
	},
	{
		key: "models.embedding", typ: kString, env: "FOLIO_MODELS_EMBEDDING",
		apply:   func(cfg *Config, v any) { cfg.Models.Embedding = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Embedding },
	},
	{
		key: "models.transcription", typ: kString, env: "FOLIO_MODELS_TRANSCRIPTION",
		apply:   func(cfg *Config, v any) { cfg.Models.Transcription = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Transcription },
	},
	{
		key: "transcription.url", typ: kString, env: "FOLIO_TRANSCRIPTION_URL",
		apply:   func(cfg *Config, v any) { cfg.Transcription.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcription.URL },
	},
	{
		key: "transcription.api_key", typ: kString, env: "FOLIO_TRANSCRIPTION_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Transcription.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcription.APIKey },
	},
	{
		key: "transcription.chunk_seconds", typ: kInt, env: "FOLIO_TRANSCRIPTION_CHUNK_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Transcription.ChunkSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcription.ChunkSeconds },
	},
	{
		key: "transcription.overlap_seconds", typ: kInt, env: "FOLIO_TRANSCRIPTION_OVERLAP_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Transcription.OverlapSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcription.OverlapSeconds },
	},
	{
		key: "timeouts.extraction", typ: kDuration, env: "FOLIO_TIMEOUTS_EXTRACTION",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Extraction = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Extraction },
	},
	{
		key: "timeouts.transcription", typ: kDuration, env: "FOLIO_TIMEOUTS_TRANSCRIPTION",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Transcription = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Transcription },
	},
	{
		key: "timeouts.generation", typ: kDuration, env: "FOLIO_TIMEOUTS_GENERATION",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Generation = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Generation },
	},
	{
		key: "timeouts.embedding", typ: kDuration, env: "FOLIO_TIMEOUTS_EMBEDDING",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Embedding = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Embedding },
	},
	{
		key: "transform.large_context_threshold", typ: kInt, env: "FOLIO_TRANSFORM_LARGE_CONTEXT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Transform.LargeContextThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Transform.LargeContextThreshold },
	},
	{
		key: "transform.embed_notes", typ: kBool, env: "FOLIO_TRANSFORM_EMBED_NOTES",
		apply:   func(cfg *Config, v any) { cfg.Transform.EmbedNotes = v.(bool) },
		extract: func(cfg Config) any { return cfg.Transform.EmbedNotes },
	},
	{
		key: "embedding.strategy", typ: kString, env: "FOLIO_EMBEDDING_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Strategy },
	},
	{
		key: "embedding.chunk_size", typ: kInt, env: "FOLIO_EMBEDDING_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.ChunkSize },
	},
	{
		key: "embedding.chunk_overlap", typ: kInt, env: "FOLIO_EMBEDDING_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Embedding.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.ChunkOverlap },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "FOLIO_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "ingest.auto_embed", typ: kBool, env: "FOLIO_INGEST_AUTO_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Ingest.AutoEmbed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.AutoEmbed },
	},
	{
		key: "ask.top_k", typ: kInt, env: "FOLIO_ASK_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Ask.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Ask.TopK },
	},
	{
		key: "ask.condense_history", typ: kBool, env: "FOLIO_ASK_CONDENSE_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Ask.CondenseHistory = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ask.CondenseHistory },
	},
	{
		key: "ask.rerank", typ: kBool, env: "FOLIO_ASK_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Ask.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ask.Rerank },
	},
	{
		key: "ask.rerank_threshold", typ: kFloat, env: "FOLIO_ASK_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Ask.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ask.RerankThreshold },
	},
	{
		key: "ask.rerank_timeout", typ: kDuration, env: "FOLIO_ASK_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ask.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ask.RerankTimeout },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type a key expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func formatValue(typ keyType, v any) string {
	if typ == kDuration {
		return v.(time.Duration).String()
	}
	return fmt.Sprint(v)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
