package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Log           LogConfig
	Worker        WorkerConfig
	Providers     ProvidersConfig
	Models        ModelsConfig
	Transcription TranscriptionConfig
	Timeouts      TimeoutsConfig
	Transform     TransformConfig
	Embedding     EmbeddingConfig
	Ingest        IngestConfig
	Ask           AskConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir         string
	ArtifactBackend string
}

type LogConfig struct {
	Level string
	File  string
}

type WorkerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	Lease          time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type ProvidersConfig struct {
	Generation      string
	Embedding       string
	OllamaURL       string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

type ModelsConfig struct {
	Default       string
	LargeContext  string
	Embedding     string
	Transcription string
}

type TranscriptionConfig struct {
	URL            string
	APIKey         string
	ChunkSeconds   int
	OverlapSeconds int
}

type TimeoutsConfig struct {
	Extraction    time.Duration
	Transcription time.Duration
	Generation    time.Duration
	Embedding     time.Duration
}

type TransformConfig struct {
	LargeContextThreshold int
	EmbedNotes            bool
}

type EmbeddingConfig struct {
	Strategy     string
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
}

type IngestConfig struct {
	AutoEmbed bool
}

type AskConfig struct {
	TopK            int
	CondenseHistory bool
	// Rerank re-scores retrieved chunks with the default model before
	// composing the answer context.
	Rerank          bool
	RerankThreshold float64
	RerankTimeout   time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir:         defaultDataDir(),
			ArtifactBackend: "disk",
		},
		Log: LogConfig{
			Level: "info",
		},
		Worker: WorkerConfig{
			Concurrency:    2,
			PollInterval:   500 * time.Millisecond,
			Lease:          5 * time.Minute,
			MaxAttempts:    3,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  5 * time.Minute,
		},
		Providers: ProvidersConfig{
			Generation:    "ollama",
			Embedding:     "ollama",
			OllamaURL:     "http://localhost:11434",
			OpenAIBaseURL: "https://api.openai.com/v1",
		},
		Models: ModelsConfig{
			Default:       "llama3.1",
			LargeContext:  "mistral-nemo",
			Embedding:     "nomic-embed-text",
			Transcription: "whisper-1",
		},
		Transcription: TranscriptionConfig{
			URL:            "https://api.openai.com",
			ChunkSeconds:   600,
			OverlapSeconds: 5,
		},
		Timeouts: TimeoutsConfig{
			Extraction:    2 * time.Minute,
			Transcription: 10 * time.Minute,
			Generation:    3 * time.Minute,
			Embedding:     time.Minute,
		},
		Transform: TransformConfig{
			LargeContextThreshold: 24000,
		},
		Embedding: EmbeddingConfig{
			Strategy:     "fixed",
			ChunkSize:    200,
			ChunkOverlap: 40,
			BatchSize:    16,
		},
		Ingest: IngestConfig{
			AutoEmbed: true,
		},
		Ask: AskConfig{
			TopK:            5,
			CondenseHistory: true,
			RerankThreshold: 0.3,
			RerankTimeout:   10 * time.Second,
		},
	}
}

// Load reads configuration in order: defaults, the YAML config file, FOLIO_*
// environment variables. Secrets come from the environment or, failing
// that, the platform secret store.
//
// The file lives at $XDG_CONFIG_HOME/folio/config.yaml unless FOLIO_CONFIG
// points elsewhere.
func Load() (Config, error) {
	return LoadFile(FilePath())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "folio"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		account := s.key[strings.LastIndexByte(s.key, '.')+1:]
		if v, err := kc.Get(keychainService, account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}
	if cfg.Transcription.APIKey == "" {
		cfg.Transcription.APIKey = cfg.Providers.OpenAIAPIKey
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, v, strings.Join(allowed, ", ")))
	}
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	oneOf("storage.artifact_backend", c.Storage.ArtifactBackend, "disk", "badger")
	oneOf("providers.generation", c.Providers.Generation, "ollama", "openai", "anthropic")
	oneOf("providers.embedding", c.Providers.Embedding, "ollama", "openai")
	oneOf("embedding.strategy", c.Embedding.Strategy, "fixed", "semantic")
	oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")

	positive("server.port", int64(c.Server.Port))
	positive("worker.concurrency", int64(c.Worker.Concurrency))
	positive("worker.max_attempts", int64(c.Worker.MaxAttempts))
	positive("worker.lease", int64(c.Worker.Lease))
	positive("worker.poll_interval", int64(c.Worker.PollInterval))
	positive("transcription.chunk_seconds", int64(c.Transcription.ChunkSeconds))
	positive("embedding.chunk_size", int64(c.Embedding.ChunkSize))
	positive("embedding.batch_size", int64(c.Embedding.BatchSize))
	positive("ask.top_k", int64(c.Ask.TopK))
	if c.Ask.RerankThreshold < 0 || c.Ask.RerankThreshold > 1 {
		errs = append(errs, errors.New("ask.rerank_threshold must be in [0, 1]"))
	}

	if c.Transcription.OverlapSeconds < 0 || c.Transcription.OverlapSeconds >= c.Transcription.ChunkSeconds {
		errs = append(errs, errors.New("transcription.overlap_seconds must be in [0, chunk_seconds)"))
	}
	if c.Embedding.ChunkOverlap < 0 || c.Embedding.ChunkOverlap >= c.Embedding.ChunkSize {
		errs = append(errs, errors.New("embedding.chunk_overlap must be in [0, chunk_size)"))
	}
	if c.Providers.Generation == "anthropic" && c.Providers.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("providers.generation is anthropic but no Anthropic API key is set (FOLIO_ANTHROPIC_API_KEY)"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	return errors.Join(errs...)
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append([]string{home}, fallback...)...)
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "folio")
}

// FilePath returns the config file location.
func FilePath() string {
	if p := os.Getenv("FOLIO_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "folio", "config.yaml")
}

// keychainReader reads from the macOS Keychain via the security CLI, or from
// the secrets file elsewhere.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
