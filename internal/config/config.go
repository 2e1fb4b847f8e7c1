package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Assistant AssistantConfig
	Embedding EmbeddingConfig
	Cache     CacheConfig
	Ingest    IngestConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type AssistantConfig struct {
	APIKey              string
	BaseURL             string
	Model               string
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
}

type EmbeddingConfig struct {
	Disabled       bool
	Repo           string
	ModelFile      string
	DataFile       string
	MaxLength      int
	CacheDir       string
	Endpoint       string
	RuntimeLibrary string
}

// HubCacheDir is the directory holding downloaded model repositories.
func (c EmbeddingConfig) HubCacheDir() string {
	return filepath.Join(c.CacheDir, "hub")
}

type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
}

type IngestConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Assistant: AssistantConfig{
			BaseURL:             "https://openrouter.ai/api/v1",
			Model:               "openrouter/free",
			RetryMaxAttempts:    3,
			RetryInitialBackoff: 500 * time.Millisecond,
		},
		Embedding: EmbeddingConfig{
			Repo:      "onnx-community/embeddinggemma-300m-ONNX",
			ModelFile: "onnx/model_q4.onnx",
			DataFile:  "onnx/model_q4.onnx_data",
			MaxLength: 2048,
			CacheDir:  defaultHFHome(),
			Endpoint:  "https://huggingface.co",
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Ingest: IngestConfig{
			BatchSize:    16,
			PollInterval: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultHFHome() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "huggingface")
	}
	return filepath.Join(os.TempDir(), "huggingface")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/lexiassist/config.json, then applies environment
// overrides (LEXI_*, OPENROUTER_*, HF_*, ONNXRUNTIME_LIB).
//
// The OpenRouter API key may also come from
// $XDG_DATA_HOME/lexiassist/secrets.json. A missing key is not an error here;
// completions fail at request time instead.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), fileSecrets{path: secretsFilePath()})
}

type secretStore interface {
	Secret(name string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Assistant.APIKey == "" {
		key, err := secrets.Secret(apiKeySecret)
		switch {
		case err == nil:
			cfg.Assistant.APIKey = key
		case !errors.Is(err, ErrSecretNotFound):
			slog.Warn("could not read stored API key", "error", err)
		}
	}

	return cfg, nil
}
