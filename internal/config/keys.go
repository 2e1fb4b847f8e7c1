package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
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
		key: "server.port", typ: kInt, env: "LEXI_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "LEXI_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "assistant.api_key", typ: kString, env: "OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Assistant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.APIKey },
	},
	{
		key: "assistant.base_url", typ: kString, env: "OPENROUTER_API_BASE",
		apply:   func(cfg *Config, v any) { cfg.Assistant.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.BaseURL },
	},
	{
		key: "assistant.model", typ: kString, env: "LEXI_ASSISTANT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Assistant.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Assistant.Model },
	},
	{
		key: "assistant.retry_max_attempts", typ: kInt, env: "LEXI_ASSISTANT_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Assistant.RetryMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.RetryMaxAttempts },
	},
	{
		key: "assistant.retry_initial_backoff", typ: kDuration, env: "LEXI_ASSISTANT_RETRY_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Assistant.RetryInitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Assistant.RetryInitialBackoff },
	},
	{
		key: "embedding.disabled", typ: kBool, env: "LEXI_EMBEDDING_DISABLED",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Disabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embedding.Disabled },
	},
	{
		key: "embedding.repo", typ: kString, env: "LEXI_EMBEDDING_REPO",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Repo = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Repo },
	},
	{
		key: "embedding.model_file", typ: kString, env: "LEXI_EMBEDDING_MODEL_FILE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.ModelFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.ModelFile },
	},
	{
		key: "embedding.data_file", typ: kString, env: "LEXI_EMBEDDING_DATA_FILE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.DataFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.DataFile },
	},
	{
		key: "embedding.max_length", typ: kInt, env: "LEXI_EMBEDDING_MAX_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxLength },
	},
	{
		key: "embedding.cache_dir", typ: kString, env: "HF_HOME",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CacheDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.CacheDir },
	},
	{
		key: "embedding.endpoint", typ: kString, env: "HF_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Endpoint },
	},
	{
		key: "embedding.runtime_library", typ: kString, env: "ONNXRUNTIME_LIB",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RuntimeLibrary = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.RuntimeLibrary },
	},
	{
		key: "cache.redis_url", typ: kString, env: "LEXI_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "LEXI_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "LEXI_INGEST_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "LEXI_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEXI_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LEXI_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

// decode converts a value read from config.json. A JSON string is accepted
// for every type and parsed like an environment variable.
func (s keySpec) decode(raw json.RawMessage) (any, error) {
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return s.parse(str)
	}
	switch s.typ {
	case kInt:
		var n int
		err := json.Unmarshal(raw, &n)
		return n, err
	case kBool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case kDuration:
		return nil, fmt.Errorf("durations are written as strings like \"30s\", got %s", raw)
	default:
		return nil, fmt.Errorf("expected a string, got %s", raw)
	}
}

// applyBackend copies non-secret values from b into cfg. A malformed integer
// is an error; other malformed values are logged and the default is kept.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Lookup(s.key)
		if !ok || (string(raw) == `""` && s.typ != kString) {
			continue
		}
		v, err := s.decode(raw)
		if err != nil {
			if s.typ == kInt {
				return fmt.Errorf("config %s: %w", s.key, err)
			}
			slog.Warn("could not parse config value, using default", "key", s.key, "value", string(raw), "error", err)
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
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse environment variable, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
