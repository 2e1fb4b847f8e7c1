package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	value string
	err   error
}

func (m mockSecrets) Secret(string) (string, error) {
	return m.value, m.err
}

var noSecrets = mockSecrets{err: ErrSecretNotFound}

// clearEnv blanks every variable the key table reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Assistant.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("Assistant.BaseURL = %q", cfg.Assistant.BaseURL)
	}
	if cfg.Assistant.Model != "openrouter/free" {
		t.Errorf("Assistant.Model = %q", cfg.Assistant.Model)
	}
	if cfg.Assistant.RetryMaxAttempts != 3 || cfg.Assistant.RetryInitialBackoff != 500*time.Millisecond {
		t.Errorf("retry = %d, %v; want 3, 500ms", cfg.Assistant.RetryMaxAttempts, cfg.Assistant.RetryInitialBackoff)
	}
	if cfg.Embedding.Repo != "onnx-community/embeddinggemma-300m-ONNX" {
		t.Errorf("Embedding.Repo = %q", cfg.Embedding.Repo)
	}
	if cfg.Embedding.MaxLength != 2048 {
		t.Errorf("Embedding.MaxLength = %d", cfg.Embedding.MaxLength)
	}
	if cfg.Embedding.Disabled {
		t.Error("Embedding.Disabled = true, want false")
	}
	if cfg.Cache.RedisURL != "" || cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Ingest.BatchSize != 16 || cfg.Ingest.PollInterval != 5*time.Second {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Assistant.APIKey != "" {
		t.Errorf("Assistant.APIKey = %q, want empty", cfg.Assistant.APIKey)
	}
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server": {"port": 9000},
  "assistant": {"model": "openai/gpt-4o-mini", "retry_initial_backoff": "250ms"},
  "embedding": {"disabled": true, "max_length": "512"},
  "cache": {"ttl": "1h"},
  "storage": {"data_dir": "/tmp/lexi-test"}
}`)

	cfg, err := loadWith(b, noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Assistant.Model != "openai/gpt-4o-mini" {
		t.Errorf("Assistant.Model = %q", cfg.Assistant.Model)
	}
	if cfg.Assistant.RetryInitialBackoff != 250*time.Millisecond {
		t.Errorf("RetryInitialBackoff = %v", cfg.Assistant.RetryInitialBackoff)
	}
	if !cfg.Embedding.Disabled {
		t.Error("Embedding.Disabled = false, want true")
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Storage.DataDir != "/tmp/lexi-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Embedding.MaxLength != 512 {
		t.Errorf("Embedding.MaxLength = %d, want 512 from string", cfg.Embedding.MaxLength)
	}
}

func TestInvalidFileValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{"cache": {"ttl": "soon", "redis_url": 6379}}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("Cache.TTL = %v, want default", cfg.Cache.TTL)
	}
	if cfg.Cache.RedisURL != "" {
		t.Errorf("Cache.RedisURL = %q, want default", cfg.Cache.RedisURL)
	}
}

func TestMalformedFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{"server": `), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestInvalidIntIsError(t *testing.T) {
	clearEnv(t)
	if _, err := loadWith(writeTempConfig(t, `{"server": {"port": 1.5}}`), noSecrets); err == nil {
		t.Fatal("expected error for fractional port")
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server": {"port": 9000}, "assistant": {"base_url": "http://file"}}`)

	t.Setenv("LEXI_SERVER_PORT", "9100")
	t.Setenv("OPENROUTER_API_BASE", "http://env")
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	t.Setenv("HF_HOME", "/models")
	t.Setenv("LEXI_INGEST_POLL_INTERVAL", "30s")
	t.Setenv("LEXI_EMBEDDING_MAX_LENGTH", "not-a-number")

	cfg, err := loadWith(b, mockSecrets{value: "file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Assistant.BaseURL != "http://env" {
		t.Errorf("Assistant.BaseURL = %q", cfg.Assistant.BaseURL)
	}
	if cfg.Assistant.APIKey != "env-key" {
		t.Errorf("Assistant.APIKey = %q, want env-key", cfg.Assistant.APIKey)
	}
	if got := cfg.Embedding.HubCacheDir(); got != filepath.Join("/models", "hub") {
		t.Errorf("HubCacheDir = %q", got)
	}
	if cfg.Ingest.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v", cfg.Ingest.PollInterval)
	}
	if cfg.Embedding.MaxLength != 2048 {
		t.Errorf("MaxLength = %d, want default after bad env value", cfg.Embedding.MaxLength)
	}
}

func TestSecretsFallback(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{value: "stored-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Assistant.APIKey != "stored-secret" {
		t.Errorf("APIKey = %q, want stored-secret", cfg.Assistant.APIKey)
	}
}

func TestSecretsNotReadFromConfigFile(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"assistant": {"api_key": "leaked"}, "server": {"api_token": "leaked"}}`)
	cfg, err := loadWith(b, noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Assistant.APIKey != "" || cfg.Server.APIToken != "" {
		t.Errorf("secrets loaded from config file: %+v %+v", cfg.Assistant, cfg.Server)
	}
}

func TestFileSecrets(t *testing.T) {
	s := fileSecrets{path: filepath.Join(t.TempDir(), "nested", "secrets.json")}
	if _, err := s.Secret(apiKeySecret); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Secret before Store = %v, want ErrSecretNotFound", err)
	}
	if err := s.Store(apiKeySecret, "sk-or-1"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store("other", "x"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Secret(apiKeySecret)
	if err != nil || got != "sk-or-1" {
		t.Errorf("Secret = %q, %v", got, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileSecrets_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := fileSecrets{path: path}.Secret(apiKeySecret)
	if err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Secret on corrupt file = %v, want parse error", err)
	}

	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), fileSecrets{path: path})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Assistant.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.Assistant.APIKey)
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "server.port", "9300"); err != nil {
		t.Fatalf("setKey port: %v", err)
	}
	if err := setKey(b, "cache.ttl", "2h"); err != nil {
		t.Fatalf("setKey ttl: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path), noSecrets)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 9300 || cfg.Cache.TTL != 2*time.Hour {
		t.Errorf("reloaded port=%d ttl=%v", cfg.Server.Port, cfg.Cache.TTL)
	}

	tests := []struct {
		key, value, want string
	}{
		{"server.port", "abc", "invalid value"},
		{"embedding.disabled", "maybe", "invalid value"},
		{"assistant.api_key", "sk", "cannot set secret"},
		{"nope.key", "x", "unknown config key"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%q, %q) = %v, want error containing %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestSetKey_FileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := setKey(newFileBackend(path), "cache.ttl", "90m"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(newFileBackend(path), "embedding.disabled", "true"); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("config file is not sectioned JSON: %v\n%s", err, raw)
	}
	if got["cache"]["ttl"] != "90m" {
		t.Errorf("cache.ttl stored as %v, want \"90m\"", got["cache"]["ttl"])
	}
	if got["embedding"]["disabled"] != true {
		t.Errorf("embedding.disabled stored as %v, want true", got["embedding"]["disabled"])
	}
}

func TestSetKey_StaleBackendKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	first := newFileBackend(path)
	second := newFileBackend(path)

	if err := setKey(first, "server.port", "9001"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(second, "log.level", "debug"); err != nil {
		t.Fatal(err)
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(path), noSecrets)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9001 || cfg.Log.Level != "debug" {
		t.Errorf("port=%d level=%q, want both writes kept", cfg.Server.Port, cfg.Log.Level)
	}
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	if err := setKey(b, "server.port", "9400"); err != nil {
		t.Fatal(err)
	}
	if err := unsetKey(b, "server.port"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	if _, ok := b.Lookup("server.port"); ok {
		t.Error("server.port still present after unset")
	}

	cfg, err := loadWith(newFileBackend(path), noSecrets)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}

	if err := unsetKey(b, "nope.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Assistant.APIKey = "sk-secret"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "assistant.api_key" || ki.Key == "server.api_token" {
			t.Errorf("ShowAll exposed secret key %s", ki.Key)
		}
		if ki.Value == "sk-secret" {
			t.Errorf("ShowAll exposed secret value under %s", ki.Key)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Error("ValidKeys and ShowAll disagree")
	}
}
