package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/lensisku/lexiassist/internal/assistant"
	"github.com/lensisku/lexiassist/internal/cache"
	"github.com/lensisku/lexiassist/internal/config"
	"github.com/lensisku/lexiassist/internal/embedding"
	"github.com/lensisku/lexiassist/internal/embedding/onnx"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/proxy"
	"github.com/lensisku/lexiassist/internal/retrieval"
	"github.com/lensisku/lexiassist/internal/storage"
)

// components are the long-lived collaborators shared by serve, mcp and import.
type components struct {
	store     *storage.Store
	engine    *embedding.Engine // nil when embeddings are disabled
	embedder  embedding.Embedder
	cache     *cache.EmbeddingCache // nil when no Redis URL is configured
	tool      *lexicon.Tool
	proxy     *proxy.Client
	assistant *assistant.Service
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func newEmbeddingEngine(cfg config.EmbeddingConfig, logger *slog.Logger) *embedding.Engine {
	source := &embedding.HubSource{
		Repo:     cfg.Repo,
		Revision: embedding.DefaultRevision,
		Endpoint: cfg.Endpoint,
		CacheDir: cfg.HubCacheDir(),
		Token:    os.Getenv("HF_TOKEN"),
		Client:   &http.Client{},
		Logger:   logger,
	}
	loader := onnx.NewLoader(onnx.Config{
		ModelFile:      cfg.ModelFile,
		DataFile:       cfg.DataFile,
		MaxLength:      cfg.MaxLength,
		RuntimeLibrary: cfg.RuntimeLibrary,
	}, source, logger)
	return embedding.NewEngine(loader, logger)
}

func newProxyClient(cfg config.AssistantConfig, logger *slog.Logger) *proxy.Client {
	return proxy.NewClientWithBaseURL(cfg.APIKey, cfg.BaseURL,
		proxy.WithRetryPolicy(proxy.RetryPolicy{
			MaxAttempts:    uint(max(cfg.RetryMaxAttempts, 1)),
			InitialBackoff: cfg.RetryInitialBackoff,
			Multiplier:     2,
		}),
		proxy.WithLogger(logger),
	)
}

// buildComponents opens storage and assembles the search and chat stack. The
// embedding model is not loaded here; the engine loads it on first use.
func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	c := &components{store: store}

	if cfg.Embedding.Disabled {
		logger.Warn("local embeddings disabled; semantic search will fail")
		c.embedder = embedding.Disabled{}
	} else {
		c.engine = newEmbeddingEngine(cfg.Embedding, logger)
		c.embedder = c.engine
	}

	if cfg.Cache.RedisURL != "" && !cfg.Embedding.Disabled {
		ec, err := cache.NewEmbeddingCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			logger.Warn("embedding cache unavailable, continuing without it", "error", err)
		} else {
			c.cache = ec
			c.embedder = cache.NewCachedEmbedder(c.embedder, ec, cfg.Embedding.Repo+"/"+cfg.Embedding.ModelFile, logger)
			logger.Info("embedding cache enabled", "ttl", cfg.Cache.TTL)
		}
	}

	searcher := retrieval.NewSQLiteSearcher(store.DB(), logger)
	c.tool = lexicon.NewTool(c.embedder, searcher, logger)
	c.proxy = newProxyClient(cfg.Assistant, logger)
	c.assistant = assistant.NewService(c.proxy, c.tool, cfg.Assistant.Model, logger)

	return c, nil
}

func (c *components) Close() {
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			slog.Warn("closing embedding engine", "error", err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			slog.Warn("closing embedding cache", "error", err)
		}
	}
	if err := c.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}
