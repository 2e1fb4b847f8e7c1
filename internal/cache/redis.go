// Package cache keeps query embeddings in Redis so repeated searches skip
// inference.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lensisku/lexiassist/internal/embedding"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultKeyPrefix = "lexiassist:emb:"

	dialTimeout = 5 * time.Second
	opTimeout   = 500 * time.Millisecond
)

// EmbeddingCache stores vectors keyed by model and text hash.
type EmbeddingCache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewEmbeddingCache connects to the Redis server at url, e.g.
// redis://localhost:6379/0, and verifies the connection.
func NewEmbeddingCache(ctx context.Context, url string, ttl time.Duration) (*EmbeddingCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewEmbeddingCacheWithClient(client, DefaultKeyPrefix, ttl), nil
}

// NewEmbeddingCacheWithClient wraps a pre-configured client.
func NewEmbeddingCacheWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *EmbeddingCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EmbeddingCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *EmbeddingCache) key(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.keyPrefix + model + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached vector, or nil when absent.
func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, error) {
	data, err := c.client.Get(ctx, c.key(model, text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return embedding.DecodeVector(data)
}

// Set stores vec with the cache TTL.
func (c *EmbeddingCache) Set(ctx context.Context, model, text string, vec []float32) error {
	return c.client.Set(ctx, c.key(model, text), embedding.EncodeVector(vec), c.ttl).Err()
}

// Close closes the Redis client.
func (c *EmbeddingCache) Close() error {
	return c.client.Close()
}

// CachedEmbedder serves single-text embeddings from the cache when possible.
// Redis failures are logged and the inner embedder is used instead.
type CachedEmbedder struct {
	inner  embedding.Embedder
	cache  *EmbeddingCache
	model  string
	logger *slog.Logger
}

// NewCachedEmbedder wraps inner. model scopes the keys so that vectors from a
// different encoder are never served.
func NewCachedEmbedder(inner embedding.Embedder, cache *EmbeddingCache, model string, logger *slog.Logger) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{inner: inner, cache: cache, model: model, logger: logger}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	getCtx, cancel := context.WithTimeout(ctx, opTimeout)
	vec, err := e.cache.Get(getCtx, e.model, text)
	cancel()
	if err != nil {
		e.logger.Warn("embedding cache read failed", "error", err)
	}
	if vec != nil {
		return vec, nil
	}

	vec, err = e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	setCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := e.cache.Set(setCtx, e.model, text, vec); err != nil {
		e.logger.Warn("embedding cache write failed", "error", err)
	}
	return vec, nil
}

// EmbedBatch bypasses the cache; batches come from the backfill worker,
// whose texts are not queried again.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.inner.EmbedBatch(ctx, texts)
}
