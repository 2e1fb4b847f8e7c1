// Package ingest computes embeddings for definitions that do not have one yet.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lensisku/lexiassist/internal/apperr"
	"github.com/lensisku/lexiassist/internal/embedding"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/storage"
)

// DefinitionStore abstracts the definition table operations the worker needs.
type DefinitionStore interface {
	ListUnembedded(ctx context.Context, limit int) ([]storage.Definition, error)
	SetEmbedding(ctx context.Context, id int64, vec []float32) error
	MarkEmbedFailed(ctx context.Context, id int64, reason string) error
}

// BatchEmbedder generates embeddings for several texts in one pass.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

const defaultBatchSize = 16

// Worker backfills embeddings in batches.
type Worker struct {
	store     DefinitionStore
	embedder  BatchEmbedder
	batchSize int
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If batchSize is <= 0 it defaults to 16; if pollInterval is <= 0, to 5s.
func NewWorker(store DefinitionStore, embedder BatchEmbedder, batchSize int, pollInterval time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:     store,
		embedder:  embedder,
		batchSize: batchSize,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run processes batches until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise the worker sleeps for the poll interval.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, attempted, err := w.runBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("embedding backfill failed", "error", err)
		}
		if err == nil && attempted == w.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce embeds one batch of definitions and returns how many were stored.
// Rows the embedder rejects are marked failed and skipped.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	stored, _, err := w.runBatch(ctx)
	return stored, err
}

// Drain runs batches until no definition is left to attempt.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		stored, attempted, err := w.runBatch(ctx)
		total += stored
		if err != nil {
			return total, err
		}
		if attempted == 0 {
			return total, nil
		}
	}
}

// runBatch returns the number of embeddings stored and the number of rows
// taken from the store.
func (w *Worker) runBatch(ctx context.Context) (int, int, error) {
	defs, err := w.store.ListUnembedded(ctx, w.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("listing unembedded definitions: %w", err)
	}
	if len(defs) == 0 {
		return 0, 0, nil
	}

	texts := make([]string, len(defs))
	for i, d := range defs {
		texts[i] = EmbeddingText(d)
	}

	start := time.Now()
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if !rowLevelFailure(ctx, err) {
			return 0, len(defs), fmt.Errorf("embedding batch of %d: %w", len(defs), err)
		}
		w.logger.Warn("batch embedding failed, retrying rows one by one", "count", len(defs), "error", err)
		stored, err := w.embedEach(ctx, defs, texts)
		return stored, len(defs), err
	}
	if len(vecs) != len(defs) {
		return 0, len(defs), fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(defs))
	}

	for i, d := range defs {
		if err := w.store.SetEmbedding(ctx, d.ID, vecs[i]); err != nil {
			return i, len(defs), fmt.Errorf("storing embedding for %d: %w", d.ID, err)
		}
	}

	w.logger.Info("embedded definitions", "count", len(defs), "duration", time.Since(start))
	return len(defs), len(defs), nil
}

// embedEach embeds defs one at a time, marking each row the embedder rejects.
func (w *Worker) embedEach(ctx context.Context, defs []storage.Definition, texts []string) (int, error) {
	stored := 0
	for i, d := range defs {
		vecs, err := w.embedder.EmbedBatch(ctx, texts[i:i+1])
		if err == nil && len(vecs) != 1 {
			err = fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs))
		}
		if err != nil {
			if !rowLevelFailure(ctx, err) {
				return stored, fmt.Errorf("embedding definition %d: %w", d.ID, err)
			}
			w.logger.Warn("skipping definition that cannot be embedded", "id", d.ID, "word", d.Word, "error", err)
			if err := w.store.MarkEmbedFailed(ctx, d.ID, err.Error()); err != nil {
				return stored, fmt.Errorf("marking definition %d failed: %w", d.ID, err)
			}
			continue
		}
		if err := w.store.SetEmbedding(ctx, d.ID, vecs[0]); err != nil {
			return stored, fmt.Errorf("storing embedding for %d: %w", d.ID, err)
		}
		stored++
	}
	return stored, nil
}

// rowLevelFailure reports whether err may be caused by the input texts rather
// than by the embedder as a whole.
func rowLevelFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, embedding.ErrDisabled) || errors.Is(err, embedding.ErrClosed) {
		return false
	}
	return apperr.KindOf(err) != apperr.KindModelLoad
}

// EmbeddingText is the text indexed for a definition: the word followed by
// its markup-free definition.
func EmbeddingText(d storage.Definition) string {
	return d.Word + ": " + lexicon.StripMarkup(d.Text)
}
