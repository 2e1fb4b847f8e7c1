package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lensisku/lexiassist/internal/apperr"
)

// Embedder is the interface consumed by the search tool, the cache and the
// backfill worker.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine owns the process-wide model. It is created once at startup and
// shared by every request. Loading happens on first use; a failed load is not
// remembered, so the next caller tries again.
type Engine struct {
	loader Loader
	logger *slog.Logger

	group singleflight.Group
	model atomic.Pointer[Model]

	// runMu serializes forward passes against the shared session.
	runMu sync.Mutex
}

// NewEngine creates an Engine that loads its model through loader.
func NewEngine(loader Loader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{loader: loader, logger: logger}
}

// Initialize loads the model if it is not loaded yet. Concurrent callers share
// one attempt. A caller whose ctx ends stops waiting but the attempt continues
// for the others.
func (e *Engine) Initialize(ctx context.Context) error {
	_, err := e.ensure(ctx)
	return err
}

// Dimension returns the vector width of the loaded model, or 0 before the
// first successful load.
func (e *Engine) Dimension() int {
	if m := e.model.Load(); m != nil {
		return m.Dimension
	}
	return 0
}

// Ready reports whether a model is loaded.
func (e *Engine) Ready() bool {
	return e.model.Load() != nil
}

func (e *Engine) ensure(ctx context.Context) (*Model, error) {
	if m := e.model.Load(); m != nil {
		return m, nil
	}

	ch := e.group.DoChan("load", func() (any, error) {
		if m := e.model.Load(); m != nil {
			return m, nil
		}
		start := time.Now()
		m, err := e.loader.Load(context.WithoutCancel(ctx))
		if err != nil {
			e.logger.Warn("embedding model load failed", "error", err)
			if apperr.KindOf(err) == apperr.KindModelLoad {
				return nil, err
			}
			return nil, apperr.New(apperr.KindModelLoad, "loading embedding model", err)
		}
		if err := m.validate(); err != nil {
			if m != nil && m.Session != nil {
				_ = m.Session.Close()
			}
			return nil, apperr.New(apperr.KindModelLoad, "validating embedding model", err)
		}
		e.model.Store(m)
		e.logger.Info("embedding model loaded",
			"dimension", m.Dimension,
			"max_length", m.MaxLength,
			"duration", time.Since(start),
		)
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Model), nil
	}
}

// Embed returns the vector for a single text.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type batchResult struct {
	vecs [][]float32
	err  error
}

// EmbedBatch returns one unit-length vector per text, in input order. The
// forward pass runs on its own goroutine; ctx cancellation releases the
// caller but not the running pass.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	m, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan batchResult, 1)
	go func() {
		var res batchResult
		defer func() {
			if r := recover(); r != nil {
				res = batchResult{err: apperr.New(apperr.KindInference, "inference panicked", fmt.Errorf("%v", r))}
			}
			done <- res
		}()
		e.runMu.Lock()
		defer e.runMu.Unlock()
		if e.model.Load() != m {
			res.err = apperr.New(apperr.KindInference, "embedding model was closed", ErrClosed)
			return
		}
		res.vecs, res.err = e.infer(m, texts)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.vecs, res.err
	}
}

func (e *Engine) infer(m *Model, texts []string) ([][]float32, error) {
	batch := len(texts)
	tokens := make([][]int64, batch)
	seqLen := 0
	for i, text := range texts {
		ids, err := m.Tokenizer.Encode(text)
		if err != nil {
			return nil, apperr.New(apperr.KindInference, fmt.Sprintf("tokenizing input %d", i), err)
		}
		if len(ids) == 0 {
			return nil, apperr.New(apperr.KindInference, fmt.Sprintf("input %d produced no tokens", i), nil)
		}
		if len(ids) > m.MaxLength {
			ids = truncate(ids, m.MaxLength, m.EndsWithSpecial)
		}
		tokens[i] = ids
		seqLen = max(seqLen, len(ids))
	}

	ids, mask := padBatch(tokens, seqLen, m.PadID)

	start := time.Now()
	hidden, shape, err := m.Session.Run(ids, mask, batch, seqLen)
	if err != nil {
		return nil, apperr.New(apperr.KindInference, "running forward pass", err)
	}
	if err := checkShape(shape, len(hidden), batch, seqLen, m.Dimension); err != nil {
		return nil, apperr.New(apperr.KindInference, "unexpected output shape", err)
	}

	dim := m.Dimension
	stride := seqLen * dim
	out := make([][]float32, batch)
	for i := range out {
		v := MeanPool(hidden[i*stride:(i+1)*stride], mask[i*seqLen:(i+1)*seqLen], seqLen, dim)
		out[i] = L2Normalize(v)
	}

	e.logger.Debug("embedded batch", "size", batch, "seq_len", seqLen, "duration", time.Since(start))
	return out, nil
}

// truncate cuts ids to n tokens. With keepLast the final id survives the cut.
func truncate(ids []int64, n int, keepLast bool) []int64 {
	if !keepLast || n < 2 {
		return ids[:n]
	}
	last := ids[len(ids)-1]
	return append(ids[:n-1], last)
}

// padBatch right-pads every sequence to seqLen and builds the attention mask.
func padBatch(tokens [][]int64, seqLen int, padID int64) (ids, mask []int64) {
	ids = make([]int64, len(tokens)*seqLen)
	mask = make([]int64, len(tokens)*seqLen)
	for i, seq := range tokens {
		row := i * seqLen
		for j := 0; j < seqLen; j++ {
			if j < len(seq) {
				ids[row+j] = seq[j]
				mask[row+j] = 1
			} else {
				ids[row+j] = padID
			}
		}
	}
	return ids, mask
}

func checkShape(shape []int64, n, batch, seqLen, dim int) error {
	if len(shape) != 3 {
		return fmt.Errorf("got rank %d, want 3", len(shape))
	}
	if shape[0] != int64(batch) || shape[1] != int64(seqLen) || shape[2] != int64(dim) {
		return fmt.Errorf("got %v, want [%d %d %d]", shape, batch, seqLen, dim)
	}
	if n != batch*seqLen*dim {
		return fmt.Errorf("got %d values for shape %v", n, shape)
	}
	return nil
}

// Close releases the inference session. The Engine may load again afterwards.
func (e *Engine) Close() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	m := e.model.Swap(nil)
	if m == nil {
		return nil
	}
	return m.Session.Close()
}

// ErrClosed is returned to callers whose batch was queued behind Close.
var ErrClosed = errors.New("embedding model closed")

// ErrDisabled is returned by Disabled for every call.
var ErrDisabled = errors.New("local embeddings are disabled (embedding.disabled)")

// Disabled is the Embedder used when local embedding computation is turned off.
type Disabled struct{}

func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, apperr.New(apperr.KindInference, "embedding unavailable", ErrDisabled)
}

func (Disabled) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, apperr.New(apperr.KindInference, "embedding unavailable", ErrDisabled)
}
