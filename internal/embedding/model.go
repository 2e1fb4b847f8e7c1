// Package embedding runs a text encoder in-process and turns texts into
// mean-pooled, L2-normalized vectors for semantic search.
package embedding

import (
	"context"
	"fmt"
)

// DefaultMaxLength is the encoder's context window when the tokenizer does not
// declare a smaller one.
const DefaultMaxLength = 2048

// Tokenizer converts text into token ids, special tokens included. Padding and
// truncation are applied by the Engine.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// Session executes one forward pass over a padded batch. ids and mask are
// row-major [batch, seqLen]. It returns the last hidden state flattened as
// [batch, seqLen, dim] along with its shape.
type Session interface {
	Run(ids, mask []int64, batch, seqLen int) (hidden []float32, shape []int64, err error)
	Close() error
}

// Model is a loaded tokenizer and inference session.
type Model struct {
	Tokenizer Tokenizer
	Session   Session
	// MaxLength is the truncation length in tokens.
	MaxLength int
	PadID     int64
	// Dimension is the width of the hidden state and of every output vector.
	Dimension int

	// EndsWithSpecial is set when the tokenizer closes every encoding with a
	// special token such as EOS. Truncation keeps that token.
	EndsWithSpecial bool
}

func (m *Model) validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("loader returned no model")
	case m.Tokenizer == nil:
		return fmt.Errorf("model has no tokenizer")
	case m.Session == nil:
		return fmt.Errorf("model has no inference session")
	case m.MaxLength <= 0:
		return fmt.Errorf("invalid max length %d", m.MaxLength)
	case m.Dimension <= 0:
		return fmt.Errorf("invalid dimension %d", m.Dimension)
	}
	return nil
}

// Loader produces a Model, fetching artifacts as needed.
type Loader interface {
	Load(ctx context.Context) (*Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (*Model, error)

func (f LoaderFunc) Load(ctx context.Context) (*Model, error) {
	return f(ctx)
}
