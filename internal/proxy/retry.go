package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lensisku/lexiassist/internal/apperr"
)

// RetryPolicy bounds how a chat completion call is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts uint
	// InitialBackoff is the wait before the second attempt. Each following
	// wait is multiplied by Multiplier.
	InitialBackoff time.Duration
	Multiplier     float64
	// Retryable classifies a failed attempt. Defaults to apperr.IsRetryable.
	Retryable func(error) bool
	// OnRetry, when set, is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryPolicy allows three attempts with waits of 500ms and 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Retryable == nil {
		p.Retryable = apperr.IsRetryable
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.InitialBackoff << p.MaxAttempts
	b.Reset()
	return b
}

// retry runs op under policy p. Errors the policy does not classify as
// retryable are returned at once; otherwise the last error is returned when
// attempts run out.
func retry[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, op func(attempt uint) (T, error)) (T, error) {
	p = p.withDefaults()
	var attempt uint
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(attempt)
		if err != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("chat completion failed, retrying",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"wait", wait,
				"error", err,
			)
			if p.OnRetry != nil {
				p.OnRetry(err, wait)
			}
		}),
	)
	// A permanent error on the final attempt comes back still wrapped.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
