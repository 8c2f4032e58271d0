package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// BackoffConfig bounds retries of idempotent chain reads.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  uint64
}

// DefaultBackoff returns 500ms, 1s, 2s, 4s (max 10s), five attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  5,
	}
}

// Backoff builds the go-retry backoff for c.
func (c BackoffConfig) Backoff() goretry.Backoff {
	b := goretry.NewExponential(c.InitialDelay)
	b = goretry.WithCappedDuration(c.MaxDelay, b)
	if c.MaxAttempts > 0 {
		b = goretry.WithMaxRetries(c.MaxAttempts-1, b)
	}
	return b
}

// Do runs fn until it succeeds, the attempts run out or ctx ends. Every error
// from fn is retried.
func Do(ctx context.Context, c BackoffConfig, fn func(ctx context.Context) error) error {
	return goretry.Do(ctx, c.Backoff(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return goretry.RetryableError(err)
		}
		return nil
	})
}
