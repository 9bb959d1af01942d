package objectstore

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds the exponential backoff applied to transient object
// store errors (spec §4.2).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig is used when a backend is constructed without an
// explicit RetryConfig.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  5,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// WithRetry runs fn up to cfg.MaxAttempts times, backing off exponentially
// between attempts, stopping early if isTransient returns false for the
// returned error (a persistent error propagates immediately).
func WithRetry(ctx context.Context, cfg RetryConfig, isTransient func(error) bool, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig
	}

	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isTransient(err) {
			return err
		}
	}

	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	delay += rand.Float64() * delay * 0.1 //nolint:gosec

	return time.Duration(delay)
}
