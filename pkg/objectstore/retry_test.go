package objectstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient failure")

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnPersistentError(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	errPersistent := errors.New("permission denied")

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(error) bool { return false }, func() error {
		attempts++

		return errPersistent
	})

	require.ErrorIs(t, err, errPersistent)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(error) bool { return true }, func() error {
		attempts++

		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
}
