// Package lock provides an abstraction layer for the mutual-exclusion
// primitives used to serialize garbage-collection sweeps (§4.7).
//
// This package supports both local (single-instance) and distributed
// (multi-instance) locking implementations through a common interface.
// Local locks use standard sync.Mutex and sync.RWMutex. Distributed locks
// use Redis with the Redlock algorithm.
package lock

import (
	"context"
	"time"
)

// Locker provides exclusive locking semantics.
//
// Implementations can be local (using sync.Mutex) or distributed (using
// Redis). The interface is designed to support key-based locking for
// distributed scenarios while allowing local implementations to ignore
// the key parameter's TTL.
type Locker interface {
	// Lock acquires an exclusive lock for the given key with the specified
	// TTL, blocking until it is acquired or ctx is canceled.
	//
	// For local implementations, the ttl parameter is ignored and the
	// method behaves like sync.Mutex.Lock().
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases an exclusive lock for the given key. It is safe to
	// call Unlock even if Lock failed, but it may return an error.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire an exclusive lock without blocking.
	//
	// Returns (true, nil) if the lock was acquired, (false, nil) if the
	// lock is held by someone else, or (false, error) on failure.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RWLocker provides read-write locking semantics.
//
// Multiple readers can hold the lock simultaneously, but writers have
// exclusive access.
type RWLocker interface {
	Locker

	// RLock acquires a shared read lock for the given key with the
	// specified TTL.
	RLock(ctx context.Context, key string, ttl time.Duration) error

	// RUnlock releases a shared read lock for the given key.
	RUnlock(ctx context.Context, key string) error
}

// RetryConfig configures retry behavior for distributed lock acquisition.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts.
	MaxAttempts int

	// InitialDelay is the initial retry delay.
	InitialDelay time.Duration

	// MaxDelay is the maximum retry delay (exponential backoff caps at this).
	MaxDelay time.Duration

	// Jitter enables adding random jitter to prevent thundering herd.
	Jitter bool
}
