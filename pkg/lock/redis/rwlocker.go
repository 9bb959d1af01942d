package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zhaofengli/attic/pkg/lock"
	"github.com/zhaofengli/attic/pkg/lock/local"
)

// RWLocker implements lock.RWLocker using Redis sets for readers and a
// single writer key.
type RWLocker struct {
	client            *redis.Client
	keyPrefix         string
	retryConfig       lock.RetryConfig
	allowDegradedMode bool

	readerIDMu sync.Mutex
	readerID   string

	fallbackLocker lock.RWLocker
	circuitBreaker *circuitBreaker
}

// NewRWLocker creates a new Redis-based read-write locker.
func NewRWLocker(ctx context.Context, cfg Config, retryCfg lock.RetryConfig, allowDegradedMode bool) (lock.RWLocker, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addrs[0],
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		if allowDegradedMode {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("redis unavailable, running in degraded mode with local locks")

			return local.NewRWLocker(), nil
		}

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "attic:lock:"
	}

	return &RWLocker{
		client:            client,
		keyPrefix:         cfg.KeyPrefix,
		retryConfig:       retryCfg,
		allowDegradedMode: allowDegradedMode,
		fallbackLocker:    local.NewRWLocker(),
		circuitBreaker:    newCircuitBreaker(5, time.Minute),
	}, nil
}

// Lock acquires an exclusive write lock, waiting for any active readers.
func (rw *RWLocker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if rw.circuitBreaker.isOpen() {
		if rw.allowDegradedMode {
			return rw.fallbackLocker.Lock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	writerKey := rw.keyPrefix + key + ":writer"
	readersKey := rw.keyPrefix + key + ":readers"

	success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
	if err != nil {
		return rw.handleConnErr(ctx, err, func() error { return rw.fallbackLocker.Lock(ctx, key, ttl) })
	}

	if !success {
		return ErrWriteLockHeld
	}

	deadline := time.Now().Add(ttl)

	for {
		count, err := rw.client.SCard(ctx, readersKey).Result()
		if err != nil {
			rw.client.Del(ctx, writerKey)

			return fmt.Errorf("error checking readers: %w", err)
		}

		if count == 0 {
			break
		}

		if time.Now().After(deadline) {
			rw.client.Del(ctx, writerKey)

			return ErrReadersTimeout
		}

		select {
		case <-ctx.Done():
			rw.client.Del(ctx, writerKey)

			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	rw.circuitBreaker.recordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)

	return nil
}

// Unlock releases an exclusive write lock.
func (rw *RWLocker) Unlock(ctx context.Context, key string) error {
	if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
		return rw.fallbackLocker.Unlock(ctx, key)
	}

	return rw.client.Del(ctx, rw.keyPrefix+key+":writer").Err()
}

// TryLock attempts to acquire an exclusive write lock without blocking.
func (rw *RWLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if rw.circuitBreaker.isOpen() {
		if rw.allowDegradedMode {
			return rw.fallbackLocker.TryLock(ctx, key, ttl)
		}

		return false, ErrCircuitBreakerOpen
	}

	writerKey := rw.keyPrefix + key + ":writer"
	readersKey := rw.keyPrefix + key + ":readers"

	success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
	if err != nil {
		if isConnectionError(err) {
			rw.circuitBreaker.recordFailure()

			if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
				return rw.fallbackLocker.TryLock(ctx, key, ttl)
			}
		}

		return false, fmt.Errorf("error trying write lock: %w", err)
	}

	if !success {
		return false, nil
	}

	count, err := rw.client.SCard(ctx, readersKey).Result()
	if err != nil {
		rw.client.Del(ctx, writerKey)

		return false, fmt.Errorf("error checking readers: %w", err)
	}

	if count > 0 {
		rw.client.Del(ctx, writerKey)

		return false, nil
	}

	rw.circuitBreaker.recordSuccess()

	return true, nil
}

// RLock acquires a shared read lock, waiting for any active writer.
func (rw *RWLocker) RLock(ctx context.Context, key string, ttl time.Duration) error {
	if rw.circuitBreaker.isOpen() {
		if rw.allowDegradedMode {
			return rw.fallbackLocker.RLock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	readersKey := rw.keyPrefix + key + ":readers"
	writerKey := rw.keyPrefix + key + ":writer"
	readerID := rw.getOrCreateReaderID()

	deadline := time.Now().Add(ttl)

	for {
		exists, err := rw.client.Exists(ctx, writerKey).Result()
		if err != nil {
			return rw.handleConnErr(ctx, err, func() error { return rw.fallbackLocker.RLock(ctx, key, ttl) })
		}

		if exists == 0 {
			break
		}

		if time.Now().After(deadline) {
			return ErrWriteLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	pipe := rw.client.Pipeline()
	pipe.SAdd(ctx, readersKey, readerID)
	pipe.Expire(ctx, readersKey, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error acquiring read lock: %w", err)
	}

	rw.circuitBreaker.recordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockResultSuccess)

	return nil
}

// RUnlock releases a shared read lock.
func (rw *RWLocker) RUnlock(ctx context.Context, key string) error {
	if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
		return rw.fallbackLocker.RUnlock(ctx, key)
	}

	return rw.client.SRem(ctx, rw.keyPrefix+key+":readers", rw.getOrCreateReaderID()).Err()
}

func (rw *RWLocker) getOrCreateReaderID() string {
	rw.readerIDMu.Lock()
	defer rw.readerIDMu.Unlock()

	if rw.readerID == "" {
		rw.readerID = generateReaderID()
	}

	return rw.readerID
}

func (rw *RWLocker) handleConnErr(ctx context.Context, err error, fallback func() error) error {
	if isConnectionError(err) {
		rw.circuitBreaker.recordFailure()

		if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
			return fallback()
		}
	}

	return fmt.Errorf("redis error: %w", err)
}
