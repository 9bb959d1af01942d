package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/lock"
	"github.com/zhaofengli/attic/pkg/lock/redis"
)

func skipIfRedisNotAvailable(t *testing.T) {
	t.Helper()

	if os.Getenv("ATTIC_ENABLE_REDIS_TESTS") != "1" {
		t.Skip("redis tests disabled (set ATTIC_ENABLE_REDIS_TESTS=1 to enable)")
	}
}

func testConfig() redis.Config {
	addrs := []string{"localhost:6379"}
	if v := os.Getenv("ATTIC_TEST_REDIS_ADDRS"); v != "" {
		addrs = []string{v}
	}

	return redis.Config{Addrs: addrs, KeyPrefix: "test:attic:lock:"}
}

func testRetryConfig() lock.RetryConfig {
	return lock.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Jitter: true}
}

func TestLocker_BasicLockUnlock(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()

	locker, err := redis.NewLocker(ctx, testConfig(), testRetryConfig(), false)
	require.NoError(t, err)

	key := "basic-lock-" + t.Name()

	require.NoError(t, locker.Lock(ctx, key, 10*time.Second))
	require.NoError(t, locker.Unlock(ctx, key))
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	rc := testRetryConfig()

	locker1, err := redis.NewLocker(ctx, testConfig(), rc, false)
	require.NoError(t, err)

	locker2, err := redis.NewLocker(ctx, testConfig(), rc, false)
	require.NoError(t, err)

	key := "trylock-" + t.Name()

	acquired, err := locker1.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired2, err := locker2.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, locker1.Unlock(ctx, key))
}

func TestLocker_NoAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := redis.NewLocker(ctx, redis.Config{}, testRetryConfig(), false)
	assert.ErrorIs(t, err, redis.ErrNoRedisAddrs)
}

func TestLocker_DegradedMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := redis.Config{Addrs: []string{"localhost:1"}, KeyPrefix: "test:attic:lock:"}

	locker, err := redis.NewLocker(ctx, cfg, testRetryConfig(), true)
	require.NoError(t, err, "should fall back to local locks in degraded mode")

	key := "degraded-" + t.Name()

	require.NoError(t, locker.Lock(ctx, key, 5*time.Second))
	require.NoError(t, locker.Unlock(ctx, key))
}

func TestLocker_DegradedModeDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := redis.Config{Addrs: []string{"localhost:1"}, KeyPrefix: "test:attic:lock:"}

	_, err := redis.NewLocker(ctx, cfg, testRetryConfig(), false)
	require.Error(t, err)
}

func TestRWLocker_BasicReadWriteLock(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()

	locker, err := redis.NewRWLocker(ctx, testConfig(), testRetryConfig(), false)
	require.NoError(t, err)

	key := "rw-basic-" + t.Name()

	require.NoError(t, locker.RLock(ctx, key, 10*time.Second))
	require.NoError(t, locker.RUnlock(ctx, key))

	require.NoError(t, locker.Lock(ctx, key, 10*time.Second))
	require.NoError(t, locker.Unlock(ctx, key))
}
