package local_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/lock/local"
)

func TestLocker_BasicLockUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	require.NoError(t, locker.Lock(ctx, "test-key", 5*time.Second))
	require.NoError(t, locker.Unlock(ctx, "test-key"))
}

func TestLocker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	var (
		counter int64
		wg      sync.WaitGroup
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				require.NoError(t, locker.Lock(ctx, "counter", 5*time.Second))

				val := atomic.LoadInt64(&counter)
				atomic.StoreInt64(&counter, val+1)

				assert.NoError(t, locker.Unlock(ctx, "counter"))
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1000), atomic.LoadInt64(&counter))
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	acquired, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired2, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, locker.Unlock(ctx, "test-key"))

	acquired3, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired3)

	require.NoError(t, locker.Unlock(ctx, "test-key"))
}

func TestLocker_PerKeyLocking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	require.NoError(t, locker.Lock(ctx, "key1", time.Second))

	acquired, err := locker.TryLock(ctx, "key2", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "local lock should use per-key mutexes")

	acquired2, err := locker.TryLock(ctx, "key1", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2, "same key should be locked")

	require.NoError(t, locker.Unlock(ctx, "key1"))
	require.NoError(t, locker.Unlock(ctx, "key2"))
}

func TestLocker_UnlockUnknownKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	err := locker.Unlock(ctx, "never-locked")
	assert.ErrorIs(t, err, local.ErrUnlockUnknownKey)
}

func TestRWLocker_BasicReadWriteLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	require.NoError(t, locker.RLock(ctx, "test-key", 5*time.Second))
	require.NoError(t, locker.RUnlock(ctx, "test-key"))

	require.NoError(t, locker.Lock(ctx, "test-key", 5*time.Second))
	require.NoError(t, locker.Unlock(ctx, "test-key"))
}

func TestRWLocker_MultipleReaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	numReaders := 5

	var (
		wg            sync.WaitGroup
		barrier       sync.WaitGroup
		readersActive int64
	)

	barrier.Add(numReaders)

	for range numReaders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			require.NoError(t, locker.RLock(ctx, "test-key", 5*time.Second))
			atomic.AddInt64(&readersActive, 1)

			barrier.Done()
			barrier.Wait()

			assert.GreaterOrEqual(t, atomic.LoadInt64(&readersActive), int64(numReaders))

			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&readersActive, -1)

			assert.NoError(t, locker.RUnlock(ctx, "test-key"))
		}()
	}

	wg.Wait()
}

func TestRWLocker_WriterBlocksReaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	require.NoError(t, locker.Lock(ctx, "test-key", 5*time.Second))

	var writerHolding atomic.Int32
	writerHolding.Store(1)

	var readerAcquired atomic.Int32

	done := make(chan struct{})

	go func() {
		defer close(done)

		assert.NoError(t, locker.RLock(ctx, "test-key", 5*time.Second))
		assert.Equal(t, int32(0), writerHolding.Load())
		readerAcquired.Store(1)
		assert.NoError(t, locker.RUnlock(ctx, "test-key"))
	}()

	time.Sleep(20 * time.Millisecond)
	writerHolding.Store(0)
	require.NoError(t, locker.Unlock(ctx, "test-key"))

	<-done
	assert.Equal(t, int32(1), readerAcquired.Load())
}
