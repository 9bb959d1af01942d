package gc_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/chunker"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/gc"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore"
	"github.com/zhaofengli/attic/pkg/objectstore/local"
	"github.com/zhaofengli/attic/pkg/upload"
)

// failingDeleteStore wraps an objectstore.Store and forces Delete to
// fail for a chosen set of keys, to exercise the GC's retry-on-failure
// path without relying on filesystem permission quirks.
type failingDeleteStore struct {
	objectstore.Store

	failKeys map[string]bool
}

func (s *failingDeleteStore) Delete(ctx context.Context, key string) error {
	if s.failKeys[key] {
		return errors.New("simulated object-store outage")
	}

	return s.Store.Delete(ctx, key)
}

type harness struct {
	store    *database.Store
	objStore *local.Store
	uploader *upload.Pipeline
	cache    *database.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()

	store, err := database.Open(context.Background(), "sqlite:"+filepath.Join(dir, "attic.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objStore, err := local.New(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	chr, err := chunker.New(chunker.Config{MinSize: 1024, AvgSize: 2048, MaxSize: 4096, Threshold: 0})
	require.NoError(t, err)

	uploader := upload.New(store, objStore, chr, upload.Config{
		ReservationTTL: time.Minute,
		ElsewhereWait:  50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Compression:    nar.CompressionTypeZstd,
	})

	cache, err := store.CreateCache(context.Background(), database.CreateCacheParams{
		Name: "c1", SigningSecret: []byte("s"), StoreDir: "/var/lib/attic/c1",
	})
	require.NoError(t, err)

	return &harness{store: store, objStore: objStore, uploader: uploader, cache: cache}
}

func hashAndSize(data []byte) (string, int64) {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), int64(len(data))
}

func (h *harness) upload(t *testing.T, storePathHash string, payload []byte) *upload.Result {
	t.Helper()

	hash, size := hashAndSize(payload)

	result, err := h.uploader.UploadNar(context.Background(), upload.Claim{
		CacheID:         h.cache.ID,
		ExpectedNarHash: hash,
		ExpectedNarSize: size,
		StorePathHash:   storePathHash,
		StorePathName:   storePathHash + "-pkg",
	}, bytes.NewReader(payload))
	require.NoError(t, err)

	return result
}

func TestRunOnce_ExpiresStalePaths(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.upload(t, "abc123", []byte("payload for expiry test"))

	retention := time.Second
	err := h.store.ConfigureCache(context.Background(), h.cache.ID, database.ConfigureCacheParams{
		RetentionPeriod: &retention,
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: time.Hour, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.ExpiredPaths)

	_, err = h.store.GetPath(context.Background(), h.cache.ID, "abc123")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRunOnce_NoExpiryWhenRetentionUnset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.upload(t, "abc123", []byte("payload kept forever"))

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: time.Hour, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredPaths)

	_, err = h.store.GetPath(context.Background(), h.cache.ID, "abc123")
	assert.NoError(t, err)
}

func TestRunOnce_CollectsOrphanNarAfterPathExpiry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.upload(t, "abc123", []byte("orphaned nar payload"))

	retention := time.Second
	err := h.store.ConfigureCache(context.Background(), h.cache.ID, database.ConfigureCacheParams{
		RetentionPeriod: &retention,
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: 0, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.ExpiredPaths)
	assert.Equal(t, 1, report.OrphanNars)

	_, err = h.store.GetNar(context.Background(), result.NarID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRunOnce_RespectsGraceWindowForOrphanNars(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.upload(t, "abc123", []byte("payload still within grace"))

	retention := time.Second
	err := h.store.ConfigureCache(context.Background(), h.cache.ID, database.ConfigureCacheParams{
		RetentionPeriod: &retention,
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: time.Hour, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.ExpiredPaths)
	assert.Zero(t, report.OrphanNars)

	_, err = h.store.GetNar(context.Background(), result.NarID)
	assert.NoError(t, err)
}

func TestRunOnce_CollectsOrphanChunksAfterNarDeletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.upload(t, "abc123", []byte("payload producing one orphan chunk"))

	refs, err := h.store.ListChunkRefs(context.Background(), result.NarID)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	chunk, err := h.store.GetChunk(context.Background(), refs[0].ChunkID)
	require.NoError(t, err)

	require.NoError(t, h.store.DeleteNar(context.Background(), result.NarID))

	time.Sleep(20 * time.Millisecond)

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: 10 * time.Millisecond, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanChunks)
	assert.Zero(t, report.RetainedChunk)

	_, err = h.store.GetChunk(context.Background(), refs[0].ChunkID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = h.objStore.Get(context.Background(), chunk.StorageKey)
	assert.Error(t, err)
}

func TestRunOnce_RetainsChunkRowWhenObjectStoreDeleteFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.upload(t, "abc123", []byte("payload whose blob cannot be unlinked"))

	refs, err := h.store.ListChunkRefs(context.Background(), result.NarID)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	chunk, err := h.store.GetChunk(context.Background(), refs[0].ChunkID)
	require.NoError(t, err)

	require.NoError(t, h.store.DeleteNar(context.Background(), result.NarID))

	time.Sleep(20 * time.Millisecond)

	failing := &failingDeleteStore{Store: h.objStore, failKeys: map[string]bool{chunk.StorageKey: true}}
	c := gc.New(h.store, failing, gc.Config{GraceWindow: 10 * time.Millisecond, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.OrphanChunks)
	assert.Equal(t, 1, report.RetainedChunk)

	_, err = h.store.GetChunk(context.Background(), refs[0].ChunkID)
	assert.NoError(t, err, "chunk row should be retained for retry since the blob delete failed")
}

func TestRunOnce_PendingNarSurvivesSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	// A NarObject that never completes (an upload still in flight, or
	// one that was abandoned mid-stream) must never be swept, no
	// matter how old it is: only completed, unreferenced NarObjects
	// are orphans (spec §4.7 phase 2).
	narID, err := h.store.BeginNar(context.Background(), "still-pending", 5)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: 10 * time.Millisecond, DefaultRetentionPeriod: 0})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.OrphanNars)

	_, err = h.store.GetNar(context.Background(), narID)
	assert.NoError(t, err)
}

func TestRunOnce_DefaultRetentionAppliesWhenCacheUnset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.upload(t, "abc123", []byte("payload under global default retention"))

	time.Sleep(30 * time.Millisecond)

	c := gc.New(h.store, h.objStore, gc.Config{GraceWindow: time.Hour, DefaultRetentionPeriod: 10 * time.Millisecond})

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.ExpiredPaths)
}
