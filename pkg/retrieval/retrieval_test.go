package retrieval_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/chunker"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore/local"
	"github.com/zhaofengli/attic/pkg/retrieval"
	"github.com/zhaofengli/attic/pkg/signing"
	"github.com/zhaofengli/attic/pkg/upload"
)

type harness struct {
	store    *database.Store
	pipeline *retrieval.Pipeline
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

	keys := signing.NewKeyProvider([]byte("master-secret"))

	pipeline := retrieval.New(store, objStore, keys)

	cache, err := store.CreateCache(context.Background(), database.CreateCacheParams{
		Name: "c1", SigningSecret: []byte("s"), StoreDir: "/var/lib/attic/c1",
	})
	require.NoError(t, err)

	return &harness{store: store, pipeline: pipeline, uploader: uploader, cache: cache}
}

func hashAndSize(data []byte) (string, int64) {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), int64(len(data))
}

func TestNarInfoAndStreamRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for size")
	hash, size := hashAndSize(payload)

	result, err := h.uploader.UploadNar(context.Background(), upload.Claim{
		CacheID:         h.cache.ID,
		ExpectedNarHash: hash,
		ExpectedNarSize: size,
		StorePathHash:   "abc123",
		StorePathName:   "abc123-foo",
	}, bytes.NewReader(payload))
	require.NoError(t, err)

	ni, err := h.pipeline.NarInfo(context.Background(), h.cache, "abc123", "https://cache.example/c1/nar/"+hash+".nar")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/abc123-foo", ni.StorePath)
	assert.Equal(t, uint64(size), ni.NarSize)
	require.Len(t, ni.Signatures, 1)
	assert.True(t, strings.HasPrefix(ni.Signatures[0].String(), "c1:"))

	var buf bytes.Buffer
	require.NoError(t, h.pipeline.StreamNar(context.Background(), &buf, result.NarID))
	assert.Equal(t, payload, buf.Bytes())
}

func TestNarInfo_NotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.pipeline.NarInfo(context.Background(), h.cache, "missing", "https://cache.example/c1/nar/missing.nar")
	require.ErrorIs(t, err, retrieval.ErrNotFound)
}

func TestNarInfo_ResolvesReferencesWithinSameCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	depPayload := []byte("dependency payload")
	depHash, depSize := hashAndSize(depPayload)

	_, err := h.uploader.UploadNar(context.Background(), upload.Claim{
		CacheID: h.cache.ID, ExpectedNarHash: depHash, ExpectedNarSize: depSize,
		StorePathHash: "dep000", StorePathName: "dep000-libfoo",
	}, bytes.NewReader(depPayload))
	require.NoError(t, err)

	mainPayload := []byte("main payload referencing the dependency")
	mainHash, mainSize := hashAndSize(mainPayload)

	_, err = h.uploader.UploadNar(context.Background(), upload.Claim{
		CacheID: h.cache.ID, ExpectedNarHash: mainHash, ExpectedNarSize: mainSize,
		StorePathHash: "main000", StorePathName: "main000-app",
		References: []string{"dep000", "unrelated999"},
	}, bytes.NewReader(mainPayload))
	require.NoError(t, err)

	ni, err := h.pipeline.NarInfo(context.Background(), h.cache, "main000", "https://cache.example/c1/nar/"+mainHash+".nar")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dep000-libfoo", "unrelated999"}, ni.References)
}

func TestStreamNar_ChunkIntegrityError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	payload := []byte("will be corrupted after upload")
	hash, size := hashAndSize(payload)

	result, err := h.uploader.UploadNar(context.Background(), upload.Claim{
		CacheID: h.cache.ID, ExpectedNarHash: hash, ExpectedNarSize: size,
		StorePathHash: "corrupt1", StorePathName: "corrupt1-foo",
	}, bytes.NewReader(payload))
	require.NoError(t, err)

	refs, err := h.store.ListChunkRefs(context.Background(), result.NarID)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	require.NoError(t, h.store.DeleteChunk(context.Background(), refs[0].ChunkID))

	var buf bytes.Buffer
	err = h.pipeline.StreamNar(context.Background(), &buf, result.NarID)
	require.ErrorIs(t, err, retrieval.ErrChunkIntegrity)
}
