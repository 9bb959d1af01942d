package server_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/auth"
	"github.com/zhaofengli/attic/pkg/chunker"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/metrics"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore/local"
	"github.com/zhaofengli/attic/pkg/retrieval"
	"github.com/zhaofengli/attic/pkg/server"
	"github.com/zhaofengli/attic/pkg/signing"
	"github.com/zhaofengli/attic/pkg/upload"
)

const masterSecret = "test-master-secret-for-server-package"

type harness struct {
	srv    *server.Server
	db     *database.Store
	issuer *auth.Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	return newHarnessWithMetrics(t, nil)
}

func newHarnessWithMetrics(t *testing.T, metricsHandler http.Handler) *harness {
	t.Helper()

	dir := t.TempDir()

	db, err := database.Open(context.Background(), "sqlite:"+filepath.Join(dir, "attic.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	objStore, err := local.New(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	chr, err := chunker.New(chunker.Config{MinSize: 1024, AvgSize: 2048, MaxSize: 4096, Threshold: 0})
	require.NoError(t, err)

	uploader := upload.New(db, objStore, chr, upload.Config{
		ReservationTTL: time.Minute,
		ElsewhereWait:  50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Compression:    nar.CompressionTypeZstd,
	})

	keys := signing.NewKeyProvider([]byte(masterSecret))
	retrievalPipeline := retrieval.New(db, objStore, keys)

	secret := []byte("hmac-test-secret")
	verifier := auth.NewHS256Verifier(secret)
	issuer := auth.NewHS256Issuer(secret, "attic-test")

	srv := server.New(db, objStore, uploader, retrievalPipeline, keys, verifier, []byte(masterSecret), metricsHandler)

	return &harness{srv: srv, db: db, issuer: issuer}
}

func (h *harness) token(t *testing.T, perms map[string]auth.Permission) string {
	t.Helper()

	tok, err := h.issuer.Issue("tester", time.Hour, perms)
	require.NoError(t, err)

	return tok
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	return rec
}

func TestScenarioS1_CreatePushPull(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	admin := h.token(t, map[string]auth.Permission{"*": {CreateCache: true, Push: true, Pull: true}})

	createBody, _ := json.Marshal(map[string]any{"name": "test", "public": true})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := h.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	payload := []byte("0123456789")
	sum := sha256.Sum256(payload)
	narHash := hex.EncodeToString(sum[:])

	uploadReq := httptest.NewRequest(http.MethodPost, "/_api/v1/upload-path", bytes.NewReader(payload))
	uploadReq.Header.Set("Authorization", "Bearer "+admin)
	uploadReq.Header.Set("X-Attic-Cache", "test")
	uploadReq.Header.Set("X-Attic-Store-Path-Hash", "abcdfghijklmnpqrsvwxyz0123456789")
	uploadReq.Header.Set("X-Attic-Store-Path-Name", "abcdfghijklmnpqrsvwxyz0123456789-hello")
	uploadReq.Header.Set("X-Attic-Nar-Hash", narHash)
	uploadReq.Header.Set("X-Attic-Nar-Size", fmt.Sprintf("%d", len(payload)))
	rec = h.do(t, uploadReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	narinfoReq := httptest.NewRequest(http.MethodGet, "/test/abcdfghijklmnpqrsvwxyz0123456789.narinfo", nil)
	rec = h.do(t, narinfoReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ni, err := narinfo.Parse(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), ni.NarSize)
	require.Len(t, ni.Signatures, 1)
	assert.True(t, strings.HasPrefix(ni.Signatures[0].String(), "test:"))

	narReq := httptest.NewRequest(http.MethodGet, "/test/"+ni.URL, nil)
	rec = h.do(t, narReq)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestScenarioS5_PermissionScoping(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	scoped := h.token(t, map[string]auth.Permission{"alice-*": {CreateCache: true, Push: true, Pull: true}})

	okBody, _ := json.Marshal(map[string]any{"name": "alice-one"})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(okBody))
	req.Header.Set("Authorization", "Bearer "+scoped)
	rec := h.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	badBody, _ := json.Marshal(map[string]any{"name": "bob-one"})
	req = httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(badBody))
	req.Header.Set("Authorization", "Bearer "+scoped)
	rec = h.do(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	infoReq := httptest.NewRequest(http.MethodGet, "/alice-one/nix-cache-info", nil)
	infoReq.Header.Set("Authorization", "Bearer "+scoped)
	rec = h.do(t, infoReq)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPrivateCache_RequiresAuthForRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	admin := h.token(t, map[string]auth.Permission{"*": {CreateCache: true, Pull: true}})

	createBody, _ := json.Marshal(map[string]any{"name": "private", "public": false})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := h.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	anonReq := httptest.NewRequest(http.MethodGet, "/private/nix-cache-info", nil)
	rec = h.do(t, anonReq)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	authedReq := httptest.NewRequest(http.MethodGet, "/private/nix-cache-info", nil)
	authedReq.Header.Set("Authorization", "Bearer "+admin)
	rec = h.do(t, authedReq)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicCache_AllowsAnonymousRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	admin := h.token(t, map[string]auth.Permission{"*": {CreateCache: true}})

	createBody, _ := json.Marshal(map[string]any{"name": "open", "public": true})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := h.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	anonReq := httptest.NewRequest(http.MethodGet, "/open/nix-cache-info", nil)
	rec = h.do(t, anonReq)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "StoreDir")
}

func TestCompressedNarRoute_AlwaysNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	admin := h.token(t, map[string]auth.Permission{"*": {CreateCache: true}})
	createBody, _ := json.Marshal(map[string]any{"name": "open", "public": true})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	h.do(t, req)

	req = httptest.NewRequest(http.MethodGet, "/open/nar/"+strings.Repeat("a", 64)+".nar.zst", nil)
	rec := h.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDestroyCache_RequiresPermission(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	admin := h.token(t, map[string]auth.Permission{"*": {CreateCache: true, DestroyCache: true}})
	createBody, _ := json.Marshal(map[string]any{"name": "doomed"})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	h.do(t, req)

	unprivileged := h.token(t, map[string]auth.Permission{"*": {Pull: true}})
	req = httptest.NewRequest(http.MethodDelete, "/_api/v1/caches/doomed", nil)
	req.Header.Set("Authorization", "Bearer "+unprivileged)
	rec := h.do(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/_api/v1/caches/doomed", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = h.do(t, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMetricsRoute_UnmountedWithoutHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := h.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRoute_ServedWhenHandlerProvided(t *testing.T) {
	t.Parallel()

	registry, shutdown, err := metrics.SetupPrometheusMetrics(context.Background(), "attic-test", "0.0.0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = shutdown(context.Background()) })

	h := newHarnessWithMetrics(t, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	admin := h.token(t, map[string]auth.Permission{"*": {CreateCache: true}})
	createBody, _ := json.Marshal(map[string]any{"name": "metered"})
	req := httptest.NewRequest(http.MethodPost, "/_api/v1/caches", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	h.do(t, req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := h.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "attic_http_requests_total")
}
