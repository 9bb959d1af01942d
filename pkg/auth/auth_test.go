package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/auth"
)

func TestIssueAndVerify_HS256(t *testing.T) {
	t.Parallel()

	secret := []byte("a-very-secret-hmac-key")
	issuer := auth.NewHS256Issuer(secret, "attic-test")
	verifier := auth.NewHS256Verifier(secret)

	token, err := issuer.Issue("ci", time.Hour, map[string]auth.Permission{
		"team-*": {Pull: true, Push: true},
	})
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, "attic-test", claims.Issuer)

	perm := claims.EffectivePermission("team-frontend")
	assert.True(t, perm.Pull)
	assert.True(t, perm.Push)
	assert.False(t, perm.DeletePath)
}

func TestVerify_WrongSecretRejected(t *testing.T) {
	t.Parallel()

	issuer := auth.NewHS256Issuer([]byte("secret-a"), "attic-test")
	verifier := auth.NewHS256Verifier([]byte("secret-b"))

	token, err := issuer.Issue("ci", time.Hour, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, auth.ErrTokenValidationFailed)
}

func TestVerify_ExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	issuer := auth.NewHS256Issuer(secret, "attic-test")
	verifier := auth.NewHS256Verifier(secret)

	token, err := issuer.Issue("ci", -time.Minute, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, auth.ErrTokenValidationFailed)
}

func TestEffectivePermission_UnionsMatchingGlobs(t *testing.T) {
	t.Parallel()

	claims := &auth.Claims{
		Attic: auth.AtticClaims{
			Caches: map[string]auth.Permission{
				"team-*":      {Pull: true},
				"team-admin*": {Push: true, DestroyCache: true},
				"other":       {DeletePath: true},
			},
		},
	}

	perm := claims.EffectivePermission("team-admin-1")
	assert.True(t, perm.Pull)
	assert.True(t, perm.Push)
	assert.True(t, perm.DestroyCache)
	assert.False(t, perm.DeletePath)
}

func TestRequirePermission(t *testing.T) {
	t.Parallel()

	claims := &auth.Claims{
		Attic: auth.AtticClaims{
			Caches: map[string]auth.Permission{"public": {Pull: true}},
		},
	}

	require.NoError(t, auth.RequirePermission(claims, "public", auth.ActionPull))
	require.ErrorIs(t, auth.RequirePermission(claims, "public", auth.ActionPush), auth.ErrPermissionDenied)
	require.ErrorIs(t, auth.RequirePermission(nil, "public", auth.ActionPull), auth.ErrPermissionDenied)
}

func TestMiddleware_NoHeaderPassesThrough(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	verifier := auth.NewHS256Verifier(secret)

	var sawClaims *auth.Claims

	handler := verifier.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, sawClaims)
}

func TestMiddleware_ValidBearerTokenPopulatesContext(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	issuer := auth.NewHS256Issuer(secret, "attic-test")
	verifier := auth.NewHS256Verifier(secret)

	token, err := issuer.Issue("alice", time.Hour, map[string]auth.Permission{"*": {Pull: true}})
	require.NoError(t, err)

	var sawClaims *auth.Claims

	handler := verifier.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawClaims)
	assert.Equal(t, "alice", sawClaims.Subject)
}

func TestMiddleware_InvalidTokenRejected(t *testing.T) {
	t.Parallel()

	verifier := auth.NewHS256Verifier([]byte("secret"))

	handler := verifier.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_BasicAuthPasswordAsToken(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	issuer := auth.NewHS256Issuer(secret, "attic-test")
	verifier := auth.NewHS256Verifier(secret)

	token, err := issuer.Issue("bob", time.Hour, nil)
	require.NoError(t, err)

	var sawClaims *auth.Claims

	handler := verifier.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("netrc-machine", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawClaims)
	assert.Equal(t, "bob", sawClaims.Subject)
}
