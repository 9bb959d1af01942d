package server

import (
	"errors"
	"net/http"

	"github.com/zhaofengli/attic/pkg/auth"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/retrieval"
	"github.com/zhaofengli/attic/pkg/upload"
)

// requireAuth checks action against the caller's claims, writing the
// appropriate error response and returning false if denied. auth.Claims
// carries no distinction between "no token" and "token lacks
// permission" in the error it returns, so that distinction is made
// here: a nil claims value is always a 401, never a 403.
func requireAuth(w http.ResponseWriter, r *http.Request, cacheName string, action auth.Action) bool {
	claims := auth.ClaimsFromContext(r.Context())

	if claims == nil {
		writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")

		return false
	}

	if err := auth.RequirePermission(claims, cacheName, action); err != nil {
		writeErrorBody(w, http.StatusForbidden, "forbidden", "token does not grant this action on this cache")

		return false
	}

	return true
}

// mapErr translates an error from the database, upload or retrieval
// packages into an HTTP status code and a stable error code string.
//
// Transient errors (deadlocks reported by any of the three supported
// drivers) are mapped straight to 503 rather than retried here: a real
// retry loop would need to re-run the whole request handler, including
// re-reading the (possibly already partially consumed) request body,
// which buys little over letting the client's own retry logic redo
// the request.
func mapErr(err error) (status int, code string) {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, retrieval.ErrNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, upload.ErrNarHashMismatch):
		return http.StatusBadRequest, "nar_hash_mismatch"

	case errors.Is(err, retrieval.ErrChunkIntegrity):
		return http.StatusInternalServerError, "chunk_integrity_error"

	case database.IsDuplicateKeyError(err):
		return http.StatusConflict, "conflict"

	case database.IsDeadlockError(err):
		return http.StatusServiceUnavailable, "transient_error"

	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapErr(err)
	writeErrorBody(w, status, code, err.Error())
}

// resolveCacheForRead loads cacheName, handling the binary-cache
// protocol's public/private gating (spec's permission-soundness
// property): unauthenticated reads are allowed only against a public
// cache, otherwise the caller must hold pull permission on it. Writes
// a response and returns ok=false if the cache can't be resolved or
// isn't readable by this caller.
func (s *Server) resolveCacheForRead(w http.ResponseWriter, r *http.Request, cacheName string) (*database.Cache, bool) {
	cache, err := s.db.GetCacheByName(r.Context(), cacheName)
	if err != nil {
		writeMappedError(w, err)

		return nil, false
	}

	if cache.Public {
		return cache, true
	}

	if !requireAuth(w, r, cacheName, auth.ActionPull) {
		return nil, false
	}

	return cache, true
}
