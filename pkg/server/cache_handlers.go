package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhaofengli/attic/pkg/auth"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/signing"
)

type createCacheRequest struct {
	Name              string   `json:"name"`
	Public            bool     `json:"public"`
	Priority          int32    `json:"priority"`
	StoreDir          string   `json:"store_dir"`
	UpstreamCacheKeys []string `json:"upstream_cache_keys,omitempty"`
	RetentionPeriod   *int64   `json:"retention_period_seconds,omitempty"`
}

// createCache serves POST /_api/v1/caches (spec §6). The request's
// Name is checked against the caller's grant before anything else is
// parsed, so a token scoped to "alice-*" gets a 403 for "bob-one"
// regardless of the rest of the body (the permission-scoping
// property).
func (s *Server) createCache(w http.ResponseWriter, r *http.Request) {
	var req createCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_body", err.Error())

		return
	}

	if req.Name == "" {
		writeErrorBody(w, http.StatusBadRequest, "missing_name", "cache name is required")

		return
	}

	if !requireAuth(w, r, req.Name, auth.ActionCreateCache) {
		return
	}

	if req.StoreDir == "" {
		req.StoreDir = "/nix/store"
	}

	secret, err := signing.DeriveSigningSecret(s.masterSecret, req.Name)
	if err != nil {
		writeErrorBody(w, http.StatusInternalServerError, "internal_error", err.Error())

		return
	}

	var retention *time.Duration
	if req.RetentionPeriod != nil {
		d := time.Duration(*req.RetentionPeriod) * time.Second
		retention = &d
	}

	cache, err := s.db.CreateCache(r.Context(), database.CreateCacheParams{
		Name:              req.Name,
		Public:            req.Public,
		UpstreamCacheKeys: req.UpstreamCacheKeys,
		SigningSecret:     secret,
		RetentionPeriod:   retention,
		Priority:          req.Priority,
		StoreDir:          req.StoreDir,
	})
	if err != nil {
		writeMappedError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, cacheConfigResponse(cache))
}

type cacheConfig struct {
	Name              string   `json:"name"`
	Public            bool     `json:"public"`
	Priority          int32    `json:"priority"`
	StoreDir          string   `json:"store_dir"`
	UpstreamCacheKeys []string `json:"upstream_cache_keys,omitempty"`
	RetentionPeriod   *int64   `json:"retention_period_seconds,omitempty"`
}

func cacheConfigResponse(cache *database.Cache) cacheConfig {
	return cacheConfig{
		Name:              cache.Name,
		Public:            cache.Public,
		Priority:          cache.Priority,
		StoreDir:          cache.StoreDir,
		UpstreamCacheKeys: []string(cache.UpstreamCacheKeys),
		RetentionPeriod:   cache.RetentionPeriod,
	}
}

// getCacheConfig serves GET /_api/v1/cache-config/{cache} (spec §6).
func (s *Server) getCacheConfig(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	if !requireAuth(w, r, cacheName, auth.ActionConfigureCache) {
		return
	}

	cache, err := s.db.GetCacheByName(r.Context(), cacheName)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, cacheConfigResponse(cache))
}

type patchCacheConfigRequest struct {
	Public            *bool    `json:"public,omitempty"`
	Priority          *int32   `json:"priority,omitempty"`
	UpstreamCacheKeys []string `json:"upstream_cache_keys,omitempty"`
	RetentionPeriod   *int64   `json:"retention_period_seconds,omitempty"`
}

// patchCacheConfig serves PATCH /_api/v1/cache-config/{cache} (spec
// §6). Changing the retention period requires the dedicated
// configure-cache-retention permission in addition to configure-cache,
// since retention changes affect garbage collection eligibility and
// the two grants can be scoped independently by a token issuer.
func (s *Server) patchCacheConfig(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	if !requireAuth(w, r, cacheName, auth.ActionConfigureCache) {
		return
	}

	var req patchCacheConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_body", err.Error())

		return
	}

	if req.RetentionPeriod != nil && !requireAuth(w, r, cacheName, auth.ActionConfigureCacheRetention) {
		return
	}

	cache, err := s.db.GetCacheByName(r.Context(), cacheName)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	var retention *time.Duration
	if req.RetentionPeriod != nil {
		d := time.Duration(*req.RetentionPeriod) * time.Second
		retention = &d
	}

	if err := s.db.ConfigureCache(r.Context(), cache.ID, database.ConfigureCacheParams{
		Public:            req.Public,
		UpstreamCacheKeys: req.UpstreamCacheKeys,
		RetentionPeriod:   retention,
		Priority:          req.Priority,
	}); err != nil {
		writeMappedError(w, err)

		return
	}

	cache, err = s.db.GetCacheByName(r.Context(), cacheName)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, cacheConfigResponse(cache))
}

// destroyCache serves DELETE /_api/v1/caches/{cache} (spec §6).
func (s *Server) destroyCache(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	if !requireAuth(w, r, cacheName, auth.ActionDestroyCache) {
		return
	}

	cache, err := s.db.GetCacheByName(r.Context(), cacheName)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	if err := s.db.DestroyCache(r.Context(), cache.ID); err != nil {
		writeMappedError(w, err)

		return
	}

	s.keys.Forget(cache.ID)

	w.WriteHeader(http.StatusNoContent)
}
