// Package server implements the HTTP API (spec §6): the binary-cache
// protocol endpoints Nix itself speaks (nix-cache-info, narinfo, nar
// streaming) plus the `_api/v1` administrative endpoints for managing
// caches and pushing new paths.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/zhaofengli/attic/pkg/auth"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore"
	"github.com/zhaofengli/attic/pkg/retrieval"
	"github.com/zhaofengli/attic/pkg/signing"
	"github.com/zhaofengli/attic/pkg/upload"
)

const otelPackageName = "github.com/zhaofengli/attic/pkg/server"

// Server wires the upload and retrieval pipelines, the metadata store,
// and the access-control layer into one chi-routed http.Handler.
type Server struct {
	db        *database.Store
	objStore  objectstore.Store
	uploader  *upload.Pipeline
	retrieval *retrieval.Pipeline
	keys      *signing.KeyProvider
	verifier  *auth.Verifier

	masterSecret []byte

	// metricsHandler serves GET /metrics when set. Nil leaves the route
	// unmounted, which is how tests that don't set up a Prometheus
	// registry (pkg/metrics.SetupPrometheusMetrics) run without one.
	metricsHandler http.Handler

	router *chi.Mux
}

// New returns a Server ready to be used as an http.Handler. masterSecret
// is only used to compute the audit copy of a cache's signing secret
// stored in Cache.SigningSecret at creation time (pkg/signing itself
// always re-derives the live signing key from masterSecret + cache name,
// never from that stored column, so signatures stay reproducible even
// if the column is never read again). metricsHandler may be nil.
func New(
	db *database.Store,
	objStore objectstore.Store,
	uploader *upload.Pipeline,
	retrievalPipeline *retrieval.Pipeline,
	keys *signing.KeyProvider,
	verifier *auth.Verifier,
	masterSecret []byte,
	metricsHandler http.Handler,
) *Server {
	s := &Server{
		db:             db,
		objStore:       objStore,
		uploader:       uploader,
		retrieval:      retrievalPipeline,
		keys:           keys,
		verifier:       verifier,
		masterSecret:   masterSecret,
		metricsHandler: metricsHandler,
	}

	s.router = s.newRouter()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelchi.Middleware(otelPackageName))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.verifier.Middleware())

	r.Get("/{cache}/nix-cache-info", s.getNixCacheInfo)
	r.Get(fmt.Sprintf("/{cache}/{hash:%s}.narinfo", nar.HashPattern), s.getNarInfo)
	r.Get(`/{cache}/nar/{hash:[0-9a-f]{64}}.nar`, s.getNar)
	r.Get(`/{cache}/nar/{hash:[0-9a-f]{64}}.nar.{ext}`, s.getNarCompressed)

	r.Post("/_api/v1/upload-path", s.uploadPath)
	r.Get("/_api/v1/cache-config/{cache}", s.getCacheConfig)
	r.Patch("/_api/v1/cache-config/{cache}", s.patchCacheConfig)
	r.Post("/_api/v1/caches", s.createCache)
	r.Delete("/_api/v1/caches/{cache}", s.destroyCache)

	s.mountMetrics(r)

	return r
}

// requestLogger attaches a request-scoped zerolog logger to the context
// and emits one structured line per request, mirroring the teacher's
// own request logging middleware but via zerolog/otel instead of log15,
// matching the rest of this codebase's ambient logging (pkg/auth,
// pkg/retrieval already log through zerolog.Ctx).
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		logger := zerolog.Ctx(r.Context()).With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Logger()

		ctx := logger.WithContext(r.Context())
		start := time.Now()

		defer func() {
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Msg("request")

			recordRequest(r.Context(), r.Method, route, ww.Status(), time.Since(start))
		}()

		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func (s *Server) getNixCacheInfo(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	cache, ok := s.resolveCacheForRead(w, r, cacheName)
	if !ok {
		return
	}

	body := fmt.Sprintf("StoreDir: %s\nPriority: %d\nWantMassQuery: 1\n", cache.StoreDir, cache.Priority)

	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	_, _ = w.Write([]byte(body))
}
