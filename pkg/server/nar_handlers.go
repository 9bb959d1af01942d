package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhaofengli/attic/pkg/nar"
)

// getNarInfo serves GET /{cache}/{hash}.narinfo: the binary-cache
// protocol's metadata lookup, answered with an on-the-fly signed
// narinfo (spec §4.5).
func (s *Server) getNarInfo(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	storePathHash := chi.URLParam(r, "hash")

	cache, ok := s.resolveCacheForRead(w, r, cacheName)
	if !ok {
		return
	}

	path, err := s.db.GetPath(r.Context(), cache.ID, storePathHash)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	narObj, err := s.db.GetNar(r.Context(), path.NarID)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	narURL := s.narStreamURL(narObj.NarHash)

	ni, err := s.retrieval.NarInfo(r.Context(), cache, storePathHash, narURL)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ni.String()))
}

// narStreamURL builds the nar stream URL a narinfo points clients at,
// in the path-relative form the binary-cache protocol expects. Attic
// always serves NARs uncompressed (see getNarCompressed), so the
// compression extension is always empty.
func (s *Server) narStreamURL(narHash string) string {
	u := nar.URL{FileHash: narHash, Compression: nar.CompressionTypeNone}

	return u.String()
}

// getNar serves GET /{cache}/nar/{hash}.nar: the uncompressed NAR byte
// stream, reassembled chunk by chunk (spec §4.5).
func (s *Server) getNar(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	fileHash := chi.URLParam(r, "hash")

	if _, ok := s.resolveCacheForRead(w, r, cacheName); !ok {
		return
	}

	narObj, err := s.db.LookupNarByHash(r.Context(), fileHash)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	w.Header().Set("Content-Type", "application/x-nix-nar")
	w.WriteHeader(http.StatusOK)

	if err := s.retrieval.StreamNar(r.Context(), w, narObj.ID); err != nil {
		// The status line and headers are already flushed, so the only
		// recourse left is to abort the connection; there is no way to
		// turn this into a clean error response mid-stream.
		panic(http.ErrAbortHandler)
	}
}

// getNarCompressed serves GET /{cache}/nar/{hash}.nar.{ext}. Attic never
// stores or re-derives a whole-NAR recompressed artifact: chunks are
// individually compressed for storage and always reassembled
// uncompressed on the wire (see retrieval.Pipeline.NarInfo, which
// always advertises Compression: none). The route exists only so a
// client requesting a compressed variant gets a clean 404 instead of a
// routing error.
func (s *Server) getNarCompressed(w http.ResponseWriter, r *http.Request) {
	writeErrorBody(w, http.StatusNotFound, "not_found", "compressed nar variants are not served")
}
