package server

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zhaofengli/attic/pkg/auth"
	"github.com/zhaofengli/attic/pkg/upload"
)

// claimPreamble is the JSON form of upload.Claim's wire fields, used
// when the client sets X-Attic-Force-Preamble instead of carrying them
// as headers (spec's upload-path preamble framing, §6).
type claimPreamble struct {
	Cache         string   `json:"cache"`
	StorePathHash string   `json:"store_path_hash"`
	StorePathName string   `json:"store_path_name"`
	NarHash       string   `json:"nar_hash"`
	NarSize       int64    `json:"nar_size"`
	References    []string `json:"references,omitempty"`
	Deriver       string   `json:"deriver,omitempty"`
	CA            string   `json:"ca,omitempty"`
	Sigs          []string `json:"sigs,omitempty"`
}

// uploadPath serves POST /_api/v1/upload-path (spec §4.4, §6). The
// claim fields arrive either as headers or, when X-Attic-Force-Preamble
// is set, as a length-prefixed JSON document at the start of the body;
// both framings are normalized into the same upload.Claim before
// calling the pipeline.
func (s *Server) uploadPath(w http.ResponseWriter, r *http.Request) {
	var (
		cacheName string
		claim     claimPreamble
		body      io.Reader = r.Body
	)

	if r.Header.Get("X-Attic-Force-Preamble") != "" {
		var err error

		claim, body, err = readPreamble(r.Body)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, "invalid_preamble", err.Error())

			return
		}

		cacheName = claim.Cache
	} else {
		var err error

		claim, err = claimFromHeaders(r)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, "invalid_headers", err.Error())

			return
		}

		cacheName = claim.Cache
	}

	if cacheName == "" {
		writeErrorBody(w, http.StatusBadRequest, "missing_cache", "no target cache specified")

		return
	}

	if !requireAuth(w, r, cacheName, auth.ActionPush) {
		return
	}

	cache, err := s.db.GetCacheByName(r.Context(), cacheName)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	result, err := s.uploader.UploadNar(r.Context(), upload.Claim{
		CacheID:         cache.ID,
		ExpectedNarHash: claim.NarHash,
		ExpectedNarSize: claim.NarSize,
		StorePathHash:   claim.StorePathHash,
		StorePathName:   claim.StorePathName,
		References:      claim.References,
		Deriver:         claim.Deriver,
		Sigs:            claim.Sigs,
		CA:              claim.CA,
	}, body)
	if err != nil {
		writeMappedError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		NarID:        result.NarID,
		Deduplicated: result.Deduplicated,
	})
}

type uploadResponse struct {
	NarID        int64 `json:"nar_id"`
	Deduplicated bool  `json:"deduplicated"`
}

// claimFromHeaders decodes the default header framing.
func claimFromHeaders(r *http.Request) (claimPreamble, error) {
	size, err := strconv.ParseInt(r.Header.Get("X-Attic-Nar-Size"), 10, 64)
	if err != nil {
		return claimPreamble{}, err
	}

	var refs []string
	if raw := r.Header.Get("X-Attic-References"); raw != "" {
		refs = strings.Split(raw, ",")
	}

	var sigs []string
	if raw := r.Header.Get("X-Attic-Sigs"); raw != "" {
		sigs = strings.Split(raw, ",")
	}

	return claimPreamble{
		Cache:         r.Header.Get("X-Attic-Cache"),
		StorePathHash: r.Header.Get("X-Attic-Store-Path-Hash"),
		StorePathName: r.Header.Get("X-Attic-Store-Path-Name"),
		NarHash:       r.Header.Get("X-Attic-Nar-Hash"),
		NarSize:       size,
		References:    refs,
		Deriver:       r.Header.Get("X-Attic-Deriver"),
		CA:            r.Header.Get("X-Attic-Ca"),
		Sigs:          sigs,
	}, nil
}

// readPreamble reads a uint32 little-endian length prefix followed by that
// many bytes of JSON, and returns the decoded claim plus a reader
// positioned at the start of the raw NAR bytes that follow.
func readPreamble(r io.Reader) (claimPreamble, io.Reader, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return claimPreamble{}, nil, err
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return claimPreamble{}, nil, err
	}

	var claim claimPreamble
	if err := json.Unmarshal(raw, &claim); err != nil {
		return claimPreamble{}, nil, err
	}

	return claim, r, nil
}
