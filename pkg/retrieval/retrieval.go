// Package retrieval implements the retrieval pipeline (spec §4.5):
// resolving a cache-local store path to its signed narinfo, and
// streaming a NAR back out by reassembling its chunks in order.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/rs/zerolog"

	"github.com/zhaofengli/attic/pkg/compression"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore"
	"github.com/zhaofengli/attic/pkg/signing"
)

// ErrNotFound is returned when the requested path has no PathObject in
// the given cache.
var ErrNotFound = database.ErrNotFound

// ErrChunkIntegrity is returned when a ChunkRef points at a
// ChunkObject or object-store key that no longer exists. The pipeline
// never transparently heals this; it is a retryable server error that
// a re-upload resolves (spec §4.5).
var ErrChunkIntegrity = errors.New("retrieval: chunk integrity error")

// Pipeline resolves and streams NARs for one server.
type Pipeline struct {
	db       *database.Store
	objStore objectstore.Store
	keys     *signing.KeyProvider
}

// New returns a Pipeline backed by db, objStore and keys.
func New(db *database.Store, objStore objectstore.Store, keys *signing.KeyProvider) *Pipeline {
	return &Pipeline{db: db, objStore: objStore, keys: keys}
}

// NarInfo resolves (cache, storePathHash) to a signed narinfo. narURL
// is the absolute URL of the NAR stream endpoint the narinfo should
// point clients at.
func (p *Pipeline) NarInfo(ctx context.Context, cache *database.Cache, storePathHash, narURL string) (*narinfo.NarInfo, error) {
	path, err := p.db.GetPath(ctx, cache.ID, storePathHash)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("retrieval: error loading path: %w", err)
	}

	go func() {
		if err := p.db.TouchPath(context.WithoutCancel(ctx), cache.ID, storePathHash); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("store_path_hash", storePathHash).
				Msg("retrieval: error touching last_accessed_at")
		}
	}()

	narObj, err := p.db.GetNar(ctx, path.NarID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: error loading nar: %w", err)
	}

	references, err := p.resolveReferences(ctx, cache.ID, path.References)
	if err != nil {
		return nil, err
	}

	ni, err := buildNarInfo(narInfoFields{
		storePath:   "/nix/store/" + path.StorePathName,
		narHash:     narObj.NarHash,
		narSize:     narObj.NarSize,
		fileHash:    narObj.NarHash,
		fileSize:    narObj.NarSize,
		compression: nar.CompressionTypeNone,
		url:         narURL,
		references:  references,
		deriver:     path.Deriver,
		ca:          path.CA,
		sigs:        path.Sigs,
	})
	if err != nil {
		return nil, err
	}

	if err := p.keys.Sign(cache.ID, cache.Name, ni); err != nil {
		return nil, fmt.Errorf("retrieval: error signing narinfo: %w", err)
	}

	return ni, nil
}

// resolveReferences rewrites each referenced store-path hash to its
// cache-local full store path. A reference this cache has no
// PathObject for (e.g. one never pushed here) is passed through
// unrewritten as a bare hash; Nix only needs the referenced path to
// exist somewhere reachable, not necessarily in this cache.
func (p *Pipeline) resolveReferences(ctx context.Context, cacheID int64, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	out := make([]string, len(refs))

	for i, refHash := range refs {
		refPath, err := p.db.GetPath(ctx, cacheID, refHash)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				out[i] = refHash

				continue
			}

			return nil, fmt.Errorf("retrieval: error resolving reference %s: %w", refHash, err)
		}

		out[i] = "/nix/store/" + refPath.StorePathName
	}

	return out, nil
}

// StreamNar writes the reassembled NAR for narID to w, in chunk seq
// order, decompressing each chunk per its recorded compression.
func (p *Pipeline) StreamNar(ctx context.Context, w io.Writer, narID int64) error {
	refs, err := p.db.ListChunkRefs(ctx, narID)
	if err != nil {
		return fmt.Errorf("retrieval: error listing chunk refs: %w", err)
	}

	for _, ref := range refs {
		if err := p.streamChunk(ctx, w, ref.ChunkID); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pipeline) streamChunk(ctx context.Context, w io.Writer, chunkID int64) error {
	chunk, err := p.db.GetChunk(ctx, chunkID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("chunk_id", chunkID).
			Msg("retrieval: chunk integrity incident: missing ChunkObject row")

		return fmt.Errorf("%w: chunk %d missing: %v", ErrChunkIntegrity, chunkID, err)
	}

	raw, err := p.objStore.Get(ctx, chunk.StorageKey)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("chunk_id", chunkID).Str("storage_key", chunk.StorageKey).
			Msg("retrieval: chunk integrity incident: missing object-store blob")

		return fmt.Errorf("%w: chunk %d storage key %q: %v", ErrChunkIntegrity, chunkID, chunk.StorageKey, err)
	}
	defer raw.Close()

	dec, err := compression.NewDecoder(ctx, nar.CompressionTypeFromString(chunk.Compression), raw)
	if err != nil {
		return fmt.Errorf("retrieval: error decompressing chunk %d: %w", chunkID, err)
	}
	defer dec.Close()

	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("retrieval: error streaming chunk %d: %w", chunkID, err)
	}

	return nil
}

type narInfoFields struct {
	storePath   string
	narHash     string
	narSize     int64
	fileHash    string
	fileSize    int64
	compression nar.CompressionType
	url         string
	references  []string
	deriver     string
	ca          string
	sigs        []string
}

// buildNarInfo renders f as narinfo wire text and parses it back into
// a *narinfo.NarInfo. Every repo in the corpus that handles narinfo
// constructs one exclusively via narinfo.Parse (never a struct
// literal), since several of its fields are custom hash types with no
// exported constructor; this goes through the same documented text
// format rather than guessing at that type.
func buildNarInfo(f narInfoFields) (*narinfo.NarInfo, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "StorePath: %s\n", f.storePath)
	fmt.Fprintf(&b, "URL: %s\n", f.url)
	fmt.Fprintf(&b, "Compression: %s\n", f.compression.String())
	fmt.Fprintf(&b, "FileHash: sha256:%s\n", f.fileHash)
	fmt.Fprintf(&b, "FileSize: %d\n", f.fileSize)
	fmt.Fprintf(&b, "NarHash: sha256:%s\n", f.narHash)
	fmt.Fprintf(&b, "NarSize: %d\n", f.narSize)

	if len(f.references) > 0 {
		fmt.Fprintf(&b, "References: %s\n", strings.Join(refBaseNames(f.references), " "))
	}

	if f.deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", f.deriver)
	}

	if f.ca != "" {
		fmt.Fprintf(&b, "CA: %s\n", f.ca)
	}

	for _, sig := range f.sigs {
		fmt.Fprintf(&b, "Sig: %s\n", sig)
	}

	ni, err := narinfo.Parse(strings.NewReader(b.String()))
	if err != nil {
		return nil, fmt.Errorf("retrieval: error building narinfo: %w", err)
	}

	return ni, nil
}

// refBaseNames strips the "/nix/store/" prefix references carry after
// resolveReferences, since narinfo's References line lists bare store
// path basenames.
func refBaseNames(refs []string) []string {
	out := make([]string, len(refs))

	for i, r := range refs {
		out[i] = strings.TrimPrefix(r, "/nix/store/")
	}

	return out
}
