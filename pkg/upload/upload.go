// Package upload implements the streaming upload pipeline (spec §4.4):
// a single pass over the client's NAR byte stream that simultaneously
// hashes it, splits it into content-defined chunks, deduplicates those
// chunks against the global chunk store, compresses the novel ones,
// and uploads them to the object store.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhaofengli/attic/pkg/chunker"
	"github.com/zhaofengli/attic/pkg/compression"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore"
)

// ErrNarHashMismatch is returned at EOF if the stream's actual digest
// or length does not match the claim the client made up front.
var ErrNarHashMismatch = errors.New("uploaded nar does not match claimed hash or size")

// Config tunes the pipeline's dedup and compression behavior.
type Config struct {
	// ReservationTTL is how long a chunk reservation may go
	// uncommitted before another uploader is allowed to reclaim it.
	ReservationTTL time.Duration

	// ElsewhereWait bounds how long a "being_uploaded_elsewhere"
	// chunk is awaited before this uploader proceeds to upload its
	// own copy (spec §4.4 step 4).
	ElsewhereWait time.Duration

	// PollInterval is how often an awaited chunk's state is rechecked.
	PollInterval time.Duration

	// Compression is the algorithm applied to novel chunks.
	Compression nar.CompressionType

	// RequireProofOfPossession disables the whole-NAR short-circuit
	// for already-completed NarObjects: when true, every uploader
	// must still stream and verify its full body even if the NAR is
	// already known.
	RequireProofOfPossession bool
}

// Pipeline runs uploads against a metadata store and an object store.
type Pipeline struct {
	db       *database.Store
	objStore objectstore.Store
	chunker  chunker.Chunker
	cfg      Config
}

// New returns a Pipeline backed by db, objStore and chunker, configured
// with cfg.
func New(db *database.Store, objStore objectstore.Store, chunk chunker.Chunker, cfg Config) *Pipeline {
	return &Pipeline{db: db, objStore: objStore, chunker: chunk, cfg: cfg}
}

// Claim describes the upload a client intends to perform.
type Claim struct {
	CacheID         int64
	ExpectedNarHash string
	ExpectedNarSize int64

	StorePathHash string
	StorePathName string
	References    []string
	Deriver       string
	Sigs          []string
	CA            string
}

// Result summarizes a completed upload.
type Result struct {
	NarID        int64
	Path         *database.PathObject
	Deduplicated bool
}

// UploadNar runs claim's body through the pipeline. The caller is
// responsible for having already checked the push permission (spec
// §4.4 step 1); UploadNar only implements steps 2 onward.
func (p *Pipeline) UploadNar(ctx context.Context, claim Claim, body io.Reader) (*Result, error) {
	if existing, err := p.db.LookupNarByHash(ctx, claim.ExpectedNarHash); err == nil {
		if !p.cfg.RequireProofOfPossession {
			if _, err := io.Copy(io.Discard, body); err != nil {
				return nil, fmt.Errorf("upload: error discarding duplicate body: %w", err)
			}

			path, err := p.upsertPath(ctx, claim, existing.ID)
			if err != nil {
				return nil, err
			}

			recordUpload(ctx, resultOK, true, claim.ExpectedNarSize)

			return &Result{NarID: existing.ID, Path: path, Deduplicated: true}, nil
		}
	} else if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("upload: error checking for existing nar: %w", err)
	}

	narID, err := p.db.BeginNar(ctx, claim.ExpectedNarHash, claim.ExpectedNarSize)
	if err != nil {
		return nil, fmt.Errorf("upload: error beginning nar: %w", err)
	}

	narHasher := sha256.New()
	counted := &countingReader{r: body, h: narHasher}

	chunksCh, errCh := p.chunker.Chunk(ctx, counted, claim.ExpectedNarSize)

	var refs []database.ChunkRefInput

	for ch := range chunksCh {
		chunkID, err := p.reserveAndStore(ctx, ch)
		ch.Free()

		if err != nil {
			return nil, fmt.Errorf("upload: error storing chunk %s: %w", ch.Hash, err)
		}

		refs = append(refs, database.ChunkRefInput{
			Seq:     ch.Seq,
			ChunkID: chunkID,
			Offset:  ch.Offset,
			Length:  int64(ch.Length),
		})
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("upload: error reading nar stream: %w", err)
	}

	actualHash := hex.EncodeToString(narHasher.Sum(nil))
	if actualHash != claim.ExpectedNarHash || counted.n != claim.ExpectedNarSize {
		recordUpload(ctx, resultHashMismatch, false, 0)

		return nil, fmt.Errorf(
			"%w: claimed %s/%d, got %s/%d",
			ErrNarHashMismatch, claim.ExpectedNarHash, claim.ExpectedNarSize, actualHash, counted.n,
		)
	}

	winningNarID, err := p.db.FinalizeNar(ctx, narID, refs)
	if err != nil {
		return nil, fmt.Errorf("upload: error finalizing nar: %w", err)
	}

	path, err := p.upsertPath(ctx, claim, winningNarID)
	if err != nil {
		return nil, err
	}

	recordUpload(ctx, resultOK, false, counted.n)

	return &Result{NarID: winningNarID, Path: path, Deduplicated: winningNarID != narID}, nil
}

func (p *Pipeline) upsertPath(ctx context.Context, claim Claim, narID int64) (*database.PathObject, error) {
	path, err := p.db.UpsertPath(ctx, database.UpsertPathParams{
		CacheID:       claim.CacheID,
		StorePathHash: claim.StorePathHash,
		StorePathName: claim.StorePathName,
		NarID:         narID,
		References:    claim.References,
		Deriver:       claim.Deriver,
		Sigs:          claim.Sigs,
		CA:            claim.CA,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: error upserting path: %w", err)
	}

	return path, nil
}

// reserveAndStore runs one chunk through lookup_or_reserve_chunk and,
// depending on the returned state, either records a reference to an
// existing chunk or streams, compresses and commits a new one.
func (p *Pipeline) reserveAndStore(ctx context.Context, ch chunker.Chunk) (int64, error) {
	chunkID, state, err := p.db.LookupOrReserveChunk(ctx, ch.Hash, p.cfg.ReservationTTL)
	if err != nil {
		return 0, err
	}

	switch state {
	case database.StateAlreadyPresent:
		recordChunk(ctx, chunkOutcomeDeduped)

		return chunkID, nil
	case database.StateReservedForThisUploader:
		recordChunk(ctx, chunkOutcomeNovel)

		return chunkID, p.compressAndUpload(ctx, chunkID, ch)
	case database.StateBeingUploadedElsewhere:
		return p.awaitOrTakeOver(ctx, ch)
	default:
		return 0, fmt.Errorf("upload: unknown reservation state %v", state)
	}
}

// awaitOrTakeOver waits a bounded window for another uploader to
// commit a chunk this uploader also has in hand. If the window
// elapses first, it uploads its own copy: the object-store write is
// idempotent by content-derived key and commit_chunk is a conditional
// update, so the duplicate effort is harmless (spec §4.4 step 4).
func (p *Pipeline) awaitOrTakeOver(ctx context.Context, ch chunker.Chunk) (int64, error) {
	deadline := time.Now().Add(p.cfg.ElsewhereWait)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		chunkID, state, err := p.db.LookupOrReserveChunk(ctx, ch.Hash, p.cfg.ReservationTTL)
		if err != nil {
			return 0, err
		}

		switch state {
		case database.StateAlreadyPresent:
			recordChunk(ctx, chunkOutcomeDeduped)

			return chunkID, nil
		case database.StateReservedForThisUploader:
			recordChunk(ctx, chunkOutcomeNovel)

			return chunkID, p.compressAndUpload(ctx, chunkID, ch)
		case database.StateBeingUploadedElsewhere:
			if time.Now().After(deadline) {
				zerolog.Ctx(ctx).Debug().
					Str("chunk_hash", ch.Hash).
					Msg("upload: elsewhere wait exceeded, uploading own copy")

				recordChunk(ctx, chunkOutcomeTakenOver)

				return chunkID, p.compressAndUpload(ctx, chunkID, ch)
			}
		}
	}
}

// compressAndUpload streams ch through the configured compressor into
// the object store under a content-derived key, computing file_hash
// and file_size over the compressed bytes in the same pass, then
// commits the chunk.
func (p *Pipeline) compressAndUpload(ctx context.Context, chunkID int64, ch chunker.Chunk) error {
	storageKey := fmt.Sprintf("chunks/%s.%s", ch.Hash, compressionTag(p.cfg.Compression))

	pr, pw := io.Pipe()
	fileHasher := &countingWriter{h: sha256.New()}

	go func() {
		enc, err := compression.NewEncoder(p.cfg.Compression, io.MultiWriter(pw, fileHasher))
		if err != nil {
			pw.CloseWithError(err)

			return
		}

		if _, err := enc.Write(ch.Data); err != nil {
			_ = enc.Close()
			pw.CloseWithError(err)

			return
		}

		pw.CloseWithError(enc.Close())
	}()

	if err := p.objStore.Put(ctx, storageKey, pr, -1); err != nil {
		return fmt.Errorf("error uploading chunk %s: %w", ch.Hash, err)
	}

	fileHash := hex.EncodeToString(fileHasher.h.Sum(nil))

	return p.db.CommitChunk(ctx, chunkID, int64(ch.Length), fileHash, fileHasher.n, p.cfg.Compression.String(), storageKey)
}

func compressionTag(ct nar.CompressionType) string {
	if ext := ct.ToFileExtension(); ext != "" {
		return ext
	}

	return "raw"
}

// countingReader tees everything read through it into h and counts
// the bytes, letting the NAR hasher and length check share the single
// read pass required by the streaming pipeline.
type countingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.n += int64(n)
	}

	return n, err
}

// countingWriter hashes and counts bytes written to it, used to derive
// file_hash/file_size from the compressed chunk stream in one pass.
type countingWriter struct {
	h hash.Hash
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.h.Write(p)
	c.n += int64(n)

	return n, err
}
