// Package chunker implements the content-defined chunking engine: a pure
// transducer that splits an incoming NAR byte stream into chunks, each
// carrying its raw bytes, offset, uncompressed length, and SHA-256 hash.
// It never touches storage or the database (spec §4.3).
package chunker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/kalbasit/fastcdc"
)

// Chunk is a single content-defined (or, below the size threshold,
// whole-NAR) chunk of an uncompressed NAR stream.
type Chunk struct {
	Seq    int    // position in ChunkRef order
	Hash   string // SHA-256 hex digest of Data
	Offset int64  // cumulative byte offset in the uncompressed NAR
	Length uint32 // len(Data)
	Data   []byte // raw, uncompressed chunk bytes
}

// Free releases Data back for garbage collection once the chunk has been
// consumed by the upload pipeline (compressed and written to the object
// store, or discarded on dedup hit).
func (c *Chunk) Free() { c.Data = nil }

// Chunker splits a byte stream into Chunks. claimedSize is the
// caller-asserted total size of r, used for threshold gating; pass -1 if
// unknown (FastCDC is then applied unless the threshold is 0).
type Chunker interface {
	Chunk(ctx context.Context, r io.Reader, claimedSize int64) (<-chan Chunk, <-chan error)
}

// Config bounds the FastCDC cutpoint distribution and gates chunking
// entirely below Threshold (spec §4.3).
type Config struct {
	MinSize   uint32
	AvgSize   uint32
	MaxSize   uint32
	Threshold uint64 // nar_size_threshold; 0 disables chunking unconditionally
}

// belowThreshold reports whether, given cfg and a claimed total size,
// the whole stream should be emitted as a single chunk rather than run
// through FastCDC.
func (cfg Config) belowThreshold(claimedSize int64) bool {
	if cfg.Threshold == 0 {
		return true
	}

	return claimedSize >= 0 && uint64(claimedSize) < cfg.Threshold
}

// CDCChunker implements Chunker using the FastCDC rolling-hash algorithm,
// falling back to single-chunk emission per Config.belowThreshold.
type CDCChunker struct {
	cfg  Config
	pool *fastcdc.ChunkerPool
}

// New returns a new CDCChunker.
func New(cfg Config) (*CDCChunker, error) {
	pool, err := fastcdc.NewChunkerPool(
		fastcdc.WithMinSize(cfg.MinSize),
		fastcdc.WithTargetSize(cfg.AvgSize),
		fastcdc.WithMaxSize(cfg.MaxSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunker pool: %w", err)
	}

	return &CDCChunker{cfg: cfg, pool: pool}, nil
}

// Chunk splits r into Chunks per c.cfg.
func (c *CDCChunker) Chunk(ctx context.Context, r io.Reader, claimedSize int64) (<-chan Chunk, <-chan error) {
	if c.cfg.belowThreshold(claimedSize) {
		return c.chunkWhole(ctx, r)
	}

	return c.chunkCDC(ctx, r)
}

// chunkWhole reads r to completion and emits it as a single Chunk,
// implementing the nar_size_threshold gate.
func (c *CDCChunker) chunkWhole(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunksChan := make(chan Chunk)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunksChan)

		var buf bytes.Buffer

		if _, err := io.Copy(&buf, r); err != nil {
			errChan <- fmt.Errorf("error reading stream for whole-NAR chunk: %w", err)

			return
		}

		data := buf.Bytes()
		h := sha256.Sum256(data)

		select {
		case <-ctx.Done():
			errChan <- ctx.Err()
		case chunksChan <- Chunk{
			Seq:  0,
			Hash: hex.EncodeToString(h[:]),
			//nolint:gosec // G115: bounded by configured max_chunk_size in practice
			Length: uint32(len(data)),
			Data:   data,
		}:
		}
	}()

	return chunksChan, errChan
}

// chunkCDC splits r using the FastCDC rolling hash.
func (c *CDCChunker) chunkCDC(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunksChan := make(chan Chunk)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunksChan)

		fcdc, err := c.pool.Get(r)
		if err != nil {
			errChan <- fmt.Errorf("error getting fastcdc chunker from pool: %w", err)

			return
		}
		defer c.pool.Put(fcdc)

		var offset int64

		var seq int

		for {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()

				return
			default:
			}

			next, err := fcdc.Next()
			if err != nil {
				if err == io.EOF {
					return
				}

				errChan <- fmt.Errorf("error getting next chunk: %w", err)

				return
			}

			// fastcdc reuses its internal buffer across calls to Next, so
			// the data must be copied before handing it downstream.
			data := make([]byte, len(next.Data))
			copy(data, next.Data)

			h := sha256.Sum256(data)

			chunk := Chunk{
				Seq:    seq,
				Hash:   hex.EncodeToString(h[:]),
				Offset: offset,
				//nolint:gosec // G115: chunk size is bounded by MaxSize (uint32)
				Length: uint32(len(data)),
				Data:   data,
			}

			select {
			case <-ctx.Done():
				errChan <- ctx.Err()

				return
			case chunksChan <- chunk:
				offset += int64(len(data))
				seq++
			}
		}
	}()

	return chunksChan, errChan
}
