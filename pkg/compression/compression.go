// Package compression implements the streaming encoders/decoders for the
// per-chunk compression algorithms named in ChunkObject.compression (spec
// §3, §4.3): none, zstd, xz and brotli. Compression is applied to novel
// chunks only, as they are streamed through the chosen encoder into the
// object store while a second hasher computes file_hash/file_size in the
// same pass; retrieval reverses this per chunk before concatenation.
package compression

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zhaofengli/attic/pkg/nar"
)

// ErrUnsupportedCompressionType is returned for a CompressionType with no
// registered codec.
var ErrUnsupportedCompressionType = errors.New("unsupported compression type")

// NewEncoder returns a streaming compressor for ct, writing compressed
// bytes to w as they're written to the returned Encoder. Close must be
// called to flush and finalize the stream.
func NewEncoder(ct nar.CompressionType, w io.Writer) (io.WriteCloser, error) {
	switch ct {
	case nar.CompressionTypeNone, nar.CompressionType(""):
		return nopWriteCloser{w}, nil
	case nar.CompressionTypeZstd:
		return newZstdEncoder(w), nil
	case nar.CompressionTypeXz:
		return newXzEncoder(w)
	case nar.CompressionTypeBrotli:
		return newBrotliEncoder(w), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompressionType, ct)
	}
}

// NewDecoder returns a streaming decompressor for ct, reading compressed
// bytes from r. The caller must Close the returned ReadCloser.
func NewDecoder(ctx context.Context, ct nar.CompressionType, r io.Reader) (io.ReadCloser, error) {
	switch ct {
	case nar.CompressionTypeNone, nar.CompressionType(""):
		if rc, ok := r.(io.ReadCloser); ok {
			return rc, nil
		}

		return io.NopCloser(r), nil
	case nar.CompressionTypeZstd:
		return newZstdDecoder(r)
	case nar.CompressionTypeXz:
		return decompressXz(ctx, r)
	case nar.CompressionTypeBrotli:
		return io.NopCloser(newBrotliReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompressionType, ct)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
