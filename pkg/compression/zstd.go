package compression

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// writerPool and readerPool amortize the allocation cost of zstd encoders
// and decoders across chunk uploads/downloads; both are reset before
// reuse rather than recreated per chunk.
var writerPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)

		return enc
	},
}

var readerPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)

		return dec
	},
}

func getZstdWriter() *zstd.Encoder { return writerPool.Get().(*zstd.Encoder) }

func putZstdWriter(enc *zstd.Encoder) {
	if enc != nil {
		enc.Reset(nil)
		writerPool.Put(enc)
	}
}

func getZstdReader() *zstd.Decoder { return readerPool.Get().(*zstd.Decoder) }

func putZstdReader(dec *zstd.Decoder) {
	if dec != nil {
		_ = dec.Reset(nil)
		readerPool.Put(dec)
	}
}

// pooledZstdWriter wraps a pooled zstd.Encoder, returning it to the pool
// on Close.
type pooledZstdWriter struct {
	enc *zstd.Encoder
}

func newZstdEncoder(w io.Writer) *pooledZstdWriter {
	enc := getZstdWriter()
	enc.Reset(w)

	return &pooledZstdWriter{enc: enc}
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) { return pw.enc.Write(p) }

func (pw *pooledZstdWriter) Close() error {
	if pw.enc == nil {
		return nil
	}

	err := pw.enc.Close()
	putZstdWriter(pw.enc)
	pw.enc = nil

	return err
}

// pooledZstdReader wraps a pooled zstd.Decoder, returning it to the pool
// on Close.
type pooledZstdReader struct {
	dec *zstd.Decoder
}

func newZstdDecoder(r io.Reader) (*pooledZstdReader, error) {
	dec := getZstdReader()
	if err := dec.Reset(r); err != nil {
		putZstdReader(dec)

		return nil, err
	}

	return &pooledZstdReader{dec: dec}, nil
}

func (pr *pooledZstdReader) Read(p []byte) (int, error) { return pr.dec.Read(p) }

func (pr *pooledZstdReader) Close() error {
	if pr.dec == nil {
		return nil
	}

	putZstdReader(pr.dec)
	pr.dec = nil

	return nil
}
