package compression

import (
	"io"

	"github.com/andybalholm/brotli"
)

func newBrotliEncoder(w io.Writer) io.WriteCloser {
	return brotli.NewWriterLevel(w, brotli.DefaultCompression)
}

func newBrotliReader(r io.Reader) io.Reader {
	return brotli.NewReader(r)
}
