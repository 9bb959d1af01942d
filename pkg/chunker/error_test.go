package chunker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/chunker"
)

var errRead = errors.New("read error")

type errorReader struct {
	data []byte
	err  error
}

func (r *errorReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]

		return n, nil
	}

	return 0, r.err
}

// TestCDCChunker_Chunk_ErrorRace ensures a reader error is always
// reported, even when the chunks channel is also closed concurrently.
func TestCDCChunker_Chunk_ErrorRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	chr, err := chunker.New(chunker.Config{MinSize: 1024, AvgSize: 2048, MaxSize: 4096, Threshold: 1})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		reader := &errorReader{
			data: make([]byte, 1024),
			err:  errRead,
		}

		chunks, err := collectChunks(ctx, chr, reader, -1)
		for i := range chunks {
			chunks[i].Free()
		}

		if !errors.Is(err, errRead) {
			t.Fatalf("at iteration %d: expected error %v, got %v", i, errRead, err)
		}
	}
}
