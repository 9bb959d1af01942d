package nar_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/nar"
)

func TestCompressionTypeFromExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want nar.CompressionType
	}{
		{"", nar.CompressionTypeNone},
		{"zst", nar.CompressionTypeZstd},
		{"xz", nar.CompressionTypeXz},
		{"br", nar.CompressionTypeBrotli},
	}

	for _, test := range tests {
		got, err := nar.CompressionTypeFromExtension(test.ext)
		require.NoError(t, err)
		assert.Equal(t, test.want, got)
		assert.Equal(t, test.ext, got.ToFileExtension())
	}

	_, err := nar.CompressionTypeFromExtension("gz")
	assert.ErrorIs(t, err, nar.ErrUnknownFileExtension)
}

func TestCompressionTypeValid(t *testing.T) {
	t.Parallel()

	assert.True(t, nar.CompressionTypeZstd.Valid())
	assert.False(t, nar.CompressionType("lz4").Valid())
}
