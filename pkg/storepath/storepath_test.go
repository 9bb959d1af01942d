package storepath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/storepath"
)

func TestParse(t *testing.T) {
	t.Parallel()

	sp, err := storepath.Parse("/nix/store/0i6sb5brlb8bbs1kxcrgwayva2pndr5h-hello-2.12.1")
	require.NoError(t, err)
	assert.Equal(t, storepath.StorePath{
		Hash: "0i6sb5brlb8bbs1kxcrgwayva2pndr5h",
		Name: "hello-2.12.1",
	}, sp)
	assert.Equal(t, "0i6sb5brlb8bbs1kxcrgwayva2pndr5h-hello-2.12.1", sp.String())
}

func TestParseBareBasename(t *testing.T) {
	t.Parallel()

	sp, err := storepath.Parse("0i6sb5brlb8bbs1kxcrgwayva2pndr5h-hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sp.Name)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"justaname",
		"tooshorthash-hello",
		"0i6sb5brlb8bbs1kxcrgwayva2pndr5h-",
	}

	for _, in := range tests {
		_, err := storepath.Parse(in)
		assert.Error(t, err)
	}
}
