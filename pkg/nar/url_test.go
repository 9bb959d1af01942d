package nar_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/nar"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want nar.URL
	}{
		{
			"nar/0i6sb5brlb8bbs1kxcrgwayva2pndr5h.nar",
			nar.URL{FileHash: "0i6sb5brlb8bbs1kxcrgwayva2pndr5h", Compression: nar.CompressionTypeNone},
		},
		{
			"nar/0i6sb5brlb8bbs1kxcrgwayva2pndr5h.nar.zst",
			nar.URL{FileHash: "0i6sb5brlb8bbs1kxcrgwayva2pndr5h", Compression: nar.CompressionTypeZstd},
		},
		{
			"0i6sb5brlb8bbs1kxcrgwayva2pndr5h.nar.xz",
			nar.URL{FileHash: "0i6sb5brlb8bbs1kxcrgwayva2pndr5h", Compression: nar.CompressionTypeXz},
		},
		{
			"0i6sb5brlb8bbs1kxcrgwayva2pndr5h.nar.br",
			nar.URL{FileHash: "0i6sb5brlb8bbs1kxcrgwayva2pndr5h", Compression: nar.CompressionTypeBrotli},
		},
	}

	for _, test := range tests {
		got, err := nar.ParseURL(test.in)
		require.NoError(t, err)
		assert.Equal(t, test.want, got)
		assert.Equal(t, "nar/"+test.want.FileHash+".nar"+extSuffix(test.want.Compression), got.String())
	}
}

func extSuffix(ct nar.CompressionType) string {
	if e := ct.ToFileExtension(); e != "" {
		return "." + e
	}

	return ""
}

func TestParseURLInvalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"nar/",
		"nar/toonarrow.nar",
		"nar/0i6sb5brlb8bbs1kxcrgwayva2pndr5h.nar.gz",
		"nar/0i6sb5brlb8bbs1kxcrgwayva2pndr5h",
		"nar/0i6sb5brlb8bbs1kxcrgwayva2pndr5hEXTRA.nar",
	}

	for _, in := range tests {
		_, err := nar.ParseURL(in)
		assert.Error(t, err)
	}
}
