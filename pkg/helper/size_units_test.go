package helper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/helper"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want uint64
	}{
		{"5K", 5 * 1024},
		{"10G", 10 * 1024 * 1024 * 1024},
		{"1048576", 1048576},
		{"1.5M", uint64(1.5 * 1024 * 1024)},
	}

	for _, test := range tests {
		got, err := helper.ParseSize(test.in)
		require.NoError(t, err)
		assert.Equal(t, test.want, got)
	}

	_, err := helper.ParseSize("")
	assert.ErrorIs(t, err, helper.ErrInvalidSize)

	_, err = helper.ParseSize("-5K")
	assert.ErrorIs(t, err, helper.ErrInvalidSize)
}
