// Package helper collects small, dependency-free utilities shared across
// the storage, chunking, and narinfo packages.
package helper

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrInputTooShort is returned by FilePathWithSharding when the given
// filename is too short to be sharded safely.
var ErrInputTooShort = errors.New("input is less than 3 characters long")

// FilePathWithSharding returns a two-level sharded path for fn, using its
// first and first-two characters as directory components. This keeps any
// single directory (narinfo store, chunk store) from holding more than a
// few thousand entries, which matters once a deployment accumulates
// millions of chunks.
func FilePathWithSharding(fn string) (string, error) {
	if len(fn) < 3 {
		return "", fmt.Errorf("%q: %w", fn, ErrInputTooShort)
	}

	return filepath.Join(fn[0:1], fn[0:2], fn), nil
}
