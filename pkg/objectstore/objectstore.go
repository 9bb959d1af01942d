// Package objectstore defines the content-addressed blob storage
// abstraction used by the chunking and upload pipelines (spec §4.2). It is
// polymorphic over an S3-compatible endpoint and a local directory;
// callers never see which backend is in use.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get for a key that does not exist.
// Delete tolerates a missing key and does not return this error.
var ErrNotFound = errors.New("object not found")

// Store is a content-addressed blob store. Every key passed to these
// methods is assumed by the caller to be content-addressed, so Put is
// idempotent: writing the same key twice with the same bytes is a no-op
// by contract, and implementations are free to skip the write if the key
// already exists.
type Store interface {
	// Put uploads size bytes from r under key. It is safe to call
	// concurrently with another Put of the same key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get returns a reader for the object at key. The caller must close
	// the returned io.ReadCloser. Returns ErrNotFound if key does not
	// exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Head reports whether an object exists at key.
	Head(ctx context.Context, key string) (bool, error)
}
