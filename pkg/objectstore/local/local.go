// Package local implements objectstore.Store over a plain directory tree,
// for single-node deployments that don't need S3.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zhaofengli/attic/pkg/helper"
	"github.com/zhaofengli/attic/pkg/objectstore"
)

// Store implements objectstore.Store over a local directory, sharding keys
// two levels deep (spec §4.2; same layout idiom as the teacher's chunk
// store) to avoid one huge flat directory.
type Store struct {
	baseDir string
}

// New returns a new local object store rooted at baseDir, creating it if
// necessary.
func New(baseDir string) (*Store, error) {
	s := &Store{baseDir: baseDir}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}

	return s, nil
}

func (s *Store) objectPath(key string) (string, error) {
	fp, err := helper.FilePathWithSharding(key)
	if err != nil {
		return "", fmt.Errorf("objectPath key=%q: %w", key, err)
	}

	return filepath.Join(s.baseDir, fp), nil
}

// Put writes size bytes from r to key, atomically via a temp file + link so
// concurrent Put/Get of the same content-addressed key never observe a
// partial write.
func (s *Store) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "obj-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err = io.Copy(tmp, r); err == nil {
		err = tmp.Sync()
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return err
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if os.IsExist(err) {
			// Content-addressed key already present; by contract this is
			// the same content, so the write is a no-op.
			return nil
		}

		return err
	}

	return nil
}

// Get opens the object at key for reading.
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, objectstore.ErrNotFound
		}

		return nil, err
	}

	return f, nil
}

// Delete removes the object at key, tolerating a missing key, and cleans
// up now-empty shard directories.
func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	dir := filepath.Dir(path)
	for dir != s.baseDir {
		if os.Remove(dir) != nil {
			break
		}

		dir = filepath.Dir(dir)
	}

	return nil
}

// Head reports whether an object exists at key.
func (s *Store) Head(_ context.Context, key string) (bool, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

var _ objectstore.Store = (*Store)(nil)
