package database_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaofengli/attic/pkg/database"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "attic.sqlite")

	store, err := database.Open(context.Background(), "sqlite:"+dbPath, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestOpenCreatesDatabase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "attic.sqlite")

	_, err := os.Stat(dbPath)
	require.Error(t, err)

	store, err := database.Open(context.Background(), "sqlite:"+dbPath, nil)
	require.NoError(t, err)

	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestDetectFromDatabaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want database.Type
	}{
		{"sqlite:/tmp/db.sqlite", database.TypeSQLite},
		{"sqlite3:/tmp/db.sqlite", database.TypeSQLite},
		{"postgres://localhost/attic", database.TypePostgreSQL},
		{"postgresql://localhost/attic", database.TypePostgreSQL},
		{"mysql://localhost/attic", database.TypeMySQL},
	}

	for _, tc := range cases {
		got, err := database.DetectFromDatabaseURL(tc.url)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := database.DetectFromDatabaseURL("oracle://localhost/attic")
	require.ErrorIs(t, err, database.ErrUnsupportedDriver)
}
