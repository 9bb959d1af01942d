package database

import (
	"context"
	"fmt"
)

// migrate creates the schema if it does not already exist. bun's
// CreateTable(...).IfNotExists() is idempotent, so this runs safely on
// every Open call rather than requiring a separate migration step.
func (s *Store) migrate(ctx context.Context) error {
	models := []any{
		(*Cache)(nil),
		(*NarObject)(nil),
		(*ChunkObject)(nil),
		(*ChunkRef)(nil),
		(*PathObject)(nil),
	}

	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("error creating table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		unique bool
		cols   []string
	}{
		{(*PathObject)(nil), "path_objects_cache_hash_idx", true, []string{"cache_id", "store_path_hash"}},
		{(*ChunkRef)(nil), "chunk_refs_chunk_id_idx", false, []string{"chunk_id"}},
	}

	for _, idx := range indexes {
		q := s.db.NewCreateIndex().Model(idx.model).Index(idx.name).IfNotExists().Column(idx.cols...)
		if idx.unique {
			q = q.Unique()
		}

		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("error creating index %s: %w", idx.name, err)
		}
	}

	return nil
}
