package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Store is the metadata store (spec §4.1), built on uptrace/bun so the
// same query code runs against SQLite, PostgreSQL, or MySQL.
type Store struct {
	db     *bun.DB
	dbType Type
}

// NewStore wraps an already-opened bun.DB, primarily for tests that want
// an in-memory SQLite database without going through Open's URL parsing.
func NewStore(ctx context.Context, db *bun.DB, dbType Type) (*Store, error) {
	s := &Store{db: db, dbType: dbType}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// repeatableRead is the isolation level spec §4.1 mandates for ingest
// operations.
var repeatableRead = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}

// CreateCacheParams holds the fields needed to create a Cache.
type CreateCacheParams struct {
	Name              string
	Public            bool
	UpstreamCacheKeys []string
	SigningSecret     []byte
	RetentionPeriod   *time.Duration
	Priority          int32
	StoreDir          string
}

// CreateCache creates a new Cache.
func (s *Store) CreateCache(ctx context.Context, params CreateCacheParams) (*Cache, error) {
	cache := &Cache{
		Name:              params.Name,
		Public:            params.Public,
		UpstreamCacheKeys: params.UpstreamCacheKeys,
		SigningSecret:     params.SigningSecret,
		Priority:          params.Priority,
		StoreDir:          params.StoreDir,
	}

	if params.RetentionPeriod != nil {
		secs := int64(params.RetentionPeriod.Seconds())
		cache.RetentionPeriod = &secs
	}

	if _, err := s.db.NewInsert().Model(cache).Exec(ctx); err != nil {
		return nil, fmt.Errorf("error creating cache %q: %w", params.Name, err)
	}

	return cache, nil
}

// GetCacheByName returns the Cache named name, or ErrNotFound.
func (s *Store) GetCacheByName(ctx context.Context, name string) (*Cache, error) {
	cache := new(Cache)

	err := s.db.NewSelect().Model(cache).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting cache %q: %w", name, err)
	}

	return cache, nil
}

// ListCaches returns every Cache row, for the GC's per-cache retention
// sweep.
func (s *Store) ListCaches(ctx context.Context) ([]*Cache, error) {
	var caches []*Cache

	if err := s.db.NewSelect().Model(&caches).Scan(ctx); err != nil {
		return nil, fmt.Errorf("error listing caches: %w", err)
	}

	return caches, nil
}

// ExpirePaths deletes PathObject rows in cacheID whose last_accessed_at
// predates retention (spec §4.7 phase 1), returning the number removed.
func (s *Store) ExpirePaths(ctx context.Context, cacheID int64, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.NewDelete().Model((*PathObject)(nil)).
		Where("cache_id = ? AND last_accessed_at < ?", cacheID, cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error expiring paths for cache %d: %w", cacheID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting expired paths for cache %d: %w", cacheID, err)
	}

	return n, nil
}

// DestroyCache atomically destroys a cache: all of its PathObject rows
// are detached (deleted), making their NarObjects candidates for orphan
// collection, then the Cache row itself is removed.
func (s *Store) DestroyCache(ctx context.Context, cacheID int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*PathObject)(nil)).Where("cache_id = ?", cacheID).Exec(ctx); err != nil {
			return fmt.Errorf("error detaching paths for cache %d: %w", cacheID, err)
		}

		res, err := tx.NewDelete().Model((*Cache)(nil)).Where("id = ?", cacheID).Exec(ctx)
		if err != nil {
			return fmt.Errorf("error destroying cache %d: %w", cacheID, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// ConfigureCacheParams holds the mutable Cache fields configure_cache can
// change. A nil field leaves the corresponding column unchanged.
type ConfigureCacheParams struct {
	Public            *bool
	UpstreamCacheKeys []string
	RetentionPeriod   *time.Duration
	Priority          *int32
}

// ConfigureCache updates the mutable fields of a Cache.
func (s *Store) ConfigureCache(ctx context.Context, cacheID int64, params ConfigureCacheParams) error {
	q := s.db.NewUpdate().Model((*Cache)(nil)).Where("id = ?", cacheID)

	touched := false

	if params.Public != nil {
		q = q.Set("public = ?", *params.Public)
		touched = true
	}

	if params.UpstreamCacheKeys != nil {
		q = q.Set("upstream_cache_keys = ?", StringSlice(params.UpstreamCacheKeys))
		touched = true
	}

	if params.RetentionPeriod != nil {
		secs := int64(params.RetentionPeriod.Seconds())
		q = q.Set("retention_period_seconds = ?", secs)
		touched = true
	}

	if params.Priority != nil {
		q = q.Set("priority = ?", *params.Priority)
		touched = true
	}

	if !touched {
		return nil
	}

	q = q.Set("updated_at = ?", time.Now().UTC())

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("error configuring cache %d: %w", cacheID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// UpsertPathParams holds the fields needed to bind a StorePath to a
// NarObject within one cache.
type UpsertPathParams struct {
	CacheID       int64
	StorePathHash string
	StorePathName string
	NarID         int64
	References    []string
	Deriver       string
	Sigs          []string
	CA            string
}

// UpsertPath creates or updates the PathObject for (cache_id,
// store_path_hash).
func (s *Store) UpsertPath(ctx context.Context, params UpsertPathParams) (*PathObject, error) {
	now := time.Now().UTC()

	var result *PathObject

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(PathObject)

		err := tx.NewSelect().Model(existing).
			Where("cache_id = ? AND store_path_hash = ?", params.CacheID, params.StorePathHash).
			Scan(ctx)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			p := &PathObject{
				CacheID:        params.CacheID,
				StorePathHash:  params.StorePathHash,
				StorePathName:  params.StorePathName,
				NarID:          params.NarID,
				References:     params.References,
				Deriver:        params.Deriver,
				Sigs:           params.Sigs,
				CA:             params.CA,
				CreatedAt:      now,
				LastAccessedAt: now,
			}

			if _, err := tx.NewInsert().Model(p).Exec(ctx); err != nil {
				return fmt.Errorf("error inserting path object: %w", err)
			}

			result = p

			return nil
		case err != nil:
			return fmt.Errorf("error looking up path object: %w", err)
		default:
			existing.StorePathName = params.StorePathName
			existing.NarID = params.NarID
			existing.References = params.References
			existing.Deriver = params.Deriver
			existing.Sigs = params.Sigs
			existing.CA = params.CA
			existing.LastAccessedAt = now

			if _, err := tx.NewUpdate().Model(existing).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("error updating path object: %w", err)
			}

			result = existing

			return nil
		}
	})

	return result, err
}

// DeletePath removes the PathObject mapping for (cacheID, hash).
func (s *Store) DeletePath(ctx context.Context, cacheID int64, hash string) error {
	res, err := s.db.NewDelete().Model((*PathObject)(nil)).
		Where("cache_id = ? AND store_path_hash = ?", cacheID, hash).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error deleting path %d/%s: %w", cacheID, hash, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// TouchPath updates last_accessed_at for a PathObject, called on
// retrieval.
func (s *Store) TouchPath(ctx context.Context, cacheID int64, hash string) error {
	res, err := s.db.NewUpdate().Model((*PathObject)(nil)).
		Set("last_accessed_at = ?", time.Now().UTC()).
		Where("cache_id = ? AND store_path_hash = ?", cacheID, hash).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error touching path %d/%s: %w", cacheID, hash, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// BeginNar creates a pending NarObject for an upload in progress.
func (s *Store) BeginNar(ctx context.Context, narHashClaim string, narSizeClaim int64) (int64, error) {
	nar := &NarObject{
		NarHash:   narHashClaim,
		NarSize:   narSizeClaim,
		Completed: false,
	}

	if _, err := s.db.NewInsert().Model(nar).Exec(ctx); err != nil {
		return 0, fmt.Errorf("error beginning nar %s: %w", narHashClaim, err)
	}

	return nar.ID, nil
}

// ChunkRefInput is one ordered chunk reference passed to FinalizeNar.
type ChunkRefInput struct {
	Seq     int
	ChunkID int64
	Offset  int64
	Length  int64
}

// FinalizeNar atomically marks narID completed and links its chunks,
// returning the id of the NarObject that ends up holding nar_hash in
// the completed state.
//
// If another NarObject already completed under the same nar_hash
// first (two uploaders racing the same store path, spec §4.4), narID
// is abandoned and deleted rather than erroring: the winning NarObject's
// id is returned instead, so the caller can attach its PathObject to
// it and both uploads succeed in creating distinct PathObject mappings,
// as spec §4.4 requires. Fails with ErrChunkMissing if any referenced
// chunk row does not exist.
func (s *Store) FinalizeNar(ctx context.Context, narID int64, chunkRefs []ChunkRefInput) (int64, error) {
	var winningNarID int64

	err := s.db.RunInTx(ctx, repeatableRead, func(ctx context.Context, tx bun.Tx) error {
		nar := new(NarObject)
		if err := tx.NewSelect().Model(nar).Where("id = ?", narID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}

			return fmt.Errorf("error loading nar %d: %w", narID, err)
		}

		winner := new(NarObject)

		err := tx.NewSelect().Model(winner).
			Where("nar_hash = ? AND completed = ? AND id != ?", nar.NarHash, true, narID).
			Scan(ctx)

		switch {
		case err == nil:
			if _, err := tx.NewDelete().Model((*NarObject)(nil)).Where("id = ?", narID).Exec(ctx); err != nil {
				return fmt.Errorf("error abandoning superseded nar %d: %w", narID, err)
			}

			winningNarID = winner.ID

			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("error checking for duplicate completed nar: %w", err)
		}

		if len(chunkRefs) > 0 {
			ids := make([]int64, len(chunkRefs))
			for i, cr := range chunkRefs {
				ids[i] = cr.ChunkID
			}

			count, err := tx.NewSelect().Model((*ChunkObject)(nil)).Where("id IN (?)", bun.In(ids)).Count(ctx)
			if err != nil {
				return fmt.Errorf("error verifying chunk rows: %w", err)
			}

			if count != len(dedupeIDs(ids)) {
				return ErrChunkMissing
			}

			refs := make([]*ChunkRef, len(chunkRefs))
			for i, cr := range chunkRefs {
				refs[i] = &ChunkRef{NarID: narID, Seq: cr.Seq, ChunkID: cr.ChunkID, Offset: cr.Offset, Length: cr.Length}
			}

			if _, err := tx.NewInsert().Model(&refs).Exec(ctx); err != nil {
				return fmt.Errorf("error inserting chunk refs for nar %d: %w", narID, err)
			}
		}

		if _, err := tx.NewUpdate().Model((*NarObject)(nil)).
			Set("completed = ?", true).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", narID).
			Exec(ctx); err != nil {
			return fmt.Errorf("error completing nar %d: %w", narID, err)
		}

		winningNarID = narID

		return nil
	})
	if err != nil {
		return 0, err
	}

	return winningNarID, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))

	out := make([]int64, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}

			out = append(out, id)
		}
	}

	return out
}

// LookupNarByHash returns the completed NarObject with nar_hash, or
// ErrNotFound.
func (s *Store) LookupNarByHash(ctx context.Context, narHash string) (*NarObject, error) {
	nar := new(NarObject)

	err := s.db.NewSelect().Model(nar).Where("nar_hash = ? AND completed = ?", narHash, true).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error looking up nar %s: %w", narHash, err)
	}

	return nar, nil
}

// LookupOrReserveChunk implements the chunk reservation protocol (spec
// §4.4): it atomically looks up chunk_hash, reserving a new row for the
// caller if none exists, or reclaiming an expired reservation.
func (s *Store) LookupOrReserveChunk(
	ctx context.Context, chunkHash string, reservationTTL time.Duration,
) (int64, ReservationState, error) {
	var (
		chunkID int64
		state   ReservationState
	)

	err := s.db.RunInTx(ctx, repeatableRead, func(ctx context.Context, tx bun.Tx) error {
		row := new(ChunkObject)

		err := tx.NewSelect().Model(row).Where("chunk_hash = ?", chunkHash).Scan(ctx)

		now := time.Now().UTC()

		switch {
		case errors.Is(err, sql.ErrNoRows):
			row = &ChunkObject{
				ChunkHash:  chunkHash,
				State:      ChunkStateReserved,
				ReservedAt: now,
				UpdatedAt:  now,
			}

			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return fmt.Errorf("error reserving chunk %s: %w", chunkHash, err)
			}

			chunkID = row.ID
			state = StateReservedForThisUploader

			return nil
		case err != nil:
			return fmt.Errorf("error looking up chunk %s: %w", chunkHash, err)
		case row.State == ChunkStateCommitted:
			chunkID = row.ID
			state = StateAlreadyPresent

			return nil
		case now.Sub(row.ReservedAt) > reservationTTL:
			// The prior reservation expired without being committed;
			// reclaim it for this uploader.
			if _, err := tx.NewUpdate().Model(row).
				Set("reserved_at = ?", now).
				Where("id = ? AND state = ?", row.ID, ChunkStateReserved).
				Exec(ctx); err != nil {
				return fmt.Errorf("error reclaiming chunk reservation %s: %w", chunkHash, err)
			}

			chunkID = row.ID
			state = StateReservedForThisUploader

			return nil
		default:
			chunkID = row.ID
			state = StateBeingUploadedElsewhere

			return nil
		}
	})

	return chunkID, state, err
}

// CommitChunk records the result of uploading a reserved chunk. It is a
// conditional update: if the chunk was already committed with the same
// file_hash (a duplicate concurrent upload that lost the reservation
// race but still streamed its copy, per spec §4.4), it is a no-op.
func (s *Store) CommitChunk(
	ctx context.Context, chunkID int64, chunkSize int64, fileHash string, fileSize int64, compression, storageKey string,
) error {
	now := time.Now().UTC()

	res, err := s.db.NewUpdate().Model((*ChunkObject)(nil)).
		Set("chunk_size = ?", chunkSize).
		Set("file_hash = ?", fileHash).
		Set("file_size = ?", fileSize).
		Set("compression = ?", compression).
		Set("storage_key = ?", storageKey).
		Set("state = ?", ChunkStateCommitted).
		Set("updated_at = ?", now).
		Where("id = ? AND state = ?", chunkID, ChunkStateReserved).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error committing chunk %d: %w", chunkID, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	existing := new(ChunkObject)
	if err := s.db.NewSelect().Model(existing).Where("id = ?", chunkID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}

		return fmt.Errorf("error re-reading chunk %d: %w", chunkID, err)
	}

	if existing.State == ChunkStateCommitted && existing.FileHash == fileHash {
		return nil
	}

	return fmt.Errorf("%w: chunk %d file_hash %q", ErrChunkMissing, chunkID, fileHash)
}

// ListOrphanNars returns IDs of completed NarObjects with zero
// referring PathObjects, older than grace (spec §4.7 phase 2). A
// pending (not yet completed) NarObject is never returned here even
// once it outlives grace: an in-flight or merely slow upload is not
// an orphan, and FinalizeNar already cleans up the one case where a
// pending row is abandoned for good (two uploaders racing the same
// nar_hash, see FinalizeNar's duplicate-completed-nar handling).
func (s *Store) ListOrphanNars(ctx context.Context, grace time.Duration) ([]int64, error) {
	cutoff := time.Now().UTC().Add(-grace)

	var ids []int64

	err := s.db.NewSelect().
		Model((*NarObject)(nil)).
		Column("n.id").
		Where("n.completed = ?", true).
		Where("n.updated_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM path_objects po WHERE po.nar_id = n.id)").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("error listing orphan nars: %w", err)
	}

	return ids, nil
}

// ListOrphanChunks returns IDs of committed ChunkObjects with zero
// referring ChunkRefs, older than grace (spec §4.7).
func (s *Store) ListOrphanChunks(ctx context.Context, grace time.Duration) ([]int64, error) {
	cutoff := time.Now().UTC().Add(-grace)

	var ids []int64

	err := s.db.NewSelect().
		Model((*ChunkObject)(nil)).
		Column("ch.id").
		Where("ch.state = ?", ChunkStateCommitted).
		Where("ch.updated_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM chunk_refs cr WHERE cr.chunk_id = ch.id)").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("error listing orphan chunks: %w", err)
	}

	return ids, nil
}

// DeleteNar removes a NarObject row and its ChunkRefs. Called by the GC
// after any cleanup work that does not touch the object store (a
// NarObject has no object-store presence of its own).
func (s *Store) DeleteNar(ctx context.Context, narID int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*ChunkRef)(nil)).Where("nar_id = ?", narID).Exec(ctx); err != nil {
			return fmt.Errorf("error deleting chunk refs for nar %d: %w", narID, err)
		}

		if _, err := tx.NewDelete().Model((*NarObject)(nil)).Where("id = ?", narID).Exec(ctx); err != nil {
			return fmt.Errorf("error deleting nar %d: %w", narID, err)
		}

		return nil
	})
}

// DeleteChunk removes a ChunkObject row. Called by the GC only after the
// corresponding object-store object has been deleted.
func (s *Store) DeleteChunk(ctx context.Context, chunkID int64) error {
	if _, err := s.db.NewDelete().Model((*ChunkObject)(nil)).Where("id = ?", chunkID).Exec(ctx); err != nil {
		return fmt.Errorf("error deleting chunk %d: %w", chunkID, err)
	}

	return nil
}

// GetChunk returns the ChunkObject by id.
func (s *Store) GetChunk(ctx context.Context, chunkID int64) (*ChunkObject, error) {
	chunk := new(ChunkObject)

	err := s.db.NewSelect().Model(chunk).Where("id = ?", chunkID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting chunk %d: %w", chunkID, err)
	}

	return chunk, nil
}

// ListChunkRefs returns the ChunkRefs for narID in seq order.
func (s *Store) ListChunkRefs(ctx context.Context, narID int64) ([]*ChunkRef, error) {
	var refs []*ChunkRef

	err := s.db.NewSelect().Model(&refs).Where("nar_id = ?", narID).OrderExpr("seq ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing chunk refs for nar %d: %w", narID, err)
	}

	return refs, nil
}

// GetNar returns the NarObject by id.
func (s *Store) GetNar(ctx context.Context, narID int64) (*NarObject, error) {
	n := new(NarObject)

	err := s.db.NewSelect().Model(n).Where("id = ?", narID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting nar %d: %w", narID, err)
	}

	return n, nil
}

// GetPath returns the PathObject for (cacheID, hash), or ErrNotFound.
func (s *Store) GetPath(ctx context.Context, cacheID int64, hash string) (*PathObject, error) {
	p := new(PathObject)

	err := s.db.NewSelect().Model(p).Where("cache_id = ? AND store_path_hash = ?", cacheID, hash).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("error getting path %d/%s: %w", cacheID, hash, err)
	}

	return p, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
