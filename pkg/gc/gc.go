// Package gc implements the multi-level garbage collector (spec
// §4.7): a three-phase sweep that expires stale PathObjects, then
// reclaims NarObjects and ChunkObjects that outlived every reference
// to them by more than a grace window.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/lock"
	"github.com/zhaofengli/attic/pkg/objectstore"
)

// lockKey is the Locker key guarding a sweep. There is only ever one GC
// sweep at a time across the whole deployment, so a single fixed key
// is enough; a per-cache key would only matter if sweeps were ever
// split per cache, which spec §4.7 does not call for.
const lockKey = "attic/gc/sweep"

// ErrSweepInProgress is returned by RunOnce when another sweep already
// holds the lock.
var ErrSweepInProgress = errors.New("gc: a sweep is already in progress")

// Config tunes one GC run.
type Config struct {
	// GraceWindow bounds how long a completed-but-unreferenced
	// NarObject or a committed-but-unreferenced ChunkObject survives
	// before being collected. Must comfortably exceed the longest
	// realistic upload, so that a chunk reserved by an in-flight
	// upload is never mistaken for an orphan.
	GraceWindow time.Duration

	// DefaultRetentionPeriod is the retention applied to a cache with
	// no per-cache RetentionPeriod set. Zero disables expiry for such
	// caches.
	DefaultRetentionPeriod time.Duration
}

// Report summarizes one completed run.
type Report struct {
	ExpiredPaths  int64
	OrphanNars    int
	OrphanChunks  int
	RetainedChunk int // orphan chunks whose object-store delete failed and were retained for retry
}

// Collector runs GC sweeps against a metadata store and an object
// store.
type Collector struct {
	db       *database.Store
	objStore objectstore.Store
	cfg      Config
	locker   lock.Locker
}

// New returns a Collector backed by db and objStore, configured by cfg.
func New(db *database.Store, objStore objectstore.Store, cfg Config) *Collector {
	return &Collector{db: db, objStore: objStore, cfg: cfg}
}

// SetLocker installs locker to serialize RunOnce across concurrent
// Collectors (e.g. more than one garbage-collector-mode replica
// pointed at the same database). A nil locker, the default, performs
// no coordination — correct for a single-replica deployment, where
// RunOnce's own idempotency is enough.
func (c *Collector) SetLocker(locker lock.Locker) { c.locker = locker }

// RunOnce runs the three sweep phases in order and returns a summary.
// Each phase runs to completion even if later phases would be
// affected by what it collects; the GC never holds a single
// long-running transaction across phases (spec §4.7: "holds no
// long-running locks; it batches work"). If a Locker is installed via
// SetLocker, RunOnce holds it only around the sweep as a whole, to
// avoid two replicas redoing each other's work; it returns
// ErrSweepInProgress rather than blocking, since a skipped sweep is
// caught up by the next scheduled one.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	if c.locker != nil {
		acquired, err := c.locker.TryLock(ctx, lockKey, c.cfg.GraceWindow)
		if err != nil {
			return Report{}, fmt.Errorf("gc: error acquiring sweep lock: %w", err)
		}

		if !acquired {
			return Report{}, ErrSweepInProgress
		}

		defer func() {
			if err := c.locker.Unlock(ctx, lockKey); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("gc: error releasing sweep lock")
			}
		}()
	}

	var report Report

	expired, err := c.expireLocalPaths(ctx)
	if err != nil {
		return report, fmt.Errorf("gc: error expiring local paths: %w", err)
	}

	report.ExpiredPaths = expired

	orphanNars, err := c.collectOrphanNars(ctx)
	if err != nil {
		return report, fmt.Errorf("gc: error collecting orphan nars: %w", err)
	}

	report.OrphanNars = orphanNars

	orphanChunks, retained, err := c.collectOrphanChunks(ctx)
	if err != nil {
		return report, fmt.Errorf("gc: error collecting orphan chunks: %w", err)
	}

	report.OrphanChunks = orphanChunks
	report.RetainedChunk = retained

	recordSweep(ctx, report)

	return report, nil
}

// expireLocalPaths implements phase 1: for every cache, delete
// PathObjects whose last_accessed_at predates that cache's retention
// period (its own, or the global default if unset).
func (c *Collector) expireLocalPaths(ctx context.Context) (int64, error) {
	caches, err := c.db.ListCaches(ctx)
	if err != nil {
		return 0, err
	}

	var total int64

	for _, cache := range caches {
		retention := c.cfg.DefaultRetentionPeriod
		if cache.RetentionPeriod != nil {
			retention = time.Duration(*cache.RetentionPeriod) * time.Second
		}

		if retention <= 0 {
			continue
		}

		n, err := c.db.ExpirePaths(ctx, cache.ID, retention)
		if err != nil {
			return total, fmt.Errorf("error expiring paths for cache %q: %w", cache.Name, err)
		}

		total += n
	}

	return total, nil
}

// collectOrphanNars implements phase 2: completed NarObjects with no
// referring PathObject, older than the grace window.
func (c *Collector) collectOrphanNars(ctx context.Context) (int, error) {
	ids, err := c.db.ListOrphanNars(ctx, c.cfg.GraceWindow)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := c.db.DeleteNar(ctx, id); err != nil {
			return 0, fmt.Errorf("error deleting orphan nar %d: %w", id, err)
		}
	}

	return len(ids), nil
}

// collectOrphanChunks implements phase 3: committed ChunkObjects with
// no referring ChunkRef, older than the grace window. The object-store
// blob is deleted before the row; a row whose blob deletion fails is
// left in place for the next run to retry.
func (c *Collector) collectOrphanChunks(ctx context.Context) (deleted, retained int, err error) {
	ids, err := c.db.ListOrphanChunks(ctx, c.cfg.GraceWindow)
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		chunk, err := c.db.GetChunk(ctx, id)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}

			return deleted, retained, fmt.Errorf("error loading chunk %d: %w", id, err)
		}

		if err := c.objStore.Delete(ctx, chunk.StorageKey); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("chunk_id", id).Str("storage_key", chunk.StorageKey).
				Msg("gc: error deleting chunk object, retaining row for retry")

			retained++

			continue
		}

		if err := c.db.DeleteChunk(ctx, id); err != nil {
			return deleted, retained, fmt.Errorf("error deleting chunk row %d: %w", id, err)
		}

		deleted++
	}

	return deleted, retained, nil
}
