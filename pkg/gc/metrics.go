package gc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/zhaofengli/attic/pkg/gc"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// sweepsTotal tracks completed RunOnce calls.
	//nolint:gochecknoglobals
	sweepsTotal metric.Int64Counter

	// expiredPathsTotal tracks PathObjects expired by phase 1 across
	// all sweeps.
	//nolint:gochecknoglobals
	expiredPathsTotal metric.Int64Counter

	// orphanNarsTotal tracks NarObjects collected by phase 2.
	//nolint:gochecknoglobals
	orphanNarsTotal metric.Int64Counter

	// orphanChunksTotal tracks ChunkObjects collected by phase 3.
	//nolint:gochecknoglobals
	orphanChunksTotal metric.Int64Counter

	// retainedChunksTotal tracks ChunkObject rows phase 3 kept after a
	// failed object-store delete.
	//nolint:gochecknoglobals
	retainedChunksTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	sweepsTotal, err = meter.Int64Counter(
		"attic_gc_sweeps_total",
		metric.WithDescription("Total number of completed garbage collection sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		panic(err)
	}

	expiredPathsTotal, err = meter.Int64Counter(
		"attic_gc_expired_paths_total",
		metric.WithDescription("Total PathObjects expired by retention"),
		metric.WithUnit("{path}"),
	)
	if err != nil {
		panic(err)
	}

	orphanNarsTotal, err = meter.Int64Counter(
		"attic_gc_orphan_nars_total",
		metric.WithDescription("Total orphaned NarObjects collected"),
		metric.WithUnit("{nar}"),
	)
	if err != nil {
		panic(err)
	}

	orphanChunksTotal, err = meter.Int64Counter(
		"attic_gc_orphan_chunks_total",
		metric.WithDescription("Total orphaned ChunkObjects collected"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		panic(err)
	}

	retainedChunksTotal, err = meter.Int64Counter(
		"attic_gc_retained_chunks_total",
		metric.WithDescription("Total orphan ChunkObject rows retained for retry after a failed object-store delete"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordSweep(ctx context.Context, report Report) {
	if sweepsTotal == nil {
		return
	}

	sweepsTotal.Add(ctx, 1)
	expiredPathsTotal.Add(ctx, report.ExpiredPaths)
	orphanNarsTotal.Add(ctx, int64(report.OrphanNars))
	orphanChunksTotal.Add(ctx, int64(report.OrphanChunks))
	retainedChunksTotal.Add(ctx, int64(report.RetainedChunk))
}
