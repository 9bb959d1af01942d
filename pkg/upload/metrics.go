package upload

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/zhaofengli/attic/pkg/upload"

	// Upload result constants for metrics.
	resultOK           = "ok"
	resultHashMismatch = "hash_mismatch"
	resultError        = "error"

	// Chunk outcome constants for metrics.
	chunkOutcomeNovel     = "novel"
	chunkOutcomeDeduped   = "deduped"
	chunkOutcomeTakenOver = "taken_over"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// uploadsTotal tracks completed UploadNar calls by outcome.
	//nolint:gochecknoglobals
	uploadsTotal metric.Int64Counter

	// uploadBytesTotal tracks bytes read from the client across
	// successful uploads, before chunking or compression.
	//nolint:gochecknoglobals
	uploadBytesTotal metric.Int64Counter

	// chunksTotal tracks chunks seen during ingest, by outcome (whether
	// this uploader stored new bytes for it or deduplicated against an
	// existing one).
	//nolint:gochecknoglobals
	chunksTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	uploadsTotal, err = meter.Int64Counter(
		"attic_uploads_total",
		metric.WithDescription("Total number of upload-path requests processed"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		panic(err)
	}

	uploadBytesTotal, err = meter.Int64Counter(
		"attic_upload_bytes_total",
		metric.WithDescription("Total uncompressed NAR bytes accepted by successful uploads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(err)
	}

	chunksTotal, err = meter.Int64Counter(
		"attic_upload_chunks_total",
		metric.WithDescription("Total chunks processed during ingest, by dedup outcome"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordUpload(ctx context.Context, result string, deduplicated bool, bytes int64) {
	if uploadsTotal == nil {
		return
	}

	uploadsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("result", result),
			attribute.Bool("deduplicated", deduplicated),
		),
	)

	if result == resultOK {
		uploadBytesTotal.Add(ctx, bytes)
	}
}

func recordChunk(ctx context.Context, outcome string) {
	if chunksTotal == nil {
		return
	}

	chunksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
