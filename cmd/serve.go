package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/zhaofengli/attic/pkg/auth"
	"github.com/zhaofengli/attic/pkg/chunker"
	"github.com/zhaofengli/attic/pkg/config"
	"github.com/zhaofengli/attic/pkg/database"
	"github.com/zhaofengli/attic/pkg/gc"
	locklocal "github.com/zhaofengli/attic/pkg/lock/local"
	"github.com/zhaofengli/attic/pkg/metrics"
	"github.com/zhaofengli/attic/pkg/nar"
	"github.com/zhaofengli/attic/pkg/objectstore"
	"github.com/zhaofengli/attic/pkg/objectstore/local"
	"github.com/zhaofengli/attic/pkg/objectstore/s3"
	"github.com/zhaofengli/attic/pkg/retrieval"
	"github.com/zhaofengli/attic/pkg/server"
	"github.com/zhaofengli/attic/pkg/signing"
	"github.com/zhaofengli/attic/pkg/upload"
)

// serveFlags returns every flag recognized by spec §6's configuration
// keys table, each layered flag > env > config file > default via
// flagSources exactly like the root command's own flags.
func serveFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "mode",
			Usage:   "monolithic, api-server, garbage-collector, garbage-collector-once, or check-config",
			Sources: flagSources("mode", "ATTIC_MODE"),
			Value:   string(config.ModeMonolithic),
		},
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "Address to listen on (monolithic, api-server)",
			Sources: flagSources("listen", "ATTIC_LISTEN"),
			Value:   ":8080",
		},
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL",
			Sources:  flagSources("database.url", "ATTIC_DATABASE_URL"),
			Required: true,
		},
		&cli.IntFlag{
			Name:    "database-max-open-conns",
			Sources: flagSources("database.max-open-conns", "ATTIC_DATABASE_MAX_OPEN_CONNS"),
		},
		&cli.IntFlag{
			Name:    "database-max-idle-conns",
			Sources: flagSources("database.max-idle-conns", "ATTIC_DATABASE_MAX_IDLE_CONNS"),
		},
		&cli.StringFlag{
			Name:    "storage-type",
			Usage:   "local or s3",
			Sources: flagSources("storage.type", "ATTIC_STORAGE_TYPE"),
			Value:   "local",
		},
		&cli.StringFlag{
			Name:    "storage-path",
			Usage:   "Base directory for local storage",
			Sources: flagSources("storage.path", "ATTIC_STORAGE_PATH"),
		},
		&cli.StringFlag{
			Name:    "storage-endpoint",
			Usage:   "S3-compatible endpoint URL, including scheme",
			Sources: flagSources("storage.endpoint", "ATTIC_STORAGE_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "storage-region",
			Sources: flagSources("storage.region", "ATTIC_STORAGE_REGION"),
		},
		&cli.StringFlag{
			Name:    "storage-bucket",
			Sources: flagSources("storage.bucket", "ATTIC_STORAGE_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "storage-access-key-id",
			Sources: flagSources("storage.credentials.access-key-id", "ATTIC_STORAGE_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "storage-secret-access-key",
			Sources: flagSources("storage.credentials.secret-access-key", "ATTIC_STORAGE_SECRET_ACCESS_KEY"),
		},
		&cli.UintFlag{
			Name:    "chunking-nar-size-threshold",
			Usage:   "NARs below this size are stored as a single chunk",
			Sources: flagSources("chunking.nar-size-threshold", "ATTIC_CHUNKING_NAR_SIZE_THRESHOLD"),
			Value:   128 * 1024,
		},
		&cli.UintFlag{
			Name:    "chunking-min-size",
			Sources: flagSources("chunking.min-size", "ATTIC_CHUNKING_MIN_SIZE"),
			Value:   16 * 1024,
		},
		&cli.UintFlag{
			Name:    "chunking-avg-size",
			Sources: flagSources("chunking.avg-size", "ATTIC_CHUNKING_AVG_SIZE"),
			Value:   64 * 1024,
		},
		&cli.UintFlag{
			Name:    "chunking-max-size",
			Sources: flagSources("chunking.max-size", "ATTIC_CHUNKING_MAX_SIZE"),
			Value:   256 * 1024,
		},
		&cli.StringFlag{
			Name:    "compression-type",
			Usage:   "none, zstd, xz, or brotli",
			Sources: flagSources("compression.type", "ATTIC_COMPRESSION_TYPE"),
			Value:   string(nar.CompressionTypeZstd),
		},
		&cli.IntFlag{
			Name:    "compression-level",
			Sources: flagSources("compression.level", "ATTIC_COMPRESSION_LEVEL"),
			Value:   3,
		},
		&cli.BoolFlag{
			Name:    "require-proof-of-possession",
			Usage:   "Disable the whole-NAR dedup short-circuit, forcing every uploader to stream its full body",
			Sources: flagSources("require-proof-of-possession", "ATTIC_REQUIRE_PROOF_OF_POSSESSION"),
		},
		&cli.StringFlag{
			Name:    "jwt-hs256-secret-base64",
			Sources: flagSources("jwt.hs256-secret-base64", "ATTIC_JWT_HS256_SECRET_BASE64"),
		},
		&cli.StringFlag{
			Name:    "jwt-rs256-secret-base64",
			Sources: flagSources("jwt.rs256-secret-base64", "ATTIC_JWT_RS256_SECRET_BASE64"),
		},
		&cli.StringFlag{
			Name:    "jwt-rs256-public-base64",
			Sources: flagSources("jwt.rs256-public-base64", "ATTIC_JWT_RS256_PUBLIC_BASE64"),
		},
		&cli.DurationFlag{
			Name:    "gc-interval",
			Usage:   "How often the garbage-collector mode runs a sweep",
			Sources: flagSources("garbage-collection.interval", "ATTIC_GC_INTERVAL"),
			Value:   time.Hour,
		},
		&cli.DurationFlag{
			Name:    "gc-default-retention-period",
			Usage:   "Retention applied to caches with no per-cache override; 0 disables expiry",
			Sources: flagSources("garbage-collection.default-retention-period", "ATTIC_GC_DEFAULT_RETENTION_PERIOD"),
		},
		&cli.DurationFlag{
			Name:    "gc-grace-window",
			Usage:   "How long an orphaned NAR or chunk survives before being collected",
			Sources: flagSources("garbage-collection.grace-window", "ATTIC_GC_GRACE_WINDOW"),
			Value:   time.Hour,
		},
	}
}

// loadConfig maps parsed flags into a config.Config. It performs no I/O
// and no validation beyond type conversion; cfg.Validate does the rest.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	jwt := config.JWTConfig{
		HS256SecretBase64: cmd.String("jwt-hs256-secret-base64"),
		RS256SecretBase64: cmd.String("jwt-rs256-secret-base64"),
		RS256PublicBase64: cmd.String("jwt-rs256-public-base64"),
	}

	var masterSecret []byte

	if jwt.UsesHS256() {
		secret, err := jwt.DecodeHS256Secret()
		if err != nil {
			return config.Config{}, fmt.Errorf("cmd: error decoding jwt.hs256-secret-base64: %w", err)
		}

		masterSecret = secret
	}

	return config.Config{
		Mode:   config.Mode(cmd.String("mode")),
		Listen: cmd.String("listen"),
		Database: config.DatabaseConfig{
			URL:          cmd.String("database-url"),
			MaxOpenConns: int(cmd.Int("database-max-open-conns")),
			MaxIdleConns: int(cmd.Int("database-max-idle-conns")),
		},
		Storage: config.StorageConfig{
			Type:            config.StorageType(cmd.String("storage-type")),
			Path:            cmd.String("storage-path"),
			Endpoint:        cmd.String("storage-endpoint"),
			Region:          cmd.String("storage-region"),
			Bucket:          cmd.String("storage-bucket"),
			AccessKeyID:     cmd.String("storage-access-key-id"),
			SecretAccessKey: cmd.String("storage-secret-access-key"),
		},
		Chunking: config.ChunkingConfig{
			NarSizeThreshold: uint64(cmd.Uint("chunking-nar-size-threshold")),
			MinSize:          uint32(cmd.Uint("chunking-min-size")),
			AvgSize:          uint32(cmd.Uint("chunking-avg-size")),
			MaxSize:          uint32(cmd.Uint("chunking-max-size")),
		},
		Compression: config.CompressionConfig{
			Type:  nar.CompressionType(cmd.String("compression-type")),
			Level: int(cmd.Int("compression-level")),
		},
		JWT:                      jwt,
		RequireProofOfPossession: cmd.Bool("require-proof-of-possession"),
		GC: config.GCConfig{
			Interval:               cmd.Duration("gc-interval"),
			DefaultRetentionPeriod: cmd.Duration("gc-default-retention-period"),
			GraceWindow:            cmd.Duration("gc-grace-window"),
		},
		MasterSecret: masterSecret,
	}, nil
}

// components are the runtime objects shared by every server mode.
type components struct {
	db        *database.Store
	objStore  objectstore.Store
	keys      *signing.KeyProvider
	verifier  *auth.Verifier
	collector *gc.Collector
}

func buildComponents(ctx context.Context, cfg config.Config) (*components, error) {
	db, err := database.Open(ctx, cfg.Database.URL, &database.PoolConfig{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("cmd: error opening database: %w", err)
	}

	objStore, err := buildObjectStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	var verifier *auth.Verifier

	switch {
	case cfg.JWT.UsesHS256():
		verifier = auth.NewHS256Verifier(cfg.MasterSecret)
	case cfg.JWT.UsesRS256():
		pub, err := cfg.JWT.DecodeRS256PublicKey()
		if err != nil {
			return nil, err
		}

		verifier = auth.NewRS256Verifier(pub)
	}

	collector := gc.New(db, objStore, gc.Config{
		GraceWindow:            cfg.GC.GraceWindow,
		DefaultRetentionPeriod: cfg.GC.DefaultRetentionPeriod,
	})

	// Guards concurrent sweeps across replicas; a single-process
	// deployment never contends on it. A distributed deployment
	// running more than one garbage-collector replica against a
	// shared Redis would swap this for lock/redis.NewLocker instead,
	// which spec §6 leaves unconfigured (no redis.* config keys), so
	// only the local backend is wired here.
	collector.SetLocker(locklocal.NewLocker())

	return &components{
		db:        db,
		objStore:  objStore,
		keys:      signing.NewKeyProvider(cfg.MasterSecret),
		verifier:  verifier,
		collector: collector,
	}, nil
}

func buildObjectStore(ctx context.Context, cfg config.StorageConfig) (objectstore.Store, error) {
	switch cfg.Type {
	case config.StorageTypeLocal:
		st, err := local.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("cmd: error creating local storage at %q: %w", cfg.Path, err)
		}

		return st, nil
	case config.StorageTypeS3:
		s3Cfg := s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			ForcePathStyle:  true,
		}

		st, err := s3.New(ctx, s3Cfg, objectstore.DefaultRetryConfig)
		if err != nil {
			return nil, fmt.Errorf("cmd: error creating S3 storage: %w", err)
		}

		return st, nil
	default:
		return nil, fmt.Errorf("cmd: unknown storage type %q", cfg.Type)
	}
}

func buildChunker(cfg config.Config) (*chunker.CDCChunker, error) {
	return chunker.New(chunker.Config{
		MinSize:   cfg.Chunking.MinSize,
		AvgSize:   cfg.Chunking.AvgSize,
		MaxSize:   cfg.Chunking.MaxSize,
		Threshold: cfg.Chunking.NarSizeThreshold,
	})
}

// dispatch starts whichever subsystems cfg.Mode selects (spec §6 Server
// modes) and blocks until ctx is canceled or a fatal error occurs.
func dispatch(ctx context.Context, cmd *cli.Command, cfg config.Config) error {
	logger := zerolog.Ctx(ctx).With().Str("mode", string(cfg.Mode)).Logger()
	ctx = logger.WithContext(ctx)

	if cfg.Mode == config.ModeCheckConfig {
		logger.Info().Msg("configuration is valid")

		return nil
	}

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case config.ModeGarbageCollectorOnce:
		return runGCOnce(ctx, comps)
	case config.ModeGarbageCollector:
		return runGCLoop(ctx, comps, cfg.GC.Interval)
	case config.ModeAPIServer:
		return runServer(ctx, cmd, comps, cfg, false)
	case config.ModeMonolithic:
		return runServer(ctx, cmd, comps, cfg, true)
	default:
		return fmt.Errorf("cmd: unknown server mode %q", cfg.Mode)
	}
}

func runServer(ctx context.Context, cmd *cli.Command, comps *components, cfg config.Config, withGC bool) error {
	logger := zerolog.Ctx(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return autoMaxProcs(ctx, 30*time.Second, *logger)
	})

	chunk, err := buildChunker(cfg)
	if err != nil {
		return fmt.Errorf("cmd: error creating chunker: %w", err)
	}

	uploader := upload.New(comps.db, comps.objStore, chunk, upload.Config{
		ReservationTTL:           5 * time.Minute,
		ElsewhereWait:            30 * time.Second,
		PollInterval:             200 * time.Millisecond,
		Compression:              cfg.Compression.Type,
		RequireProofOfPossession: cfg.RequireProofOfPossession,
	})

	retrievalPipeline := retrieval.New(comps.db, comps.objStore, comps.keys)

	var metricsHandler http.Handler

	if cmd.Root().Bool("prometheus-enabled") {
		registry, shutdown, err := metrics.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
		if err != nil {
			return fmt.Errorf("cmd: error setting up Prometheus metrics: %w", err)
		}

		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
			}
		}()

		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	srv := server.New(comps.db, comps.objStore, uploader, retrievalPipeline, comps.keys, comps.verifier, cfg.MasterSecret, metricsHandler)

	if withGC && cfg.GC.Interval > 0 {
		g.Go(func() error {
			return runGCLoop(ctx, comps, cfg.GC.Interval)
		})
	}

	httpServer := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		<-ctx.Done()

		return httpServer.Close()
	})

	logger.Info().Str("listen", cfg.Listen).Msg("server started")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("cmd: error starting the HTTP listener: %w", err)
	}

	return g.Wait()
}

func runGCOnce(ctx context.Context, comps *components) error {
	report, err := comps.collector.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("cmd: error running garbage collection: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Int64("expired_paths", report.ExpiredPaths).
		Int("orphan_nars", report.OrphanNars).
		Int("orphan_chunks", report.OrphanChunks).
		Int("retained_chunks", report.RetainedChunk).
		Msg("garbage collection sweep complete")

	return nil
}

func runGCLoop(ctx context.Context, comps *components, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := runGCOnce(ctx, comps); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("garbage collection sweep failed")
			}
		}
	}
}
