package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vistore"
	"github.com/hupe1980/vistore/blobstore"
	miniostore "github.com/hupe1980/vistore/blobstore/minio"
	"github.com/hupe1980/vistore/blobstore/s3"
	"github.com/hupe1980/vistore/descriptor"
	"github.com/hupe1980/vistore/enrich"
	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/featurestore/postgres"
	"github.com/hupe1980/vistore/imaging"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/internal/config"
	"github.com/hupe1980/vistore/prommetrics"
	"github.com/hupe1980/vistore/vocabulary"
)

// app is an opened store plus the services that live as long as it.
type app struct {
	cfg     *config.Config
	store   *vistore.Store
	metrics *http.Server
}

func (a *app) Close() error {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	return a.store.Close()
}

func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	collector := prommetrics.New(nil)

	optFns, err := storeOptions(ctx, cfg, logger, collector)
	if err != nil {
		return nil, err
	}
	store, err := vistore.Open(ctx, cfg.DataDir, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, store: store}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		a.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}
	return a, nil
}

func newLogger(cfg config.LogConfig) *vistore.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Format == "json" {
		return vistore.NewJSONLogger(level)
	}
	return vistore.NewTextLogger(level)
}

// storeOptions translates the configuration into vistore options.
func storeOptions(ctx context.Context, cfg *config.Config, logger *vistore.Logger, mc vistore.MetricsCollector) ([]vistore.Option, error) {
	compression, err := featurestore.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return nil, err
	}

	ex, err := descriptor.NewDenseExtractor(
		descriptor.WithStride(cfg.Extractor.Stride),
		descriptor.WithPatchSize(cfg.Extractor.PatchSize),
		descriptor.WithMinContrast(cfg.Extractor.MinContrast),
		descriptor.WithMaxKeypoints(cfg.Extractor.MaxKeypoints),
	)
	if err != nil {
		return nil, err
	}

	optFns := []vistore.Option{
		vistore.WithLogger(logger),
		vistore.WithMetrics(mc),
		vistore.WithCompression(compression),
		vistore.WithExtractor(ex),
		vistore.WithDecoder(imaging.NewDecoder(
			imaging.WithMaxDim(cfg.Extractor.MaxDim),
			imaging.WithLogger(logger.Logger),
		)),
		vistore.WithVocabulary(cfg.Vocabulary.Name, vocabulary.Params{
			Branching:     cfg.Vocabulary.Branching,
			Depth:         cfg.Vocabulary.Depth,
			MaxIterations: cfg.Vocabulary.MaxIterations,
			Seed:          cfg.Vocabulary.Seed,
		}, cfg.Vocabulary.CorpusImages),
		vistore.WithIngestOptions(
			ingest.WithWorkers(cfg.Ingest.Workers),
			ingest.WithMaxLoaded(cfg.Ingest.MaxLoaded),
			ingest.WithBatchSize(cfg.Ingest.BatchSize),
			ingest.WithMemoryLimit(cfg.Ingest.MemoryLimit),
			ingest.WithReadLimit(cfg.Ingest.ReadLimit),
		),
		vistore.WithEnrichOptions(
			enrich.WithBatchSize(cfg.Enrich.BatchSize),
			enrich.WithWorkers(cfg.Enrich.Workers),
		),
	}

	blobs, err := blobStore(ctx, cfg.Vocabulary.Blob)
	if err != nil {
		return nil, err
	}
	if blobs != nil {
		optFns = append(optFns, vistore.WithBlobStore(blobs))
	}

	if cfg.Store.Backend == "postgres" {
		pg, err := postgres.New(ctx, postgres.Config{DSN: cfg.Store.PostgresDSN, MigrateOnStart: true},
			featurestore.WithCompression(compression),
			featurestore.WithLogger(logger.Logger),
			featurestore.WithMetrics(mc),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		optFns = append(optFns, vistore.WithFeatureStore(pg))
	}
	return optFns, nil
}

// blobStore returns nil for the local backend; vistore.Open then keeps the
// vocabulary in the data directory.
func blobStore(ctx context.Context, cfg config.BlobConfig) (blobstore.BlobStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return nil, nil
	case "s3":
		return s3.New(ctx, cfg.Bucket, s3.WithPrefix(cfg.Prefix), s3.WithRegion(cfg.Region))
	case "minio":
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return miniostore.NewStore(client, cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
