package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/model"
)

// ErrInvalidOptions is returned by New.
var ErrInvalidOptions = errors.New("enrich: invalid options")

// Store is the part of a feature store the pass reads and writes.
type Store interface {
	ListIDs(ctx context.Context) (*roaring64.Bitmap, error)
	ListSignatureIDs(ctx context.Context) (*roaring64.Bitmap, error)
	GetDescriptors(ctx context.Context, id int64) (model.Features, error)
	PutSignatureBatch(ctx context.Context, rows []featurestore.SignatureRow) error
}

// Transformer maps a descriptor matrix to a signature. It must be safe for
// concurrent use; *vocabulary.Vocabulary is.
type Transformer interface {
	Transform(descriptors model.Matrix) (model.Signature, error)
}

// MetricsObserver observes an enrichment pass.
type MetricsObserver interface {
	OnSignatureBatch(rows int, duration time.Duration, err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnSignatureBatch(int, time.Duration, error) {}

// Options configures an Enricher.
type Options struct {
	BatchSize int
	Workers   int
	// OnlyMissing skips rows that already have a signature.
	OnlyMissing bool
	Logger      *slog.Logger
	Metrics     MetricsObserver
}

// Option is a functional option.
type Option func(*Options)

// WithBatchSize sets the rows per write transaction.
func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

// WithWorkers bounds concurrent transforms.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithOnlyMissing controls whether existing signatures are recomputed.
func WithOnlyMissing(b bool) Option { return func(o *Options) { o.OnlyMissing = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics observer.
func WithMetrics(m MetricsObserver) Option { return func(o *Options) { o.Metrics = m } }

// Summary reports an enrichment pass.
type Summary struct {
	// Candidates is the number of rows considered after skipping.
	Candidates int
	// Skipped rows already had a signature.
	Skipped            int
	Enriched           int
	MissingDescriptors int
	TransformFailed    int
	FailedBatches      int
	BatchErrors        []error
}

// Enricher computes signatures for persisted rows.
type Enricher struct {
	store Store
	vocab Transformer
	opts  Options
}

// New returns an Enricher. By default it skips rows that already have a
// signature and writes batches of 500.
func New(store Store, vocab Transformer, optFns ...Option) (*Enricher, error) {
	if store == nil || vocab == nil {
		return nil, fmt.Errorf("%w: nil collaborator", ErrInvalidOptions)
	}
	opts := Options{
		BatchSize:   500,
		Workers:     runtime.NumCPU(),
		OnlyMissing: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize < 1 || opts.Workers < 1 {
		return nil, fmt.Errorf("%w: batch_size=%d workers=%d", ErrInvalidOptions, opts.BatchSize, opts.Workers)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsObserver{}
	}
	return &Enricher{store: store, vocab: vocab, opts: opts}, nil
}

// FillSignatures runs one pass in ascending id order. A batch whose write
// fails is counted and the pass continues; read failures and cancellation
// end the pass and are returned with the partial summary.
func (e *Enricher) FillSignatures(ctx context.Context) (Summary, error) {
	var sum Summary

	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return sum, err
	}
	if e.opts.OnlyMissing {
		have, err := e.store.ListSignatureIDs(ctx)
		if err != nil {
			return sum, err
		}
		before := ids.GetCardinality()
		ids.AndNot(have)
		sum.Skipped = int(before - ids.GetCardinality())
	}
	sum.Candidates = int(ids.GetCardinality())
	e.opts.Logger.Info("enrichment started", "count", sum.Candidates, "skipped", sum.Skipped)

	batch := make([]int64, 0, e.opts.BatchSize)
	seq := 0
	it := ids.Iterator()
	for it.HasNext() {
		batch = append(batch, int64(it.Next()))
		if len(batch) < e.opts.BatchSize && it.HasNext() {
			continue
		}
		if err := e.processBatch(ctx, seq, batch, &sum); err != nil {
			return sum, err
		}
		seq++
		batch = batch[:0]
	}

	e.opts.Logger.Info("enrichment finished",
		"enriched", sum.Enriched,
		"missing_descriptors", sum.MissingDescriptors,
		"transform_failed", sum.TransformFailed,
		"failed_batches", sum.FailedBatches,
	)
	return sum, nil
}

type outcome uint8

const (
	outcomeOK outcome = iota
	outcomeMissing
	outcomeFailed
)

func (e *Enricher) processBatch(ctx context.Context, seq int, ids []int64, sum *Summary) error {
	sigs := make([]model.Signature, len(ids))
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, id := range ids {
		g.Go(func() error {
			f, err := e.store.GetDescriptors(gctx, id)
			if errors.Is(err, featurestore.ErrNotFound) || (err == nil && f.Descriptors.Rows == 0) {
				outcomes[i] = outcomeMissing
				return nil
			}
			if err != nil {
				return err
			}
			sig, err := e.vocab.Transform(f.Descriptors)
			if err != nil {
				outcomes[i] = outcomeFailed
				e.opts.Logger.Warn("transform failed", "id", id, "error", err)
				return nil
			}
			sigs[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rows := make([]featurestore.SignatureRow, 0, len(ids))
	for i, id := range ids {
		switch outcomes[i] {
		case outcomeMissing:
			sum.MissingDescriptors++
		case outcomeFailed:
			sum.TransformFailed++
		default:
			rows = append(rows, featurestore.SignatureRow{ID: id, Signature: sigs[i]})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	err := e.store.PutSignatureBatch(ctx, rows)
	e.opts.Metrics.OnSignatureBatch(len(rows), time.Since(start), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		sum.FailedBatches++
		sum.BatchErrors = append(sum.BatchErrors, fmt.Errorf("enrich: batch %d: %w", seq, err))
		e.opts.Logger.Error("signature batch failed", "batch", seq, "count", len(rows), "error", err)
		return nil
	}
	sum.Enriched += len(rows)
	e.opts.Logger.Debug("signature batch committed", "batch", seq, "count", len(rows))
	return nil
}
