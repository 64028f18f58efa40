package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/internal/queue"
	"github.com/hupe1980/vistore/internal/resource"
	"github.com/hupe1980/vistore/model"
)

// Store is the part of a feature store the pipeline writes through.
type Store interface {
	featurestore.Updater
	FindIDByPath(ctx context.Context, path string) (id int64, found bool, err error)
	NextID(ctx context.Context) (int64, error)
}

// Summary reports the outcome of a run.
type Summary struct {
	// Imported counts items accepted by import. Missing files are not
	// included.
	Imported       int
	DroppedMissing int
	// DroppedFailed counts imported items that failed decode or extraction.
	DroppedFailed int
	Persisted     int
	FailedBatches int
	// FailedSources counts reconstructions that could not be listed.
	FailedSources int
	// BatchErrors holds one *BatchError per failed batch.
	BatchErrors []error
	Duration    time.Duration
}

// Err joins the batch errors, or returns nil if every batch committed.
func (s Summary) Err() error { return errors.Join(s.BatchErrors...) }

// Pipeline turns reconstructions into feature store rows through four
// stages: import, decode, describe (a worker pool) and persist. A Pipeline
// may be reused for several runs but must not run concurrently with itself
// against the same store.
type Pipeline struct {
	store     Store
	source    ReconstructionSource
	decoder   ImageDecoder
	extractor DescriptorExtractor
	opts      Options
}

// New returns a pipeline.
func New(store Store, source ReconstructionSource, decoder ImageDecoder, extractor DescriptorExtractor, optFns ...Option) (*Pipeline, error) {
	if store == nil || source == nil || decoder == nil || extractor == nil {
		return nil, fmt.Errorf("%w: nil collaborator", ErrInvalidOptions)
	}
	opts := applyOptions(optFns)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: workers=%d max_loaded=%d batch_size=%d progress_interval=%s",
			err, opts.Workers, opts.MaxLoaded, opts.BatchSize, opts.ProgressInterval)
	}
	return &Pipeline{store: store, source: source, decoder: decoder, extractor: extractor, opts: opts}, nil
}

// RunRecursive runs every immediate sub-directory of root as a
// reconstruction, in lexical order.
func (p *Pipeline) RunRecursive(ctx context.Context, root string) (Summary, error) {
	entries, err := p.opts.FileSystem.ReadDir(root)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: list %s: %w", root, err)
	}
	var recs []string
	for _, e := range entries {
		if e.IsDir() {
			recs = append(recs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(recs)
	return p.Run(ctx, recs...)
}

// Run ingests the given reconstructions. Per-item and per-batch failures are
// counted in the summary and do not stop the run. If ctx is cancelled, the
// stages stop at their next queue boundary, uncommitted rows are discarded
// and ctx.Err() is returned with the partial summary.
func (p *Pipeline) Run(ctx context.Context, reconstructions ...string) (Summary, error) {
	start := time.Now()
	r := &run{
		p:         p,
		importQ:   queue.NewFIFO[*WorkItem](),
		describeQ: queue.NewFIFO[*WorkItem](),
		persistQ:  queue.NewFIFO[*WorkItem](),
		rc: resource.NewController(resource.Config{
			MemoryLimitBytes:   p.opts.MemoryLimit,
			IOLimitBytesPerSec: p.opts.ReadLimit,
		}),
		logEvery:  &rate.Sometimes{First: 1, Interval: p.opts.LogInterval},
		persisted: make(chan struct{}),
	}

	p.opts.Logger.Info("ingest started", "reconstructions", len(reconstructions), "workers", p.opts.Workers)

	progress := spawn(func() { r.monitor(ctx) })
	importer := spawn(func() { r.importStage(ctx, reconstructions) })
	decoder := spawn(func() { r.decodeStage(ctx) })
	var describers errgroup.Group
	for range p.opts.Workers {
		describers.Go(func() error {
			r.describeStage(ctx)
			return nil
		})
	}
	persister := spawn(func() { r.persistStage(ctx) })

	importer.Wait()
	r.importQ.MarkFinished()
	r.importDone.Store(true)

	decoder.Wait()
	r.describeQ.MarkFinished()

	_ = describers.Wait()
	r.persistQ.MarkFinished()

	persister.Wait()
	close(r.persisted)
	progress.Wait()

	sum := r.summary()
	sum.Duration = time.Since(start)
	p.opts.Logger.Info("ingest finished",
		"imported", sum.Imported,
		"dropped_missing", sum.DroppedMissing,
		"dropped_failed", sum.DroppedFailed,
		"persisted", sum.Persisted,
		"failed_batches", sum.FailedBatches,
		"failed_sources", sum.FailedSources,
		"duration", sum.Duration,
	)

	if r.err != nil {
		return sum, r.err
	}
	return sum, ctx.Err()
}

func spawn(fn func()) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	return &wg
}

// run is the state of one Pipeline.Run.
type run struct {
	p *Pipeline

	importQ   *queue.FIFO[*WorkItem]
	describeQ *queue.FIFO[*WorkItem]
	persistQ  *queue.FIFO[*WorkItem]
	rc        *resource.Controller

	produced      atomic.Int64
	droppedMiss   atomic.Int64
	droppedFailed atomic.Int64
	committed     atomic.Int64
	rolledBack    atomic.Int64
	failedSources atomic.Int64
	importDone    atomic.Bool

	logEvery  *rate.Sometimes
	persisted chan struct{}

	// Owned by the import goroutine until it is joined.
	err error

	// Owned by the persist goroutine until it is joined.
	batches     int
	batchErrors []error
}

func (r *run) summary() Summary {
	return Summary{
		Imported:       int(r.produced.Load()),
		DroppedMissing: int(r.droppedMiss.Load()),
		DroppedFailed:  int(r.droppedFailed.Load()),
		Persisted:      int(r.committed.Load()),
		FailedBatches:  len(r.batchErrors),
		FailedSources:  int(r.failedSources.Load()),
		BatchErrors:    r.batchErrors,
	}
}

// importStage lists every reconstruction, drops missing files and assigns
// each item its row id. Ids of paths already in the store are reused; new
// paths take the next value of a counter seeded from the store.
func (r *run) importStage(ctx context.Context, reconstructions []string) {
	log := r.p.opts.Logger

	next, err := r.p.store.NextID(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.err = fmt.Errorf("ingest: next id: %w", err)
			log.Error("cannot start import", "error", err)
		}
		return
	}

	seen := make(map[string]int64)
	for _, rec := range reconstructions {
		if ctx.Err() != nil {
			return
		}
		refs, err := r.p.source.ListImages(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.failedSources.Add(1)
			log.Error("listing reconstruction failed", "reconstruction", rec, "error", err)
			continue
		}
		log.Debug("reconstruction listed", "reconstruction", rec, "count", len(refs))

		for _, ref := range refs {
			if ctx.Err() != nil {
				return
			}
			fi, err := r.p.opts.FileSystem.Stat(ref.Path)
			if err != nil || !fi.Mode().IsRegular() {
				r.missing(ref.Path, err)
				continue
			}

			id, ok := seen[ref.Path]
			if !ok {
				var found bool
				id, found, err = r.p.store.FindIDByPath(ctx, ref.Path)
				if err != nil {
					if ctx.Err() == nil {
						r.err = fmt.Errorf("ingest: lookup %s: %w", ref.Path, err)
						log.Error("path lookup failed", "path", ref.Path, "error", err)
					}
					return
				}
				if !found {
					id = next
					next++
				}
				seen[ref.Path] = id
			}

			r.produced.Add(1)
			r.p.opts.Metrics.OnItem(OutcomeImported)
			r.importQ.Push(&WorkItem{ID: id, ImageRef: ref, size: fi.Size()})
		}
	}
}

func (r *run) decodeStage(ctx context.Context) {
	for {
		item, ok := r.importQ.Pop(ctx)
		if !ok {
			return
		}
		if err := r.rc.AcquireIO(ctx, item.size); err != nil {
			return
		}

		img, err := r.p.decoder.DecodeGrayscale(ctx, item.Path)
		if err == nil && img == nil {
			err = errors.New("nil image")
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.drop(itemError(item, ErrDecode, err))
			continue
		}
		item.image = img
		item.pixels = int64(len(img.Pix))

		if err := r.rc.AcquireMemory(ctx, item.pixels); err != nil {
			return
		}
		// The only backpressure point: at most MaxLoaded decoded images
		// wait for a describe worker.
		if err := r.describeQ.WaitSizeBelow(ctx, r.p.opts.MaxLoaded); err != nil {
			r.rc.ReleaseMemory(item.pixels)
			return
		}
		r.describeQ.Push(item)
	}
}

func (r *run) describeStage(ctx context.Context) {
	for {
		item, ok := r.describeQ.Pop(ctx)
		if !ok {
			return
		}

		kps, desc, err := r.p.extractor.Extract(ctx, item.image)
		item.image = nil
		r.rc.ReleaseMemory(item.pixels)

		switch {
		case err != nil:
		case desc.Rows == 0:
			err = errors.New("no keypoints")
		case len(kps) != desc.Rows:
			err = fmt.Errorf("%d keypoints for %d descriptor rows", len(kps), desc.Rows)
		default:
			err = desc.Validate()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.drop(itemError(item, ErrExtract, err))
			continue
		}

		item.features = model.Features{Keypoints: kps, Descriptors: desc}
		r.persistQ.Push(item)
	}
}

func (r *run) persistStage(ctx context.Context) {
	batch := make([]*WorkItem, 0, r.p.opts.BatchSize)
	for {
		item, ok := r.persistQ.Pop(ctx)
		if !ok {
			break
		}
		batch = append(batch, item)
		if len(batch) == r.p.opts.BatchSize {
			r.flush(ctx, batch)
			batch = batch[:0]
		}
	}
	if len(batch) == 0 {
		return
	}
	if ctx.Err() != nil {
		r.p.opts.Logger.Warn("discarding partial batch", "count", len(batch))
		return
	}
	r.flush(ctx, batch)
}

// flush writes batch in one transaction using the ids carried by the items.
func (r *run) flush(ctx context.Context, batch []*WorkItem) {
	seq := r.batches
	r.batches++

	start := time.Now()
	err := r.p.store.Update(ctx, func(tx featurestore.Tx) error {
		for _, item := range batch {
			meta := model.Meta{ID: item.ID, Path: item.Path, Intrinsics: item.Intrinsics, Pose: item.Pose}
			if err := tx.PutMeta(meta); err != nil {
				return err
			}
			if err := tx.PutDescriptors(item.ID, item.features); err != nil {
				return err
			}
		}
		return nil
	})
	dur := time.Since(start)
	r.p.opts.Metrics.OnBatch(len(batch), dur, err)

	if err != nil {
		if ctx.Err() != nil {
			r.p.opts.Logger.Warn("batch rolled back on cancellation", "batch", seq, "count", len(batch))
			return
		}
		r.rolledBack.Add(int64(len(batch)))
		r.batchErrors = append(r.batchErrors, &BatchError{Batch: seq, FirstID: batch[0].ID, Items: len(batch), Err: err})
		r.p.opts.Logger.Error("persist batch failed", "batch", seq, "count", len(batch), "error", err)
		return
	}

	r.committed.Add(int64(len(batch)))
	r.p.opts.Logger.Debug("batch committed", "batch", seq, "count", len(batch), "duration", dur)
}

func (r *run) missing(path string, cause error) {
	r.droppedMiss.Add(1)
	r.p.opts.Metrics.OnItem(OutcomeMissing)
	r.p.opts.Logger.Warn("image file missing", "path", path, "error", cause)
	if r.p.opts.OnItemError != nil {
		err := ErrMissingFile
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrMissingFile, cause)
		}
		r.p.opts.OnItemError(&ItemError{Path: path, ID: -1, Err: err})
	}
}

func (r *run) drop(err *ItemError) {
	r.droppedFailed.Add(1)
	r.p.opts.Metrics.OnItem(OutcomeFailed)
	r.p.opts.Logger.Warn("dropping image", "path", err.Path, "id", err.ID, "error", err.Err)
	if r.p.opts.OnItemError != nil {
		r.p.opts.OnItemError(err)
	}
}

// monitor reports committed/produced until every imported item is settled,
// persist has finished, or ctx is done.
func (r *run) monitor(ctx context.Context) {
	t := time.NewTicker(r.p.opts.ProgressInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.persisted:
			return
		case <-t.C:
		}

		m := r.p.opts.Metrics
		m.OnQueueDepth(QueueImport, r.importQ.Size())
		m.OnQueueDepth(QueueDescribe, r.describeQ.Size())
		m.OnQueueDepth(QueuePersist, r.persistQ.Size())

		produced := r.produced.Load()
		committed := r.committed.Load()
		settled := committed + r.droppedFailed.Load() + r.rolledBack.Load()
		r.logEvery.Do(func() {
			r.p.opts.Logger.Info("ingest progress",
				"committed", committed,
				"produced", produced,
				"dropped", r.droppedMiss.Load()+r.droppedFailed.Load(),
			)
		})

		// Import must have finished, otherwise 0 >= 0 at start-up would
		// end the monitor early.
		if r.importDone.Load() && settled >= produced {
			return
		}
	}
}
