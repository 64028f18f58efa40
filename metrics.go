package vistore

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/vistore/enrich"
	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/retrieval"
)

// MetricsCollector receives metrics from every component of a Store.
// prommetrics.Collector is a Prometheus implementation.
type MetricsCollector interface {
	featurestore.MetricsObserver
	ingest.MetricsObserver
	enrich.MetricsObserver
	retrieval.MetricsObserver
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) OnCommit(string, int, time.Duration, error) {}
func (NoopMetricsCollector) OnItem(string)                              {}
func (NoopMetricsCollector) OnBatch(int, time.Duration, error)          {}
func (NoopMetricsCollector) OnQueueDepth(string, int)                   {}
func (NoopMetricsCollector) OnSignatureBatch(int, time.Duration, error) {}
func (NoopMetricsCollector) OnRetrieve(int, int, time.Duration, error)  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	Commits       atomic.Int64
	CommitErrors  atomic.Int64
	CommitRows    atomic.Int64
	CommitNanos   atomic.Int64
	Imported      atomic.Int64
	Missing       atomic.Int64
	Failed        atomic.Int64
	Batches       atomic.Int64
	BatchErrors   atomic.Int64
	Signatures    atomic.Int64
	Retrievals    atomic.Int64
	RetrieveNanos atomic.Int64
	RetrieveErrs  atomic.Int64
	maxDepth      atomic.Int64
}

// OnCommit implements featurestore.MetricsObserver.
func (b *BasicMetricsCollector) OnCommit(_ string, rows int, duration time.Duration, err error) {
	b.Commits.Add(1)
	b.CommitNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.CommitRows.Add(int64(rows))
}

// OnItem implements ingest.MetricsObserver.
func (b *BasicMetricsCollector) OnItem(outcome string) {
	switch outcome {
	case ingest.OutcomeImported:
		b.Imported.Add(1)
	case ingest.OutcomeMissing:
		b.Missing.Add(1)
	case ingest.OutcomeFailed:
		b.Failed.Add(1)
	}
}

// OnBatch implements ingest.MetricsObserver.
func (b *BasicMetricsCollector) OnBatch(_ int, _ time.Duration, err error) {
	b.Batches.Add(1)
	if err != nil {
		b.BatchErrors.Add(1)
	}
}

// OnQueueDepth implements ingest.MetricsObserver. Only the high-water mark
// is kept.
func (b *BasicMetricsCollector) OnQueueDepth(_ string, depth int) {
	for {
		cur := b.maxDepth.Load()
		if int64(depth) <= cur || b.maxDepth.CompareAndSwap(cur, int64(depth)) {
			return
		}
	}
}

// OnSignatureBatch implements enrich.MetricsObserver.
func (b *BasicMetricsCollector) OnSignatureBatch(rows int, _ time.Duration, err error) {
	if err == nil {
		b.Signatures.Add(int64(rows))
	}
}

// OnRetrieve implements retrieval.MetricsObserver.
func (b *BasicMetricsCollector) OnRetrieve(_, _ int, duration time.Duration, err error) {
	b.Retrievals.Add(1)
	b.RetrieveNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RetrieveErrs.Add(1)
	}
}

// MetricsStats is a point-in-time snapshot of a BasicMetricsCollector.
type MetricsStats struct {
	Commits          int64
	CommitErrors     int64
	CommitRows       int64
	CommitAvgNanos   int64
	Imported         int64
	DroppedMissing   int64
	DroppedFailed    int64
	Batches          int64
	BatchErrors      int64
	Signatures       int64
	Retrievals       int64
	RetrieveErrors   int64
	RetrieveAvgNanos int64
	MaxQueueDepth    int64
}

// GetStats returns a snapshot of the current counters.
func (b *BasicMetricsCollector) GetStats() MetricsStats {
	s := MetricsStats{
		Commits:        b.Commits.Load(),
		CommitErrors:   b.CommitErrors.Load(),
		CommitRows:     b.CommitRows.Load(),
		Imported:       b.Imported.Load(),
		DroppedMissing: b.Missing.Load(),
		DroppedFailed:  b.Failed.Load(),
		Batches:        b.Batches.Load(),
		BatchErrors:    b.BatchErrors.Load(),
		Signatures:     b.Signatures.Load(),
		Retrievals:     b.Retrievals.Load(),
		RetrieveErrors: b.RetrieveErrs.Load(),
		MaxQueueDepth:  b.maxDepth.Load(),
	}
	if s.Commits > 0 {
		s.CommitAvgNanos = b.CommitNanos.Load() / s.Commits
	}
	if s.Retrievals > 0 {
		s.RetrieveAvgNanos = b.RetrieveNanos.Load() / s.Retrievals
	}
	return s
}
