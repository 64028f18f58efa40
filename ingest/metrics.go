package ingest

import "time"

// Item outcomes reported to MetricsObserver.OnItem.
const (
	OutcomeImported = "imported"
	OutcomeMissing  = "missing"
	OutcomeFailed   = "failed"
)

// Queue names reported to MetricsObserver.OnQueueDepth.
const (
	QueueImport   = "import"
	QueueDescribe = "describe"
	QueuePersist  = "persist"
)

// MetricsObserver observes a pipeline run.
type MetricsObserver interface {
	// OnItem is called once per item leaving import, and again when an
	// imported item is dropped by a later stage.
	OnItem(outcome string)
	// OnBatch is called after every persist transaction.
	OnBatch(items int, duration time.Duration, err error)
	// OnQueueDepth is sampled on every progress tick.
	OnQueueDepth(queue string, depth int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnItem(string)                     {}
func (NoopMetricsObserver) OnBatch(int, time.Duration, error) {}
func (NoopMetricsObserver) OnQueueDepth(string, int)          {}
