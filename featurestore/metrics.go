package featurestore

import "time"

// MetricsObserver observes store transactions.
type MetricsObserver interface {
	// OnCommit is called after every write transaction with the number of
	// staged puts and the outcome.
	OnCommit(backend string, rows int, duration time.Duration, err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnCommit(string, int, time.Duration, error) {}
