package retrieval

import (
	"io"
	"log/slog"
	"time"
)

// Options parameterises one Retrieve call.
type Options struct {
	// K is the number of results per query.
	K int
	// MaxGallery caps the number of file candidates (0 = no cap). Store
	// galleries are not capped.
	MaxGallery int
	// NumThreads is the number of scoring shards for file galleries.
	NumThreads int
}

// MetricsObserver observes retrievals.
type MetricsObserver interface {
	OnRetrieve(queries, candidates int, duration time.Duration, err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnRetrieve(int, int, time.Duration, error) {}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Logger  *slog.Logger
	Metrics MetricsObserver
}

// Option is a functional option for New.
type Option func(*EngineOptions)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *EngineOptions) { o.Logger = l } }

// WithMetrics sets the metrics observer.
func WithMetrics(m MetricsObserver) Option { return func(o *EngineOptions) { o.Metrics = m } }

func applyOptions(optFns []Option) EngineOptions {
	var o EngineOptions
	for _, fn := range optFns {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetricsObserver{}
	}
	return o
}
