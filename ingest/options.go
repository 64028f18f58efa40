package ingest

import (
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/hupe1980/vistore/internal/fs"
)

// Options configures a Pipeline.
type Options struct {
	// Workers is the size of the describe pool. Default: NumCPU-1, at least 1.
	Workers int
	// MaxLoaded bounds the decoded images waiting for a describe worker.
	MaxLoaded int
	// BatchSize is the number of rows per persist transaction.
	BatchSize int
	// ProgressInterval is the progress monitor tick.
	ProgressInterval time.Duration
	// LogInterval throttles progress log lines.
	LogInterval time.Duration

	// MemoryLimit bounds the decoded pixel bytes in flight (0 = unlimited).
	MemoryLimit int64
	// ReadLimit bounds source reads in bytes per second (0 = unlimited).
	ReadLimit int64

	FileSystem fs.FileSystem
	Logger     *slog.Logger
	Metrics    MetricsObserver

	// OnItemError, if set, receives every dropped item. It is called from
	// pipeline goroutines and must be safe for concurrent use.
	OnItemError func(*ItemError)
}

// Option is a functional option.
type Option func(*Options)

// DefaultOptions returns the default pipeline configuration.
func DefaultOptions() Options {
	return Options{
		Workers:          max(runtime.NumCPU()-1, 1),
		MaxLoaded:        100,
		BatchSize:        100,
		ProgressInterval: 100 * time.Millisecond,
		LogInterval:      5 * time.Second,
		FileSystem:       fs.Default,
	}
}

// WithWorkers sets the describe pool size.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithMaxLoaded sets the backpressure bound on decoded images.
func WithMaxLoaded(n int) Option { return func(o *Options) { o.MaxLoaded = n } }

// WithBatchSize sets the rows per persist transaction.
func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

// WithProgressInterval sets the progress monitor tick.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Options) { o.ProgressInterval = d }
}

// WithLogInterval throttles progress log lines.
func WithLogInterval(d time.Duration) Option {
	return func(o *Options) { o.LogInterval = d }
}

// WithMemoryLimit bounds decoded pixel bytes held in flight.
func WithMemoryLimit(bytes int64) Option {
	return func(o *Options) { o.MemoryLimit = bytes }
}

// WithReadLimit throttles source file reads.
func WithReadLimit(bytesPerSec int64) Option {
	return func(o *Options) { o.ReadLimit = bytesPerSec }
}

// WithFileSystem sets the file system used for existence checks and
// directory listing.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *Options) { o.FileSystem = fsys }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics observer.
func WithMetrics(m MetricsObserver) Option { return func(o *Options) { o.Metrics = m } }

// WithItemErrorHandler registers a callback for dropped items.
func WithItemErrorHandler(fn func(*ItemError)) Option {
	return func(o *Options) { o.OnItemError = fn }
}

func (o Options) validate() error {
	if o.Workers < 1 || o.MaxLoaded < 1 || o.BatchSize < 1 || o.ProgressInterval <= 0 {
		return ErrInvalidOptions
	}
	return nil
}

func applyOptions(optFns []Option) Options {
	o := DefaultOptions()
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetricsObserver{}
	}
	if o.FileSystem == nil {
		o.FileSystem = fs.Default
	}
	return o
}
