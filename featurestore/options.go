package featurestore

import (
	"io"
	"log/slog"
)

// Options holds the settings shared by all backends.
type Options struct {
	// Compression applied to every stored blob. Fixed at creation.
	Compression Compression
	Logger      *slog.Logger
	Metrics     MetricsObserver

	// Badger only.
	InMemory       bool
	SyncWrites     bool
	ValueThreshold int64
}

// Option configures a store.
type Option func(*Options)

// WithCompression sets the blob compression. Reopening an existing store
// with a different value fails with ErrCompressionMismatch.
func WithCompression(c Compression) Option {
	return func(o *Options) { o.Compression = c }
}

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics observer. Nil disables metrics.
func WithMetrics(m MetricsObserver) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithInMemory runs the badger backend without touching disk.
func WithInMemory() Option {
	return func(o *Options) { o.InMemory = true }
}

// WithSyncWrites makes every badger commit fsync before returning.
func WithSyncWrites(sync bool) Option {
	return func(o *Options) { o.SyncWrites = sync }
}

// WithValueThreshold sets the size above which badger moves values into
// the value log. Large descriptor blobs then do not count against the
// transaction size limit.
func WithValueThreshold(n int64) Option {
	return func(o *Options) { o.ValueThreshold = n }
}

// ApplyOptions resolves option functions against the defaults.
func ApplyOptions(optFns ...Option) Options {
	o := Options{
		Compression:    CompressionNone,
		ValueThreshold: 4 << 10,
	}
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
	return o
}
