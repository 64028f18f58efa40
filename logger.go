package vistore

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/vistore/enrich"
	"github.com/hupe1980/vistore/ingest"
)

// Logger wraps slog.Logger with vistore-specific helpers.
// Field names are shared across components: path, id, batch, count, error.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil))
}

// WithPath adds a path field.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{Logger: l.Logger.With("path", path)}
}

// WithID adds an image id field.
func (l *Logger) WithID(id int64) *Logger {
	return &Logger{Logger: l.Logger.With("id", id)}
}

// LogIngest logs the outcome of an ingestion run.
func (l *Logger) LogIngest(ctx context.Context, s ingest.Summary, err error) {
	attrs := []any{
		"imported", s.Imported,
		"persisted", s.Persisted,
		"dropped_missing", s.DroppedMissing,
		"dropped_failed", s.DroppedFailed,
		"failed_batches", s.FailedBatches,
		"duration", s.Duration,
	}
	switch {
	case err != nil:
		l.ErrorContext(ctx, "ingest failed", append(attrs, "error", err)...)
	case s.FailedBatches > 0 || s.FailedSources > 0:
		l.WarnContext(ctx, "ingest completed with failures", attrs...)
	default:
		l.InfoContext(ctx, "ingest completed", attrs...)
	}
}

// LogEnrich logs the outcome of a signature enrichment pass.
func (l *Logger) LogEnrich(ctx context.Context, s enrich.Summary, err error) {
	attrs := []any{
		"candidates", s.Candidates,
		"enriched", s.Enriched,
		"skipped", s.Skipped,
		"failed_batches", s.FailedBatches,
	}
	switch {
	case err != nil:
		l.ErrorContext(ctx, "enrich failed", append(attrs, "error", err)...)
	case s.FailedBatches > 0 || s.TransformFailed > 0:
		l.WarnContext(ctx, "enrich completed with failures", attrs...)
	default:
		l.InfoContext(ctx, "enrich completed", attrs...)
	}
}

// LogRetrieve logs a retrieval call.
func (l *Logger) LogRetrieve(ctx context.Context, queries, k int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "retrieve failed",
			"queries", queries,
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "retrieve completed",
		"queries", queries,
		"k", k,
	)
}
