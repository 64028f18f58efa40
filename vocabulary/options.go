package vocabulary

import (
	"io"
	"log/slog"

	"github.com/hupe1980/vistore/codec"
)

// Options configures building, saving and loading.
type Options struct {
	Logger *slog.Logger
	Codec  codec.Codec
}

// Option is a functional option.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithCodec sets the codec used by Save. Load always uses the codec recorded
// in the artifact.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		if c != nil {
			o.Codec = c
		}
	}
}

func applyOptions(optFns []Option) Options {
	o := Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Codec:  codec.Default,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}
