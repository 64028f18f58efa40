package vistore

import (
	"log/slog"

	"github.com/hupe1980/vistore/blobstore"
	"github.com/hupe1980/vistore/enrich"
	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/vocabulary"
)

// DefaultVocabularyName is the blob name of the vocabulary artifact.
const DefaultVocabularyName = "vocabulary.bin"

type options struct {
	logger       *Logger
	metrics      MetricsCollector
	features     featurestore.Store
	blobs        blobstore.BlobStore
	compression  featurestore.Compression
	inMemory     bool
	decoder      ingest.ImageDecoder
	extractor    ingest.DescriptorExtractor
	source       ingest.ReconstructionSource
	vocabName    string
	params       vocabulary.Params
	corpusImages int
	ingestOpts   []ingest.Option
	enrichOpts   []enrich.Option
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging for every component.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetrics configures a metrics collector for all components.
func WithMetrics(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithFeatureStore uses an already opened feature store (for example the
// PostgreSQL backend) instead of a badger store in the data directory.
// The Store takes ownership and closes it.
func WithFeatureStore(s featurestore.Store) Option {
	return func(o *options) {
		o.features = s
	}
}

// WithBlobStore stores the vocabulary artifact in s instead of the data
// directory.
func WithBlobStore(s blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithCompression sets the blob compression of a new badger store.
func WithCompression(c featurestore.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithInMemory keeps the badger store and the vocabulary in memory.
func WithInMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithDecoder replaces the reference image decoder.
func WithDecoder(d ingest.ImageDecoder) Option {
	return func(o *options) {
		o.decoder = d
	}
}

// WithExtractor replaces the reference dense descriptor extractor.
func WithExtractor(e ingest.DescriptorExtractor) Option {
	return func(o *options) {
		o.extractor = e
	}
}

// WithSource replaces the manifest reconstruction source.
func WithSource(s ingest.ReconstructionSource) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithVocabulary sets the artifact name and build parameters of the
// vocabulary. corpusImages caps the training corpus (0 = every image).
func WithVocabulary(name string, params vocabulary.Params, corpusImages int) Option {
	return func(o *options) {
		if name != "" {
			o.vocabName = name
		}
		o.params = params
		o.corpusImages = corpusImages
	}
}

// WithIngestOptions passes options to the ingestion pipeline.
func WithIngestOptions(optFns ...ingest.Option) Option {
	return func(o *options) {
		o.ingestOpts = append(o.ingestOpts, optFns...)
	}
}

// WithEnrichOptions passes options to the enrichment pass.
func WithEnrichOptions(optFns ...enrich.Option) Option {
	return func(o *options) {
		o.enrichOpts = append(o.enrichOpts, optFns...)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metrics:   NoopMetricsCollector{},
		logger:    NoopLogger(),
		vocabName: DefaultVocabularyName,
		params:    vocabulary.DefaultParams(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	return o
}
