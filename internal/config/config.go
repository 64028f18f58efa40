// Package config loads the vistore CLI configuration from a YAML file,
// VISTORE_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultDataDir is the default directory for the feature store and
	// the vocabulary artifact.
	DefaultDataDir = ".vistore"
	// DefaultConfigName is the config file looked up when none is given.
	DefaultConfigName = "vistore"
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "VISTORE"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config holds the application configuration
type Config struct {
	// DataDir holds the badger feature store and the local vocabulary.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`

	Log        LogConfig        `mapstructure:"log" yaml:"log,omitempty"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store,omitempty"`
	Vocabulary VocabularyConfig `mapstructure:"vocabulary" yaml:"vocabulary,omitempty"`
	Extractor  ExtractorConfig  `mapstructure:"extractor" yaml:"extractor,omitempty"`
	Ingest     IngestConfig     `mapstructure:"ingest" yaml:"ingest,omitempty"`
	Enrich     EnrichConfig     `mapstructure:"enrich" yaml:"enrich,omitempty"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval" yaml:"retrieval,omitempty"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// LogConfig holds logging settings
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level,omitempty"`
	// Format is text or json.
	Format string `mapstructure:"format" yaml:"format,omitempty"`
}

// StoreConfig selects the feature store backend
type StoreConfig struct {
	// Backend is "badger" or "postgres".
	Backend string `mapstructure:"backend" yaml:"backend,omitempty"`
	// Compression is none, lz4 or zstd. Fixed when a store is created.
	Compression string `mapstructure:"compression" yaml:"compression,omitempty"`
	// PostgresDSN is the connection string of the postgres backend.
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn,omitempty"`
}

// VocabularyConfig holds vocabulary construction and artifact settings
type VocabularyConfig struct {
	Name          string `mapstructure:"name" yaml:"name,omitempty"`
	Branching     int    `mapstructure:"branching" yaml:"branching,omitempty"`
	Depth         int    `mapstructure:"depth" yaml:"depth,omitempty"`
	MaxIterations int    `mapstructure:"max_iterations" yaml:"max_iterations,omitempty"`
	Seed          int64  `mapstructure:"seed" yaml:"seed,omitempty"`
	// CorpusImages caps the training corpus (0 = all images).
	CorpusImages int `mapstructure:"corpus_images" yaml:"corpus_images,omitempty"`

	Blob BlobConfig `mapstructure:"blob" yaml:"blob,omitempty"`
}

// BlobConfig selects where the vocabulary artifact is stored
type BlobConfig struct {
	// Backend is "local", "s3" or "minio".
	Backend string `mapstructure:"backend" yaml:"backend,omitempty"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	// Region is used by the s3 backend.
	Region string `mapstructure:"region" yaml:"region,omitempty"`
	// Endpoint, AccessKey, SecretKey and UseSSL are used by the minio backend.
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl,omitempty"`
}

// ExtractorConfig configures the dense descriptor extractor
type ExtractorConfig struct {
	Stride       int     `mapstructure:"stride" yaml:"stride,omitempty"`
	PatchSize    int     `mapstructure:"patch_size" yaml:"patch_size,omitempty"`
	MinContrast  float64 `mapstructure:"min_contrast" yaml:"min_contrast,omitempty"`
	MaxKeypoints int     `mapstructure:"max_keypoints" yaml:"max_keypoints,omitempty"`
	// MaxDim downscales larger images before extraction (0 disables).
	MaxDim int `mapstructure:"max_dim" yaml:"max_dim,omitempty"`
}

// IngestConfig holds ingestion pipeline settings
type IngestConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers,omitempty"`
	MaxLoaded int `mapstructure:"max_loaded" yaml:"max_loaded,omitempty"`
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size,omitempty"`
	// MemoryLimit bounds decoded pixel bytes in flight (0 = unlimited).
	MemoryLimit int64 `mapstructure:"memory_limit" yaml:"memory_limit,omitempty"`
	// ReadLimit bounds image read throughput in bytes/s (0 = unlimited).
	ReadLimit int64 `mapstructure:"read_limit" yaml:"read_limit,omitempty"`
}

// EnrichConfig holds signature enrichment settings
type EnrichConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size,omitempty"`
	Workers   int `mapstructure:"workers" yaml:"workers,omitempty"`
}

// RetrievalConfig holds query defaults
type RetrievalConfig struct {
	K          int `mapstructure:"k" yaml:"k,omitempty"`
	MaxGallery int `mapstructure:"max_gallery" yaml:"max_gallery,omitempty"`
	Threads    int `mapstructure:"threads" yaml:"threads,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address of /metrics; empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend:     "badger",
			Compression: "none",
		},
		Vocabulary: VocabularyConfig{
			Name:          "vocabulary.bin",
			Branching:     10,
			Depth:         6,
			MaxIterations: 15,
			Blob:          BlobConfig{Backend: "local"},
		},
		Extractor: ExtractorConfig{
			Stride:      8,
			PatchSize:   16,
			MinContrast: 2,
			MaxDim:      1024,
		},
		Ingest: IngestConfig{
			Workers:   max(1, runtime.NumCPU()-1),
			MaxLoaded: 100,
			BatchSize: 100,
		},
		Enrich: EnrichConfig{
			BatchSize: 500,
			Workers:   runtime.NumCPU(),
		},
		Retrieval: RetrievalConfig{
			K:       10,
			Threads: runtime.NumCPU(),
		},
	}
}

// setDefaults registers every key with v so environment variables are
// picked up by Unmarshal.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("store.backend", c.Store.Backend)
	v.SetDefault("store.compression", c.Store.Compression)
	v.SetDefault("store.postgres_dsn", c.Store.PostgresDSN)
	v.SetDefault("vocabulary.name", c.Vocabulary.Name)
	v.SetDefault("vocabulary.branching", c.Vocabulary.Branching)
	v.SetDefault("vocabulary.depth", c.Vocabulary.Depth)
	v.SetDefault("vocabulary.max_iterations", c.Vocabulary.MaxIterations)
	v.SetDefault("vocabulary.seed", c.Vocabulary.Seed)
	v.SetDefault("vocabulary.corpus_images", c.Vocabulary.CorpusImages)
	v.SetDefault("vocabulary.blob.backend", c.Vocabulary.Blob.Backend)
	v.SetDefault("vocabulary.blob.bucket", c.Vocabulary.Blob.Bucket)
	v.SetDefault("vocabulary.blob.prefix", c.Vocabulary.Blob.Prefix)
	v.SetDefault("vocabulary.blob.region", c.Vocabulary.Blob.Region)
	v.SetDefault("vocabulary.blob.endpoint", c.Vocabulary.Blob.Endpoint)
	v.SetDefault("vocabulary.blob.access_key", c.Vocabulary.Blob.AccessKey)
	v.SetDefault("vocabulary.blob.secret_key", c.Vocabulary.Blob.SecretKey)
	v.SetDefault("vocabulary.blob.use_ssl", c.Vocabulary.Blob.UseSSL)
	v.SetDefault("extractor.stride", c.Extractor.Stride)
	v.SetDefault("extractor.patch_size", c.Extractor.PatchSize)
	v.SetDefault("extractor.min_contrast", c.Extractor.MinContrast)
	v.SetDefault("extractor.max_keypoints", c.Extractor.MaxKeypoints)
	v.SetDefault("extractor.max_dim", c.Extractor.MaxDim)
	v.SetDefault("ingest.workers", c.Ingest.Workers)
	v.SetDefault("ingest.max_loaded", c.Ingest.MaxLoaded)
	v.SetDefault("ingest.batch_size", c.Ingest.BatchSize)
	v.SetDefault("ingest.memory_limit", c.Ingest.MemoryLimit)
	v.SetDefault("ingest.read_limit", c.Ingest.ReadLimit)
	v.SetDefault("enrich.batch_size", c.Enrich.BatchSize)
	v.SetDefault("enrich.workers", c.Enrich.Workers)
	v.SetDefault("retrieval.k", c.Retrieval.K)
	v.SetDefault("retrieval.max_gallery", c.Retrieval.MaxGallery)
	v.SetDefault("retrieval.threads", c.Retrieval.Threads)
	v.SetDefault("metrics.addr", c.Metrics.Addr)
}

// Load reads the configuration through v, which may already have flags
// bound to it. configFile overrides the lookup of vistore.yaml in the
// working directory and in DefaultDataDir; an explicit file must exist.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated settings and positive sizes.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
		}
	}

	check(oneOf(c.Log.Level, "debug", "info", "warn", "error"), "log.level %q", c.Log.Level)
	check(oneOf(c.Log.Format, "text", "json"), "log.format %q", c.Log.Format)
	check(oneOf(c.Store.Backend, "badger", "postgres"), "store.backend %q", c.Store.Backend)
	check(oneOf(strings.ToLower(c.Store.Compression), "none", "lz4", "zstd"), "store.compression %q", c.Store.Compression)
	check(c.Store.Backend != "postgres" || c.Store.PostgresDSN != "", "store.postgres_dsn is required for the postgres backend")
	check(c.Store.Backend != "badger" || c.DataDir != "", "data_dir is required for the badger backend")
	check(oneOf(c.Vocabulary.Blob.Backend, "local", "s3", "minio"), "vocabulary.blob.backend %q", c.Vocabulary.Blob.Backend)
	check(c.Vocabulary.Blob.Backend == "local" || c.Vocabulary.Blob.Bucket != "", "vocabulary.blob.bucket is required for %s", c.Vocabulary.Blob.Backend)
	check(c.Vocabulary.Blob.Backend != "minio" || c.Vocabulary.Blob.Endpoint != "", "vocabulary.blob.endpoint is required for minio")
	check(c.Ingest.BatchSize > 0, "ingest.batch_size must be positive")
	check(c.Ingest.Workers > 0, "ingest.workers must be positive")
	check(c.Enrich.BatchSize > 0, "enrich.batch_size must be positive")
	check(c.Retrieval.K > 0, "retrieval.k must be positive")

	return errors.Join(errs...)
}

func oneOf(s string, values ...string) bool { return slices.Contains(values, s) }
