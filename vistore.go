package vistore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/vistore/blobstore"
	"github.com/hupe1980/vistore/descriptor"
	"github.com/hupe1980/vistore/enrich"
	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/imaging"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/reconstruction"
	"github.com/hupe1980/vistore/retrieval"
	"github.com/hupe1980/vistore/vocabulary"
)

const (
	featuresDir = "features"
	vocabDir    = "vocab"
)

// Store ties a feature store, a vocabulary artifact and the reference
// collaborators together. It is safe for concurrent use; Ingest, Enrich
// and BuildVocabulary serialise on the underlying single-writer store.
type Store struct {
	opts      options
	features  featurestore.Store
	blobs     blobstore.BlobStore
	decoder   ingest.ImageDecoder
	extractor ingest.DescriptorExtractor
	source    ingest.ReconstructionSource

	mu     sync.RWMutex
	vocab  *vocabulary.Vocabulary
	closed bool
}

// Open opens (or creates) a store rooted at dir. Features live in
// dir/features (badger), the vocabulary artifact in dir/vocab. An existing
// vocabulary is loaded; a missing one is not an error.
func Open(ctx context.Context, dir string, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)
	log := opts.logger.Logger

	s := &Store{
		opts:      opts,
		features:  opts.features,
		blobs:     opts.blobs,
		decoder:   opts.decoder,
		extractor: opts.extractor,
		source:    opts.source,
	}

	if s.features == nil {
		fsOpts := []featurestore.Option{
			featurestore.WithCompression(opts.compression),
			featurestore.WithLogger(log),
			featurestore.WithMetrics(opts.metrics),
		}
		if opts.inMemory {
			fsOpts = append(fsOpts, featurestore.WithInMemory())
		}
		b, err := featurestore.OpenBadger(filepath.Join(dir, featuresDir), fsOpts...)
		if err != nil {
			return nil, translateError(err)
		}
		s.features = b
	}

	if s.blobs == nil {
		if opts.inMemory {
			s.blobs = blobstore.NewMemoryStore()
		} else {
			s.blobs = blobstore.NewLocalStore(filepath.Join(dir, vocabDir))
		}
	}
	if s.decoder == nil {
		s.decoder = imaging.NewDecoder(imaging.WithLogger(log))
	}
	if s.extractor == nil {
		ex, err := descriptor.NewDenseExtractor()
		if err != nil {
			_ = s.features.Close()
			return nil, err
		}
		s.extractor = ex
	}
	if s.source == nil {
		s.source = reconstruction.NewManifest()
	}

	v, err := vocabulary.Load(ctx, s.blobs, opts.vocabName)
	switch {
	case err == nil:
		s.vocab = v
		log.Info("vocabulary loaded", "name", opts.vocabName, "words", v.Words())
	case errors.Is(err, vocabulary.ErrNotFound):
	default:
		_ = s.features.Close()
		return nil, translateError(err)
	}
	return s, nil
}

// Features returns the underlying feature store.
func (s *Store) Features() featurestore.Store { return s.features }

// Vocabulary returns the current vocabulary, or nil before one was built.
func (s *Store) Vocabulary() *vocabulary.Vocabulary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vocab
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) pipeline() (*ingest.Pipeline, error) {
	optFns := append([]ingest.Option{
		ingest.WithLogger(s.opts.logger.Logger),
		ingest.WithMetrics(s.opts.metrics),
	}, s.opts.ingestOpts...)
	return ingest.New(s.features, s.source, s.decoder, s.extractor, optFns...)
}

// Ingest imports the images of the given reconstructions.
func (s *Store) Ingest(ctx context.Context, reconstructions ...string) (ingest.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return ingest.Summary{}, err
	}
	p, err := s.pipeline()
	if err != nil {
		return ingest.Summary{}, err
	}
	sum, err := p.Run(ctx, reconstructions...)
	s.opts.logger.LogIngest(ctx, sum, err)
	return sum, translateError(err)
}

// IngestRecursive imports every immediate subdirectory of root as a
// reconstruction.
func (s *Store) IngestRecursive(ctx context.Context, root string) (ingest.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return ingest.Summary{}, err
	}
	p, err := s.pipeline()
	if err != nil {
		return ingest.Summary{}, err
	}
	sum, err := p.RunRecursive(ctx, root)
	s.opts.logger.LogIngest(ctx, sum, err)
	return sum, translateError(err)
}

// BuildVocabulary loads the stored vocabulary or, when none exists or
// rebuild is set, trains one from the persisted descriptors and saves it.
func (s *Store) BuildVocabulary(ctx context.Context, rebuild bool) (*vocabulary.Vocabulary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	vopts := []vocabulary.Option{vocabulary.WithLogger(s.opts.logger.Logger)}
	corpus := vocabulary.StoreCorpus(s.features, s.opts.corpusImages)
	name := s.opts.vocabName

	var (
		v   *vocabulary.Vocabulary
		err error
	)
	if rebuild {
		v, err = s.rebuild(ctx, name, corpus, vopts)
	} else {
		v, err = vocabulary.LoadOrBuild(ctx, s.blobs, name, corpus, s.opts.params, vopts...)
	}
	if err != nil {
		return nil, translateError(err)
	}

	s.mu.Lock()
	s.vocab = v
	s.mu.Unlock()
	return v, nil
}

func (s *Store) rebuild(ctx context.Context, name string, corpus vocabulary.CorpusFunc, vopts []vocabulary.Option) (*vocabulary.Vocabulary, error) {
	start := time.Now()
	matrices, err := corpus(ctx)
	if err != nil {
		return nil, fmt.Errorf("gather corpus: %w", err)
	}
	v, err := vocabulary.Build(ctx, matrices, s.opts.params, vopts...)
	if err != nil {
		return nil, err
	}
	if err := vocabulary.Save(ctx, s.blobs, name, v, vopts...); err != nil {
		return nil, err
	}
	s.opts.logger.InfoContext(ctx, "vocabulary rebuilt",
		"images", len(matrices),
		"words", v.Words(),
		"duration", time.Since(start),
	)
	return v, nil
}

func (s *Store) requireVocabulary() (*vocabulary.Vocabulary, error) {
	v := s.Vocabulary()
	if v == nil {
		return nil, ErrNoVocabulary
	}
	return v, nil
}

// Enrich fills the signature column of every row that lacks one.
func (s *Store) Enrich(ctx context.Context) (enrich.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return enrich.Summary{}, err
	}
	v, err := s.requireVocabulary()
	if err != nil {
		return enrich.Summary{}, err
	}
	optFns := append([]enrich.Option{
		enrich.WithLogger(s.opts.logger.Logger),
		enrich.WithMetrics(s.opts.metrics),
	}, s.opts.enrichOpts...)
	e, err := enrich.New(s.features, v, optFns...)
	if err != nil {
		return enrich.Summary{}, err
	}
	sum, err := e.FillSignatures(ctx)
	s.opts.logger.LogEnrich(ctx, sum, err)
	return sum, translateError(err)
}

// Gallery returns the persisted signatures as a retrieval gallery.
func (s *Store) Gallery() retrieval.Gallery {
	return retrieval.StoreGallery(s.features)
}

// Retrieve ranks gallery for every query. See retrieval.Engine.Retrieve.
func (s *Store) Retrieve(ctx context.Context, queries []retrieval.Query, gallery retrieval.Gallery, opts retrieval.Options) ([][]retrieval.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	v, err := s.requireVocabulary()
	if err != nil {
		return nil, err
	}
	eng, err := retrieval.New(v, s.decoder, s.extractor,
		retrieval.WithLogger(s.opts.logger.Logger),
		retrieval.WithMetrics(s.opts.metrics),
	)
	if err != nil {
		return nil, err
	}
	results, err := eng.Retrieve(ctx, queries, gallery, opts)
	s.opts.logger.LogRetrieve(ctx, len(queries), opts.K, err)
	return results, translateError(err)
}

// RetrievePaths is Retrieve for query image files against the persisted
// signatures.
func (s *Store) RetrievePaths(ctx context.Context, paths []string, k int) ([][]retrieval.Result, error) {
	queries := make([]retrieval.Query, len(paths))
	for i, p := range paths {
		queries[i] = retrieval.Query{Path: p}
	}
	return s.Retrieve(ctx, queries, s.Gallery(), retrieval.Options{K: k})
}

// Close closes the feature store. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.features.Close()
}
