package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/internal/queue"
	"github.com/hupe1980/vistore/model"
	"github.com/hupe1980/vistore/vocabulary"
)

// Transformer maps descriptors to a signature; *vocabulary.Vocabulary
// implements it. It must be safe for concurrent use.
type Transformer interface {
	Transform(descriptors model.Matrix) (model.Signature, error)
}

// Query is one retrieval request. The signature is taken from Signature if
// set, otherwise computed from Descriptors if non-empty, otherwise from the
// image at Path. Path also identifies the query in the gallery: a candidate
// with the same path is never returned.
type Query struct {
	Path        string
	Descriptors model.Matrix
	Signature   model.Signature
}

// Result is one ranked candidate. Index is the candidate's position in the
// gallery enumeration. ID is the row id for store galleries and -1
// otherwise.
type Result struct {
	Index int
	ID    int64
	Path  string
	Score float64
}

// Engine ranks gallery images by signature similarity to a query. It is
// safe for concurrent use.
type Engine struct {
	vocab     Transformer
	decoder   ingest.ImageDecoder
	extractor ingest.DescriptorExtractor
	opts      EngineOptions
}

// New returns an Engine. decoder and extractor may be nil when every query
// carries descriptors or a signature and only store galleries are used.
func New(vocab Transformer, decoder ingest.ImageDecoder, extractor ingest.DescriptorExtractor, optFns ...Option) (*Engine, error) {
	if vocab == nil {
		return nil, fmt.Errorf("%w: nil vocabulary", ErrInvalidOptions)
	}
	return &Engine{vocab: vocab, decoder: decoder, extractor: extractor, opts: applyOptions(optFns)}, nil
}

// Retrieve returns up to K results per query, best first. Ties are broken by
// ascending gallery index, so the ranking does not depend on NumThreads.
// An empty gallery yields an empty list per query.
func (e *Engine) Retrieve(ctx context.Context, queries []Query, gallery Gallery, opts Options) (results [][]Result, err error) {
	if opts.K <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, opts.K)
	}
	start := time.Now()
	candidates := 0
	defer func() {
		e.opts.Metrics.OnRetrieve(len(queries), candidates, time.Since(start), err)
	}()

	// Query count is small: describe sequentially.
	qs := make([]vocabulary.Sparse, len(queries))
	for i, q := range queries {
		sig, err := e.querySignature(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w %d (%s): %w", ErrQuery, i, q.Path, err)
		}
		qs[i] = vocabulary.Compact(sig)
	}

	var ranked [][]queue.Entry
	var paths func(ctx context.Context, e queue.Entry) (string, error)

	switch g := gallery.(type) {
	case storeGallery:
		ranked, candidates, err = e.scoreStream(ctx, qs, g, opts.K+1)
		paths = func(ctx context.Context, en queue.Entry) (string, error) {
			meta, err := g.store.GetMeta(ctx, en.ID)
			return meta.Path, err
		}
	case fileGallery:
		var files []string
		files, err = g.enumerate(opts.MaxGallery)
		if err != nil {
			return nil, fmt.Errorf("retrieval: enumerate gallery: %w", err)
		}
		candidates = len(files)
		ranked, err = e.scoreFiles(ctx, qs, files, opts.NumThreads, opts.K+1)
		paths = func(_ context.Context, en queue.Entry) (string, error) {
			return files[en.Index], nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown gallery %T", ErrInvalidOptions, gallery)
	}
	if err != nil {
		return nil, err
	}

	results = make([][]Result, len(queries))
	for qi, entries := range ranked {
		out := make([]Result, 0, opts.K)
		for _, en := range entries {
			p, err := paths(ctx, en)
			if errors.Is(err, featurestore.ErrNotFound) {
				e.opts.Logger.Warn("candidate skipped", "id", en.ID, "reason", "no metadata row")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("retrieval: resolve candidate %d: %w", en.ID, err)
			}
			if queries[qi].Path != "" && p == queries[qi].Path {
				continue
			}
			out = append(out, Result{Index: en.Index, ID: en.ID, Path: p, Score: en.Score})
		}
		if len(out) > opts.K {
			out = out[:opts.K]
		}
		results[qi] = out
	}

	e.opts.Logger.Debug("retrieval finished",
		"queries", len(queries),
		"count", candidates,
		"duration", time.Since(start),
	)
	return results, nil
}

func (e *Engine) querySignature(ctx context.Context, q Query) (model.Signature, error) {
	if q.Signature != nil {
		return q.Signature, nil
	}
	if q.Descriptors.Rows > 0 {
		return e.vocab.Transform(q.Descriptors)
	}
	if q.Path == "" {
		return nil, errors.New("query has no path, descriptors or signature")
	}
	return e.describe(ctx, q.Path)
}

func (e *Engine) describe(ctx context.Context, path string) (model.Signature, error) {
	if e.decoder == nil || e.extractor == nil {
		return nil, errors.New("no image decoder or extractor configured")
	}
	img, err := e.decoder.DecodeGrayscale(ctx, path)
	if err != nil {
		return nil, err
	}
	_, desc, err := e.extractor.Extract(ctx, img)
	if err != nil {
		return nil, err
	}
	return e.vocab.Transform(desc)
}

// scoreStream scores every stored signature in one pass, keeping the best
// keep entries per query.
func (e *Engine) scoreStream(ctx context.Context, qs []vocabulary.Sparse, g storeGallery, keep int) ([][]queue.Entry, int, error) {
	tops := make([]*queue.TopK, len(qs))
	for i := range tops {
		tops[i] = queue.NewTopK(keep)
	}

	known, err := g.store.ListIDs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("retrieval: list ids: %w", err)
	}

	index, orphans := 0, 0
	err = g.store.StreamSignatures(ctx, func(id int64, sig model.Signature) bool {
		if !known.Contains(uint64(id)) {
			orphans++
			return true
		}
		cand := vocabulary.Compact(sig)
		for qi, q := range qs {
			tops[qi].Offer(queue.Entry{Index: index, ID: id, Score: vocabulary.ScoreSparse(q, cand)})
		}
		index++
		return true
	})
	if err != nil {
		return nil, index, fmt.Errorf("retrieval: stream signatures: %w", err)
	}
	if orphans > 0 {
		e.opts.Logger.Warn("signatures without metadata skipped", "count", orphans)
	}

	ranked := make([][]queue.Entry, len(qs))
	for i, t := range tops {
		ranked[i] = t.Sorted()
	}
	return ranked, index, nil
}

// scoreFiles describes and scores file candidates. With threads > 1 the
// candidate range is split into contiguous shards; each goroutine writes
// only its own columns of the pre-sized score matrix.
func (e *Engine) scoreFiles(ctx context.Context, qs []vocabulary.Sparse, files []string, threads, keep int) ([][]queue.Entry, error) {
	n := len(files)
	scores := make([][]float64, len(qs))
	for i := range scores {
		scores[i] = make([]float64, n)
	}

	score := func(ctx context.Context, start, end int) error {
		for c := start; c < end; c++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			sig, err := e.describe(ctx, files[c])
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.opts.Logger.Warn("gallery image failed", "path", files[c], "error", err)
				for qi := range qs {
					scores[qi][c] = WorstScore
				}
				continue
			}
			cand := vocabulary.Compact(sig)
			for qi, q := range qs {
				scores[qi][c] = vocabulary.ScoreSparse(q, cand)
			}
		}
		return nil
	}

	threads = min(max(threads, 1), max(n, 1))
	if threads == 1 {
		if err := score(ctx, 0, n); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		size := n / threads
		for t := range threads {
			start, end := t*size, (t+1)*size
			if t == threads-1 {
				end = n
			}
			g.Go(func() error { return score(gctx, start, end) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	ranked := make([][]queue.Entry, len(qs))
	for qi := range qs {
		entries := make([]queue.Entry, n)
		for c := range entries {
			entries[c] = queue.Entry{Index: c, ID: -1, Score: scores[qi][c]}
		}
		queue.SortEntries(entries)
		if len(entries) > keep {
			entries = entries[:keep]
		}
		ranked[qi] = entries
	}
	return ranked, nil
}
