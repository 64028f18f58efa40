package vocabulary

import (
	"context"
	"errors"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/model"
)

// StoreCorpus gathers the persisted descriptors of up to maxImages rows
// (all rows when maxImages <= 0) in ascending id order.
func StoreCorpus(store featurestore.Reader, maxImages int) CorpusFunc {
	return func(ctx context.Context) ([]model.Matrix, error) {
		ids, err := store.ListIDs(ctx)
		if err != nil {
			return nil, err
		}

		var corpus []model.Matrix
		it := ids.Iterator()
		for it.HasNext() {
			if maxImages > 0 && len(corpus) >= maxImages {
				break
			}
			f, err := store.GetDescriptors(ctx, int64(it.Next()))
			if errors.Is(err, featurestore.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if f.Descriptors.Rows > 0 {
				corpus = append(corpus, f.Descriptors)
			}
		}
		return corpus, nil
	}
}

// FileCorpus decodes and describes the given image files. Files that fail
// to decode or yield no features are logged and skipped. The corpus keeps
// the order of paths.
func FileCorpus(paths []string, decoder ingest.ImageDecoder, extractor ingest.DescriptorExtractor, optFns ...Option) CorpusFunc {
	opts := applyOptions(optFns)
	return func(ctx context.Context) ([]model.Matrix, error) {
		out := make([]model.Matrix, len(paths))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.NumCPU())
		for i, p := range paths {
			g.Go(func() error {
				img, err := decoder.DecodeGrayscale(gctx, p)
				if err != nil {
					opts.Logger.Warn("skipping training image", "path", p, "error", err)
					return gctx.Err()
				}
				_, desc, err := extractor.Extract(gctx, img)
				if err != nil {
					opts.Logger.Warn("skipping training image", "path", p, "error", err)
					return gctx.Err()
				}
				out[i] = desc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		corpus := out[:0]
		for _, m := range out {
			if m.Rows > 0 {
				corpus = append(corpus, m)
			}
		}
		return corpus, nil
	}
}
