// Package retrieval ranks gallery images against query images by
// bag-of-words signature similarity.
//
// A gallery is either the signatures persisted in a feature store, scored
// in a single streaming pass with a bounded top-K per query, or a list of
// image files (explicit or found below a directory) that are described on
// the fly. File galleries are scored on NumThreads contiguous shards of the
// candidate range, each goroutine owning its columns of a pre-sized score
// matrix, so no locking is needed and the result is independent of the
// thread count.
//
// For every query the candidates are ordered by descending score with ties
// broken by ascending gallery index, cut to K+1, stripped of the query's own
// path, and cut to K.
package retrieval
