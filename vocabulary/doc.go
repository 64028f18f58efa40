// Package vocabulary implements a visual vocabulary: a hierarchical k-means
// tree over local descriptors whose leaves are words.
//
// A Vocabulary converts a variable-size descriptor matrix into a sparse,
// L1-normalised bag-of-words Signature weighted by inverse document
// frequency. Two signatures are compared with Score, which is symmetric,
// grows with the overlap of their words and is 1 for identical non-empty
// signatures.
//
// # Lifecycle
//
//	voc, err := vocabulary.LoadOrBuild(ctx, store, "default",
//	    vocabulary.StoreCorpus(fs, 2000), vocabulary.DefaultParams())
//	sig, err := voc.Transform(features.Descriptors)
//
// A Vocabulary is immutable once built or loaded; Transform may be called
// concurrently from any number of goroutines.
package vocabulary
