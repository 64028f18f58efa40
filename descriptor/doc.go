// Package descriptor provides a dense local-feature extractor.
//
// DenseExtractor samples square patches on a regular grid and describes each
// with a 4x4 grid of 8-bin gradient-orientation histograms (128 values),
// normalised the way SIFT descriptors are. It is a self-contained reference
// implementation of the extractor collaborator used by ingestion and
// retrieval; callers with a stronger detector plug it in through the same
// Extract signature.
package descriptor
