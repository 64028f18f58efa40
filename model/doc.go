// Package model defines the value types shared by the feature store, the
// ingestion pipeline and the retrieval engine.
//
//   - Matrix: raw row-major numeric matrix (descriptors, encoded blobs)
//   - Keypoint, Pose, Intrinsics: per-image geometry
//   - Signature: sparse bag-of-words vector produced by a vocabulary
//   - Meta, Features, ImageRecord: the rows of the feature store
package model
