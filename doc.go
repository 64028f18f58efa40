// Package vistore is an embedded visual place-recognition store.
//
// It ingests photo collections tied to known camera reconstructions,
// extracts local descriptors per image, persists them in a feature store,
// and answers "find similar images" queries through a visual-vocabulary
// bag-of-words signature.
//
// # Quick Start
//
//	ctx := context.Background()
//	store, _ := vistore.Open(ctx, "./data")
//	defer store.Close()
//
//	// 1. Import reconstructions (each directory holds a manifest.yaml).
//	sum, _ := store.IngestRecursive(ctx, "./reconstructions")
//
//	// 2. Train (or load) the vocabulary and fill the signature column.
//	store.BuildVocabulary(ctx, false)
//	store.Enrich(ctx)
//
//	// 3. Query.
//	results, _ := store.RetrievePaths(ctx, []string{"query.jpg"}, 10)
//	for _, r := range results[0] {
//	    fmt.Println(r.ID, r.Path, r.Score)
//	}
//
// # Components
//
// The facade wires the packages below; each can be used on its own.
//
//   - featurestore: four relations (meta, descriptors, signatures,
//     embeddings) co-indexed by image id; badger or PostgreSQL
//   - ingest: the staged Import, Decode, Describe, Persist pipeline
//   - vocabulary: hierarchical k-means vocabulary tree with IDF weights
//   - enrich: batch signature computation for persisted rows
//   - retrieval: top-K ranking over stored signatures or image files
//   - prommetrics: Prometheus metrics for all of the above
//
// # Storage
//
// Features are kept in badger under dir/features by default. Use
// WithFeatureStore to plug in the PostgreSQL backend, and WithBlobStore to
// keep the vocabulary artifact in S3 or MinIO.
package vistore
