// Package enrich adds derived columns to rows the ingestion pipeline has
// already persisted.
//
// FillSignatures reads descriptors back out of a feature store, maps them
// through a shared vocabulary on a bounded worker pool, and writes the
// resulting signatures in batched transactions. Metadata and descriptors
// are never touched.
package enrich
