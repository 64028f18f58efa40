// Package ingest implements the staged ingestion pipeline.
//
// A run moves WorkItems through four stages connected by FIFO queues:
//
//	import (1) -> decode (1) -> describe (Workers) -> persist (1)
//
// Import lists each reconstruction, drops images whose files do not exist,
// and assigns every item its row id. Decode loads a grayscale buffer and is
// the only backpressure point: it waits while MaxLoaded decoded images are
// queued. Describe extracts keypoints and descriptors and frees the buffer.
// Persist writes items in batches of BatchSize, one transaction per batch,
// under the ids carried from import. The describe pool reorders items, so
// ids are fixed before it.
//
// Stages shut down in order: each queue is marked finished only after its
// producers have been joined, so no stage observes "finished" while its
// queue still holds items. A progress monitor samples counters and queue
// depths until every imported item has been committed or dropped.
//
// Failures are local. Missing files and items that fail decode or
// extraction are dropped and counted. A failed batch is rolled back as a
// whole, recorded in Summary.BatchErrors, and the next batch proceeds.
package ingest
