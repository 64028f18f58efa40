// Package blobstore provides storage for named, immutable artifacts such as
// serialized vocabularies.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with mmap reads and atomic writes
//   - MemoryStore: in-process map, used in tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: MinIO and other S3-compatible servers
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
