// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("vocab/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = vocabulary.Save(ctx, store, "default", voc)
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large artifacts
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
