package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingFile marks an image the reconstruction references but the
	// file system does not have.
	ErrMissingFile = errors.New("ingest: missing file")

	// ErrDecode marks an image that could not be decoded.
	ErrDecode = errors.New("ingest: decode failed")

	// ErrExtract marks an image whose descriptors could not be computed,
	// including images that yield no keypoints.
	ErrExtract = errors.New("ingest: extraction failed")

	// ErrInvalidOptions is returned by New.
	ErrInvalidOptions = errors.New("ingest: invalid options")
)

// ItemError reports a dropped work item. Err wraps one of ErrMissingFile,
// ErrDecode or ErrExtract together with the underlying cause.
type ItemError struct {
	Path string
	ID   int64
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("ingest: %s (id %d): %v", e.Path, e.ID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

func itemError(item *WorkItem, kind, cause error) *ItemError {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &ItemError{Path: item.Path, ID: item.ID, Err: err}
}

// BatchError reports a persist batch that was rolled back.
type BatchError struct {
	// Batch is the zero-based sequence number of the batch within the run.
	Batch int
	// FirstID and Items describe the rolled-back rows.
	FirstID int64
	Items   int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("ingest: batch %d (%d items from id %d): %v", e.Batch, e.Items, e.FirstID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
