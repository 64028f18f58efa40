package featurestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by point lookups for ids without a row in the
	// requested relation.
	ErrNotFound = errors.New("featurestore: not found")

	// ErrStoreIO matches every *StoreIOError via errors.Is.
	ErrStoreIO = errors.New("featurestore: store I/O error")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("featurestore: closed")

	// ErrCorrupt indicates a persisted blob that cannot be decoded.
	ErrCorrupt = errors.New("featurestore: corrupt blob")

	// ErrInvalidArgument indicates a malformed row (negative id, keypoint and
	// descriptor counts that disagree, empty path).
	ErrInvalidArgument = errors.New("featurestore: invalid argument")

	// ErrCompressionMismatch is returned when a store is reopened with a
	// compression setting different from the one it was created with.
	ErrCompressionMismatch = errors.New("featurestore: compression mismatch")
)

// StoreIOError reports a failed store operation. When returned from a write,
// nothing of the transaction was applied.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("featurestore: %s: %v", e.Op, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreIO) hold for every StoreIOError.
func (e *StoreIOError) Is(target error) bool { return target == ErrStoreIO }

// ioError wraps err as a StoreIOError unless it is nil, a context error, or
// already a StoreIOError.
func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sio *StoreIOError
	if errors.As(err, &sio) || isContextErr(err) || errors.Is(err, ErrClosed) {
		return err
	}
	return &StoreIOError{Op: op, Err: err}
}
