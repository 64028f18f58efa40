package vistore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/retrieval"
	"github.com/hupe1980/vistore/vocabulary"
)

var (
	// ErrNotFound is returned when an image id or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrNoVocabulary is returned by operations that need a vocabulary
	// before one was built or loaded.
	ErrNoVocabulary = errors.New("no vocabulary: run BuildVocabulary first")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")

	// ErrStoreIO matches every failed feature store transaction.
	ErrStoreIO = featurestore.ErrStoreIO
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, featurestore.ErrNotFound) || errors.Is(err, vocabulary.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, featurestore.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, retrieval.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}
	return err
}
