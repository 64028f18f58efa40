package vocabulary

import "errors"

var (
	// ErrNotFound is returned by Load when no artifact exists under the name.
	ErrNotFound = errors.New("vocabulary: not found")

	// ErrCorrupt indicates an artifact that fails validation (bad magic,
	// checksum mismatch, inconsistent tree).
	ErrCorrupt = errors.New("vocabulary: corrupt artifact")

	// ErrUnsupportedVersion indicates an artifact written by a newer format.
	ErrUnsupportedVersion = errors.New("vocabulary: unsupported artifact version")

	// ErrUnknownCodec indicates an artifact encoded with a codec this build
	// does not know.
	ErrUnknownCodec = errors.New("vocabulary: unknown codec")

	// ErrEmptyCorpus is returned by Build when the corpus holds no descriptors.
	ErrEmptyCorpus = errors.New("vocabulary: empty corpus")

	// ErrInvalidParams is returned for out-of-range build parameters.
	ErrInvalidParams = errors.New("vocabulary: invalid parameters")

	// ErrDescriptorMismatch is returned when a descriptor matrix does not match
	// the vocabulary's descriptor width or element type.
	ErrDescriptorMismatch = errors.New("vocabulary: descriptor mismatch")
)
