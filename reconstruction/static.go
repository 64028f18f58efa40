package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/vistore/ingest"
)

// ErrUnknownReconstruction is returned by Static for unregistered paths.
var ErrUnknownReconstruction = errors.New("reconstruction: unknown reconstruction")

var _ ingest.ReconstructionSource = (*Static)(nil)

// Static is an in-memory ReconstructionSource. It is safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	images map[string][]ingest.ImageRef
}

// NewStatic returns an empty source.
func NewStatic() *Static {
	return &Static{images: make(map[string][]ingest.ImageRef)}
}

// Add registers the images of a reconstruction, replacing earlier ones.
func (s *Static) Add(reconstructionPath string, images ...ingest.ImageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[reconstructionPath] = slices.Clone(images)
}

// ListImages implements ingest.ReconstructionSource.
func (s *Static) ListImages(ctx context.Context, reconstructionPath string) ([]ingest.ImageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs, ok := s.images[reconstructionPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReconstruction, reconstructionPath)
	}
	return slices.Clone(refs), nil
}
