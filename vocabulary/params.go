package vocabulary

import (
	"fmt"

	"github.com/hupe1980/vistore/distance"
)

// Params controls vocabulary construction.
type Params struct {
	// Branching is the number of children per tree node (k).
	Branching int
	// Depth is the number of clustering levels below the root (L). The tree
	// has at most Branching^Depth words.
	Depth int
	// MaxIterations bounds the Lloyd iterations per node.
	MaxIterations int
	// Seed drives k-means++ initialisation; equal seeds and corpora give
	// identical vocabularies.
	Seed int64
	// Metric is MetricL2 for float descriptors or MetricHamming for packed
	// binary (Uint8) descriptors.
	Metric distance.Metric
}

// DefaultParams returns k=10, L=6, 15 iterations, seed 0, L2.
func DefaultParams() Params {
	return Params{
		Branching:     10,
		Depth:         6,
		MaxIterations: 15,
		Metric:        distance.MetricL2,
	}
}

// withDefaults fills zero fields from DefaultParams.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Branching == 0 {
		p.Branching = d.Branching
	}
	if p.Depth == 0 {
		p.Depth = d.Depth
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = d.MaxIterations
	}
	return p
}

func (p Params) validate() error {
	switch {
	case p.Branching < 2:
		return fmt.Errorf("%w: branching %d < 2", ErrInvalidParams, p.Branching)
	case p.Depth < 1:
		return fmt.Errorf("%w: depth %d < 1", ErrInvalidParams, p.Depth)
	case p.MaxIterations < 1:
		return fmt.Errorf("%w: max iterations %d < 1", ErrInvalidParams, p.MaxIterations)
	case p.Metric != distance.MetricL2 && p.Metric != distance.MetricHamming:
		return fmt.Errorf("%w: metric %v", ErrInvalidParams, p.Metric)
	}
	return nil
}
