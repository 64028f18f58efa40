package retrieval

import (
	"errors"
	"math"
)

var (
	// ErrInvalidK is returned when Options.K is not positive.
	ErrInvalidK = errors.New("retrieval: k must be positive")

	// ErrQuery is returned when a query has no signature and none can be
	// computed from its descriptors or image.
	ErrQuery = errors.New("retrieval: cannot describe query")

	// ErrInvalidOptions is returned by New.
	ErrInvalidOptions = errors.New("retrieval: invalid options")
)

// WorstScore is assigned to candidates whose signature cannot be computed.
var WorstScore = math.Inf(-1)
