package vocabulary

import (
	"fmt"

	"github.com/hupe1980/vistore/distance"
	"github.com/hupe1980/vistore/internal/kmeans"
	"github.com/hupe1980/vistore/model"
)

// MaxScore is the similarity of two identical non-empty signatures.
const MaxScore = 1.0

// node is one vertex of the vocabulary tree. Internal nodes hold the
// centroids of their children (flattened, one per child); leaves hold a
// word id.
type node struct {
	Children  []int32   `json:"children,omitempty" msgpack:"children,omitempty"`
	Centroids []float32 `json:"centroids,omitempty" msgpack:"centroids,omitempty"`
	Bits      []byte    `json:"bits,omitempty" msgpack:"bits,omitempty"`
	Word      int32     `json:"word" msgpack:"word"`
}

func (n *node) leaf() bool { return len(n.Children) == 0 }

// Vocabulary is an immutable vocabulary tree. It is safe for concurrent use.
type Vocabulary struct {
	params Params
	dim    int // descriptor width: floats for L2, bytes for Hamming
	images int // corpus size the IDF weights were computed over
	nodes  []node
	idf    []float64
}

// Params returns the construction parameters.
func (v *Vocabulary) Params() Params { return v.params }

// Dim returns the descriptor width the vocabulary accepts.
func (v *Vocabulary) Dim() int { return v.dim }

// Words returns the number of words (leaves).
func (v *Vocabulary) Words() int { return len(v.idf) }

// IDF returns the inverse document frequency weight of word.
func (v *Vocabulary) IDF(word uint32) float64 {
	if int(word) >= len(v.idf) {
		return 0
	}
	return v.idf[word]
}

// checkDescriptors verifies that m can be quantized by v.
func (v *Vocabulary) checkDescriptors(m model.Matrix) error {
	if m.Rows == 0 {
		return nil
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Cols != v.dim {
		return fmt.Errorf("%w: %d columns, vocabulary has %d", ErrDescriptorMismatch, m.Cols, v.dim)
	}
	if v.params.Metric == distance.MetricHamming && m.Type != model.Uint8 {
		return fmt.Errorf("%w: binary vocabulary needs uint8 descriptors, got %v", ErrDescriptorMismatch, m.Type)
	}
	return nil
}

// quantizeFloat descends the tree and returns the word of vec.
func (v *Vocabulary) quantizeFloat(vec []float32) int32 {
	n := &v.nodes[0]
	for !n.leaf() {
		j := kmeans.AssignPartition(vec, n.Centroids, v.dim)
		n = &v.nodes[n.Children[j]]
	}
	return n.Word
}

func (v *Vocabulary) quantizeBinary(vec []byte) int32 {
	n := &v.nodes[0]
	for !n.leaf() {
		j := kmeans.AssignBinary(vec, n.Bits, v.dim)
		n = &v.nodes[n.Children[j]]
	}
	return n.Word
}

// words calls fn with the word of every descriptor row.
func (v *Vocabulary) words(m model.Matrix, fn func(word int32)) {
	if v.params.Metric == distance.MetricHamming {
		rb := m.RowBytes()
		for r := 0; r < m.Rows; r++ {
			fn(v.quantizeBinary(m.Data[r*rb : (r+1)*rb]))
		}
		return
	}
	row := make([]float32, m.Cols)
	for r := 0; r < m.Rows; r++ {
		fn(v.quantizeFloat(m.RowFloat32(r, row)))
	}
}

// Transform converts a descriptor matrix into an L1-normalised signature:
// each row adds the IDF weight of its word. An empty matrix yields an empty
// signature.
func (v *Vocabulary) Transform(descriptors model.Matrix) (model.Signature, error) {
	if err := v.checkDescriptors(descriptors); err != nil {
		return nil, err
	}
	sig := make(model.Signature)
	if descriptors.Rows == 0 {
		return sig, nil
	}

	var total float64
	v.words(descriptors, func(w int32) {
		weight := v.idf[w]
		sig[uint32(w)] += weight
		total += weight
	})
	if total > 0 {
		for w, x := range sig {
			sig[w] = x / total
		}
	}
	return sig, nil
}

// Sparse is a signature with words in ascending order. Scoring two Sparse
// values is a merge join, so the floating-point sum is evaluated in the same
// order on every call.
type Sparse struct {
	Words   []uint32
	Weights []float64
}

// Compact converts a signature into its sorted form.
func Compact(sig model.Signature) Sparse {
	words := sig.Words()
	weights := make([]float64, len(words))
	for i, w := range words {
		weights[i] = sig[w]
	}
	return Sparse{Words: words, Weights: weights}
}

// Len returns the number of words.
func (s Sparse) Len() int { return len(s.Words) }

// Score returns the L1 similarity of two normalised signatures: the sum of
// the element-wise minimum over their common words. The result is in
// [0, MaxScore] up to rounding.
func Score(a, b model.Signature) float64 {
	return ScoreSparse(Compact(a), Compact(b))
}

// ScoreSparse is Score on compacted signatures.
func ScoreSparse(a, b Sparse) float64 {
	var s float64
	i, j := 0, 0
	for i < len(a.Words) && j < len(b.Words) {
		switch {
		case a.Words[i] < b.Words[j]:
			i++
		case a.Words[i] > b.Words[j]:
			j++
		default:
			s += min(a.Weights[i], b.Weights[j])
			i++
			j++
		}
	}
	return s
}
