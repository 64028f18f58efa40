package vocabulary

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hupe1980/vistore/distance"
	"github.com/hupe1980/vistore/internal/kmeans"
	"github.com/hupe1980/vistore/model"
)

// Build clusters the descriptors of corpus (one matrix per image) into a
// vocabulary tree and computes per-word IDF weights ln(1 + N/n_w), where N
// is the number of images and n_w the number of images containing word w.
//
// Subtrees are built depth-first from one seeded random source, so equal
// corpora and params give identical vocabularies.
func Build(ctx context.Context, corpus []model.Matrix, params Params, optFns ...Option) (*Vocabulary, error) {
	opts := applyOptions(optFns)
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}

	b, err := newBuilder(corpus, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	opts.Logger.Info("building vocabulary",
		"images", len(corpus),
		"descriptors", b.n,
		"branching", params.Branching,
		"depth", params.Depth,
	)

	all := make([]int, b.n)
	for i := range all {
		all[i] = i
	}
	if _, err := b.build(ctx, all, 0); err != nil {
		return nil, err
	}

	v := &Vocabulary{
		params: params,
		dim:    b.dim,
		images: len(corpus),
		nodes:  b.nodes,
		idf:    make([]float64, b.words),
	}
	if err := v.computeIDF(ctx, corpus); err != nil {
		return nil, err
	}

	opts.Logger.Info("vocabulary built",
		"words", v.Words(),
		"nodes", len(v.nodes),
		"duration", time.Since(start),
	)
	return v, nil
}

type builder struct {
	params Params
	dim    int
	n      int
	floats []float32 // L2: n*dim
	bits   []byte    // Hamming: n*dim
	rng    *rand.Rand
	nodes  []node
	words  int32
}

func newBuilder(corpus []model.Matrix, params Params) (*builder, error) {
	b := &builder{params: params, rng: rand.New(rand.NewSource(params.Seed))}

	for i, m := range corpus {
		if m.Rows == 0 {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("corpus image %d: %w", i, err)
		}
		if b.dim == 0 {
			b.dim = m.Cols
		}
		if m.Cols != b.dim {
			return nil, fmt.Errorf("%w: corpus image %d has %d columns, expected %d", ErrDescriptorMismatch, i, m.Cols, b.dim)
		}
		if params.Metric == distance.MetricHamming {
			if m.Type != model.Uint8 {
				return nil, fmt.Errorf("%w: binary vocabulary needs uint8 descriptors, corpus image %d is %v", ErrDescriptorMismatch, i, m.Type)
			}
			b.bits = append(b.bits, m.Data[:m.Rows*m.RowBytes()]...)
		} else {
			b.floats = append(b.floats, m.Float32s()...)
		}
		b.n += m.Rows
	}
	if b.n == 0 {
		return nil, ErrEmptyCorpus
	}
	return b, nil
}

// train clusters the rows idx into at most Branching groups and returns the
// flattened centroids and the group of each row.
func (b *builder) train(ctx context.Context, idx []int) (floats []float32, bits []byte, assign []int, err error) {
	k, iters := b.params.Branching, b.params.MaxIterations
	if b.params.Metric == distance.MetricHamming {
		sub := make([]byte, 0, len(idx)*b.dim)
		for _, i := range idx {
			sub = append(sub, b.bits[i*b.dim:(i+1)*b.dim]...)
		}
		bits, assign, err = kmeans.TrainBinary(ctx, sub, b.dim, k, iters, b.rng)
		return nil, bits, assign, err
	}
	sub := make([]float32, 0, len(idx)*b.dim)
	for _, i := range idx {
		sub = append(sub, b.floats[i*b.dim:(i+1)*b.dim]...)
	}
	floats, assign, err = kmeans.TrainKMeans(ctx, sub, b.dim, k, iters, b.rng)
	return floats, nil, assign, err
}

// build creates the subtree over rows idx at the given level and returns its
// node index.
func (b *builder) build(ctx context.Context, idx []int, level int) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Word: -1})

	if level == b.params.Depth || len(idx) <= 1 {
		b.makeLeaf(id)
		return id, nil
	}

	floats, bits, assign, err := b.train(ctx, idx)
	if err != nil {
		return 0, err
	}

	groups := make([][]int, b.params.Branching)
	for pos, c := range assign {
		groups[c] = append(groups[c], idx[pos])
	}

	var (
		children   []int32
		keptFloats []float32
		keptBits   []byte
		members    [][]int
	)
	for c, g := range groups {
		if len(g) == 0 {
			continue
		}
		members = append(members, g)
		if floats != nil {
			keptFloats = append(keptFloats, floats[c*b.dim:(c+1)*b.dim]...)
		} else {
			keptBits = append(keptBits, bits[c*b.dim:(c+1)*b.dim]...)
		}
	}
	// Identical rows cannot be split further.
	if len(members) < 2 {
		b.makeLeaf(id)
		return id, nil
	}

	for _, g := range members {
		child, err := b.build(ctx, g, level+1)
		if err != nil {
			return 0, err
		}
		children = append(children, child)
	}

	n := &b.nodes[id]
	n.Children = children
	n.Centroids = keptFloats
	n.Bits = keptBits
	return id, nil
}

func (b *builder) makeLeaf(id int32) {
	b.nodes[id].Word = b.words
	b.words++
}

// computeIDF counts, per word, the images that contain it.
func (v *Vocabulary) computeIDF(ctx context.Context, corpus []model.Matrix) error {
	docs := make([]int, len(v.idf))
	seen := make([]int, len(v.idf)) // last image index+1 that hit the word
	for i, m := range corpus {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Rows == 0 {
			continue
		}
		v.words(m, func(w int32) {
			if seen[w] != i+1 {
				seen[w] = i + 1
				docs[w]++
			}
		})
	}

	n := float64(len(corpus))
	for w, d := range docs {
		// A leaf always owns training rows, but ties in the descent can
		// route them elsewhere.
		if d == 0 {
			d = 1
		}
		v.idf[w] = math.Log(1 + n/float64(d))
	}
	return nil
}
