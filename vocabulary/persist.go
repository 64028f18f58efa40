package vocabulary

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/vistore/blobstore"
	"github.com/hupe1980/vistore/codec"
	"github.com/hupe1980/vistore/distance"
	"github.com/hupe1980/vistore/internal/hash"
	"github.com/hupe1980/vistore/model"
)

// Artifact layout:
//
//	[magic "VBOW"][version u16][codec name len u8][codec name][crc32c u32][payload]
//
// The checksum covers the payload.
var magic = [4]byte{'V', 'B', 'O', 'W'}

const formatVersion uint16 = 1

type artifact struct {
	Branching     int       `json:"branching" msgpack:"branching"`
	Depth         int       `json:"depth" msgpack:"depth"`
	MaxIterations int       `json:"max_iterations" msgpack:"max_iterations"`
	Seed          int64     `json:"seed" msgpack:"seed"`
	Metric        int       `json:"metric" msgpack:"metric"`
	Dim           int       `json:"dim" msgpack:"dim"`
	Images        int       `json:"images" msgpack:"images"`
	Nodes         []node    `json:"nodes" msgpack:"nodes"`
	IDF           []float64 `json:"idf" msgpack:"idf"`
}

// Marshal encodes v as a self-describing artifact.
func Marshal(v *Vocabulary, c codec.Codec) ([]byte, error) {
	payload, err := c.Marshal(artifact{
		Branching:     v.params.Branching,
		Depth:         v.params.Depth,
		MaxIterations: v.params.MaxIterations,
		Seed:          v.params.Seed,
		Metric:        int(v.params.Metric),
		Dim:           v.dim,
		Images:        v.images,
		Nodes:         v.nodes,
		IDF:           v.idf,
	})
	if err != nil {
		return nil, fmt.Errorf("vocabulary: encode: %w", err)
	}

	name := c.Name()
	if len(name) > 255 {
		return nil, fmt.Errorf("vocabulary: codec name too long: %q", name)
	}
	out := make([]byte, 0, 4+2+1+len(name)+4+len(payload))
	out = append(out, magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, formatVersion)
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = binary.LittleEndian.AppendUint32(out, hash.CRC32C(payload))
	return append(out, payload...), nil
}

// Unmarshal decodes an artifact produced by Marshal.
func Unmarshal(data []byte) (*Vocabulary, error) {
	if len(data) < 7 || [4]byte(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if ver := binary.LittleEndian.Uint16(data[4:]); ver != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
	}
	nameLen := int(data[6])
	rest := data[7:]
	if len(rest) < nameLen+4 {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	name := string(rest[:nameLen])
	sum := binary.LittleEndian.Uint32(rest[nameLen:])
	payload := rest[nameLen+4:]

	c, ok := codec.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	if hash.CRC32C(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var a artifact
	if err := c.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	v := &Vocabulary{
		params: Params{
			Branching:     a.Branching,
			Depth:         a.Depth,
			MaxIterations: a.MaxIterations,
			Seed:          a.Seed,
			Metric:        distance.Metric(a.Metric),
		},
		dim:    a.Dim,
		images: a.Images,
		nodes:  a.Nodes,
		idf:    a.IDF,
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// validate checks the structural invariants Transform relies on.
func (v *Vocabulary) validate() error {
	if err := v.params.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v.dim <= 0 || len(v.nodes) == 0 || len(v.idf) == 0 {
		return fmt.Errorf("%w: empty tree", ErrCorrupt)
	}
	isBinary := v.params.Metric == distance.MetricHamming
	for i := range v.nodes {
		n := &v.nodes[i]
		if n.leaf() {
			if n.Word < 0 || int(n.Word) >= len(v.idf) {
				return fmt.Errorf("%w: node %d has word %d", ErrCorrupt, i, n.Word)
			}
			continue
		}
		for _, c := range n.Children {
			// Children are created after their parent.
			if int(c) <= i || int(c) >= len(v.nodes) {
				return fmt.Errorf("%w: node %d has child %d", ErrCorrupt, i, c)
			}
		}
		want := len(n.Children) * v.dim
		if (isBinary && len(n.Bits) != want) || (!isBinary && len(n.Centroids) != want) {
			return fmt.Errorf("%w: node %d centroid size", ErrCorrupt, i)
		}
	}
	return nil
}

// Save writes v to store under name.
func Save(ctx context.Context, store blobstore.BlobStore, name string, v *Vocabulary, optFns ...Option) error {
	opts := applyOptions(optFns)
	data, err := Marshal(v, opts.Codec)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("vocabulary: save %s: %w", name, err)
	}
	opts.Logger.Info("vocabulary saved", "name", name, "bytes", len(data), "codec", opts.Codec.Name())
	return nil
}

// Load reads the vocabulary stored under name. A missing artifact yields
// ErrNotFound.
func Load(ctx context.Context, store blobstore.BlobStore, name string) (*Vocabulary, error) {
	data, err := blobstore.Get(ctx, store, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("vocabulary: load %s: %w", name, err)
	}
	return Unmarshal(data)
}

// CorpusFunc gathers the training corpus, one descriptor matrix per image.
type CorpusFunc func(ctx context.Context) ([]model.Matrix, error)

// LoadOrBuild loads the vocabulary stored under name. If none exists, it
// gathers the corpus, builds a vocabulary and saves it; a missing artifact
// is not an error.
func LoadOrBuild(ctx context.Context, store blobstore.BlobStore, name string, corpus CorpusFunc, params Params, optFns ...Option) (*Vocabulary, error) {
	opts := applyOptions(optFns)

	v, err := Load(ctx, store, name)
	if err == nil {
		opts.Logger.Info("vocabulary loaded", "name", name, "words", v.Words())
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	opts.Logger.Info("vocabulary not found, building", "name", name)
	matrices, err := corpus(ctx)
	if err != nil {
		return nil, fmt.Errorf("vocabulary: gather corpus: %w", err)
	}
	v, err = Build(ctx, matrices, params, optFns...)
	if err != nil {
		return nil, err
	}
	if err := Save(ctx, store, name, v, optFns...); err != nil {
		return nil, err
	}
	return v, nil
}
