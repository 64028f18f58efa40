package vocabulary

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vistore/blobstore"
	"github.com/hupe1980/vistore/codec"
	"github.com/hupe1980/vistore/distance"
	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/model"
)

// clusteredCorpus draws rows around a few well separated centers so the
// tree has structure to find.
func clusteredCorpus(rng *rand.Rand, images, rows, dim, centers int) []model.Matrix {
	c := make([][]float32, centers)
	for i := range c {
		c[i] = make([]float32, dim)
		for d := range c[i] {
			c[i][d] = float32(rng.Intn(10)) * 10
		}
	}
	corpus := make([]model.Matrix, images)
	for i := range corpus {
		vals := make([]float32, rows*dim)
		for r := 0; r < rows; r++ {
			center := c[rng.Intn(centers)]
			for d := 0; d < dim; d++ {
				vals[r*dim+d] = center[d] + float32(rng.NormFloat64())
			}
		}
		corpus[i] = model.FromFloat32(rows, dim, vals)
	}
	return corpus
}

func smallParams() Params {
	return Params{Branching: 4, Depth: 3, MaxIterations: 10, Seed: 42}
}

func buildSmall(t *testing.T) (*Vocabulary, []model.Matrix) {
	t.Helper()
	corpus := clusteredCorpus(rand.New(rand.NewSource(1)), 12, 40, 8, 6)
	v, err := Build(context.Background(), corpus, smallParams())
	require.NoError(t, err)
	return v, corpus
}

func TestBuild(t *testing.T) {
	v, _ := buildSmall(t)
	assert.Equal(t, 8, v.Dim())
	assert.Greater(t, v.Words(), 1)
	assert.LessOrEqual(t, v.Words(), 4*4*4)
	for w := 0; w < v.Words(); w++ {
		idf := v.IDF(uint32(w))
		assert.GreaterOrEqual(t, idf, math.Log(2)-1e-12)
		assert.LessOrEqual(t, idf, math.Log(1+12)+1e-12)
	}
	assert.Zero(t, v.IDF(uint32(v.Words())))
}

func TestBuild_Deterministic(t *testing.T) {
	corpus := clusteredCorpus(rand.New(rand.NewSource(3)), 8, 30, 6, 5)

	a, err := Build(context.Background(), corpus, smallParams())
	require.NoError(t, err)
	b, err := Build(context.Background(), corpus, smallParams())
	require.NoError(t, err)

	ba, err := Marshal(a, codec.MsgPack{})
	require.NoError(t, err)
	bb, err := Marshal(b, codec.MsgPack{})
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Build(ctx, nil, smallParams())
	assert.ErrorIs(t, err, ErrEmptyCorpus)

	_, err = Build(ctx, []model.Matrix{{Type: model.Float32}}, smallParams())
	assert.ErrorIs(t, err, ErrEmptyCorpus)

	_, err = Build(ctx, clusteredCorpus(rand.New(rand.NewSource(1)), 2, 5, 4, 2), Params{Branching: 1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	mixed := []model.Matrix{
		model.FromFloat32(1, 2, []float32{1, 2}),
		model.FromFloat32(1, 3, []float32{1, 2, 3}),
	}
	_, err = Build(ctx, mixed, smallParams())
	assert.ErrorIs(t, err, ErrDescriptorMismatch)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Build(cctx, clusteredCorpus(rand.New(rand.NewSource(1)), 4, 20, 4, 3), smallParams())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild_SingleRow(t *testing.T) {
	v, err := Build(context.Background(), []model.Matrix{model.FromFloat32(1, 2, []float32{1, 2})}, smallParams())
	require.NoError(t, err)
	assert.Equal(t, 1, v.Words())

	sig, err := v.Transform(model.FromFloat32(2, 2, []float32{5, 5, -1, 0}))
	require.NoError(t, err)
	assert.Equal(t, model.Signature{0: 1}, sig)
}

func TestTransform(t *testing.T) {
	v, corpus := buildSmall(t)

	sig, err := v.Transform(corpus[0])
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	var sum float64
	for w, x := range sig {
		assert.Less(t, int(w), v.Words())
		assert.Greater(t, x, 0.0)
		sum += x
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	empty, err := v.Transform(model.Matrix{Type: model.Float32, Cols: 8})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = v.Transform(model.FromFloat32(1, 3, []float32{1, 2, 3}))
	assert.ErrorIs(t, err, ErrDescriptorMismatch)
}

func TestTransform_Float64Descriptors(t *testing.T) {
	v, corpus := buildSmall(t)
	f32 := corpus[1]
	vals := f32.Float32s()
	f64 := make([]float64, len(vals))
	for i, x := range vals {
		f64[i] = float64(x)
	}

	a, err := v.Transform(f32)
	require.NoError(t, err)
	b, err := v.Transform(model.FromFloat64(f32.Rows, f32.Cols, f64))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTransform_Concurrent(t *testing.T) {
	v, corpus := buildSmall(t)

	want := make([]model.Signature, len(corpus))
	for i, m := range corpus {
		sig, err := v.Transform(m)
		require.NoError(t, err)
		want[i] = sig
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, m := range corpus {
				sig, err := v.Transform(m)
				if err != nil {
					errs <- err
					return
				}
				if Score(sig, want[i]) < MaxScore-1e-9 || len(sig) != len(want[i]) {
					errs <- errors.New("signature differs")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestScore(t *testing.T) {
	a := model.Signature{1: 0.5, 2: 0.25, 7: 0.25}
	b := model.Signature{2: 0.5, 7: 0.1, 9: 0.4}
	c := model.Signature{3: 1}

	assert.InDelta(t, MaxScore, Score(a, a), 1e-12)
	assert.InDelta(t, 0.35, Score(a, b), 1e-12)
	assert.Equal(t, Score(a, b), Score(b, a))
	assert.Zero(t, Score(a, c))
	assert.Zero(t, Score(a, nil))
	assert.Zero(t, Score(nil, nil))

	// More overlap scores higher.
	closer := model.Signature{1: 0.5, 2: 0.25, 9: 0.25}
	assert.Greater(t, Score(a, closer), Score(a, b))
}

func TestCompact(t *testing.T) {
	s := Compact(model.Signature{9: 0.1, 2: 0.7, 5: 0.2})
	assert.Equal(t, []uint32{2, 5, 9}, s.Words)
	assert.Equal(t, []float64{0.7, 0.2, 0.1}, s.Weights)
	assert.Equal(t, 3, s.Len())
}

func TestBinaryVocabulary(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	protos := make([][]byte, 4)
	for i := range protos {
		protos[i] = make([]byte, 32)
		rng.Read(protos[i])
	}
	corpus := make([]model.Matrix, 6)
	for i := range corpus {
		m := model.NewMatrix(model.Uint8, 20, 32)
		for r := 0; r < 20; r++ {
			row := m.Data[r*32 : (r+1)*32]
			copy(row, protos[rng.Intn(len(protos))])
			row[rng.Intn(32)] ^= 1 << uint(rng.Intn(8))
		}
		corpus[i] = m
	}

	p := smallParams()
	p.Metric = distance.MetricHamming
	v, err := Build(context.Background(), corpus, p)
	require.NoError(t, err)

	sig, err := v.Transform(corpus[0])
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	_, err = v.Transform(model.FromFloat32(1, 32, make([]float32, 32)))
	assert.ErrorIs(t, err, ErrDescriptorMismatch)

	loaded, err := Unmarshal(mustMarshal(t, v, codec.JSON{}))
	require.NoError(t, err)
	again, err := loaded.Transform(corpus[0])
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	_, err = Build(context.Background(), []model.Matrix{model.FromFloat32(1, 2, []float32{1, 2})}, p)
	assert.ErrorIs(t, err, ErrDescriptorMismatch)
}

func mustMarshal(t *testing.T, v *Vocabulary, c codec.Codec) []byte {
	t.Helper()
	data, err := Marshal(v, c)
	require.NoError(t, err)
	return data
}

func TestSaveLoad(t *testing.T) {
	v, corpus := buildSmall(t)
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	for _, c := range []codec.Codec{codec.MsgPack{}, codec.JSON{}} {
		t.Run(c.Name(), func(t *testing.T) {
			require.NoError(t, Save(ctx, store, "voc-"+c.Name(), v, WithCodec(c)))

			loaded, err := Load(ctx, store, "voc-"+c.Name())
			require.NoError(t, err)
			assert.Equal(t, v.Params(), loaded.Params())
			assert.Equal(t, v.Words(), loaded.Words())

			for _, m := range corpus {
				want, err := v.Transform(m)
				require.NoError(t, err)
				got, err := loaded.Transform(m)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	v, _ := buildSmall(t)
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	_, err := Load(ctx, store, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	data := mustMarshal(t, v, codec.MsgPack{})

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = Unmarshal(flipped)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Unmarshal([]byte("nope"))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Unmarshal(data[:9])
	assert.ErrorIs(t, err, ErrCorrupt)

	future := append([]byte(nil), data...)
	future[4] = 9
	_, err = Unmarshal(future)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	// "msgpack" -> "msgpacc"
	unknown := append([]byte(nil), data...)
	unknown[7+6] = 'c'
	_, err = Unmarshal(unknown)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestLoadOrBuild(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	corpus := clusteredCorpus(rand.New(rand.NewSource(2)), 5, 20, 4, 3)

	calls := 0
	gather := func(context.Context) ([]model.Matrix, error) {
		calls++
		return corpus, nil
	}

	first, err := LoadOrBuild(ctx, store, "default", gather, smallParams())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	second, err := LoadOrBuild(ctx, store, "default", gather, smallParams())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, mustMarshal(t, first, codec.MsgPack{}), mustMarshal(t, second, codec.MsgPack{}))

	boom := errors.New("boom")
	_, err = LoadOrBuild(ctx, store, "other", func(context.Context) ([]model.Matrix, error) {
		return nil, boom
	}, smallParams())
	assert.ErrorIs(t, err, boom)
}

func TestStoreCorpus(t *testing.T) {
	ctx := context.Background()
	s, err := featurestore.OpenBadger("", featurestore.WithInMemory())
	require.NoError(t, err)
	defer s.Close()

	corpus := clusteredCorpus(rand.New(rand.NewSource(4)), 3, 5, 4, 2)
	for i, m := range corpus {
		kps := make([]model.Keypoint, m.Rows)
		require.NoError(t, s.PutMeta(ctx, model.Meta{ID: int64(i + 1), Path: fmt.Sprintf("img%d.jpg", i)}))
		require.NoError(t, s.PutDescriptors(ctx, int64(i+1), model.Features{Keypoints: kps, Descriptors: m}))
	}

	got, err := StoreCorpus(s, 2)(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, corpus[0], got[0])
	assert.Equal(t, corpus[1], got[1])

	got, err = StoreCorpus(s, 0)(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

type fakeDecoder struct{ fail map[string]bool }

func (d fakeDecoder) DecodeGrayscale(_ context.Context, path string) (*image.Gray, error) {
	if d.fail[path] {
		return nil, errors.New("cannot decode")
	}
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix[0] = byte(len(path))
	return img, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, img *image.Gray) ([]model.Keypoint, model.Matrix, error) {
	v := float32(img.Pix[0])
	return []model.Keypoint{{}}, model.FromFloat32(1, 2, []float32{v, -v}), nil
}

func TestFileCorpus(t *testing.T) {
	paths := []string{"a.jpg", "broken.jpg", "ccc.jpg"}
	corpus, err := FileCorpus(paths, fakeDecoder{fail: map[string]bool{"broken.jpg": true}}, fakeExtractor{})(context.Background())
	require.NoError(t, err)
	require.Len(t, corpus, 2)
	assert.Equal(t, []float32{5, -5}, corpus[0].Float32s())
	assert.Equal(t, []float32{7, -7}, corpus[1].Float32s())
}
