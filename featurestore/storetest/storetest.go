// Package storetest is a conformance suite run against every feature store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/model"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) featurestore.Store

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s featurestore.Store)
	}{
		{"NotFound", testNotFound},
		{"MetaRoundTrip", testMetaRoundTrip},
		{"DescriptorRoundTrip", testDescriptorRoundTrip},
		{"SignatureAndEmbedding", testSignatureAndEmbedding},
		{"UpsertByID", testUpsertByID},
		{"DescriptorsResetDerived", testDescriptorsResetDerived},
		{"PathReplace", testPathReplace},
		{"PathChangeReleasesOldPath", testPathChange},
		{"BatchAtomic", testBatchAtomic},
		{"UpdateCallbackError", testUpdateCallbackError},
		{"UpdateCancelled", testUpdateCancelled},
		{"StreamOrderAndEarlyStop", testStream},
		{"ListAndNextID", testListAndNextID},
		{"InvalidRows", testInvalidRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

// RandomMeta returns a metadata row with random geometry.
func RandomMeta(rng *rand.Rand, id int64, path string) model.Meta {
	m := model.Meta{
		ID:   id,
		Path: path,
		Intrinsics: model.Intrinsics{
			Width:  640 + rng.Intn(3000),
			Height: 480 + rng.Intn(2000),
			Fx:     rng.Float64() * 3000,
			Fy:     rng.Float64() * 3000,
			Cx:     rng.Float64() * 2000,
			Cy:     rng.Float64() * 1500,
		},
	}
	for i := range m.Intrinsics.Distortion {
		m.Intrinsics.Distortion[i] = rng.NormFloat64() * 0.1
	}
	for i := 0; i < 3; i++ {
		m.Pose.Rotation[i] = rng.NormFloat64()
		m.Pose.Translation[i] = rng.NormFloat64() * 100
	}
	return m
}

// RandomFeatures returns n keypoints with random float32 descriptors of
// width dim.
func RandomFeatures(rng *rand.Rand, n, dim int) model.Features {
	kps := make([]model.Keypoint, n)
	vals := make([]float32, n*dim)
	for i := range kps {
		kps[i] = model.Keypoint{X: rng.Float32() * 640, Y: rng.Float32() * 480}
	}
	for i := range vals {
		vals[i] = rng.Float32()
	}
	return model.Features{Keypoints: kps, Descriptors: model.FromFloat32(n, dim, vals)}
}

func testNotFound(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	_, err := s.GetMeta(ctx, 42)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetDescriptors(ctx, 42)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetSignature(ctx, 42)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetEmbedding(ctx, 42)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)

	_, found, err := s.FindIDByPath(ctx, "nope.jpg")
	require.NoError(t, err)
	assert.False(t, found)
}

func testMetaRoundTrip(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	want := RandomMeta(rng, 7, "/data/a.jpg")
	require.NoError(t, s.PutMeta(ctx, want))

	got, err := s.GetMeta(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Path, got.Path)
	assert.Equal(t, want.Intrinsics.Width, got.Intrinsics.Width)
	assert.Equal(t, want.Intrinsics.Height, got.Intrinsics.Height)
	assert.InDelta(t, want.Intrinsics.Fx, got.Intrinsics.Fx, 1e-9)
	assert.InDelta(t, want.Intrinsics.Cy, got.Intrinsics.Cy, 1e-9)
	assert.InDeltaSlice(t, want.Intrinsics.Distortion[:], got.Intrinsics.Distortion[:], 1e-9)
	assert.InDeltaSlice(t, want.Pose.Rotation[:], got.Pose.Rotation[:], 1e-9)
	assert.InDeltaSlice(t, want.Pose.Translation[:], got.Pose.Translation[:], 1e-9)

	id, found, err := s.FindIDByPath(ctx, "/data/a.jpg")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), id)

	// A row with metadata only is legal.
	_, err = s.GetDescriptors(ctx, 7)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
}

func testDescriptorRoundTrip(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	want := RandomFeatures(rng, 50, 128)
	require.NoError(t, s.PutDescriptors(ctx, 3, want))

	got, err := s.GetDescriptors(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, want.Keypoints, got.Keypoints)
	assert.Equal(t, want.Descriptors, got.Descriptors)

	binary := model.Matrix{Type: model.Uint8, Rows: 2, Cols: 32, Data: make([]byte, 64)}
	rng.Read(binary.Data)
	require.NoError(t, s.PutDescriptors(ctx, 4, model.Features{
		Keypoints:   []model.Keypoint{{X: 1, Y: 2}, {X: 3, Y: 4}},
		Descriptors: binary,
	}))
	got, err = s.GetDescriptors(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, binary, got.Descriptors)
}

func testSignatureAndEmbedding(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	sig := model.Signature{1: 0.25, 99: 0.5, 4_000_000: 0.25}
	require.NoError(t, s.PutSignature(ctx, 5, sig))
	got, err := s.GetSignature(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	vec := []float32{0.1, -0.2, 0.3}
	require.NoError(t, s.PutEmbedding(ctx, 5, vec))
	gotVec, err := s.GetEmbedding(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, vec, gotVec)

	require.NoError(t, s.PutEmbeddingBatch(ctx, []featurestore.EmbeddingRow{
		{ID: 6, Embedding: []float32{1}},
		{ID: 7, Embedding: []float32{2}},
	}))
	gotVec, err = s.GetEmbedding(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, gotVec)
}

func testUpsertByID(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	first := RandomMeta(rng, 1, "a.jpg")
	second := RandomMeta(rng, 1, "a.jpg")
	require.NoError(t, s.PutMeta(ctx, first))
	require.NoError(t, s.PutMeta(ctx, second))

	got, err := s.GetMeta(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, second.Intrinsics.Fx, got.Intrinsics.Fx, 1e-9)

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ids.GetCardinality())
}

func testDescriptorsResetDerived(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(8))
	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 1, "img.jpg")))
	require.NoError(t, s.PutDescriptors(ctx, 1, RandomFeatures(rng, 1, 8)))
	require.NoError(t, s.PutSignature(ctx, 1, model.Signature{1: 1}))
	require.NoError(t, s.PutEmbedding(ctx, 1, []float32{1, 2}))

	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 1, "img.jpg")))
	want := RandomFeatures(rng, 3, 8)
	require.NoError(t, s.PutDescriptors(ctx, 1, want))

	got, err := s.GetDescriptors(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Descriptors.Rows, got.Descriptors.Rows)
	_, err = s.GetSignature(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetEmbedding(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)

	// A signature written after the descriptors sticks.
	require.NoError(t, s.PutSignature(ctx, 1, model.Signature{3: 1}))
	sig, err := s.GetSignature(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Signature{3: 1}, sig)
}

func testPathReplace(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(4))
	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 1, "same.jpg")))
	require.NoError(t, s.PutDescriptors(ctx, 1, RandomFeatures(rng, 3, 8)))
	require.NoError(t, s.PutSignature(ctx, 1, model.Signature{1: 1}))

	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 2, "same.jpg")))

	id, found, err := s.FindIDByPath(ctx, "same.jpg")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), id)

	_, err = s.GetMeta(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetDescriptors(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetSignature(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids.ToArray())
}

func testPathChange(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 1, "old.jpg")))
	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 1, "new.jpg")))

	_, found, err := s.FindIDByPath(ctx, "old.jpg")
	require.NoError(t, err)
	assert.False(t, found)

	id, found, err := s.FindIDByPath(ctx, "new.jpg")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), id)

	// The released path can be taken by another row without touching id 1.
	require.NoError(t, s.PutMeta(ctx, RandomMeta(rng, 2, "old.jpg")))
	_, err = s.GetMeta(ctx, 1)
	assert.NoError(t, err)
}

func testBatchAtomic(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(6))
	rows := []model.Meta{
		RandomMeta(rng, 1, "1.jpg"),
		RandomMeta(rng, 2, "2.jpg"),
		RandomMeta(rng, 3, ""), // invalid
		RandomMeta(rng, 4, "4.jpg"),
	}

	err := s.PutMetaBatch(ctx, rows)
	require.Error(t, err)
	assert.ErrorIs(t, err, featurestore.ErrStoreIO)
	var sio *featurestore.StoreIOError
	assert.True(t, errors.As(err, &sio))

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.True(t, ids.IsEmpty(), "no row of a failed batch may be visible")

	require.NoError(t, s.PutMetaBatch(ctx, append(rows[:2:2], rows[3])))
	ids, err = s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 4}, ids.ToArray())
}

func testUpdateCallbackError(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx featurestore.Tx) error {
		if err := tx.PutMeta(RandomMeta(rng, 1, "x.jpg")); err != nil {
			return err
		}
		if err := tx.PutDescriptors(1, RandomFeatures(rng, 2, 4)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, featurestore.ErrStoreIO)

	_, err = s.GetMeta(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
	_, err = s.GetDescriptors(ctx, 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
}

func testUpdateCancelled(t *testing.T, s featurestore.Store) {
	rng := rand.New(rand.NewSource(8))
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Update(ctx, func(tx featurestore.Tx) error {
		if err := tx.PutMeta(RandomMeta(rng, 1, "c.jpg")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.GetMeta(context.Background(), 1)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
}

func testStream(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	var rows []featurestore.SignatureRow
	for _, id := range []int64{9, 3, 300, 1, 42, 7, 1000, 5, 8, 2} {
		rows = append(rows, featurestore.SignatureRow{ID: id, Signature: model.Signature{uint32(id): 1}})
	}
	require.NoError(t, s.PutSignatureBatch(ctx, rows))

	var seen []int64
	require.NoError(t, s.StreamSignatures(ctx, func(id int64, sig model.Signature) bool {
		assert.Equal(t, 1.0, sig[uint32(id)], fmt.Sprintf("signature of %d", id))
		seen = append(seen, id)
		return true
	}))
	assert.Equal(t, []int64{1, 2, 3, 5, 7, 8, 9, 42, 300, 1000}, seen)

	seen = seen[:0]
	require.NoError(t, s.StreamSignatures(ctx, func(id int64, _ model.Signature) bool {
		seen = append(seen, id)
		return len(seen) < 3
	}))
	assert.Equal(t, []int64{1, 2, 3}, seen)

	sigIDs, err := s.ListSignatureIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), sigIDs.GetCardinality())

	require.NoError(t, s.PutEmbedding(ctx, 2, []float32{1, 2}))
	require.NoError(t, s.PutEmbedding(ctx, 1, []float32{3}))
	var embIDs []int64
	require.NoError(t, s.StreamEmbeddings(ctx, func(id int64, _ []float32) bool {
		embIDs = append(embIDs, id)
		return true
	}))
	assert.Equal(t, []int64{1, 2}, embIDs)
}

func testListAndNextID(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	next, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	rng := rand.New(rand.NewSource(9))
	require.NoError(t, s.PutMetaBatch(ctx, []model.Meta{
		RandomMeta(rng, 0, "a.jpg"),
		RandomMeta(rng, 17, "b.jpg"),
		RandomMeta(rng, 5, "c.jpg"),
	}))

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 5, 17}, ids.ToArray())

	next, err = s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(18), next)
}

func testInvalidRows(t *testing.T, s featurestore.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(10))
	f := RandomFeatures(rng, 3, 4)
	f.Keypoints = f.Keypoints[:2]
	assert.ErrorIs(t, s.PutDescriptors(ctx, 1, f), featurestore.ErrInvalidArgument)
	assert.ErrorIs(t, s.PutMeta(ctx, RandomMeta(rng, -1, "neg.jpg")), featurestore.ErrInvalidArgument)
}
