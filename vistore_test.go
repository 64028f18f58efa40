package vistore

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/model"
	"github.com/hupe1980/vistore/reconstruction"
	"github.com/hupe1980/vistore/retrieval"
	"github.com/hupe1980/vistore/vocabulary"
)

// writeTextured writes a 64x64 PNG of random 4x4 blocks.
func writeTextured(t *testing.T, path string, seed int64) {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for by := 0; by < 64; by += 4 {
		for bx := 0; bx < 64; bx += 4 {
			v := uint8(r.Intn(256))
			for y := by; y < by+4; y++ {
				for x := bx; x < bx+4; x++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeReconstruction creates root/name with n images and a manifest.
func writeReconstruction(t *testing.T, root, name string, n int, seed int64) []string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	refs := make([]ingest.ImageRef, n)
	paths := make([]string, n)
	for i := range refs {
		paths[i] = filepath.Join(dir, "img"+string(rune('a'+i))+".png")
		writeTextured(t, paths[i], seed+int64(i))
		refs[i] = ingest.ImageRef{
			Path:       paths[i],
			Intrinsics: model.Intrinsics{Width: 64, Height: 64, Fx: 50, Fy: 50, Cx: 32, Cy: 32},
			Pose:       model.Pose{Translation: [3]float64{float64(i), 0, 0}},
		}
	}
	f, err := os.Create(filepath.Join(dir, reconstruction.DefaultManifestName))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, reconstruction.WriteManifest(f, refs, dir))
	return paths
}

func openTest(t *testing.T, optFns ...Option) *Store {
	t.Helper()
	base := []Option{
		WithInMemory(),
		WithVocabulary("test.vocab", vocabulary.Params{Branching: 3, Depth: 2, MaxIterations: 5, Seed: 1}, 0),
	}
	s, err := Open(context.Background(), t.TempDir(), append(base, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_EndToEnd(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	paths := writeReconstruction(t, root, "rec1", 4, 10)

	metrics := &BasicMetricsCollector{}
	s := openTest(t, WithMetrics(metrics))

	_, err := s.RetrievePaths(ctx, paths[:1], 2)
	require.ErrorIs(t, err, ErrNoVocabulary)

	sum, err := s.IngestRecursive(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Imported)
	assert.Equal(t, 4, sum.Persisted)

	id, found, err := s.Features().FindIDByPath(ctx, paths[2])
	require.NoError(t, err)
	require.True(t, found)
	meta, err := s.Features().GetMeta(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{2, 0, 0}, meta.Pose.Translation)

	v, err := s.BuildVocabulary(ctx, false)
	require.NoError(t, err)
	assert.Positive(t, v.Words())
	assert.Same(t, v, s.Vocabulary())

	esum, err := s.Enrich(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, esum.Enriched)

	results, err := s.RetrievePaths(ctx, paths[:1], 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 2)
	for _, r := range results[0] {
		assert.NotEqual(t, paths[0], r.Path)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, vocabulary.MaxScore+1e-9)
	}

	stats := metrics.GetStats()
	assert.Equal(t, int64(4), stats.Imported)
	assert.Equal(t, int64(4), stats.Signatures)
	assert.Equal(t, int64(1), stats.Retrievals)
	assert.Positive(t, stats.Commits)
}

func TestStore_RetrieveFileGallery(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	paths := writeReconstruction(t, root, "rec", 3, 20)

	s := openTest(t)
	_, err := s.IngestRecursive(ctx, root)
	require.NoError(t, err)
	_, err = s.BuildVocabulary(ctx, false)
	require.NoError(t, err)

	results, err := s.Retrieve(ctx, []retrieval.Query{{Path: paths[1]}}, retrieval.DirGallery(root, nil), retrieval.Options{K: 5, NumThreads: 2})
	require.NoError(t, err)
	require.Len(t, results[0], 2)
	for _, r := range results[0] {
		assert.NotEqual(t, paths[1], r.Path)
	}
}

func TestStore_InvalidK(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	paths := writeReconstruction(t, root, "rec", 2, 30)

	s := openTest(t)
	_, err := s.IngestRecursive(ctx, root)
	require.NoError(t, err)
	_, err = s.BuildVocabulary(ctx, false)
	require.NoError(t, err)

	_, err = s.RetrievePaths(ctx, paths, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
	assert.ErrorIs(t, err, retrieval.ErrInvalidK)
}

func TestStore_VocabularyPersists(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeReconstruction(t, root, "rec", 3, 40)
	dir := t.TempDir()
	params := vocabulary.Params{Branching: 2, Depth: 1, MaxIterations: 3}

	s, err := Open(ctx, dir, WithVocabulary("", params, 0))
	require.NoError(t, err)
	_, err = s.IngestRecursive(ctx, root)
	require.NoError(t, err)
	built, err := s.BuildVocabulary(ctx, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, WithVocabulary("", params, 0))
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.Vocabulary())
	assert.Equal(t, built.Words(), s.Vocabulary().Words())

	ids, err := s.Features().ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ids.GetCardinality())
}

func TestStore_Closed(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Ingest(context.Background(), "rec")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Enrich(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
