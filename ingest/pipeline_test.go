package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/model"
)

type fakeSource map[string][]ImageRef

func (s fakeSource) ListImages(_ context.Context, rec string) ([]ImageRef, error) {
	refs, ok := s[rec]
	if !ok {
		return nil, fmt.Errorf("unknown reconstruction %q", rec)
	}
	return refs, nil
}

type fakeDecoder struct {
	calls atomic.Int64
}

func (d *fakeDecoder) DecodeGrayscale(_ context.Context, path string) (*image.Gray, error) {
	d.calls.Add(1)
	if strings.Contains(path, "corrupt") {
		return nil, errors.New("bad header")
	}
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Pix[0] = byte(len(path))
	return img, nil
}

// fakeExtractor returns three keypoints per image. While gate is non-nil
// every call blocks until gate is closed or ctx is done.
type fakeExtractor struct {
	gate  chan struct{}
	calls atomic.Int64
	hook  func(n int64)
}

func (e *fakeExtractor) Extract(ctx context.Context, img *image.Gray) ([]model.Keypoint, model.Matrix, error) {
	n := e.calls.Add(1)
	if e.hook != nil {
		e.hook(n)
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, model.Matrix{}, ctx.Err()
		}
	}
	if img.Pix[1] == 0xff {
		return nil, model.Matrix{}, errors.New("no features")
	}
	kps := []model.Keypoint{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}
	vals := make([]float32, 3*4)
	for i := range vals {
		vals[i] = float32(img.Pix[0]) + float32(i)
	}
	return kps, model.FromFloat32(3, 4, vals), nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	batches  int
	maxDepth map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: map[string]int{}, maxDepth: map[string]int{}}
}

func (m *recordingMetrics) OnItem(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) OnBatch(int, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *recordingMetrics) OnQueueDepth(q string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if depth > m.maxDepth[q] {
		m.maxDepth[q] = depth
	}
}

func (m *recordingMetrics) depth(q string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxDepth[q]
}

// failingStore fails the Nth Update (1-based) with a store I/O error.
type failingStore struct {
	featurestore.Store
	failOn int
	calls  atomic.Int64
}

func (s *failingStore) Update(ctx context.Context, fn func(featurestore.Tx) error) error {
	if int(s.calls.Add(1)) == s.failOn {
		return s.Store.Update(ctx, func(tx featurestore.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return &featurestore.StoreIOError{Op: "commit", Err: errors.New("disk full")}
		})
	}
	return s.Store.Update(ctx, fn)
}

func newStore(t *testing.T) featurestore.Store {
	t.Helper()
	s, err := featurestore.OpenBadger("", featurestore.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// reconstruction creates n image files under dir and returns their refs.
// Names in missing are referenced but not created.
func reconstruction(t *testing.T, dir string, n int, missing ...string) []ImageRef {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var refs []ImageRef
	for i := range n {
		name := fmt.Sprintf("img_%03d.jpg", i)
		refs = append(refs, ImageRef{
			Path:       filepath.Join(dir, name),
			Intrinsics: model.Intrinsics{Width: 640, Height: 480, Fx: 500 + float64(i), Fy: 500, Cx: 320, Cy: 240},
			Pose:       model.Pose{Rotation: [3]float64{0.1, 0, 0}, Translation: [3]float64{float64(i), 0, 1}},
		})
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("jpeg"), 0o644))
	}
	for _, name := range missing {
		refs = append(refs, ImageRef{Path: filepath.Join(dir, name)})
	}
	return refs
}

func TestPipeline_FiveImages(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 5)

	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, &fakeExtractor{}, WithWorkers(3), WithBatchSize(2))
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Imported)
	assert.Equal(t, 5, sum.Persisted)
	assert.Zero(t, sum.DroppedMissing)
	assert.Zero(t, sum.FailedBatches)
	require.NoError(t, sum.Err())

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ids.GetCardinality())

	for _, ref := range refs {
		id, found, err := store.FindIDByPath(ctx, ref.Path)
		require.NoError(t, err)
		require.True(t, found)

		f, err := store.GetDescriptors(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, f.Descriptors.Rows)
		assert.Len(t, f.Keypoints, 3)

		meta, err := store.GetMeta(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ref.Pose, meta.Pose)
		assert.Equal(t, ref.Intrinsics, meta.Intrinsics)
	}
}

func TestPipeline_IDsFollowImportOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 20)

	// Slow down early items so the describe pool finishes them last.
	ex := &fakeExtractor{hook: func(n int64) {
		if n <= 4 {
			time.Sleep(20 * time.Millisecond)
		}
	}}
	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, ex, WithWorkers(4), WithBatchSize(3))
	require.NoError(t, err)

	_, err = p.Run(ctx, rec)
	require.NoError(t, err)

	for i, ref := range refs {
		id, found, err := store.FindIDByPath(ctx, ref.Path)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(i), id, ref.Path)
	}
}

func TestPipeline_MissingFile(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 4, "gone.jpg")

	var dropped []*ItemError
	var mu sync.Mutex
	metrics := newRecordingMetrics()
	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, &fakeExtractor{},
		WithMetrics(metrics),
		WithItemErrorHandler(func(e *ItemError) {
			mu.Lock()
			defer mu.Unlock()
			dropped = append(dropped, e)
		}),
	)
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Imported)
	assert.Equal(t, 1, sum.DroppedMissing)
	assert.Equal(t, 4, sum.Persisted)

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ids.GetCardinality())

	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], ErrMissingFile)
	assert.Equal(t, 4, metrics.outcomes[OutcomeImported])
	assert.Equal(t, 1, metrics.outcomes[OutcomeMissing])
}

func TestPipeline_DecodeAndExtractFailures(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 3)

	corrupt := filepath.Join(rec, "corrupt.jpg")
	require.NoError(t, os.WriteFile(corrupt, []byte("x"), 0o644))
	refs = append(refs, ImageRef{Path: corrupt})

	var errs []error
	var mu sync.Mutex
	dec := &fakeDecoder{}
	ex := &fakeExtractor{}
	p, err := New(store, fakeSource{rec: refs}, decoderFunc(func(ctx context.Context, path string) (*image.Gray, error) {
		img, err := dec.DecodeGrayscale(ctx, path)
		if err == nil && strings.HasSuffix(path, "img_001.jpg") {
			img.Pix[1] = 0xff // flat image, extractor fails
		}
		return img, err
	}), ex, WithItemErrorHandler(func(e *ItemError) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, e)
	}))
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Imported)
	assert.Equal(t, 2, sum.DroppedFailed)
	assert.Equal(t, 2, sum.Persisted)

	var decodeErrs, extractErrs int
	for _, e := range errs {
		if errors.Is(e, ErrDecode) {
			decodeErrs++
		}
		if errors.Is(e, ErrExtract) {
			extractErrs++
		}
	}
	assert.Equal(t, 1, decodeErrs)
	assert.Equal(t, 1, extractErrs)

	_, found, err := store.FindIDByPath(ctx, corrupt)
	require.NoError(t, err)
	assert.False(t, found)
}

type decoderFunc func(ctx context.Context, path string) (*image.Gray, error)

func (f decoderFunc) DecodeGrayscale(ctx context.Context, path string) (*image.Gray, error) {
	return f(ctx, path)
}

func TestPipeline_Backpressure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 12)

	dec := &fakeDecoder{}
	ex := &fakeExtractor{gate: make(chan struct{})}
	metrics := newRecordingMetrics()
	p, err := New(store, fakeSource{rec: refs}, dec, ex,
		WithWorkers(1),
		WithMaxLoaded(2),
		WithProgressInterval(time.Millisecond),
		WithMetrics(metrics),
	)
	require.NoError(t, err)

	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := p.Run(ctx, rec)
		done <- result{sum, err}
	}()

	// One image held by the blocked worker, two queued, one decoded and
	// waiting for room.
	require.Eventually(t, func() bool { return dec.calls.Load() == 4 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(4), dec.calls.Load())
	assert.LessOrEqual(t, metrics.depth(QueueDescribe), 2)

	close(ex.gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 12, res.sum.Persisted)
	assert.LessOrEqual(t, metrics.depth(QueueDescribe), 2)
}

func TestPipeline_BatchFailureContinues(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	store := &failingStore{Store: base, failOn: 2}
	rec := t.TempDir()
	refs := reconstruction(t, rec, 6)

	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, &fakeExtractor{}, WithWorkers(1), WithBatchSize(2))
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Imported)
	assert.Equal(t, 4, sum.Persisted)
	assert.Equal(t, 1, sum.FailedBatches)
	require.Len(t, sum.BatchErrors, 1)
	assert.ErrorIs(t, sum.BatchErrors[0], featurestore.ErrStoreIO)
	assert.ErrorIs(t, sum.Err(), featurestore.ErrStoreIO)

	var be *BatchError
	require.ErrorAs(t, sum.BatchErrors[0], &be)
	assert.Equal(t, 1, be.Batch)
	assert.Equal(t, 2, be.Items)

	// The failed batch left nothing behind.
	ids, err := base.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ids.GetCardinality())
	withDesc := 0
	for _, id := range ids.ToArray() {
		if _, err := base.GetDescriptors(ctx, int64(id)); err == nil {
			withDesc++
		}
	}
	assert.Equal(t, 4, withDesc)
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 5)

	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, &fakeExtractor{}, WithWorkers(2))
	require.NoError(t, err)

	_, err = p.Run(ctx, rec)
	require.NoError(t, err)
	first := map[string]int64{}
	for _, ref := range refs {
		id, _, err := store.FindIDByPath(ctx, ref.Path)
		require.NoError(t, err)
		first[ref.Path] = id
	}

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Persisted)

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ids.GetCardinality())
	for _, ref := range refs {
		id, found, err := store.FindIDByPath(ctx, ref.Path)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first[ref.Path], id)
	}
}

func TestPipeline_DuplicatePathInRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 2)
	refs = append(refs, refs[0])

	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, &fakeExtractor{})
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Imported)

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ids.GetCardinality())
}

func TestPipeline_Cancellation(t *testing.T) {
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 40)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := &fakeExtractor{hook: func(n int64) {
		if n == 10 {
			cancel()
		}
	}}
	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, ex, WithWorkers(2), WithBatchSize(3))
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, sum.Persisted, 40)

	// Every persisted row is complete: metadata and descriptors together.
	ids, err := store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(sum.Persisted), ids.GetCardinality())
	for _, id := range ids.ToArray() {
		_, err := store.GetDescriptors(context.Background(), int64(id))
		require.NoError(t, err)
	}
}

func TestPipeline_RunRecursive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	src := fakeSource{
		a: reconstruction(t, a, 2),
		b: reconstruction(t, b, 3),
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	p, err := New(store, src, &fakeDecoder{}, &fakeExtractor{})
	require.NoError(t, err)

	sum, err := p.RunRecursive(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Persisted)
	assert.Zero(t, sum.FailedSources)

	_, err = p.RunRecursive(ctx, filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestPipeline_FailedSource(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()

	p, err := New(store, fakeSource{rec: reconstruction(t, rec, 2)}, &fakeDecoder{}, &fakeExtractor{})
	require.NoError(t, err)

	sum, err := p.Run(ctx, "unknown", rec)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailedSources)
	assert.Equal(t, 2, sum.Persisted)
}

func TestPipeline_MemoryLimit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := t.TempDir()
	refs := reconstruction(t, rec, 8)

	// Smaller than one 4x4 buffer: images are admitted one at a time.
	p, err := New(store, fakeSource{rec: refs}, &fakeDecoder{}, &fakeExtractor{},
		WithWorkers(2), WithMemoryLimit(8), WithReadLimit(1<<20))
	require.NoError(t, err)

	sum, err := p.Run(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Persisted)
}

func TestNew_Invalid(t *testing.T) {
	store := newStore(t)
	_, err := New(nil, fakeSource{}, &fakeDecoder{}, &fakeExtractor{})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	for _, opt := range []Option{WithWorkers(0), WithMaxLoaded(0), WithBatchSize(0), WithProgressInterval(0)} {
		_, err := New(store, fakeSource{}, &fakeDecoder{}, &fakeExtractor{}, opt)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}

func TestItemError(t *testing.T) {
	err := itemError(&WorkItem{ID: 7, ImageRef: ImageRef{Path: "a.jpg"}}, ErrDecode, errors.New("truncated"))
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "a.jpg")
	assert.Contains(t, err.Error(), "truncated")
}
