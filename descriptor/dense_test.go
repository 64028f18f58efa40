package descriptor

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vistore/model"
)

func checkerboard(w, h, cell int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/cell+y/cell)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

func TestNewDenseExtractor_Invalid(t *testing.T) {
	for name, opt := range map[string]Option{
		"stride":    WithStride(0),
		"patch":     WithPatchSize(10),
		"small":     WithPatchSize(0),
		"keypoints": WithMaxKeypoints(-1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewDenseExtractor(opt)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestExtract_Checkerboard(t *testing.T) {
	e, err := NewDenseExtractor()
	require.NoError(t, err)

	kps, desc, err := e.Extract(context.Background(), checkerboard(64, 48, 5))
	require.NoError(t, err)

	// (64-16)/8+1 = 7 columns, (48-16)/8+1 = 5 rows.
	require.Len(t, kps, 35)
	assert.Equal(t, model.Float32, desc.Type)
	assert.Equal(t, 35, desc.Rows)
	assert.Equal(t, Dim, desc.Cols)
	require.NoError(t, desc.Validate())

	assert.Equal(t, model.Keypoint{X: 8, Y: 8}, kps[0])
	assert.Equal(t, model.Keypoint{X: 56, Y: 40}, kps[len(kps)-1])

	row := make([]float32, Dim)
	for r := 0; r < desc.Rows; r++ {
		desc.RowFloat32(r, row)
		var norm float64
		for _, v := range row {
			assert.GreaterOrEqual(t, v, float32(0))
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	e, err := NewDenseExtractor(WithStride(4))
	require.NoError(t, err)
	img := checkerboard(40, 40, 3)

	k1, d1, err := e.Extract(context.Background(), img)
	require.NoError(t, err)
	k2, d2, err := e.Extract(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, d1.Data, d2.Data)
}

func TestExtract_NoFeatures(t *testing.T) {
	e, err := NewDenseExtractor()
	require.NoError(t, err)

	t.Run("Blank", func(t *testing.T) {
		_, _, err := e.Extract(context.Background(), image.NewGray(image.Rect(0, 0, 64, 64)))
		assert.ErrorIs(t, err, ErrNoFeatures)
	})
	t.Run("TooSmall", func(t *testing.T) {
		_, _, err := e.Extract(context.Background(), checkerboard(8, 8, 2))
		assert.ErrorIs(t, err, ErrNoFeatures)
	})
}

func TestExtract_FlatRegionsSkipped(t *testing.T) {
	// Textured up to x=24, flat after.
	img := checkerboard(64, 16, 4)
	for y := 0; y < 16; y++ {
		for x := 24; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	e, err := NewDenseExtractor(WithStride(16))
	require.NoError(t, err)

	kps, _, err := e.Extract(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, kps, 2)
	assert.Equal(t, float32(8), kps[0].X)
	assert.Equal(t, float32(24), kps[1].X)
}

func TestExtract_MaxKeypoints(t *testing.T) {
	img := checkerboard(64, 64, 4)
	e, err := NewDenseExtractor(WithMaxKeypoints(5))
	require.NoError(t, err)

	kps, desc, err := e.Extract(context.Background(), img)
	require.NoError(t, err)
	assert.Len(t, kps, 5)
	assert.Equal(t, 5, desc.Rows)
	for i := 1; i < len(kps); i++ {
		prev, cur := kps[i-1], kps[i]
		assert.True(t, prev.Y < cur.Y || (prev.Y == cur.Y && prev.X < cur.X), "grid order")
	}
}

func TestExtract_Cancelled(t *testing.T) {
	e, err := NewDenseExtractor()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = e.Extract(ctx, checkerboard(64, 64, 4))
	assert.ErrorIs(t, err, context.Canceled)
}
