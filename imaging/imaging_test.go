package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/hupe1980/vistore/internal/fs"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestDecodeGrayscale_PNG(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	path := filepath.Join(dir, "a.png")
	writePNG(t, path, img)

	g, err := NewDecoder().DecodeGrayscale(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), g.Rect)
	assert.Equal(t, uint8(255), g.GrayAt(1, 1).Y)
	assert.Equal(t, uint8(0), g.GrayAt(0, 0).Y)
}

func TestDecodeGrayscale_BMP(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 5, 5))
	img.SetGray(2, 2, color.Gray{Y: 200})
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))
	path := filepath.Join(dir, "a.bmp")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	g, err := NewDecoder().DecodeGrayscale(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint8(200), g.GrayAt(2, 2).Y)
}

func TestDecodeGrayscale_Errors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	_, err := NewDecoder().DecodeGrayscale(ctx, filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	junk := filepath.Join(dir, "junk.jpg")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o644))
	_, err = NewDecoder().DecodeGrayscale(ctx, junk)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewDecoder().DecodeGrayscale(cctx, junk)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeGrayscale_MaxDim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.png")
	writePNG(t, path, image.NewGray(image.Rect(0, 0, 200, 100)))

	g, err := NewDecoder(WithMaxDim(50)).DecodeGrayscale(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 50, g.Rect.Dx())
	assert.Equal(t, 25, g.Rect.Dy())
}

func TestDecodeGrayscale_FileSystem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hidden.png")
	writePNG(t, path, image.NewGray(image.Rect(0, 0, 2, 2)))

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule("hidden", fs.Fault{Hide: true})
	_, err := NewDecoder(WithFileSystem(faulty)).DecodeGrayscale(context.Background(), path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestToGray_Offset(t *testing.T) {
	src := image.NewGray(image.Rect(10, 10, 12, 12))
	src.SetGray(11, 11, color.Gray{Y: 9})
	g := ToGray(src)
	assert.Equal(t, image.Rect(0, 0, 2, 2), g.Rect)
	assert.Equal(t, uint8(9), g.GrayAt(1, 1).Y)
}
