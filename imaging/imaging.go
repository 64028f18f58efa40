package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"io"
	"log/slog"
	"os"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF
	_ "golang.org/x/image/webp" // register WebP

	"github.com/hupe1980/vistore/internal/fs"
)

// ErrUnsupportedFormat is returned for files no registered decoder accepts.
var ErrUnsupportedFormat = errors.New("imaging: unsupported image format")

// Options configures a Decoder.
type Options struct {
	// FileSystem reads image files. Defaults to the local file system.
	FileSystem fs.FileSystem
	// MaxDim downscales images whose longer side exceeds it (0 disables).
	MaxDim int
	Logger *slog.Logger
}

// Option is a functional option.
type Option func(*Options)

// WithFileSystem sets the file system images are read from.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *Options) { o.FileSystem = fsys }
}

// WithMaxDim sets the longest side an image is downscaled to.
func WithMaxDim(n int) Option {
	return func(o *Options) { o.MaxDim = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Decoder decodes image files into 8-bit grayscale buffers. It is safe for
// concurrent use.
type Decoder struct {
	opts Options
}

// NewDecoder returns a Decoder.
func NewDecoder(optFns ...Option) *Decoder {
	opts := Options{
		FileSystem: fs.Default,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Decoder{opts: opts}
}

// DecodeGrayscale reads and decodes path.
func (d *Decoder) DecodeGrayscale(ctx context.Context, path string) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := d.opts.FileSystem.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
		}
		return nil, fmt.Errorf("imaging: decode %s: %w", path, err)
	}
	gray := d.resize(ToGray(img))
	d.opts.Logger.Debug("image decoded", "path", path, "format", format,
		"width", gray.Rect.Dx(), "height", gray.Rect.Dy())
	return gray, nil
}

// ToGray converts img to a grayscale image with origin (0,0).
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Rect, img, b.Min, draw.Src)
	return gray
}

func (d *Decoder) resize(g *image.Gray) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if d.opts.MaxDim <= 0 || (w <= d.opts.MaxDim && h <= d.opts.MaxDim) {
		return g
	}
	scale := float64(d.opts.MaxDim) / float64(max(w, h))
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, g, g.Rect, xdraw.Src, nil)
	return dst
}
