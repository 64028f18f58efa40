package descriptor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/hupe1980/vistore/distance"
	"github.com/hupe1980/vistore/model"
)

const (
	cellsPerSide = 4
	orientations = 8

	// Dim is the descriptor width: 4x4 cells of 8 orientation bins.
	Dim = cellsPerSide * cellsPerSide * orientations

	// clip bounds each component after the first normalisation.
	clip = 0.2
)

var (
	// ErrNoFeatures is returned for images that yield no keypoints, e.g.
	// blank frames or images smaller than one patch.
	ErrNoFeatures = errors.New("descriptor: no features")

	// ErrInvalidOptions is returned by NewDenseExtractor.
	ErrInvalidOptions = errors.New("descriptor: invalid options")
)

// Options configures a DenseExtractor.
type Options struct {
	// Stride is the grid spacing in pixels.
	Stride int
	// PatchSize is the side of the square patch around each keypoint; it
	// must be a multiple of 4.
	PatchSize int
	// MinContrast is the minimum mean gradient magnitude per pixel; flatter
	// patches are skipped.
	MinContrast float64
	// MaxKeypoints caps the keypoints per image, keeping the highest-contrast
	// patches (0 keeps all).
	MaxKeypoints int
}

// DefaultOptions returns stride 8, 16px patches, contrast 2, no cap.
func DefaultOptions() Options {
	return Options{Stride: 8, PatchSize: 16, MinContrast: 2}
}

// Option is a functional option.
type Option func(*Options)

// WithStride sets the grid stride.
func WithStride(n int) Option { return func(o *Options) { o.Stride = n } }

// WithPatchSize sets the patch side.
func WithPatchSize(n int) Option { return func(o *Options) { o.PatchSize = n } }

// WithMinContrast sets the flat-patch threshold.
func WithMinContrast(c float64) Option { return func(o *Options) { o.MinContrast = c } }

// WithMaxKeypoints caps the keypoints per image.
func WithMaxKeypoints(n int) Option { return func(o *Options) { o.MaxKeypoints = n } }

// DenseExtractor computes gradient-orientation histograms on a regular grid.
// It is stateless and safe for concurrent use.
type DenseExtractor struct {
	opts Options
}

// NewDenseExtractor returns an extractor.
func NewDenseExtractor(optFns ...Option) (*DenseExtractor, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Stride <= 0 || opts.PatchSize < cellsPerSide || opts.PatchSize%cellsPerSide != 0 || opts.MaxKeypoints < 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidOptions, opts)
	}
	return &DenseExtractor{opts: opts}, nil
}

// Extract returns one keypoint (patch center) and one Float32 row of Dim
// values per textured patch.
func (e *DenseExtractor) Extract(ctx context.Context, img *image.Gray) ([]model.Keypoint, model.Matrix, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	ps := e.opts.PatchSize
	if w < ps || h < ps {
		return nil, model.Matrix{}, ErrNoFeatures
	}

	mag, bin := gradients(img)

	type patch struct {
		kp       model.Keypoint
		desc     []float32
		contrast float64
	}
	var patches []patch

	for y0 := 0; y0+ps <= h; y0 += e.opts.Stride {
		if err := ctx.Err(); err != nil {
			return nil, model.Matrix{}, err
		}
		for x0 := 0; x0+ps <= w; x0 += e.opts.Stride {
			desc, energy := histogram(mag, bin, w, x0, y0, ps)
			contrast := energy / float64(ps*ps)
			if contrast < e.opts.MinContrast || !normalize(desc) {
				continue
			}
			patches = append(patches, patch{
				kp:       model.Keypoint{X: float32(x0) + float32(ps)/2, Y: float32(y0) + float32(ps)/2},
				desc:     desc,
				contrast: contrast,
			})
		}
	}
	if len(patches) == 0 {
		return nil, model.Matrix{}, ErrNoFeatures
	}

	if e.opts.MaxKeypoints > 0 && len(patches) > e.opts.MaxKeypoints {
		// Keep the strongest patches, then restore grid order.
		idx := make([]int, len(patches))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return patches[idx[a]].contrast > patches[idx[b]].contrast
		})
		keep := idx[:e.opts.MaxKeypoints]
		sort.Ints(keep)
		kept := make([]patch, len(keep))
		for i, j := range keep {
			kept[i] = patches[j]
		}
		patches = kept
	}

	kps := make([]model.Keypoint, len(patches))
	vals := make([]float32, 0, len(patches)*Dim)
	for i, p := range patches {
		kps[i] = p.kp
		vals = append(vals, p.desc...)
	}
	return kps, model.FromFloat32(len(patches), Dim, vals), nil
}

// gradients returns per-pixel gradient magnitude and orientation bin using
// central differences (one-sided at the border).
func gradients(img *image.Gray) ([]float32, []uint8) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	at := func(x, y int) float32 {
		return float32(img.Pix[y*img.Stride+x])
	}
	mag := make([]float32, w*h)
	bin := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xl, xr := max(x-1, 0), min(x+1, w-1)
			yu, yd := max(y-1, 0), min(y+1, h-1)
			gx := at(xr, y) - at(xl, y)
			gy := at(x, yd) - at(x, yu)
			m := float32(math.Sqrt(float64(gx*gx + gy*gy)))
			mag[y*w+x] = m
			if m == 0 {
				continue
			}
			theta := math.Atan2(float64(gy), float64(gx))
			if theta < 0 {
				theta += 2 * math.Pi
			}
			bin[y*w+x] = uint8(int(theta/(2*math.Pi)*orientations) % orientations)
		}
	}
	return mag, bin
}

// histogram accumulates the magnitude-weighted orientation histogram of the
// patch at (x0,y0) and returns it with the summed magnitude.
func histogram(mag []float32, bin []uint8, w, x0, y0, ps int) ([]float32, float64) {
	desc := make([]float32, Dim)
	cell := ps / cellsPerSide
	var energy float64
	for dy := 0; dy < ps; dy++ {
		row := (y0 + dy) * w
		cy := dy / cell
		for dx := 0; dx < ps; dx++ {
			i := row + x0 + dx
			m := mag[i]
			if m == 0 {
				continue
			}
			cx := dx / cell
			desc[(cy*cellsPerSide+cx)*orientations+int(bin[i])] += m
			energy += float64(m)
		}
	}
	return desc, energy
}

// normalize L2-normalises desc, clips large components and renormalises.
func normalize(desc []float32) bool {
	if !distance.NormalizeL2InPlace(desc) {
		return false
	}
	for i, v := range desc {
		if v > clip {
			desc[i] = clip
		}
	}
	return distance.NormalizeL2InPlace(desc)
}
