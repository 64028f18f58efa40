package ingest

import (
	"context"
	"image"

	"github.com/hupe1980/vistore/model"
)

// ImageRef is one image of a reconstruction with its camera.
type ImageRef struct {
	Path       string
	Intrinsics model.Intrinsics
	Pose       model.Pose
}

// ReconstructionSource lists the registered images of a reconstruction.
type ReconstructionSource interface {
	ListImages(ctx context.Context, reconstructionPath string) ([]ImageRef, error)
}

// ImageDecoder decodes an image file into an 8-bit grayscale buffer.
type ImageDecoder interface {
	DecodeGrayscale(ctx context.Context, path string) (*image.Gray, error)
}

// DescriptorExtractor computes local features of a grayscale image: one
// descriptor row per keypoint. Implementations must be safe for concurrent
// use.
type DescriptorExtractor interface {
	Extract(ctx context.Context, img *image.Gray) ([]model.Keypoint, model.Matrix, error)
}

// WorkItem is the unit flowing through the pipeline. It is owned by exactly
// one stage at a time. ID is assigned at import and never changes.
type WorkItem struct {
	ID int64
	ImageRef

	size   int64 // source file size, for read throttling
	pixels int64 // reserved decoded bytes

	image    *image.Gray
	features model.Features
}
