package model

import "sort"

// Keypoint is a 2D image location of a local feature, in pixels.
type Keypoint struct {
	X float32
	Y float32
}

// Pose is a rigid transform from the reconstruction's reference frame to the
// camera frame. Rotation is axis-angle (Rodrigues): direction is the axis,
// norm is the angle in radians.
type Pose struct {
	Rotation    [3]float64
	Translation [3]float64
}

// Intrinsics describes the pinhole camera and its distortion. Distortion
// holds k1, k2, p1, p2, k3, k4, k5, k6 in that order.
type Intrinsics struct {
	Width      int
	Height     int
	Fx, Fy     float64
	Cx, Cy     float64
	Distortion [8]float64
}

// Signature is a sparse bag-of-words vector: word id to non-negative weight.
type Signature map[uint32]float64

// Words returns the word ids in ascending order.
func (s Signature) Words() []uint32 {
	words := make([]uint32, 0, len(s))
	for w := range s {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool { return words[i] < words[j] })
	return words
}

// Meta is the metadata relation row of an image.
type Meta struct {
	ID         int64
	Path       string
	Intrinsics Intrinsics
	Pose       Pose
}

// Features holds the keypoints of an image and their descriptors, one
// descriptor row per keypoint.
type Features struct {
	Keypoints   []Keypoint
	Descriptors Matrix
}

// ImageRecord is the full logical row for one image. Signature and
// Embedding are nil until the corresponding enrichment pass has run.
type ImageRecord struct {
	Meta
	Features
	Signature Signature
	Embedding []float32
}
