package featurestore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/vistore/model"
)

// Every numeric blob is laid out as
//
//	[elem type u8][rows u32][cols u32][rows*cols elements, row-major, little-endian]
const matrixHeaderSize = 9

// AppendMatrix appends the blob encoding of m to dst.
func AppendMatrix(dst []byte, m model.Matrix) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var hdr [matrixHeaderSize]byte
	hdr[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(m.Rows))
	binary.LittleEndian.PutUint32(hdr[5:], uint32(m.Cols))
	dst = append(dst, hdr[:]...)
	return append(dst, m.Data...), nil
}

// EncodeMatrix returns the blob encoding of m.
func EncodeMatrix(m model.Matrix) ([]byte, error) {
	return AppendMatrix(make([]byte, 0, matrixHeaderSize+len(m.Data)), m)
}

// ReadMatrix decodes one blob from the front of src and returns the rest.
// The returned matrix owns its data.
func ReadMatrix(src []byte) (model.Matrix, []byte, error) {
	if len(src) < matrixHeaderSize {
		return model.Matrix{}, nil, fmt.Errorf("%w: short matrix header", ErrCorrupt)
	}
	m := model.Matrix{
		Type: model.ElemType(src[0]),
		Rows: int(binary.LittleEndian.Uint32(src[1:])),
		Cols: int(binary.LittleEndian.Uint32(src[5:])),
	}
	if !m.Type.Valid() {
		return model.Matrix{}, nil, fmt.Errorf("%w: unknown element type %d", ErrCorrupt, src[0])
	}
	n := uint64(m.Rows) * uint64(m.Cols) * uint64(m.Type.Size())
	body := src[matrixHeaderSize:]
	if uint64(len(body)) < n {
		return model.Matrix{}, nil, fmt.Errorf("%w: matrix body truncated", ErrCorrupt)
	}
	m.Data = append([]byte(nil), body[:n]...)
	return m, body[n:], nil
}

// DecodeMatrix decodes a blob that holds exactly one matrix.
func DecodeMatrix(src []byte) (model.Matrix, error) {
	m, rest, err := ReadMatrix(src)
	if err != nil {
		return model.Matrix{}, err
	}
	if len(rest) != 0 {
		return model.Matrix{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(rest))
	}
	return m, nil
}

func expectShape(m model.Matrix, t model.ElemType, rows, cols int, what string) error {
	if m.Type != t || (rows >= 0 && m.Rows != rows) || (cols >= 0 && m.Cols != cols) {
		return fmt.Errorf("%w: %s blob is %dx%d %s", ErrCorrupt, what, m.Rows, m.Cols, m.Type)
	}
	return nil
}

// PoseMatrix encodes a pose as a 1x6 Float64 matrix: rotation (axis-angle)
// then translation.
func PoseMatrix(p model.Pose) model.Matrix {
	return model.FromFloat64(1, 6, []float64{
		p.Rotation[0], p.Rotation[1], p.Rotation[2],
		p.Translation[0], p.Translation[1], p.Translation[2],
	})
}

// PoseFromMatrix reverses PoseMatrix.
func PoseFromMatrix(m model.Matrix) (model.Pose, error) {
	if err := expectShape(m, model.Float64, 1, 6, "pose"); err != nil {
		return model.Pose{}, err
	}
	v := m.Float64s()
	var p model.Pose
	copy(p.Rotation[:], v[0:3])
	copy(p.Translation[:], v[3:6])
	return p, nil
}

// IntrinsicsMatrix encodes intrinsics as a 1x14 Float64 matrix: width,
// height, fx, fy, cx, cy, then the 8 distortion coefficients.
func IntrinsicsMatrix(in model.Intrinsics) model.Matrix {
	v := make([]float64, 0, 14)
	v = append(v, float64(in.Width), float64(in.Height), in.Fx, in.Fy, in.Cx, in.Cy)
	v = append(v, in.Distortion[:]...)
	return model.FromFloat64(1, 14, v)
}

// IntrinsicsFromMatrix reverses IntrinsicsMatrix.
func IntrinsicsFromMatrix(m model.Matrix) (model.Intrinsics, error) {
	if err := expectShape(m, model.Float64, 1, 14, "intrinsics"); err != nil {
		return model.Intrinsics{}, err
	}
	v := m.Float64s()
	in := model.Intrinsics{
		Width:  int(v[0]),
		Height: int(v[1]),
		Fx:     v[2],
		Fy:     v[3],
		Cx:     v[4],
		Cy:     v[5],
	}
	copy(in.Distortion[:], v[6:14])
	return in, nil
}

// KeypointsMatrix encodes keypoints as an Nx2 Float32 matrix.
func KeypointsMatrix(kps []model.Keypoint) model.Matrix {
	v := make([]float32, 0, 2*len(kps))
	for _, kp := range kps {
		v = append(v, kp.X, kp.Y)
	}
	return model.FromFloat32(len(kps), 2, v)
}

// KeypointsFromMatrix reverses KeypointsMatrix.
func KeypointsFromMatrix(m model.Matrix) ([]model.Keypoint, error) {
	if err := expectShape(m, model.Float32, -1, 2, "keypoints"); err != nil {
		return nil, err
	}
	v := m.Float32s()
	kps := make([]model.Keypoint, m.Rows)
	for i := range kps {
		kps[i] = model.Keypoint{X: v[2*i], Y: v[2*i+1]}
	}
	return kps, nil
}

// SignatureMatrix encodes a signature as an Nx2 Float64 matrix of
// (word id, weight) rows sorted by word id.
func SignatureMatrix(sig model.Signature) model.Matrix {
	words := sig.Words()
	v := make([]float64, 0, 2*len(words))
	for _, w := range words {
		v = append(v, float64(w), sig[w])
	}
	return model.FromFloat64(len(words), 2, v)
}

// SignatureFromMatrix reverses SignatureMatrix.
func SignatureFromMatrix(m model.Matrix) (model.Signature, error) {
	if err := expectShape(m, model.Float64, -1, 2, "signature"); err != nil {
		return nil, err
	}
	v := m.Float64s()
	sig := make(model.Signature, m.Rows)
	for i := 0; i < m.Rows; i++ {
		w := v[2*i]
		if w < 0 || w > math.MaxUint32 || w != math.Trunc(w) {
			return nil, fmt.Errorf("%w: invalid word id %v", ErrCorrupt, w)
		}
		sig[uint32(w)] = v[2*i+1]
	}
	return sig, nil
}

// EmbeddingMatrix encodes an embedding as a 1xD Float32 matrix.
func EmbeddingMatrix(vec []float32) model.Matrix {
	return model.FromFloat32(1, len(vec), vec)
}

// EmbeddingFromMatrix reverses EmbeddingMatrix.
func EmbeddingFromMatrix(m model.Matrix) ([]float32, error) {
	if err := expectShape(m, model.Float32, 1, -1, "embedding"); err != nil {
		return nil, err
	}
	return m.Float32s(), nil
}

// EncodeMetaValue encodes the non-key fields of a metadata row:
// [path length u32][path][intrinsics blob][pose blob].
func EncodeMetaValue(meta model.Meta) ([]byte, error) {
	buf := make([]byte, 4, 4+len(meta.Path)+2*matrixHeaderSize+20*8)
	binary.LittleEndian.PutUint32(buf, uint32(len(meta.Path)))
	buf = append(buf, meta.Path...)
	buf, err := AppendMatrix(buf, IntrinsicsMatrix(meta.Intrinsics))
	if err != nil {
		return nil, err
	}
	return AppendMatrix(buf, PoseMatrix(meta.Pose))
}

// DecodeMetaValue reverses EncodeMetaValue. The id is taken from the caller.
func DecodeMetaValue(id int64, src []byte) (model.Meta, error) {
	if len(src) < 4 {
		return model.Meta{}, fmt.Errorf("%w: short meta value", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(src)
	src = src[4:]
	if uint64(len(src)) < uint64(n) {
		return model.Meta{}, fmt.Errorf("%w: meta path truncated", ErrCorrupt)
	}
	meta := model.Meta{ID: id, Path: string(src[:n])}
	src = src[n:]

	im, src, err := ReadMatrix(src)
	if err != nil {
		return model.Meta{}, err
	}
	if meta.Intrinsics, err = IntrinsicsFromMatrix(im); err != nil {
		return model.Meta{}, err
	}
	pm, err := DecodeMatrix(src)
	if err != nil {
		return model.Meta{}, err
	}
	if meta.Pose, err = PoseFromMatrix(pm); err != nil {
		return model.Meta{}, err
	}
	return meta, nil
}

// EncodeFeaturesValue encodes a descriptor row as the keypoints blob
// followed by the descriptor blob.
func EncodeFeaturesValue(f model.Features) ([]byte, error) {
	buf, err := AppendMatrix(nil, KeypointsMatrix(f.Keypoints))
	if err != nil {
		return nil, err
	}
	return AppendMatrix(buf, f.Descriptors)
}

// DecodeFeaturesValue reverses EncodeFeaturesValue.
func DecodeFeaturesValue(src []byte) (model.Features, error) {
	km, rest, err := ReadMatrix(src)
	if err != nil {
		return model.Features{}, err
	}
	kps, err := KeypointsFromMatrix(km)
	if err != nil {
		return model.Features{}, err
	}
	desc, err := DecodeMatrix(rest)
	if err != nil {
		return model.Features{}, err
	}
	return model.Features{Keypoints: kps, Descriptors: desc}, nil
}

// EncodeSignatureValue encodes a signature blob.
func EncodeSignatureValue(sig model.Signature) ([]byte, error) {
	return EncodeMatrix(SignatureMatrix(sig))
}

// DecodeSignatureValue reverses EncodeSignatureValue.
func DecodeSignatureValue(src []byte) (model.Signature, error) {
	m, err := DecodeMatrix(src)
	if err != nil {
		return nil, err
	}
	return SignatureFromMatrix(m)
}

// EncodeEmbeddingValue encodes an embedding blob.
func EncodeEmbeddingValue(vec []float32) ([]byte, error) {
	return EncodeMatrix(EmbeddingMatrix(vec))
}

// DecodeEmbeddingValue reverses EncodeEmbeddingValue.
func DecodeEmbeddingValue(src []byte) ([]float32, error) {
	m, err := DecodeMatrix(src)
	if err != nil {
		return nil, err
	}
	return EmbeddingFromMatrix(m)
}
