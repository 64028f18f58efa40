package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ElemType identifies the element type of a Matrix. The values follow the
// widely used OpenCV depth codes so blobs stay interchangeable with tools
// built on that convention.
type ElemType uint8

const (
	Uint8   ElemType = 0
	Int8    ElemType = 1
	Uint16  ElemType = 2
	Int16   ElemType = 3
	Int32   ElemType = 4
	Float32 ElemType = 5
	Float64 ElemType = 6
)

// Size returns the element width in bytes, or 0 for unknown types.
func (t ElemType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether t is a known element type.
func (t ElemType) Valid() bool { return t.Size() > 0 }

func (t ElemType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("ElemType(%d)", uint8(t))
	}
}

// ErrShape is returned when a matrix's data does not match its header.
var ErrShape = errors.New("model: matrix shape mismatch")

// Matrix is a dense row-major matrix stored as raw little-endian element
// bytes. Descriptor matrices hold one row per keypoint.
type Matrix struct {
	Type ElemType
	Rows int
	Cols int
	Data []byte
}

// NewMatrix allocates a zeroed rows×cols matrix.
func NewMatrix(t ElemType, rows, cols int) Matrix {
	return Matrix{Type: t, Rows: rows, Cols: cols, Data: make([]byte, rows*cols*t.Size())}
}

// Empty reports whether the matrix has no elements.
func (m Matrix) Empty() bool { return m.Rows == 0 || m.Cols == 0 }

// RowBytes returns the byte width of one row.
func (m Matrix) RowBytes() int { return m.Cols * m.Type.Size() }

// Validate checks the header against the data length.
func (m Matrix) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown element type %d", ErrShape, m.Type)
	}
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("%w: negative dimensions %dx%d", ErrShape, m.Rows, m.Cols)
	}
	if want := m.Rows * m.Cols * m.Type.Size(); len(m.Data) != want {
		return fmt.Errorf("%w: %dx%d %s needs %d bytes, have %d", ErrShape, m.Rows, m.Cols, m.Type, want, len(m.Data))
	}
	return nil
}

// At returns element (r, c) converted to float64.
func (m Matrix) At(r, c int) float64 {
	sz := m.Type.Size()
	b := m.Data[(r*m.Cols+c)*sz:]
	switch m.Type {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

// RowFloat32 writes row r into dst (len Cols) as float32, converting from the
// element type. It returns dst.
func (m Matrix) RowFloat32(r int, dst []float32) []float32 {
	if m.Type == Float32 {
		b := m.Data[r*m.RowBytes():]
		for c := range dst[:m.Cols] {
			dst[c] = math.Float32frombits(binary.LittleEndian.Uint32(b[c*4:]))
		}
		return dst
	}
	for c := range dst[:m.Cols] {
		dst[c] = float32(m.At(r, c))
	}
	return dst
}

// Float32s returns all elements as a flat row-major float32 slice.
func (m Matrix) Float32s() []float32 {
	out := make([]float32, m.Rows*m.Cols)
	for r := 0; r < m.Rows; r++ {
		m.RowFloat32(r, out[r*m.Cols:(r+1)*m.Cols])
	}
	return out
}

// Float64s returns all elements as a flat row-major float64 slice.
func (m Matrix) Float64s() []float64 {
	out := make([]float64, m.Rows*m.Cols)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			out[r*m.Cols+c] = m.At(r, c)
		}
	}
	return out
}

// FromFloat32 builds a Float32 matrix from row-major values.
func FromFloat32(rows, cols int, values []float32) Matrix {
	m := NewMatrix(Float32, rows, cols)
	for i, v := range values[:rows*cols] {
		binary.LittleEndian.PutUint32(m.Data[i*4:], math.Float32bits(v))
	}
	return m
}

// FromFloat64 builds a Float64 matrix from row-major values.
func FromFloat64(rows, cols int, values []float64) Matrix {
	m := NewMatrix(Float64, rows, cols)
	for i, v := range values[:rows*cols] {
		binary.LittleEndian.PutUint64(m.Data[i*8:], math.Float64bits(v))
	}
	return m
}

// Clone returns a deep copy.
func (m Matrix) Clone() Matrix {
	c := m
	c.Data = append([]byte(nil), m.Data...)
	return c
}
