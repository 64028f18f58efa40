package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrix_Float32RoundTrip(t *testing.T) {
	vals := []float32{1.5, -2, 0, 3.25, 1e-7, -1e7}
	m := FromFloat32(2, 3, vals)
	require.NoError(t, m.Validate())
	assert.Equal(t, vals, m.Float32s())
	assert.Equal(t, float64(3.25), m.At(1, 0))
	assert.Equal(t, 12, m.RowBytes())
}

func TestMatrix_Float64(t *testing.T) {
	vals := []float64{0.5, 0.25, -0.125}
	m := FromFloat64(1, 3, vals)
	assert.Equal(t, vals, m.Float64s())
	assert.Equal(t, []float32{0.5, 0.25, -0.125}, m.Float32s())
}

func TestMatrix_IntegerTypes(t *testing.T) {
	m := Matrix{Type: Int16, Rows: 1, Cols: 2, Data: []byte{0xff, 0xff, 0x02, 0x00}}
	require.NoError(t, m.Validate())
	assert.Equal(t, -1.0, m.At(0, 0))
	assert.Equal(t, 2.0, m.At(0, 1))

	u := Matrix{Type: Uint8, Rows: 2, Cols: 1, Data: []byte{200, 7}}
	assert.Equal(t, []float32{200, 7}, u.Float32s())
}

func TestMatrix_Validate(t *testing.T) {
	assert.ErrorIs(t, Matrix{Type: 42}.Validate(), ErrShape)
	assert.ErrorIs(t, Matrix{Type: Float32, Rows: 2, Cols: 2, Data: make([]byte, 15)}.Validate(), ErrShape)
	assert.NoError(t, Matrix{Type: Uint8}.Validate())
	assert.True(t, Matrix{Type: Uint8}.Empty())
}

func TestMatrix_Clone(t *testing.T) {
	m := FromFloat32(1, 1, []float32{4})
	c := m.Clone()
	c.Data[0] = 0xAA
	assert.NotEqual(t, m.Data[0], c.Data[0])
}

func TestSignature_Words(t *testing.T) {
	s := Signature{9: 0.1, 2: 0.5, 5: 0.4}
	assert.Equal(t, []uint32{2, 5, 9}, s.Words())
}
