package featurestore

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompression_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	noise := make([]byte, 4096)
	rng.Read(noise)

	inputs := map[string][]byte{
		"empty":        {},
		"repetitive":   bytes.Repeat([]byte("descriptor"), 500),
		"incompressed": noise,
	}

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		for name, in := range inputs {
			t.Run(c.String()+"/"+name, func(t *testing.T) {
				packed, err := c.Compress(in)
				require.NoError(t, err)
				out, err := c.Decompress(packed)
				require.NoError(t, err)
				assert.Equal(t, len(in), len(out))
				assert.True(t, bytes.Equal(in, out))
			})
		}
	}
}

func TestCompression_ShrinksRepetitiveData(t *testing.T) {
	in := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	for _, c := range []Compression{CompressionLZ4, CompressionZSTD} {
		packed, err := c.Compress(in)
		require.NoError(t, err)
		assert.Less(t, len(packed), len(in)/4, c.String())
	}
}

func TestCompression_Corrupt(t *testing.T) {
	in := bytes.Repeat([]byte("abc"), 1000)
	for _, c := range []Compression{CompressionLZ4, CompressionZSTD} {
		packed, err := c.Compress(in)
		require.NoError(t, err)

		_, err = c.Decompress(packed[:4])
		assert.ErrorIs(t, err, ErrCorrupt)
		_, err = c.Decompress(packed[:len(packed)-1])
		assert.ErrorIs(t, err, ErrCorrupt)
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "LZ4": CompressionLZ4, " zstd ": CompressionZSTD} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("snappy")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
