package featurestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the whole-blob compression applied to every stored
// value. It is fixed when a store is created.
type Compression uint8

const (
	// CompressionNone stores blobs as encoded.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD (better ratio).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd" (case-insensitive).
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compressed blobs carry an 8 byte header:
// [uncompressed size u32][compressed size u32][payload].
// A compressed size of 0 means the payload is stored raw because
// compression did not pay off.
const blockHeaderSize = 8

// Compress encodes data for storage. CompressionNone returns data unchanged.
func (c Compression) Compress(data []byte) ([]byte, error) {
	if c == CompressionNone {
		return data, nil
	}

	var packed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidArgument, c)
	}

	if len(packed) == 0 || len(packed) >= len(data) {
		out := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		copy(out[blockHeaderSize:], data)
		return out, nil
	}

	out := make([]byte, blockHeaderSize+len(packed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(packed)))
	copy(out[blockHeaderSize:], packed)
	return out, nil
}

// Decompress reverses Compress.
func (c Compression) Decompress(data []byte) ([]byte, error) {
	if c == CompressionNone {
		return data, nil
	}
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: block too small for header", ErrCorrupt)
	}

	rawSize := binary.LittleEndian.Uint32(data[0:])
	packedSize := binary.LittleEndian.Uint32(data[4:])
	body := data[blockHeaderSize:]

	if packedSize == 0 {
		if uint32(len(body)) != rawSize {
			return nil, fmt.Errorf("%w: raw block size mismatch", ErrCorrupt)
		}
		return body, nil
	}
	if uint32(len(body)) != packedSize {
		return nil, fmt.Errorf("%w: compressed block size mismatch", ErrCorrupt)
	}

	out := make([]byte, rawSize)
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, errors.Join(ErrCorrupt, err)
		}
		if uint32(n) != rawSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(body, out[:0])
		if err != nil {
			return nil, errors.Join(ErrCorrupt, err)
		}
		if uint32(len(decoded)) != rawSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrInvalidArgument, c)
	}
}
