package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values carry a one-byte frame header so a reader can tell raw
// bytes from compressed ones without out-of-band state. Framing happens
// before encryption, so ciphertexts stay opaque.
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// packValue frames a value, compressing it when it meets the threshold and
// compression actually helps. threshold <= 0 disables compression.
func packValue(value []byte, threshold int) []byte {
	if threshold > 0 && len(value) >= threshold {
		compressed := zstdEnc.EncodeAll(value, []byte{frameZstd})
		if len(compressed) < len(value)+1 {
			return compressed
		}
	}
	framed := make([]byte, len(value)+1)
	framed[0] = frameRaw
	copy(framed[1:], value)
	return framed
}

// unpackValue reverses packValue.
func unpackValue(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("cache: empty value frame")
	}
	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		return zstdDec.DecodeAll(framed[1:], nil)
	default:
		return nil, fmt.Errorf("cache: unknown value frame 0x%02x", framed[0])
	}
}
