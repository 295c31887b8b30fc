// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logtail compresses the build log tails stored on running
// queue entries. Workers send the last few kilobytes of their build
// log on every status poll; the store rewrites the tail each tick, so
// tails are kept short and compressed.
package logtail

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a compression algorithm. The name is stored next to the
// data; changing a name breaks reading existing tails.
type Codec string

const (
	None Codec = "none"
	LZ4  Codec = "lz4"
	Zstd Codec = "zstd"
)

// MaxTail is the largest tail kept, in bytes. Longer tails keep their
// end.
const MaxTail = 64 * 1024

// ParseCodec parses a codec name.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case None, LZ4, Zstd:
		return Codec(name), nil
	}
	return "", fmt.Errorf("unknown log tail compression %q", name)
}

// Encoded is a compressed tail as stored.
type Encoded struct {
	Codec Codec
	Data  []byte

	// Size is the uncompressed length.
	Size int
}

var errIncompressible = errors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("logtail: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("logtail: zstd decoder initialization failed: " + err.Error())
	}
}

// Trim returns at most the last MaxTail bytes of tail, starting on a
// rune boundary.
func Trim(tail string) string {
	if len(tail) <= MaxTail {
		return tail
	}
	start := len(tail) - MaxTail
	for start < len(tail) && !utf8.RuneStart(tail[start]) {
		start++
	}
	return tail[start:]
}

// Encode trims tail and compresses it with codec. Tails that do not
// shrink are stored uncompressed.
func Encode(tail string, codec Codec) (Encoded, error) {
	data := []byte(Trim(tail))
	encoded := Encoded{Codec: None, Data: data, Size: len(data)}
	if len(data) == 0 {
		return encoded, nil
	}

	var (
		compressed []byte
		err        error
	)
	switch codec {
	case None:
		return encoded, nil
	case LZ4:
		compressed, err = compressLZ4(data)
	case Zstd:
		compressed, err = compressZstd(data)
	default:
		return Encoded{}, fmt.Errorf("unsupported log tail compression %q", codec)
	}
	if errors.Is(err, errIncompressible) {
		return encoded, nil
	}
	if err != nil {
		return Encoded{}, err
	}

	encoded.Codec = codec
	encoded.Data = compressed
	return encoded, nil
}

// Decode reverses Encode.
func Decode(encoded Encoded) (string, error) {
	switch encoded.Codec {
	case None, "":
		if len(encoded.Data) != encoded.Size {
			return "", fmt.Errorf("uncompressed log tail: size %d does not match expected %d",
				len(encoded.Data), encoded.Size)
		}
		return string(encoded.Data), nil
	case LZ4:
		data, err := decompressLZ4(encoded.Data, encoded.Size)
		return string(data), err
	case Zstd:
		data, err := decompressZstd(encoded.Data, encoded.Size)
		return string(data), err
	}
	return "", fmt.Errorf("unsupported log tail compression %q", encoded.Codec)
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// Zero means lz4 found nothing to compress.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(data), size)
	}
	return data, nil
}
