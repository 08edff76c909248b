// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression applied to one tensor payload. Tags
// are persisted in graph files; changing a value breaks every file
// written with it.
type Tag uint8

const (
	// None stores the payload verbatim.
	None Tag = 0

	// LZ4 is block-mode LZ4. Cheap to decode, modest ratio.
	LZ4 Tag = 1

	// Zstd is zstd at the default level.
	Zstd Tag = 2

	// BG4LZ4 groups the bytes of each 4-byte element by position before
	// LZ4. Float32 weights of similar magnitude share exponent bytes, so
	// the grouped high bytes compress far better than the interleaved
	// layout.
	BG4LZ4 Tag = 3
)

// String returns the configuration name of the tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case BG4LZ4:
		return "bg4_lz4"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// Parse parses a tag from its configuration name.
func Parse(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "bg4_lz4":
		return BG4LZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// ErrIncompressible is returned when the compressed form would not be
// smaller than the input. Callers store the payload with None instead.
var ErrIncompressible = errors.New("payload is incompressible")

// Compress compresses data with tag. None returns data itself.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	case BG4LZ4:
		return compressLZ4(groupBytes(data))
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}

// Decompress reverses Compress. size is the exact uncompressed length
// recorded next to the payload and is verified.
func Decompress(compressed []byte, tag Tag, size int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, expected %d", len(compressed), size)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, size)
	case Zstd:
		return decompressZstd(compressed, size)
	case BG4LZ4:
		grouped, err := decompressLZ4(compressed, size)
		if err != nil {
			return nil, err
		}
		return ungroupBytes(grouped), nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}

// Auto compresses data with preferred and falls back to None when the
// payload does not shrink. BG4LZ4 is only meaningful for 4-byte
// elements; for other element sizes it degrades to plain LZ4.
func Auto(data []byte, preferred Tag, elementSize int) ([]byte, Tag, error) {
	tag := preferred
	if tag == BG4LZ4 && elementSize != 4 {
		tag = LZ4
	}
	if len(data) == 0 {
		return data, None, nil
	}
	compressed, err := Compress(data, tag)
	if err != nil {
		if errors.Is(err, ErrIncompressible) {
			return data, None, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
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

// zstd encoders and decoders are safe for concurrent use and costly to
// build, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

// groupBytes moves byte 0 of every 4-byte group first, then byte 1,
// and so on. Trailing bytes that do not fill a group are kept in place
// at the end.
func groupBytes(data []byte) []byte {
	groups := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groups; i++ {
		output[i] = data[i*4]
		output[groups+i] = data[i*4+1]
		output[groups*2+i] = data[i*4+2]
		output[groups*3+i] = data[i*4+3]
	}
	copy(output[groups*4:], data[groups*4:])
	return output
}

func ungroupBytes(data []byte) []byte {
	groups := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groups; i++ {
		output[i*4] = data[i]
		output[i*4+1] = data[groups+i]
		output[i*4+2] = data[groups*2+i]
		output[i*4+3] = data[groups*3+i]
	}
	copy(output[groups*4:], data[groups*4:])
	return output
}
