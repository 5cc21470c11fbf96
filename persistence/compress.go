// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a stored blob is compressed. Values are
// persisted in the codec column.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("persistence: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("persistence: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("data is incompressible")

// compress encodes data with preferred, falling back to CodecNone when
// the result would not be smaller.
func compress(data []byte, preferred Codec) ([]byte, Codec, error) {
	var (
		out []byte
		err error
	)
	switch preferred {
	case CodecNone:
		return data, CodecNone, nil
	case CodecLZ4:
		out, err = compressLZ4(data)
	case CodecZstd:
		out = zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			err = errIncompressible
		}
	default:
		return nil, 0, fmt.Errorf("unsupported codec %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return data, CodecNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, preferred, nil
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

// decompress reverses compress. size is the original length, checked
// exactly.
func decompress(data []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed blob: size %d, expected %d", len(data), size)
		}
		return data, nil
	case CodecLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CodecZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}
