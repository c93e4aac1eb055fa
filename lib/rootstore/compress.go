// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rootstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies how a stored record body is compressed.
// The tag is the first byte of every value. These values are format
// constants: changing them breaks existing registries.
type CompressionTag uint8

const (
	// CompressionNone stores the CBOR body as is.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression. Fastest to decode.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level. Manifests are
	// paths and hex digests, which zstd compresses several times over.
	CompressionZstd CompressionTag = 2
)

// String returns the configuration name of a tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a configuration name.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll and
// DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("rootstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("rootstore: zstd decoder initialization failed: " + err.Error())
	}
}

// maxRecordSize bounds the declared uncompressed size of a value so a
// corrupt header cannot trigger a huge allocation.
const maxRecordSize = 1 << 30

// encodeValue frames body as <tag><uvarint size><payload>, falling
// back to CompressionNone when compression does not shrink it.
func encodeValue(body []byte, tag CompressionTag) ([]byte, error) {
	payload, actual, err := compressWithFallback(body, tag)
	if err != nil {
		return nil, err
	}
	value := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	value[0] = byte(actual)
	value = binary.AppendUvarint(value, uint64(len(body)))
	return append(value, payload...), nil
}

// decodeValue reverses encodeValue.
func decodeValue(value []byte) ([]byte, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("record value too short (%d bytes)", len(value))
	}
	tag := CompressionTag(value[0])
	size, n := binary.Uvarint(value[1:])
	if n <= 0 {
		return nil, errors.New("record value has a malformed size header")
	}
	if size > maxRecordSize {
		return nil, fmt.Errorf("record declares %d bytes, limit is %d", size, maxRecordSize)
	}
	payload := value[1+n:]

	switch tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("uncompressed record is %d bytes, header says %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(decoded)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(decoded), size)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

func compressWithFallback(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	var (
		compressed []byte
		err        error
	)
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
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
	// Zero means lz4 judged the block incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
