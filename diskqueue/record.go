// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package diskqueue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/minfx-ai/minfx/operation"
)

// Record frame layout (little-endian):
//
//	magic   uint32
//	crc     uint32   CRC32-C over everything after this field
//	seq     uint64
//	flags   uint8    low 4 bits: compression type
//	length  uint32   payload length in bytes
//	payload []byte   JSON-encoded operation, possibly compressed
const (
	recordMagic      = 0x4d465251 // "MFRQ"
	recordHeaderSize = 4 + 4 + 8 + 1 + 4

	// MaxRecordSize bounds a single serialized operation.
	MaxRecordSize = 16 * 1024 * 1024
)

// CompressionType selects the payload compression of new records.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionS2   CompressionType = 1
	CompressionZstd CompressionType = 2
)

// ParseCompression maps a config string to a compression type.
func ParseCompression(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("diskqueue: unknown compression %q", name)
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

func compressPayload(data []byte, ct CompressionType) []byte {
	switch ct {
	case CompressionS2:
		return s2.Encode(nil, data)
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil)
	default:
		return data
	}
}

func decompressPayload(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

// encodeRecord serializes an operation into a framed record.
func encodeRecord(op operation.Operation, ct CompressionType) ([]byte, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("diskqueue: encode operation: %w", err)
	}
	payload = compressPayload(payload, ct)
	if len(payload) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	binary.LittleEndian.PutUint64(buf[8:16], op.Seq)
	buf[16] = byte(ct)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf[8:], crcTable))
	return buf, nil
}

// decodeRecord parses one framed record from buf. It returns the decoded
// operation and the total frame size consumed. ErrCorruptRecord covers a
// bad magic, a truncated frame, and a checksum mismatch alike: the caller
// treats all of them as the torn tail of an interrupted append.
func decodeRecord(buf []byte) (operation.Operation, int, error) {
	var op operation.Operation
	if len(buf) < recordHeaderSize {
		return op, 0, ErrCorruptRecord
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return op, 0, ErrCorruptRecord
	}
	length := binary.LittleEndian.Uint32(buf[17:21])
	if length > MaxRecordSize {
		return op, 0, ErrCorruptRecord
	}
	total := recordHeaderSize + int(length)
	if len(buf) < total {
		return op, 0, ErrCorruptRecord
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != crc32.Checksum(buf[8:total], crcTable) {
		return op, 0, ErrCorruptRecord
	}

	payload, err := decompressPayload(buf[recordHeaderSize:total], CompressionType(buf[16]&0x0f))
	if err != nil {
		return op, 0, ErrCorruptRecord
	}
	if err := json.Unmarshal(payload, &op); err != nil {
		return op, 0, ErrCorruptRecord
	}
	op.Seq = binary.LittleEndian.Uint64(buf[8:16])
	return op, total, nil
}
