//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package chunkstore

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const (
	// ChunkHeaderSize is the fixed size of a chunk header:
	// magic (8) | version (4) | payload length (4) | crc (8) | flags (8)
	ChunkHeaderSize = 32

	// ChunkMagic is "SEGCHUNK" in ASCII.
	ChunkMagic uint64 = 0x5345474348554e4b

	// MaxPayloadSize is the largest payload a chunk header can describe.
	MaxPayloadSize = math.MaxUint32
)

// flag bits, set by encoding filters and cleared by their decoding
// counterparts
const (
	FlagCRC32      uint64 = 1 << 0
	FlagCompressed uint64 = 1 << 1
	FlagEncrypted  uint64 = 1 << 2
)

// ChunkData is the value flowing through the filter pipeline. Filters only
// touch the payload, the CRC, the magic number and the flag bits.
type ChunkData struct {
	Magic   uint64
	Version uint32
	CRC     uint64
	Flags   uint64
	Payload []byte
}

func (d ChunkData) HasFlag(flag uint64) bool {
	return d.Flags&flag != 0
}

func (d ChunkData) WithFlag(flag uint64) ChunkData {
	d.Flags |= flag
	return d
}

func (d ChunkData) WithoutFlag(flag uint64) ChunkData {
	d.Flags &^= flag
	return d
}

type chunkHeader struct {
	magic         uint64
	version       uint32
	payloadLength uint32
	crc           uint64
	flags         uint64
}

func headerFor(d ChunkData) (chunkHeader, error) {
	if len(d.Payload) > MaxPayloadSize {
		return chunkHeader{}, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"chunk payload of %d bytes exceeds maximum", len(d.Payload))
	}

	return chunkHeader{
		magic:         d.Magic,
		version:       d.Version,
		payloadLength: uint32(len(d.Payload)),
		crc:           d.CRC,
		flags:         d.Flags,
	}, nil
}

func (h chunkHeader) put(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], h.magic)
	binary.BigEndian.PutUint32(buf[8:12], h.version)
	binary.BigEndian.PutUint32(buf[12:16], h.payloadLength)
	binary.BigEndian.PutUint64(buf[16:24], h.crc)
	binary.BigEndian.PutUint64(buf[24:32], h.flags)
}

func parseChunkHeader(buf []byte) chunkHeader {
	return chunkHeader{
		magic:         binary.BigEndian.Uint64(buf[0:8]),
		version:       binary.BigEndian.Uint32(buf[8:12]),
		payloadLength: binary.BigEndian.Uint32(buf[12:16]),
		crc:           binary.BigEndian.Uint64(buf[16:24]),
		flags:         binary.BigEndian.Uint64(buf[24:32]),
	}
}

func (h chunkHeader) chunkData(payload []byte) ChunkData {
	return ChunkData{
		Magic:   h.magic,
		Version: h.version,
		CRC:     h.crc,
		Flags:   h.flags,
		Payload: payload,
	}
}

// encodedChunkSize is the number of bytes a chunk occupies on disk including
// the header and the padding to whole cells.
func encodedChunkSize(payloadLength int) int {
	return int(CellsFor(ChunkHeaderSize+payloadLength)) * CellSize
}
