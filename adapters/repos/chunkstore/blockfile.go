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
	"io"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const (
	// BlockHeaderSize is the size of the header in front of every data block:
	// block magic (8) | block index (8)
	BlockHeaderSize = 16

	DefaultBlockSize = 4096
	MinBlockSize     = 64

	// BlockMagic is "SEGBLOCK" in ASCII.
	BlockMagic uint64 = 0x534547424c4f434b
)

func ValidateBlockSize(blockSize int) error {
	if blockSize < MinBlockSize || blockSize%CellSize != 0 {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"block size %d must be a multiple of %d and at least %d",
			blockSize, CellSize, MinBlockSize)
	}
	return nil
}

// blockFile reads and writes fixed size data blocks.
type blockFile struct {
	file      directory.File
	name      string
	blockSize int
}

func (b *blockFile) payloadSize() int {
	return b.blockSize - BlockHeaderSize
}

// readBlock returns the payload of the block at idx, or io.EOF if the block
// lies beyond the end of the file.
func (b *blockFile) readBlock(idx int64, buf []byte) ([]byte, error) {
	if len(buf) < b.blockSize {
		buf = make([]byte, b.blockSize)
	}
	buf = buf[:b.blockSize]

	n, err := b.file.ReadAt(buf, idx*int64(b.blockSize))
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if n < b.blockSize {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(segmentkv.ErrCorrupted,
				"%s: truncated block %d (%d of %d bytes)", b.name, idx, n, b.blockSize)
		}
		return nil, errors.Wrapf(err, "%s: read block %d", b.name, idx)
	}

	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != BlockMagic {
		return nil, errors.Wrapf(segmentkv.ErrCorrupted,
			"%s: invalid block magic %#x in block %d", b.name, magic, idx)
	}
	if stored := int64(binary.BigEndian.Uint64(buf[8:16])); stored != idx {
		return nil, errors.Wrapf(segmentkv.ErrCorrupted,
			"%s: block %d claims to be block %d", b.name, idx, stored)
	}

	return buf[BlockHeaderSize:], nil
}

func (b *blockFile) writeBlock(idx int64, payload []byte) error {
	if len(payload) != b.payloadSize() {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"block payload must be %d bytes, got %d", b.payloadSize(), len(payload))
	}

	buf := make([]byte, b.blockSize)
	binary.BigEndian.PutUint64(buf[0:8], BlockMagic)
	binary.BigEndian.PutUint64(buf[8:16], uint64(idx))
	copy(buf[BlockHeaderSize:], payload)

	if _, err := b.file.WriteAt(buf, idx*int64(b.blockSize)); err != nil {
		return errors.Wrapf(err, "%s: write block %d", b.name, idx)
	}
	return nil
}
