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
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Reader reads chunks sequentially starting at a cell position. Readers are
// not safe for concurrent use, but any number of readers may read the same
// file at the same time.
type Reader struct {
	bf     *blockFile
	decode Pipeline
	pos    CellPosition

	cachedIdx int64
	cached    []byte
	scratch   []byte
}

func newReader(bf *blockFile, decode Pipeline, pos CellPosition) *Reader {
	return &Reader{
		bf:        bf,
		decode:    decode,
		pos:       pos,
		cachedIdx: -1,
		cached:    make([]byte, bf.payloadSize()),
		scratch:   make([]byte, bf.blockSize),
	}
}

// Position is the cell at which the next chunk is expected.
func (r *Reader) Position() CellPosition {
	return r.pos
}

// Read returns the next decoded chunk, or io.EOF at the end of the stream.
func (r *Reader) Read() (ChunkData, error) {
	h, ok, err := r.readHeader()
	if err != nil {
		return ChunkData{}, err
	}
	if !ok {
		return ChunkData{}, io.EOF
	}

	payload, err := r.readAt(r.pos.AddCells(CellsFor(ChunkHeaderSize)), int(h.payloadLength))
	if err != nil && !errors.Is(err, io.EOF) {
		return ChunkData{}, err
	}
	if len(payload) < int(h.payloadLength) {
		return ChunkData{}, errors.Wrapf(segmentkv.ErrCorrupted,
			"%s: chunk at %s is truncated (%d of %d payload bytes)",
			r.bf.name, r.pos, len(payload), h.payloadLength)
	}

	at := r.pos
	r.pos = r.pos.AddCells(CellsFor(ChunkHeaderSize + len(payload)))

	d, err := r.decode.Apply(h.chunkData(payload))
	if err != nil {
		return ChunkData{}, errors.Wrapf(err, "%s: decode chunk at %s", r.bf.name, at)
	}
	return d, nil
}

// skip advances past the next chunk without reading or decoding its payload.
// It reports false at the end of the stream.
func (r *Reader) skip() (bool, error) {
	h, ok, err := r.readHeader()
	if err != nil || !ok {
		return false, err
	}
	r.pos = r.pos.AddCells(CellsFor(ChunkHeaderSize + int(h.payloadLength)))
	return true, nil
}

// readHeader reads the header at the current position. A zero magic number
// or the physical end of the file mark the end of the stream.
func (r *Reader) readHeader() (chunkHeader, bool, error) {
	buf, err := r.readAt(r.pos, ChunkHeaderSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return chunkHeader{}, false, err
	}

	if len(buf) < ChunkHeaderSize {
		if allZero(buf) {
			return chunkHeader{}, false, nil
		}
		return chunkHeader{}, false, errors.Wrapf(segmentkv.ErrCorrupted,
			"%s: truncated chunk header at %s", r.bf.name, r.pos)
	}

	if binary.BigEndian.Uint64(buf[0:8]) == 0 {
		return chunkHeader{}, false, nil
	}

	h := parseChunkHeader(buf)
	if h.magic != ChunkMagic {
		return chunkHeader{}, false, errors.Wrapf(segmentkv.ErrCorrupted,
			"%s: invalid chunk magic %#x at %s", r.bf.name, h.magic, r.pos)
	}
	return h, true, nil
}

// readAt reads n bytes starting at pos, crossing block boundaries as needed.
// If the file ends early it returns the bytes read so far and io.EOF.
func (r *Reader) readAt(pos CellPosition, n int) ([]byte, error) {
	out := make([]byte, 0, min(n, r.bf.payloadSize()))
	idx := pos.DataBlockIndex()
	off := pos.ByteOffsetInBlock()

	for len(out) < n {
		payload, err := r.block(idx)
		if err != nil {
			return out, err
		}

		take := min(n-len(out), len(payload)-off)
		out = append(out, payload[off:off+take]...)
		idx++
		off = 0
	}

	return out, nil
}

func (r *Reader) block(idx int64) ([]byte, error) {
	if idx == r.cachedIdx {
		return r.cached, nil
	}

	payload, err := r.bf.readBlock(idx, r.scratch)
	if err != nil {
		return nil, err
	}

	copy(r.cached, payload)
	r.cachedIdx = idx
	return r.cached, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.bf.file.Close()
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
