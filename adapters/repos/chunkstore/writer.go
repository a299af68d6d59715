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
	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Writer appends chunks to a chunk store file. A Writer must not be used
// concurrently and there must be at most one Writer per file.
type Writer struct {
	bf     *blockFile
	encode Pipeline

	block    []byte
	blockIdx int64
	used     int
	dirty    bool
	closed   bool

	written int64
}

func newWriter(bf *blockFile, encode Pipeline, start CellPosition, existing []byte) *Writer {
	w := &Writer{
		bf:       bf,
		encode:   encode,
		block:    make([]byte, bf.payloadSize()),
		blockIdx: start.DataBlockIndex(),
		used:     start.ByteOffsetInBlock(),
	}
	copy(w.block, existing[:w.used])
	return w
}

// Position is the cell at which the next chunk will start.
func (w *Writer) Position() CellPosition {
	cells := w.blockIdx*int64(w.bf.payloadSize()/CellSize) + int64(w.used/CellSize)
	return NewCellPosition(w.bf.payloadSize(), cells)
}

// Written is the number of chunks written through this writer.
func (w *Writer) Written() int64 {
	return w.written
}

// Write runs the payload through the encoding pipeline and appends the
// resulting chunk. It returns the position of the chunk's first cell.
func (w *Writer) Write(payload []byte, version uint32) (CellPosition, error) {
	if w.closed {
		return CellPosition{}, errors.Wrap(segmentkv.ErrInvalidState, "write to closed chunk writer")
	}

	d, err := w.encode.Apply(ChunkData{Version: version, Payload: payload})
	if err != nil {
		return CellPosition{}, errors.Wrap(err, "encode chunk")
	}

	h, err := headerFor(d)
	if err != nil {
		return CellPosition{}, err
	}

	buf := make([]byte, encodedChunkSize(len(d.Payload)))
	h.put(buf)
	copy(buf[ChunkHeaderSize:], d.Payload)

	pos := w.Position()
	for len(buf) > 0 {
		n := copy(w.block[w.used:], buf)
		w.used += n
		w.dirty = true
		buf = buf[n:]

		if w.used == len(w.block) {
			if err := w.bf.writeBlock(w.blockIdx, w.block); err != nil {
				return CellPosition{}, err
			}
			w.blockIdx++
			w.used = 0
			w.dirty = false
			clear(w.block)
		}
	}

	w.written++
	return pos, nil
}

// Flush writes the current partial block (zero padded) and syncs the file.
// The partial block is rewritten in place by later writes.
func (w *Writer) Flush() error {
	if w.closed {
		return errors.Wrap(segmentkv.ErrInvalidState, "flush closed chunk writer")
	}

	if w.dirty {
		if err := w.bf.writeBlock(w.blockIdx, w.block); err != nil {
			return err
		}
		w.dirty = false
	}

	if err := w.bf.file.Sync(); err != nil {
		return errors.Wrapf(err, "%s: sync", w.bf.name)
	}
	return nil
}

// Close flushes and closes the underlying file. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	if err := w.Flush(); err != nil {
		w.bf.file.Close()
		w.closed = true
		return err
	}

	w.closed = true
	if err := w.bf.file.Close(); err != nil {
		return errors.Wrapf(err, "%s: close", w.bf.name)
	}
	return nil
}
