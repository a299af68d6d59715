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

// Package sorteddata persists strictly ordered entries. A sorted data file is
// a chunk store file in which every chunk holds up to MaxKeysInChunk diff-key
// encoded records. The diff-key state is reset at every chunk, so a reader can
// start at any chunk position, e.g. one taken from a scarce index.
package sorteddata

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const DefaultMaxKeysInChunk = 64

// ChunkListener is told about the first key and the position of every chunk
// a Writer emits.
type ChunkListener[K any] func(firstKey K, pos chunkstore.CellPosition)

type WriterConfig[K any] struct {
	MaxKeysInChunk int
	// Version is stamped into every chunk header.
	Version   uint32
	Listeners []ChunkListener[K]
}

// Writer writes a chunked sorted data file.
type Writer[K, V any] struct {
	codec  Codec[K, V]
	cw     *chunkstore.Writer
	config WriterConfig[K]

	buf      bytes.Buffer
	dk       *DiffKeyWriter
	inChunk  int
	firstKey K
	order    keyOrder[K]

	count      int
	tombstones int
	chunks     int
	closed     bool
}

func NewWriter[K, V any](store *chunkstore.Store, codec Codec[K, V],
	config WriterConfig[K],
) (*Writer[K, V], error) {
	if config.MaxKeysInChunk == 0 {
		config.MaxKeysInChunk = DefaultMaxKeysInChunk
	}
	if config.MaxKeysInChunk < 0 {
		return nil, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"max keys in chunk must be positive, got %d", config.MaxKeysInChunk)
	}

	cw, err := store.OpenWriter(directory.AccessOverwrite)
	if err != nil {
		return nil, err
	}

	w := &Writer[K, V]{
		codec:  codec,
		cw:     cw,
		config: config,
		order:  keyOrder[K]{compare: codec.Keys.Compare},
	}
	w.dk = NewOrderedDiffKeyWriter(&w.buf, distinctKeys)
	return w, nil
}

// Write appends an entry. Keys must be strictly increasing; an equal or lower
// key fails with segmentkv.ErrOutOfOrder and leaves the file unchanged.
func (w *Writer[K, V]) Write(e segmentkv.Entry[K, V]) error {
	if w.closed {
		return errors.Wrap(segmentkv.ErrInvalidState, "write to closed sorted data writer")
	}

	if !w.order.follows(e.Key) {
		return errors.Wrapf(segmentkv.ErrOutOfOrder, "key %v does not follow previous key", e.Key)
	}

	if err := w.dk.Write(w.codec.Keys.Encode(e.Key), w.codec.Values.Encode(e.Value)); err != nil {
		return err
	}

	if w.inChunk == 0 {
		w.firstKey = e.Key
	}
	w.inChunk++
	w.order.advance(e.Key)

	w.count++
	if w.codec.Values.IsTombstone(e.Value) {
		w.tombstones++
	}

	if w.inChunk >= w.config.MaxKeysInChunk {
		return w.flushChunk()
	}
	return nil
}

// WriteAll drains the iterator into the writer and closes the iterator.
func (w *Writer[K, V]) WriteAll(it Iterator[K, V]) error {
	for it.Next() {
		if err := w.Write(it.Entry()); err != nil {
			it.Close()
			return err
		}
	}
	err := it.Err()
	if closeErr := it.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (w *Writer[K, V]) flushChunk() error {
	pos, err := w.cw.Write(w.buf.Bytes(), w.config.Version)
	if err != nil {
		return errors.Wrap(err, "write sorted data chunk")
	}

	for _, l := range w.config.Listeners {
		l(w.firstKey, pos)
	}

	w.buf.Reset()
	w.dk.Reset()
	w.inChunk = 0
	w.chunks++
	return nil
}

// Count is the number of entries written, tombstones included.
func (w *Writer[K, V]) Count() int {
	return w.count
}

func (w *Writer[K, V]) Tombstones() int {
	return w.tombstones
}

func (w *Writer[K, V]) Chunks() int {
	return w.chunks
}

// Close writes the last partial chunk and closes the file.
func (w *Writer[K, V]) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.inChunk > 0 {
		if err := w.flushChunk(); err != nil {
			w.cw.Close()
			return err
		}
	}
	return w.cw.Close()
}

// Reader iterates a chunked sorted data file from a chunk position onwards.
type Reader[K, V any] struct {
	codec Codec[K, V]
	cr    *chunkstore.Reader
	dk    *DiffKeyReader

	inChunk bool
	order   keyOrder[K]

	current segmentkv.Entry[K, V]
	err     error
	done    bool
	closed  bool
}

// OpenReader opens a reader at pos, which must be the position of a chunk.
func OpenReader[K, V any](store *chunkstore.Store, codec Codec[K, V],
	pos chunkstore.CellPosition,
) (*Reader[K, V], error) {
	cr, err := store.OpenReader(pos)
	if err != nil {
		return nil, err
	}

	return &Reader[K, V]{
		codec: codec,
		cr:    cr,
		dk:    NewOrderedDiffKeyReader(bytes.NewReader(nil), distinctKeys),
		order: keyOrder[K]{compare: codec.Keys.Compare},
	}, nil
}

func OpenReaderAtStart[K, V any](store *chunkstore.Store, codec Codec[K, V]) (*Reader[K, V], error) {
	return OpenReader(store, codec, store.Start())
}

// OpenSeekReader opens a reader at the chunk position pos and skips forward
// to the first key greater than or equal to from.
func OpenSeekReader[K, V any](store *chunkstore.Store, codec Codec[K, V],
	pos chunkstore.CellPosition, from K,
) (Iterator[K, V], error) {
	r, err := OpenReader(store, codec, pos)
	if err != nil {
		return nil, err
	}
	return SkipUntil[K, V](r, from, codec.Keys.Compare), nil
}

func (r *Reader[K, V]) Next() bool {
	if r.done {
		return false
	}

	for {
		if !r.inChunk {
			d, err := r.cr.Read()
			if err != nil {
				r.fail(err)
				return false
			}
			r.dk.Reset(bytes.NewReader(d.Payload))
			r.inChunk = true
		}

		key, value, err := r.dk.Read()
		if errors.Is(err, io.EOF) {
			r.inChunk = false
			continue
		}
		if err != nil {
			r.fail(err)
			return false
		}

		r.current, err = r.codec.decode(key, value)
		if err != nil {
			r.fail(err)
			return false
		}
		if !r.order.follows(r.current.Key) {
			r.fail(errors.Wrapf(segmentkv.ErrCorrupted,
				"key %v does not follow %v", r.current.Key, r.order.last))
			return false
		}
		r.order.advance(r.current.Key)
		return true
	}
}

func (r *Reader[K, V]) fail(err error) {
	r.done = true
	if !errors.Is(err, io.EOF) {
		r.err = err
	}
}

func (r *Reader[K, V]) Entry() segmentkv.Entry[K, V] {
	return r.current
}

func (r *Reader[K, V]) Err() error {
	return r.err
}

func (r *Reader[K, V]) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.cr.Close()
}

// Get scans forward from the chunk at pos and returns the value stored for
// key. The scan stops at the first key greater than the one searched for.
func Get[K, V any](store *chunkstore.Store, codec Codec[K, V],
	pos chunkstore.CellPosition, key K,
) (V, bool, error) {
	var zero V

	r, err := OpenReader(store, codec, pos)
	if err != nil {
		return zero, false, err
	}
	defer r.Close()

	for r.Next() {
		e := r.Entry()
		switch c := codec.Keys.Compare(e.Key, key); {
		case c == 0:
			return e.Value, true, nil
		case c > 0:
			return zero, false, nil
		}
	}
	return zero, false, r.Err()
}
