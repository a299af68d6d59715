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

package sorteddata

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// MaxKeySize is the largest encoded key a record can hold, since both the
// shared prefix length and the suffix length are stored in a single byte.
const MaxKeySize = 255

// DiffKeyWriter writes records of the form
//
//	shared (1) | suffix length (1) | suffix | uvarint value length | value
//
// where shared is the length of the prefix the key has in common with the
// previous key. By default keys must be strictly increasing in byte order.
type DiffKeyWriter struct {
	w       io.Writer
	order   KeyOrder
	prev    []byte
	hasPrev bool
	scratch []byte
}

// KeyOrder reports whether key may follow prev in a diff-key stream.
type KeyOrder func(prev, key []byte) bool

// ByteOrder admits strictly increasing keys in byte order.
func ByteOrder(prev, key []byte) bool {
	return bytes.Compare(key, prev) > 0
}

// distinctKeys only rejects repeated keys. It is used where the caller orders
// the decoded keys with its own comparator.
func distinctKeys(prev, key []byte) bool {
	return !bytes.Equal(prev, key)
}

func NewDiffKeyWriter(w io.Writer) *DiffKeyWriter {
	return NewOrderedDiffKeyWriter(w, ByteOrder)
}

func NewOrderedDiffKeyWriter(w io.Writer, order KeyOrder) *DiffKeyWriter {
	return &DiffKeyWriter{w: w, order: order}
}

func (d *DiffKeyWriter) Write(key, value []byte) error {
	if len(key) > MaxKeySize {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"encoded key of %d bytes exceeds maximum of %d", len(key), MaxKeySize)
	}

	shared := 0
	if d.hasPrev {
		if !d.order(d.prev, key) {
			return errors.Wrapf(segmentkv.ErrOutOfOrder,
				"key %x does not follow %x", key, d.prev)
		}
		shared = commonPrefix(d.prev, key)
	}

	suffix := key[shared:]
	buf := d.scratch[:0]
	buf = append(buf, byte(shared), byte(len(suffix)))
	buf = append(buf, suffix...)
	buf = binary.AppendUvarint(buf, uint64(len(value)))
	buf = append(buf, value...)
	d.scratch = buf

	if _, err := d.w.Write(buf); err != nil {
		return errors.Wrap(err, "write diff-key record")
	}

	d.prev = append(d.prev[:0], key...)
	d.hasPrev = true
	return nil
}

// Reset forgets the previous key. The next record is written without a
// shared prefix.
func (d *DiffKeyWriter) Reset() {
	d.prev = d.prev[:0]
	d.hasPrev = false
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// DiffKeyReader reads records written by DiffKeyWriter.
type DiffKeyReader struct {
	r       byteReader
	order   KeyOrder
	prev    []byte
	hasPrev bool
}

func NewDiffKeyReader(r io.Reader) *DiffKeyReader {
	return NewOrderedDiffKeyReader(r, ByteOrder)
}

func NewOrderedDiffKeyReader(r io.Reader, order KeyOrder) *DiffKeyReader {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &DiffKeyReader{r: br, order: order}
}

// Read returns the next key and value. Both slices are owned by the caller.
// It returns io.EOF at a clean end of the stream and an ErrCorrupted error if
// the stream ends within a record or is malformed.
func (d *DiffKeyReader) Read() ([]byte, []byte, error) {
	shared, err := d.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, errors.Wrap(err, "read diff-key record")
	}

	if !d.hasPrev && shared > 0 {
		return nil, nil, errors.Wrapf(segmentkv.ErrCorrupted,
			"first record claims a shared prefix of %d bytes", shared)
	}
	if int(shared) > len(d.prev) {
		return nil, nil, errors.Wrapf(segmentkv.ErrCorrupted,
			"shared prefix of %d bytes exceeds previous key of %d bytes", shared, len(d.prev))
	}

	suffixLen, err := d.r.ReadByte()
	if err != nil {
		return nil, nil, truncated(err)
	}

	key := make([]byte, int(shared)+int(suffixLen))
	copy(key, d.prev[:shared])
	if _, err := io.ReadFull(d.r, key[shared:]); err != nil {
		return nil, nil, truncated(err)
	}

	if d.hasPrev && !d.order(d.prev, key) {
		return nil, nil, errors.Wrapf(segmentkv.ErrCorrupted,
			"key %x does not follow %x", key, d.prev)
	}

	valueLen, err := binary.ReadUvarint(d.r)
	if err != nil {
		return nil, nil, truncated(err)
	}
	if valueLen > maxValueSize {
		return nil, nil, errors.Wrapf(segmentkv.ErrCorrupted,
			"value length %d is implausible", valueLen)
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(d.r, value); err != nil {
		return nil, nil, truncated(err)
	}

	d.prev = append(d.prev[:0], key...)
	d.hasPrev = true
	return key, value, nil
}

// Reset forgets the previous key, e.g. at a chunk boundary.
func (d *DiffKeyReader) Reset(r io.Reader) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d.r = br
	d.prev = d.prev[:0]
	d.hasPrev = false
}

const maxValueSize = 1 << 31

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrap(segmentkv.ErrCorrupted, "diff-key stream ends within a record")
	}
	return errors.Wrap(err, "read diff-key record")
}
