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
	"io"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
)

// Codec bundles the descriptors needed to persist entries.
type Codec[K, V any] struct {
	Keys   typedesc.Descriptor[K]
	Values typedesc.Descriptor[V]
}

func NewCodec[K, V any](keys typedesc.Descriptor[K], values typedesc.Descriptor[V]) Codec[K, V] {
	return Codec[K, V]{Keys: keys, Values: values}
}

func (c Codec[K, V]) decode(key, value []byte) (segmentkv.Entry[K, V], error) {
	k, err := c.Keys.Decode(key)
	if err != nil {
		return segmentkv.Entry[K, V]{}, errors.Wrap(err, "decode key")
	}
	v, err := c.Values.Decode(value)
	if err != nil {
		return segmentkv.Entry[K, V]{}, errors.Wrap(err, "decode value")
	}
	return segmentkv.NewEntry(k, v), nil
}

// keyOrder enforces strictly increasing keys by the key descriptor's
// comparator, which need not agree with the byte order of the encoding.
type keyOrder[K any] struct {
	compare func(a, b K) int
	last    K
	hasLast bool
}

func (o *keyOrder[K]) follows(key K) bool {
	return !o.hasLast || o.compare(o.last, key) < 0
}

func (o *keyOrder[K]) advance(key K) {
	o.last = key
	o.hasLast = true
}

// StreamWriter writes a plain diff-key encoded file without chunking. It is
// used for small side files and for external sort runs.
type StreamWriter[K, V any] struct {
	codec Codec[K, V]
	name  string
	file  directory.File
	buf   *bufio.Writer
	dk    *DiffKeyWriter
	order keyOrder[K]
	count int
}

func NewStreamWriter[K, V any](dir directory.Directory, name string,
	codec Codec[K, V],
) (*StreamWriter[K, V], error) {
	f, err := dir.OpenWrite(name, directory.AccessOverwrite)
	if err != nil {
		return nil, err
	}

	buf := bufio.NewWriter(f)
	return &StreamWriter[K, V]{
		codec: codec,
		name:  name,
		file:  f,
		buf:   buf,
		dk:    NewOrderedDiffKeyWriter(buf, distinctKeys),
		order: keyOrder[K]{compare: codec.Keys.Compare},
	}, nil
}

func (s *StreamWriter[K, V]) Write(e segmentkv.Entry[K, V]) error {
	if !s.order.follows(e.Key) {
		return errors.Wrapf(segmentkv.ErrOutOfOrder,
			"%s: key %v does not follow %v", s.name, e.Key, s.order.last)
	}
	if err := s.dk.Write(s.codec.Keys.Encode(e.Key), s.codec.Values.Encode(e.Value)); err != nil {
		return errors.Wrapf(err, "%s", s.name)
	}
	s.order.advance(e.Key)
	s.count++
	return nil
}

func (s *StreamWriter[K, V]) Count() int {
	return s.count
}

func (s *StreamWriter[K, V]) Close() error {
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return errors.Wrapf(err, "flush %s", s.name)
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.Wrapf(err, "sync %s", s.name)
	}
	return s.file.Close()
}

// StreamReader iterates a file written by StreamWriter.
type StreamReader[K, V any] struct {
	codec   Codec[K, V]
	name    string
	file    directory.File
	dk      *DiffKeyReader
	order   keyOrder[K]
	current segmentkv.Entry[K, V]
	err     error
	done    bool
}

func NewStreamReader[K, V any](dir directory.Directory, name string,
	codec Codec[K, V],
) (*StreamReader[K, V], error) {
	f, err := dir.OpenRead(name)
	if err != nil {
		return nil, err
	}

	return &StreamReader[K, V]{
		codec: codec,
		name:  name,
		file:  f,
		dk:    NewOrderedDiffKeyReader(bufio.NewReader(f), distinctKeys),
		order: keyOrder[K]{compare: codec.Keys.Compare},
	}, nil
}

func (s *StreamReader[K, V]) Next() bool {
	if s.done {
		return false
	}

	key, value, err := s.dk.Read()
	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = errors.Wrapf(err, "%s", s.name)
		}
		return false
	}

	s.current, err = s.codec.decode(key, value)
	if err == nil && !s.order.follows(s.current.Key) {
		err = errors.Wrapf(segmentkv.ErrCorrupted,
			"key %v does not follow %v", s.current.Key, s.order.last)
	}
	if err != nil {
		s.done = true
		s.err = errors.Wrapf(err, "%s", s.name)
		return false
	}
	s.order.advance(s.current.Key)
	return true
}

func (s *StreamReader[K, V]) Entry() segmentkv.Entry[K, V] {
	return s.current
}

func (s *StreamReader[K, V]) Err() error {
	return s.err
}

func (s *StreamReader[K, V]) Close() error {
	return s.file.Close()
}
