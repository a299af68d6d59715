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

// Package scarceindex implements a sparse index over a sorted data file. It
// samples the first key of every n-th chunk together with the chunk's cell
// index, which is enough to start a scan close to any key.
package scarceindex

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
)

// Index finds the chunk to start a scan for a key from.
type Index[K any] interface {
	// NearestEntry returns the cell index of the last sampled chunk whose
	// first key is less than or equal to key. It reports false if key is
	// smaller than every sampled key.
	NearestEntry(key K) (int64, bool)
	Len() int
}

type noop[K any] struct{}

// NoOp always points at the beginning of the file.
func NoOp[K any]() Index[K] {
	return noop[K]{}
}

func (noop[K]) NearestEntry(K) (int64, bool) {
	return 0, true
}

func (noop[K]) Len() int {
	return 0
}

// Scarce is an immutable, loaded scarce index.
type Scarce[K any] struct {
	keys  []K
	cells []int64
	cmp   func(a, b K) int
}

func (s *Scarce[K]) NearestEntry(key K) (int64, bool) {
	// first sample strictly greater than key
	i := sort.Search(len(s.keys), func(i int) bool {
		return s.cmp(s.keys[i], key) > 0
	})
	if i == 0 {
		return 0, false
	}
	return s.cells[i-1], true
}

func (s *Scarce[K]) Len() int {
	return len(s.keys)
}

// Builder samples chunks while a sorted data file is written.
type Builder[K any] struct {
	every int
	seen  int
	keys  []K
	cells []int64
	cmp   func(a, b K) int
}

// NewBuilder samples every n-th chunk, starting with the first.
func NewBuilder[K any](every int, cmp func(a, b K) int) *Builder[K] {
	if every < 1 {
		every = 1
	}
	return &Builder[K]{every: every, cmp: cmp}
}

// Listener is registered with the sorted data writer.
func (b *Builder[K]) Listener() sorteddata.ChunkListener[K] {
	return func(firstKey K, pos chunkstore.CellPosition) {
		if b.seen%b.every == 0 {
			b.keys = append(b.keys, firstKey)
			b.cells = append(b.cells, pos.CellIndex())
		}
		b.seen++
	}
}

func (b *Builder[K]) Index() *Scarce[K] {
	return &Scarce[K]{keys: b.keys, cells: b.cells, cmp: b.cmp}
}

// Write persists the samples as a diff-key stream of key -> cell index.
func (b *Builder[K]) Write(dir directory.Directory, name string, keys typedesc.Descriptor[K]) error {
	codec := sorteddata.NewCodec(keys, typedesc.Int64())

	tmp := name + ".tmp"
	w, err := sorteddata.NewStreamWriter(dir, tmp, codec)
	if err != nil {
		return err
	}

	for i := range b.keys {
		if err := w.Write(segmentkv.NewEntry(b.keys[i], b.cells[i])); err != nil {
			w.Close()
			dir.Delete(tmp)
			return errors.Wrap(err, "write scarce index")
		}
	}
	if err := w.Close(); err != nil {
		dir.Delete(tmp)
		return errors.Wrap(err, "write scarce index")
	}

	return dir.Rename(tmp, name)
}

// Load reads a scarce index written by Builder.Write.
func Load[K any](dir directory.Directory, name string, keys typedesc.Descriptor[K]) (*Scarce[K], error) {
	r, err := sorteddata.NewStreamReader(dir, name, sorteddata.NewCodec(keys, typedesc.Int64()))
	if err != nil {
		return nil, err
	}

	entries, err := sorteddata.Collect[K, int64](r)
	if err != nil {
		return nil, errors.Wrapf(err, "load scarce index %q", name)
	}

	s := &Scarce[K]{
		keys:  make([]K, len(entries)),
		cells: make([]int64, len(entries)),
		cmp:   keys.Compare,
	}
	for i, e := range entries {
		if e.Value < 0 || (i > 0 && e.Value <= s.cells[i-1]) {
			return nil, errors.Wrapf(segmentkv.ErrCorrupted,
				"scarce index %q: implausible cell index %d", name, e.Value)
		}
		s.keys[i] = e.Key
		s.cells[i] = e.Value
	}
	return s, nil
}
