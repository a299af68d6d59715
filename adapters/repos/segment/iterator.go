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

package segment

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

type Isolation int

const (
	// FailFast iterators do not block writers. Once the segment is modified
	// they stop with ErrConcurrentModification.
	FailFast Isolation = iota
	// FullIsolation iterators hold exclusive access to the segment until they
	// are closed. Writers are turned away as busy in the meantime.
	FullIsolation
)

func (i Isolation) String() string {
	if i == FullIsolation {
		return "FULL_ISOLATION"
	}
	return "FAIL_FAST"
}

type keyRange[K any] struct {
	from, to K
}

// OpenIterator iterates all live entries in key order. The iterator must be
// closed.
func (s *Segment[K, V]) OpenIterator(ctx context.Context,
	isolation Isolation,
) (segmentkv.Result[sorteddata.Iterator[K, V]], error) {
	return s.openIterator(ctx, isolation, nil)
}

// OpenRangeIterator iterates the live entries with keys in [from, to).
func (s *Segment[K, V]) OpenRangeIterator(ctx context.Context, isolation Isolation,
	from, to K,
) (segmentkv.Result[sorteddata.Iterator[K, V]], error) {
	if s.codec.Keys.Compare(from, to) > 0 {
		return segmentkv.Failed[sorteddata.Iterator[K, V]](),
			errors.Wrap(segmentkv.ErrInvalidArgument, "range start is above range end")
	}
	return s.openIterator(ctx, isolation, &keyRange[K]{from: from, to: to})
}

func (s *Segment[K, V]) openIterator(ctx context.Context, isolation Isolation,
	r *keyRange[K],
) (segmentkv.Result[sorteddata.Iterator[K, V]], error) {
	var it sorteddata.Iterator[K, V]
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		if isolation == FullIsolation {
			it, err = s.tryOpenIsolated(ctx, r)
		} else {
			it, err = s.tryOpenFailFast(r)
		}
		return err
	})

	res, err := resultOf[sorteddata.Iterator[K, V]](err)
	if res.IsOK() {
		res = segmentkv.OK(it)
	}
	s.metrics.Operation("open_iterator", res.Status)
	return res, err
}

func (s *Segment[K, V]) tryOpenFailFast(r *keyRange[K]) (sorteddata.Iterator[K, V], error) {
	// read before the snapshot, so every later change is noticed
	expected := s.modCount.Load()

	if err := s.gate.TryEnterNormal(); err != nil {
		return nil, err
	}
	files := s.acquireFiles()
	layers := s.cache.Layers()
	s.gate.ExitNormal()

	view, err := s.view(files, layers, r)
	if err != nil {
		files.unpin()
		return nil, err
	}

	it := &failFastIterator[K, V]{
		Iterator: view,
		modCount: &s.modCount,
		expected: expected,
	}
	return sorteddata.OnClose[K, V](it, func() error {
		files.unpin()
		return nil
	}), nil
}

func (s *Segment[K, V]) tryOpenIsolated(ctx context.Context,
	r *keyRange[K],
) (sorteddata.Iterator[K, V], error) {
	if ok, err := s.gate.TryEnterFreezeAndDrain(ctx); !ok {
		return nil, err
	}

	files := s.acquireFiles()
	view, err := s.view(files, s.cache.Layers(), r)
	if err != nil {
		files.unpin()
		s.gate.ReleaseExclusive()
		return nil, err
	}

	return sorteddata.OnClose[K, V](view, func() error {
		files.unpin()
		s.gate.ReleaseExclusive()
		return nil
	}), nil
}

// view merges the index with the cache layers, restricted to r if given.
// Tombstones are hidden.
func (s *Segment[K, V]) view(files *fileSet[K, V], layers [][]segmentkv.Entry[K, V],
	r *keyRange[K],
) (sorteddata.Iterator[K, V], error) {
	if r == nil {
		return s.liveView(files, layers)
	}

	pos := files.index.Start()
	if cell, ok := files.scarce.NearestEntry(r.from); ok {
		pos = files.index.Position(cell)
	}
	index, err := sorteddata.OpenSeekReader(files.index, s.codec, pos, r.from)
	if err != nil {
		return nil, err
	}

	sources := []sorteddata.Iterator[K, V]{index}
	for _, layer := range layers {
		sources = append(sources, sorteddata.SliceIterator(layer))
	}
	merged := sorteddata.NewMergedIterator(sources, s.codec.Keys.Compare, nil)
	return sorteddata.FilterTombstones[K, V](
		sorteddata.Range[K, V](merged, r.from, r.to, s.codec.Keys.Compare),
		s.codec.Values.IsTombstone), nil
}

// failFastIterator stops with ErrConcurrentModification as soon as the
// segment's modification counter moved away from expected.
type failFastIterator[K, V any] struct {
	sorteddata.Iterator[K, V]
	modCount *atomic.Uint64
	expected uint64
	err      error
}

func (f *failFastIterator[K, V]) Next() bool {
	if f.err != nil {
		return false
	}
	if f.modCount.Load() != f.expected {
		f.err = errors.Wrap(segmentkv.ErrConcurrentModification,
			"segment was modified after the iterator was opened")
		return false
	}
	return f.Iterator.Next()
}

func (f *failFastIterator[K, V]) Err() error {
	if f.err != nil {
		return f.err
	}
	return f.Iterator.Err()
}
