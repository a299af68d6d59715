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
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Iterator walks entries in ascending key order.
//
//	for it.Next() {
//		e := it.Entry()
//	}
//	if err := it.Err(); err != nil { ... }
//
// Close must always be called and releases whatever the iterator holds.
type Iterator[K, V any] interface {
	Next() bool
	Entry() segmentkv.Entry[K, V]
	Err() error
	Close() error
}

type sliceIterator[K, V any] struct {
	entries []segmentkv.Entry[K, V]
	pos     int
}

// SliceIterator iterates an already sorted slice.
func SliceIterator[K, V any](entries []segmentkv.Entry[K, V]) Iterator[K, V] {
	return &sliceIterator[K, V]{entries: entries, pos: -1}
}

func (s *sliceIterator[K, V]) Next() bool {
	if s.pos+1 >= len(s.entries) {
		s.pos = len(s.entries)
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator[K, V]) Entry() segmentkv.Entry[K, V] {
	return s.entries[s.pos]
}

func (s *sliceIterator[K, V]) Err() error {
	return nil
}

func (s *sliceIterator[K, V]) Close() error {
	return nil
}

type filterIterator[K, V any] struct {
	Iterator[K, V]
	keep func(e segmentkv.Entry[K, V]) bool
	stop func(e segmentkv.Entry[K, V]) bool
	done bool
}

func (f *filterIterator[K, V]) Next() bool {
	if f.done {
		return false
	}
	for f.Iterator.Next() {
		e := f.Iterator.Entry()
		if f.stop != nil && f.stop(e) {
			f.done = true
			return false
		}
		if f.keep(e) {
			return true
		}
	}
	return false
}

// FilterTombstones hides entries whose value is a tombstone.
func FilterTombstones[K, V any](it Iterator[K, V], isTombstone func(V) bool) Iterator[K, V] {
	return &filterIterator[K, V]{
		Iterator: it,
		keep:     func(e segmentkv.Entry[K, V]) bool { return !isTombstone(e.Value) },
	}
}

// SkipUntil hides all entries with keys lower than from.
func SkipUntil[K, V any](it Iterator[K, V], from K, cmp func(a, b K) int) Iterator[K, V] {
	return &filterIterator[K, V]{
		Iterator: it,
		keep:     func(e segmentkv.Entry[K, V]) bool { return cmp(e.Key, from) >= 0 },
	}
}

// Range restricts an iterator to keys in [from, to). to is exclusive and the
// iterator stops as soon as it is reached.
func Range[K, V any](it Iterator[K, V], from, to K, cmp func(a, b K) int) Iterator[K, V] {
	return &filterIterator[K, V]{
		Iterator: it,
		keep:     func(e segmentkv.Entry[K, V]) bool { return cmp(e.Key, from) >= 0 },
		stop:     func(e segmentkv.Entry[K, V]) bool { return cmp(e.Key, to) >= 0 },
	}
}

type closeHook[K, V any] struct {
	Iterator[K, V]
	hook func() error
}

func (c *closeHook[K, V]) Close() error {
	err := c.Iterator.Close()
	if c.hook != nil {
		hook := c.hook
		c.hook = nil
		if hookErr := hook(); err == nil {
			err = hookErr
		}
	}
	return err
}

// OnClose runs hook once after the iterator was closed, even if closing the
// iterator itself failed.
func OnClose[K, V any](it Iterator[K, V], hook func() error) Iterator[K, V] {
	return &closeHook[K, V]{Iterator: it, hook: hook}
}

// Collect drains and closes the iterator.
func Collect[K, V any](it Iterator[K, V]) ([]segmentkv.Entry[K, V], error) {
	var out []segmentkv.Entry[K, V]
	for it.Next() {
		out = append(out, it.Entry())
	}
	err := it.Err()
	if closeErr := it.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
