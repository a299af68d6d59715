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
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Merger combines the values of an older and a newer entry with the same
// key. It must be associative for the merge result not to depend on how
// sources are grouped.
type Merger[V any] func(older, newer V) V

// LastWriteWins keeps the newer value.
func LastWriteWins[V any](_, newer V) V {
	return newer
}

// MergedIterator merges any number of sorted sources into one sorted stream.
// Sources are ordered from oldest to newest; when several sources are
// positioned on the same key their values are folded through the merger in
// that order and every one of them is advanced.
type MergedIterator[K, V any] struct {
	sources []Iterator[K, V]
	heads   []segmentkv.Entry[K, V]
	live    []bool
	cmp     func(a, b K) int
	merger  Merger[V]

	started bool
	current segmentkv.Entry[K, V]
	err     error

	closeErr *multierror.Error
}

func NewMergedIterator[K, V any](sources []Iterator[K, V], cmp func(a, b K) int,
	merger Merger[V],
) *MergedIterator[K, V] {
	if merger == nil {
		merger = LastWriteWins[V]
	}
	return &MergedIterator[K, V]{
		sources: sources,
		heads:   make([]segmentkv.Entry[K, V], len(sources)),
		live:    make([]bool, len(sources)),
		cmp:     cmp,
		merger:  merger,
	}
}

func (m *MergedIterator[K, V]) advance(i int) {
	src := m.sources[i]
	if src.Next() {
		m.heads[i] = src.Entry()
		m.live[i] = true
		return
	}

	m.live[i] = false
	if err := src.Err(); err != nil && m.err == nil {
		m.err = errors.Wrapf(err, "merge source %d", i)
	}
	m.closeSource(i)
}

func (m *MergedIterator[K, V]) closeSource(i int) {
	if m.sources[i] == nil {
		return
	}
	if err := m.sources[i].Close(); err != nil {
		m.closeErr = multierror.Append(m.closeErr, err)
	}
	m.sources[i] = nil
}

func (m *MergedIterator[K, V]) Next() bool {
	if !m.started {
		m.started = true
		for i := range m.sources {
			m.advance(i)
		}
	}
	if m.err != nil {
		return false
	}

	lowest := -1
	for i := range m.heads {
		if !m.live[i] {
			continue
		}
		if lowest == -1 || m.cmp(m.heads[i].Key, m.heads[lowest].Key) < 0 {
			lowest = i
		}
	}
	if lowest == -1 {
		return false
	}

	// lowest is the oldest source positioned on the smallest key, fold all
	// newer sources on the same key into it
	merged := m.heads[lowest]
	for i := lowest + 1; i < len(m.heads); i++ {
		if m.live[i] && m.cmp(m.heads[i].Key, merged.Key) == 0 {
			merged.Value = m.merger(merged.Value, m.heads[i].Value)
			m.advance(i)
		}
	}
	m.advance(lowest)

	if m.err != nil {
		return false
	}
	m.current = merged
	return true
}

func (m *MergedIterator[K, V]) Entry() segmentkv.Entry[K, V] {
	return m.current
}

func (m *MergedIterator[K, V]) Err() error {
	return m.err
}

// Close closes all sources that are still open. Errors of all sources are
// reported together.
func (m *MergedIterator[K, V]) Close() error {
	for i := range m.sources {
		m.closeSource(i)
	}
	return m.closeErr.ErrorOrNil()
}
