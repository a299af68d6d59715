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
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const cacheBTreeDegree = 32

// Cache is the in-memory part of a segment. It consists of three ordered
// layers:
//
//   - the write cache receives all new writes
//   - the frozen cache is an immutable snapshot of a write cache that is being
//     flushed; there is at most one
//   - the delta cache holds entries that were flushed to delta files but are
//     not yet part of the base index
//
// Lookups check the layers in that order.
type Cache[K, V any] struct {
	sync.Mutex

	cmp         func(a, b K) int
	isTombstone func(v V) bool

	write      *btree.BTreeG[segmentkv.Entry[K, V]]
	frozen     *btree.BTreeG[segmentkv.Entry[K, V]]
	frozenList []segmentkv.Entry[K, V]
	delta      *btree.BTreeG[segmentkv.Entry[K, V]]

	hardCap        int
	maintenanceCap int

	// closed and replaced whenever room is made in the write cache
	spaceFreed chan struct{}
}

func NewCache[K, V any](cmp func(a, b K) int, isTombstone func(v V) bool,
	hardCap, maintenanceCap int,
) (*Cache[K, V], error) {
	if hardCap < 1 {
		return nil, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"write cache capacity must be positive, got %d", hardCap)
	}
	if maintenanceCap < hardCap {
		return nil, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"maintenance capacity %d must not be below write cache capacity %d",
			maintenanceCap, hardCap)
	}

	c := &Cache[K, V]{
		cmp:            cmp,
		isTombstone:    isTombstone,
		hardCap:        hardCap,
		maintenanceCap: maintenanceCap,
		spaceFreed:     make(chan struct{}),
	}
	c.write = c.newTree()
	c.delta = c.newTree()
	return c, nil
}

func (c *Cache[K, V]) newTree() *btree.BTreeG[segmentkv.Entry[K, V]] {
	return btree.NewG(cacheBTreeDegree, func(a, b segmentkv.Entry[K, V]) bool {
		return c.cmp(a.Key, b.Key) < 0
	})
}

func (c *Cache[K, V]) lookupKey(key K) segmentkv.Entry[K, V] {
	return segmentkv.Entry[K, V]{Key: key}
}

// admits reports whether e may be written under the given limits. Overwriting
// a key that is already in the write cache never grows it and is always
// admitted.
func (c *Cache[K, V]) admits(e segmentkv.Entry[K, V], hardCapApplies bool) bool {
	if c.write.Has(e) {
		return true
	}
	size := c.write.Len()
	if size >= c.maintenanceCap {
		return false
	}
	if hardCapApplies && size >= c.hardCap && c.frozen == nil {
		return false
	}
	return true
}

// Put writes the entry, blocking while the write cache is at its hard
// capacity with no flush in flight, or at its maintenance capacity. If ctx
// expires first, an ErrBusy error is returned.
func (c *Cache[K, V]) Put(ctx context.Context, e segmentkv.Entry[K, V]) error {
	for {
		if c.TryPutWithinHardCap(e) {
			return nil
		}
		if err := c.WaitForSpace(ctx); err != nil {
			return err
		}
	}
}

// TryPut is the non-blocking variant of Put. It only honors the maintenance
// capacity and reports false if the entry was rejected.
func (c *Cache[K, V]) TryPut(e segmentkv.Entry[K, V]) bool {
	c.Lock()
	defer c.Unlock()

	if !c.admits(e, false) {
		return false
	}
	c.write.ReplaceOrInsert(e)
	return true
}

// TryPutWithinHardCap writes the entry if Put would not have to block.
func (c *Cache[K, V]) TryPutWithinHardCap(e segmentkv.Entry[K, V]) bool {
	c.Lock()
	defer c.Unlock()

	if !c.admits(e, true) {
		return false
	}
	c.write.ReplaceOrInsert(e)
	return true
}

// WaitForSpace blocks until room is made in the write cache or ctx expires.
// It does not guarantee that a following put succeeds.
func (c *Cache[K, V]) WaitForSpace(ctx context.Context) error {
	c.Lock()
	ch := c.spaceFreed
	c.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.Wrap(segmentkv.ErrBusy, "write cache is full")
	}
}

func (c *Cache[K, V]) signalSpace() {
	close(c.spaceFreed)
	c.spaceFreed = make(chan struct{})
}

// Get returns the value of the first layer that has the key. A tombstone is
// returned like any other value, callers decide what a tombstone means.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.Lock()
	defer c.Unlock()

	lk := c.lookupKey(key)
	if e, ok := c.write.Get(lk); ok {
		return e.Value, true
	}
	if c.frozen != nil {
		if e, ok := c.frozen.Get(lk); ok {
			return e.Value, true
		}
	}
	if e, ok := c.delta.Get(lk); ok {
		return e.Value, true
	}

	var zero V
	return zero, false
}

// Freeze turns the write cache into the frozen cache and starts a fresh write
// cache. If a frozen cache already exists, nothing changes and its contents
// are returned again.
func (c *Cache[K, V]) Freeze() []segmentkv.Entry[K, V] {
	c.Lock()
	defer c.Unlock()

	if c.frozen != nil {
		return c.frozenList
	}

	c.frozen = c.write
	c.frozenList = ascend(c.frozen)
	c.write = c.newTree()
	c.signalSpace()
	return c.frozenList
}

func (c *Cache[K, V]) HasFrozen() bool {
	c.Lock()
	defer c.Unlock()

	return c.frozen != nil
}

// MergeFrozenIntoDelta moves the frozen cache into the delta cache, newer
// values replacing older ones. It is called once the frozen cache was
// persisted.
func (c *Cache[K, V]) MergeFrozenIntoDelta() {
	c.Lock()
	defer c.Unlock()

	if c.frozen == nil {
		return
	}
	for _, e := range c.frozenList {
		c.delta.ReplaceOrInsert(e)
	}
	c.frozen = nil
	c.frozenList = nil
}

// LoadDelta adds entries read back from a delta file. Later calls win over
// earlier ones.
func (c *Cache[K, V]) LoadDelta(entries []segmentkv.Entry[K, V]) {
	c.Lock()
	defer c.Unlock()

	for _, e := range entries {
		c.delta.ReplaceOrInsert(e)
	}
}

// EvictDelta clears the delta cache after its contents were folded into a
// new base index.
func (c *Cache[K, V]) EvictDelta() {
	c.Lock()
	defer c.Unlock()

	c.delta = c.newTree()
}

// EvictAll clears all three layers.
func (c *Cache[K, V]) EvictAll() {
	c.Lock()
	defer c.Unlock()

	c.write = c.newTree()
	c.frozen = nil
	c.frozenList = nil
	c.delta = c.newTree()
	c.signalSpace()
}

// Layers returns sorted copies of the delta, frozen and write cache, in
// that order, i.e. from oldest to newest.
func (c *Cache[K, V]) Layers() [][]segmentkv.Entry[K, V] {
	c.Lock()
	defer c.Unlock()

	layers := [][]segmentkv.Entry[K, V]{ascend(c.delta)}
	if c.frozen != nil {
		layers = append(layers, c.frozenList)
	}
	return append(layers, ascend(c.write))
}

// GetAsSortedList returns the union of all layers with the precedence of Get
// applied, tombstones included.
func (c *Cache[K, V]) GetAsSortedList() []segmentkv.Entry[K, V] {
	c.Lock()
	union := c.delta.Clone()
	if c.frozen != nil {
		for _, e := range c.frozenList {
			union.ReplaceOrInsert(e)
		}
	}
	c.write.Ascend(func(e segmentkv.Entry[K, V]) bool {
		union.ReplaceOrInsert(e)
		return true
	})
	c.Unlock()

	return ascend(union)
}

// Size is the number of distinct keys across all layers.
func (c *Cache[K, V]) Size() int {
	return len(c.GetAsSortedList())
}

// SizeWithoutTombstones is the number of distinct keys whose most recent
// value is not a tombstone.
func (c *Cache[K, V]) SizeWithoutTombstones() int {
	n := 0
	for _, e := range c.GetAsSortedList() {
		if !c.isTombstone(e.Value) {
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) WriteCacheSize() int {
	c.Lock()
	defer c.Unlock()

	return c.write.Len()
}

func (c *Cache[K, V]) FrozenSize() int {
	c.Lock()
	defer c.Unlock()

	return len(c.frozenList)
}

func (c *Cache[K, V]) DeltaCacheSize() int {
	c.Lock()
	defer c.Unlock()

	return c.delta.Len()
}

// NeedsRelief reports whether a new key would currently be rejected by
// TryPutWithinHardCap.
func (c *Cache[K, V]) NeedsRelief() bool {
	c.Lock()
	defer c.Unlock()

	size := c.write.Len()
	return size >= c.maintenanceCap || (size >= c.hardCap && c.frozen == nil)
}

func ascend[K, V any](t *btree.BTreeG[segmentkv.Entry[K, V]]) []segmentkv.Entry[K, V] {
	out := make([]segmentkv.Entry[K, V], 0, t.Len())
	t.Ascend(func(e segmentkv.Entry[K, V]) bool {
		out = append(out, e)
		return true
	})
	return out
}
