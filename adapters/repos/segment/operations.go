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

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

var errWriteCacheFull = errors.Wrap(segmentkv.ErrBusy, "write cache is full")

// admit fails if the gate would not admit a normal operation right now.
func (s *Segment[K, V]) admit() error {
	if err := s.gate.TryEnterNormal(); err != nil {
		return err
	}
	s.gate.ExitNormal()
	return nil
}

// tryGet looks the key up in the cache layers and then in the base index. A
// tombstone reads as absent.
func (s *Segment[K, V]) tryGet(key K) (V, bool, error) {
	var zero V

	if err := s.gate.TryEnterNormal(); err != nil {
		return zero, false, err
	}
	defer s.gate.ExitNormal()

	if v, ok := s.cache.Get(key); ok {
		if s.codec.Values.IsTombstone(v) {
			return zero, false, nil
		}
		return v, true, nil
	}

	files := s.acquireFiles()
	defer files.unpin()

	if !files.bloom.MaybeContains(s.codec.Keys.Encode(key)) {
		s.metrics.BloomFilterSkip()
		return zero, false, nil
	}

	cell, ok := files.scarce.NearestEntry(key)
	if !ok {
		return zero, false, nil
	}

	v, ok, err := sorteddata.Get(files.index, s.codec, files.index.Position(cell), key)
	if err != nil {
		return zero, false, errors.Wrapf(err, "read index of segment %d", s.id)
	}
	if !ok || s.codec.Values.IsTombstone(v) {
		return zero, false, nil
	}
	return v, true, nil
}

func (s *Segment[K, V]) validateKey(key K) error {
	if n := len(s.codec.Keys.Encode(key)); n > sorteddata.MaxKeySize {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"encoded key of %d bytes exceeds maximum of %d", n, sorteddata.MaxKeySize)
	}
	return nil
}

// tryPut writes to the write cache if that is possible without waiting. A full
// write cache is reported as errWriteCacheFull.
func (s *Segment[K, V]) tryPut(e segmentkv.Entry[K, V]) error {
	if err := s.gate.TryEnterNormal(); err != nil {
		return err
	}
	defer s.gate.ExitNormal()

	if err := s.validateKey(e.Key); err != nil {
		return err
	}
	if !s.cache.TryPutWithinHardCap(e) {
		return errWriteCacheFull
	}
	s.modCount.Add(1)
	return nil
}

func (s *Segment[K, V]) tryDelete(key K) error {
	return s.tryPut(segmentkv.NewEntry(key, s.codec.Values.Tombstone()))
}

// relieveWriteCache flushes the write cache in the calling goroutine unless
// another maintenance operation already runs, in which case that one makes
// room eventually. A registered maintenance cycle is triggered as well.
func (s *Segment[K, V]) relieveWriteCache(ctx context.Context) {
	s.triggerMaintenance()

	if !s.cache.NeedsRelief() {
		return
	}
	if err := s.tryAcquireMaintenance(); err != nil {
		return
	}
	defer s.releaseMaintenance()

	if err := s.flushLocked(ctx); err != nil && !leavesSegmentIntact(err) {
		s.logger.WithField("action", "segment_put").
			WithError(err).
			Error("flush of full write cache failed")
	}
}

// Get returns the value stored for key. Result.Found is false if the key is
// absent or deleted.
func (s *Segment[K, V]) Get(ctx context.Context, key K) (segmentkv.Result[V], error) {
	var (
		value V
		found bool
	)
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		value, found, err = s.tryGet(key)
		return err
	})

	res, err := resultOf[V](err)
	if res.IsOK() && !found {
		res = segmentkv.NotFound[V]()
	} else if res.IsOK() {
		res = segmentkv.OK(value)
	}
	s.metrics.Operation("get", res.Status)
	return res, err
}

// Put writes the value for key. While the write cache is full, Put flushes
// it or waits for a running flush, up to the busy timeout.
func (s *Segment[K, V]) Put(ctx context.Context, key K, value V) (segmentkv.Result[struct{}], error) {
	res, err := s.put(ctx, segmentkv.NewEntry(key, value))
	s.metrics.Operation("put", res.Status)
	return res, err
}

// Delete writes a tombstone for key. Deleting an absent key is not an error.
func (s *Segment[K, V]) Delete(ctx context.Context, key K) (segmentkv.Result[struct{}], error) {
	res, err := s.put(ctx, segmentkv.NewEntry(key, s.codec.Values.Tombstone()))
	s.metrics.Operation("delete", res.Status)
	return res, err
}

func (s *Segment[K, V]) put(ctx context.Context, e segmentkv.Entry[K, V]) (segmentkv.Result[struct{}], error) {
	err := s.retry(ctx, func(ctx context.Context) error {
		err := s.tryPut(e)
		if errors.Is(err, errWriteCacheFull) {
			s.relieveWriteCache(ctx)
		}
		return err
	})
	return resultOf[struct{}](err)
}

// TryPut makes a single attempt to write the value. It only fails on the
// write cache's maintenance capacity, so bursts may go above the normal
// capacity. A rejected write is reported as busy.
func (s *Segment[K, V]) TryPut(key K, value V) (segmentkv.Result[struct{}], error) {
	e := segmentkv.NewEntry(key, value)

	err := func() error {
		if err := s.gate.TryEnterNormal(); err != nil {
			return err
		}
		defer s.gate.ExitNormal()

		if err := s.validateKey(key); err != nil {
			return err
		}
		if !s.cache.TryPut(e) {
			return errWriteCacheFull
		}
		s.modCount.Add(1)
		return nil
	}()

	res, err := resultOf[struct{}](err)
	s.metrics.Operation("try_put", res.Status)
	return res, err
}

// Flush persists the write cache as a delta file.
func (s *Segment[K, V]) Flush(ctx context.Context) (segmentkv.Result[struct{}], error) {
	res, err := s.maintain(ctx, s.flushLocked)
	s.metrics.Operation("flush", res.Status)
	return res, err
}

// Compact flushes the write cache and merges base index and delta files into
// a new version without tombstones.
func (s *Segment[K, V]) Compact(ctx context.Context) (segmentkv.Result[struct{}], error) {
	res, err := s.maintain(ctx, s.flushAndCompactLocked)
	s.metrics.Operation("compact", res.Status)
	return res, err
}

// maintain waits up to the busy timeout for the maintenance slot and then runs
// op under ctx, however long op takes.
func (s *Segment[K, V]) maintain(ctx context.Context,
	op func(ctx context.Context) error,
) (segmentkv.Result[struct{}], error) {
	if err := s.acquireMaintenance(ctx); err != nil {
		return resultOf[struct{}](err)
	}
	defer s.releaseMaintenance()

	return resultOf[struct{}](op(ctx))
}

// Split moves the upper half of the keys into the new segment upperID. A
// segment with fewer than two live keys is compacted instead, which is
// reported through SplitResult.Status.
func (s *Segment[K, V]) Split(ctx context.Context, upperID int) (segmentkv.Result[SplitResult[K]], error) {
	var result SplitResult[K]
	err := s.acquireMaintenance(ctx)
	if err == nil {
		result, err = s.split(ctx, upperID)
		s.releaseMaintenance()
	}

	res, err := resultOf[SplitResult[K]](err)
	if res.IsOK() {
		res = segmentkv.OK(result)
	}
	s.metrics.Operation("split", res.Status)
	return res, err
}

// Import adds entries in arbitrary order. They are sorted externally and
// merged into a new version; for duplicate keys the last one wins, and
// imported entries win over everything written before. The caller keeps
// ownership of entries. On success the value is the number of imported
// entries.
func (s *Segment[K, V]) Import(ctx context.Context,
	entries sorteddata.Iterator[K, V],
) (segmentkv.Result[int], error) {
	var added int
	// only admission is retried, entries can be consumed once
	err := s.acquireMaintenance(ctx)
	if err == nil {
		added, err = s.importLocked(ctx, entries)
		s.releaseMaintenance()
	}

	res, err := resultOf[int](err)
	if res.IsOK() {
		res = segmentkv.OK(added)
	}
	s.metrics.Operation("import", res.Status)
	return res, err
}
