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

// Package segment implements one independently maintained partition of a
// sorted key-value store. A segment buffers writes in a layered in-memory
// cache, flushes them to delta files and periodically compacts base index and
// deltas into a new version of its files.
//
// Files of a segment live in their own directory:
//
//	index.<v>                   base index (sorted data file)
//	scarce.<v>, bloom.<v>       read accelerators for index.<v>
//	<v>-delta-NNNN.cache        flushed caches, oldest first
//	properties, active.version  which of the above are current
package segment

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/cyclemanager"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
)

type Segment[K, V any] struct {
	id      int
	root    directory.Directory
	dir     directory.Directory
	codec   sorteddata.Codec[K, V]
	opts    *options
	logger  logrus.FieldLogger
	metrics *Metrics

	gate  *Gate
	cache *Cache[K, V]
	lock  directory.Lock

	filesLock sync.RWMutex
	files     *fileSet[K, V]

	// held by flush, compaction, split and import
	maintenance chan struct{}
	// bumped by every change of the logical contents
	modCount atomic.Uint64

	unregisterLock sync.Mutex
	cycles         cyclemanager.CycleManager
	unregister     cyclemanager.UnregisterFunc

	releaseOnce sync.Once
}

// Open opens the segment with the given id below root, creating it if it does
// not exist yet. Interrupted flushes, compactions and splits are recovered
// before Open returns.
func Open[K, V any](ctx context.Context, root directory.Directory, id int,
	keys typedesc.Descriptor[K], values typedesc.Descriptor[V], opts ...Option,
) (*Segment[K, V], error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if id < 0 {
		return nil, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"segment id must not be negative, got %d", id)
	}

	o.metrics.startOpening()
	s, err := open(ctx, root, id, sorteddata.NewCodec(keys, values), o)
	o.metrics.finishOpening(err == nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d", id)
	}
	return s, nil
}

func open[K, V any](ctx context.Context, root directory.Directory, id int,
	codec sorteddata.Codec[K, V], o *options,
) (*Segment[K, V], error) {
	dir, err := root.SubDirectory(DirectoryName(id))
	if err != nil {
		return nil, err
	}

	lock, err := dir.Lock(lockFile)
	if err != nil {
		return nil, err
	}

	cache, err := NewCache(codec.Keys.Compare, codec.Values.IsTombstone,
		o.writeCacheCapacity, o.writeCacheMaintenanceCapacity)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	s := &Segment[K, V]{
		id:          id,
		root:        root,
		dir:         dir,
		codec:       codec,
		opts:        o,
		logger:      o.logger.WithField("segment", id),
		metrics:     o.metrics,
		gate:        NewGate(),
		cache:       cache,
		lock:        lock,
		maintenance: make(chan struct{}, 1),
	}

	if err := s.recover(ctx); err != nil {
		lock.Unlock()
		return nil, err
	}

	s.reportCacheSizes()
	return s, nil
}

func (s *Segment[K, V]) ID() int {
	return s.id
}

func (s *Segment[K, V]) State() GateState {
	return s.gate.State()
}

// acquireFiles pins the current file set. It must be released with unpin.
func (s *Segment[K, V]) acquireFiles() *fileSet[K, V] {
	s.filesLock.RLock()
	defer s.filesLock.RUnlock()

	s.files.pin()
	return s.files
}

// publish makes next the current file set. The previous set is reclaimed once
// its last reader is gone.
func (s *Segment[K, V]) publish(next *fileSet[K, V]) {
	s.filesLock.Lock()
	prev := s.files
	s.files = next
	s.filesLock.Unlock()

	if prev != nil {
		prev.retire(next)
	}
	s.metrics.ActiveVersion(s.id, next.props.ActiveVersion)
}

func (s *Segment[K, V]) properties() properties {
	s.filesLock.RLock()
	defer s.filesLock.RUnlock()

	return s.files.props.clone()
}

// tryAcquireMaintenance never waits; a running flush, compaction, split or
// import makes it fail with ErrBusy.
func (s *Segment[K, V]) tryAcquireMaintenance() error {
	select {
	case s.maintenance <- struct{}{}:
		return nil
	default:
		return errors.Wrap(segmentkv.ErrBusy, "maintenance in progress")
	}
}

// acquireMaintenance retries tryAcquireMaintenance until the busy timeout
// expires. Only admission is bounded by the timeout; the caller runs the
// maintenance operation itself under its own ctx.
func (s *Segment[K, V]) acquireMaintenance(ctx context.Context) error {
	return s.retry(ctx, func(context.Context) error {
		if err := s.admit(); err != nil {
			return err
		}
		return s.tryAcquireMaintenance()
	})
}

func (s *Segment[K, V]) releaseMaintenance() {
	<-s.maintenance
}

func (s *Segment[K, V]) reportCacheSizes() {
	s.metrics.CacheSizes(s.id, s.cache.WriteCacheSize(), s.cache.FrozenSize(),
		s.cache.DeltaCacheSize())
}

// runExclusive runs fn through the gate and records a transition into the
// error state.
func (s *Segment[K, V]) runExclusive(ctx context.Context, fn func() error) error {
	err := s.gate.RunExclusive(ctx, fn)
	if err != nil && s.gate.State() == GateError {
		s.metrics.failed()
		s.logger.WithField("action", "segment_exclusive").
			WithError(err).
			Error("segment moved into error state")
	}
	return err
}

// publishExclusive runs a publication step with exclusive access, retrying
// admission until the busy timeout expires.
func (s *Segment[K, V]) publishExclusive(ctx context.Context, fn func() error) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.runExclusive(ctx, fn)
	})
}

type Stats struct {
	ID              int
	State           GateState
	ActiveVersion   uint32
	IndexKeys       int
	ScarceKeys      int
	DeltaFiles      []string
	DeltaKeys       int
	DeltaTombstones int
	WriteCacheKeys  int
	FrozenKeys      int
	DeltaCacheKeys  int
	// distinct keys across all cache layers, with and without tombstones
	CacheKeys     int
	LiveCacheKeys int
}

func (s *Segment[K, V]) Stats() Stats {
	props := s.properties()
	return Stats{
		ID:              s.id,
		State:           s.gate.State(),
		ActiveVersion:   props.ActiveVersion,
		IndexKeys:       props.IndexKeys,
		ScarceKeys:      props.ScarceKeys,
		DeltaFiles:      props.DeltaFiles,
		DeltaKeys:       props.DeltaKeys,
		DeltaTombstones: props.DeltaTombstones,
		WriteCacheKeys:  s.cache.WriteCacheSize(),
		FrozenKeys:      s.cache.FrozenSize(),
		DeltaCacheKeys:  s.cache.DeltaCacheSize(),
		CacheKeys:       s.cache.Size(),
		LiveCacheKeys:   s.cache.SizeWithoutTombstones(),
	}
}

// Close flushes the write cache and waits for exclusive access to shut the
// segment down. If that is not possible within the busy timeout, Close gives
// up with a busy result and the segment stays open.
func (s *Segment[K, V]) Close(ctx context.Context) (segmentkv.Result[struct{}], error) {
	switch s.gate.State() {
	case GateClosed:
		return segmentkv.Closed[struct{}](), segmentkv.ErrSegmentClosed
	case GateError:
		return s.closeFailed()
	}

	s.metrics.startClosing()

	if _, err := s.Flush(ctx); err != nil {
		s.logger.WithField("action", "segment_close").
			WithError(err).
			Warn("flush before close failed")
	}

	err := s.retry(ctx, func(ctx context.Context) error {
		return s.closeOnce(ctx)
	})
	if err != nil {
		s.metrics.finishClosing(false)
		if s.gate.State() == GateError {
			return s.closeFailed()
		}
		return resultOf[struct{}](err)
	}

	s.metrics.finishClosing(true)
	s.metrics.forget(s.id)
	return segmentkv.OK(struct{}{}), nil
}

func (s *Segment[K, V]) closeOnce(ctx context.Context) error {
	if err := s.tryAcquireMaintenance(); err != nil {
		return err
	}
	defer s.releaseMaintenance()

	ok, err := s.gate.TryEnterFreezeAndDrain(ctx)
	if !ok {
		return err
	}
	if err := s.gate.CloseExclusive(); err != nil {
		return err
	}

	s.release()
	return nil
}

// closeFailed releases the resources of a segment in the error state. The
// gate stays in GateError.
func (s *Segment[K, V]) closeFailed() (segmentkv.Result[struct{}], error) {
	if err := s.tryAcquireMaintenance(); err != nil {
		return segmentkv.Busy[struct{}](), nil
	}
	defer s.releaseMaintenance()

	s.release()
	return segmentkv.Failed[struct{}](), s.gate.Err()
}

// release drops the segment's hold on its files and its directory lock. The
// last published properties stay readable for Stats.
func (s *Segment[K, V]) release() {
	s.releaseOnce.Do(func() {
		s.unregisterMaintenance()

		s.filesLock.RLock()
		files := s.files
		s.filesLock.RUnlock()
		files.unpin()

		if err := s.lock.Unlock(); err != nil {
			s.logger.WithField("action", "segment_close").
				WithError(err).
				Warn("could not release segment lock")
		}
	})
}

// retry runs op until it succeeds, fails with something other than ErrBusy
// or the busy timeout expires, in which case the last ErrBusy is returned.
func (s *Segment[K, V]) retry(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.busyTimeout)
	defer cancel()

	return retryBusy(ctx, op)
}

// resultOf maps an operation error to a result. Contention is reported as a
// busy result without error.
func resultOf[T any](err error) (segmentkv.Result[T], error) {
	switch {
	case err == nil:
		return segmentkv.OK(*new(T)), nil
	case errors.Is(err, segmentkv.ErrBusy):
		return segmentkv.Busy[T](), nil
	case errors.Is(err, context.DeadlineExceeded):
		return segmentkv.Busy[T](), nil
	case errors.Is(err, segmentkv.ErrSegmentClosed):
		return segmentkv.Closed[T](), err
	default:
		return segmentkv.Failed[T](), err
	}
}
