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
	"time"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

func (s *Segment[K, V]) flush(ctx context.Context) error {
	if err := s.tryAcquireMaintenance(); err != nil {
		return err
	}
	defer s.releaseMaintenance()

	return s.flushLocked(ctx)
}

// flushLocked persists the write cache as a new delta file:
//
//  1. the write cache is frozen, new writes go to a fresh write cache
//  2. the frozen cache is written to <v>-delta-NNNN.cache
//  3. with exclusive access, the file is recorded in the properties and the
//     frozen cache is merged into the delta cache
//
// If step 3 cannot get exclusive access, the delta file is removed and the
// frozen cache is kept, so the next flush picks it up again. A crash between
// 2 and 3 is repaired by the consistency check. The caller holds the
// maintenance slot.
func (s *Segment[K, V]) flushLocked(ctx context.Context) error {
	if s.cache.WriteCacheSize() == 0 && !s.cache.HasFrozen() {
		return nil
	}

	start := time.Now()
	frozen := s.cache.Freeze()
	s.reportCacheSizes()

	props := s.properties()
	name := deltaName(props.ActiveVersion, props.NextDelta)
	logger := s.logger.WithField("action", "segment_flush").WithField("file", name)

	written, err := s.writeDelta(name, props.ActiveVersion, frozen)
	if err != nil {
		s.dir.Delete(name)
		return errors.Wrapf(err, "flush segment %d", s.id)
	}

	err = s.publishExclusive(ctx, func() error {
		current := s.currentFiles()
		next := current.props.clone()
		next.DeltaFiles = append(next.DeltaFiles, name)
		next.NextDelta++
		next.DeltaKeys += written.Count()
		next.DeltaTombstones += written.Tombstones()

		if err := writeProperties(s.dir, next); err != nil {
			return err
		}
		s.publish(current.withDelta(next))
		s.cache.MergeFrozenIntoDelta()
		return nil
	})
	if err != nil {
		if leavesSegmentIntact(err) {
			s.dir.Delete(name)
		}
		return err
	}

	s.metrics.ChunksWritten("delta", written.Chunks())
	s.metrics.Maintenance("flush", start)
	s.reportCacheSizes()
	logger.WithField("keys", written.Count()).
		WithField("tombstones", written.Tombstones()).
		WithField("took", time.Since(start)).
		Debug("flushed write cache")
	return nil
}

// writeDelta writes the sorted entries to a delta file, tombstones included.
func (s *Segment[K, V]) writeDelta(name string, version uint32,
	entries []segmentkv.Entry[K, V],
) (*sorteddata.Writer[K, V], error) {
	store, err := chunkstore.New(s.dir, name, s.opts.chunkOptions()...)
	if err != nil {
		return nil, err
	}

	w, err := sorteddata.NewWriter(store, s.codec, sorteddata.WriterConfig[K]{
		MaxKeysInChunk: s.opts.maxKeysInChunk,
		Version:        version,
	})
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if err := w.Write(e); err != nil {
			w.Close()
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Segment[K, V]) currentFiles() *fileSet[K, V] {
	s.filesLock.RLock()
	defer s.filesLock.RUnlock()

	return s.files
}
