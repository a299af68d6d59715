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
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

type SplitStatus int

const (
	// SplitStatusSplit means the upper half of the keys moved to a new
	// segment.
	SplitStatusSplit SplitStatus = iota
	// SplitStatusCompacted means there were too few keys to split and the
	// segment was compacted instead.
	SplitStatusCompacted
)

func (s SplitStatus) String() string {
	if s == SplitStatusSplit {
		return "SPLIT"
	}
	return "COMPACTED"
}

type SplitResult[K any] struct {
	Status  SplitStatus
	UpperID int
	// Boundary is the lowest key of the upper segment.
	Boundary K
}

// split moves the upper half of the live keys into a new segment upperID,
// which is created next to this one. The median live key becomes the lowest
// key of the upper segment. Both halves get fresh files without tombstones
// and this segment's cache is emptied.
//
// The upper half is completely written before this segment switches to its
// new version; markers in both directories let the consistency check
// finish or roll back a split that was interrupted by a crash. If the split
// fails before the switch, the upper segment is removed, this segment is left
// as it was and ErrSplitAborted is returned. The caller holds the maintenance
// slot.
func (s *Segment[K, V]) split(ctx context.Context, upperID int) (SplitResult[K], error) {
	if upperID < 0 || upperID == s.id {
		return SplitResult[K]{}, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"invalid upper segment id %d", upperID)
	}

	var result SplitResult[K]
	err := s.publishExclusive(ctx, func() error {
		var err error
		result, err = s.splitExclusive(ctx, upperID)
		return err
	})
	return result, err
}

func (s *Segment[K, V]) splitExclusive(ctx context.Context, upperID int) (SplitResult[K], error) {
	start := time.Now()
	logger := s.logger.WithField("action", "segment_split").
		WithField("upper_segment", upperID)

	exists, err := s.root.Exists(DirectoryName(upperID))
	if err != nil {
		return SplitResult[K]{}, err
	}
	if exists {
		return SplitResult[K]{}, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"segment %d already exists", upperID)
	}

	files := s.acquireFiles()
	defer files.unpin()
	layers := s.cache.Layers()

	live, err := s.countLive(files, layers)
	if err != nil {
		return SplitResult[K]{}, err
	}
	if live < 2 {
		if err := s.rewriteExclusive(ctx, files, layers); err != nil {
			return SplitResult[K]{}, err
		}
		logger.WithField("keys", live).Info("too few keys to split, compacted instead")
		return SplitResult[K]{Status: SplitStatusCompacted, UpperID: upperID}, nil
	}

	sp := &splitter[K, V]{
		s:            s,
		files:        files,
		layers:       layers,
		upperID:      upperID,
		lowerVersion: files.props.ActiveVersion + 1,
		liveKeys:     live,
	}
	boundary, err := sp.run(ctx)
	if err != nil {
		if sp.switched {
			// the consistency check decides at next open
			return SplitResult[K]{}, err
		}
		sp.abort(logger)
		return SplitResult[K]{}, errors.Wrapf(segmentkv.ErrSplitAborted,
			"split segment %d into %d: %v", s.id, upperID, err)
	}

	s.modCount.Add(1)
	s.metrics.Maintenance("split", start)
	s.reportCacheSizes()
	logger.WithField("keys", live).
		WithField("took", time.Since(start)).
		Info("split segment")
	return SplitResult[K]{Status: SplitStatusSplit, UpperID: upperID, Boundary: boundary}, nil
}

// liveView merges the index with the cache layers and hides tombstones.
func (s *Segment[K, V]) liveView(files *fileSet[K, V],
	layers [][]segmentkv.Entry[K, V],
) (sorteddata.Iterator[K, V], error) {
	index, err := sorteddata.OpenReaderAtStart(files.index, s.codec)
	if err != nil {
		return nil, err
	}

	sources := []sorteddata.Iterator[K, V]{index}
	for _, layer := range layers {
		sources = append(sources, sorteddata.SliceIterator(layer))
	}
	return sorteddata.FilterTombstones[K, V](
		sorteddata.NewMergedIterator(sources, s.codec.Keys.Compare, nil),
		s.codec.Values.IsTombstone), nil
}

func (s *Segment[K, V]) countLive(files *fileSet[K, V], layers [][]segmentkv.Entry[K, V]) (int, error) {
	it, err := s.liveView(files, layers)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// rewriteExclusive folds index and cache into a new version without
// splitting. The caller has exclusive access.
func (s *Segment[K, V]) rewriteExclusive(ctx context.Context, files *fileSet[K, V],
	layers [][]segmentkv.Entry[K, V],
) error {
	next := files.props.ActiveVersion + 1
	it, err := s.liveView(files, layers)
	if err != nil {
		return err
	}
	built, err := s.writeVersion(ctx, s.dir, next, it, 0)
	if closeErr := it.Close(); err == nil && closeErr != nil {
		removeVersion(s.dir, next)
		err = closeErr
	}
	if err != nil {
		return err
	}

	props := properties{ActiveVersion: next, IndexKeys: built.keys, ScarceKeys: built.scarceKeys}
	nextFiles, err := loadFileSet(s.dir, props, s.codec, s.opts, s.logger)
	if err != nil {
		removeVersion(s.dir, next)
		return err
	}
	return s.switchAndEvict(nextFiles)
}

// switchAndEvict switches to a version that contains everything the segment
// holds, including its cache.
func (s *Segment[K, V]) switchAndEvict(next *fileSet[K, V]) error {
	if err := switchActiveVersion(s.dir, next.props); err != nil {
		return err
	}
	s.cache.EvictAll()
	s.publish(next)
	return nil
}

type splitter[K, V any] struct {
	s            *Segment[K, V]
	files        *fileSet[K, V]
	layers       [][]segmentkv.Entry[K, V]
	upperID      int
	lowerVersion uint32
	liveKeys     int

	upper     directory.Directory
	upperLock directory.Lock
	switched  bool
}

func (sp *splitter[K, V]) run(ctx context.Context) (K, error) {
	var boundary K
	s := sp.s

	if err := writeSplitMarker(s.dir, splitMarker{
		UpperID:      sp.upperID,
		LowerVersion: sp.lowerVersion,
	}); err != nil {
		return boundary, err
	}

	upper, err := s.root.SubDirectory(DirectoryName(sp.upperID))
	if err != nil {
		return boundary, err
	}
	sp.upper = upper
	if sp.upperLock, err = upper.Lock(lockFile); err != nil {
		return boundary, err
	}
	defer sp.upperLock.Unlock()
	if err := writeSplitMarker(upper, splitMarker{Upper: true}); err != nil {
		return boundary, err
	}

	it, err := s.liveView(sp.files, sp.layers)
	if err != nil {
		return boundary, err
	}
	defer it.Close()

	lowerKeys := sp.liveKeys / 2
	lower, err := s.writeVersion(ctx, s.dir, sp.lowerVersion,
		&prefixIterator[K, V]{Iterator: it, left: lowerKeys}, lowerKeys)
	if err != nil {
		return boundary, err
	}

	rest := &firstKeyIterator[K, V]{Iterator: it}
	upperBuilt, err := s.writeVersion(ctx, upper, 1, rest, sp.liveKeys-lowerKeys)
	if err != nil {
		return boundary, err
	}
	if err := switchActiveVersion(upper, properties{
		ActiveVersion: 1,
		IndexKeys:     upperBuilt.keys,
		ScarceKeys:    upperBuilt.scarceKeys,
	}); err != nil {
		return boundary, err
	}
	if err := upper.Delete(splitMarkerFile); err != nil {
		return boundary, err
	}

	lowerFiles, err := loadFileSet(s.dir, properties{
		ActiveVersion: sp.lowerVersion,
		IndexKeys:     lower.keys,
		ScarceKeys:    lower.scarceKeys,
	}, s.codec, s.opts, s.logger)
	if err != nil {
		return boundary, err
	}

	sp.switched = true
	if err := s.switchAndEvict(lowerFiles); err != nil {
		return boundary, err
	}

	if err := s.dir.Delete(splitMarkerFile); err != nil {
		s.logger.WithField("action", "segment_split").
			WithError(err).
			Warn("could not remove split marker, it is removed at next open")
	}
	return rest.first, nil
}

// abort discards everything the split created. It must not be called once
// the lower half started to switch.
func (sp *splitter[K, V]) abort(logger logrus.FieldLogger) {
	s := sp.s
	if sp.upperLock != nil {
		sp.upperLock.Unlock()
	}
	if sp.upper != nil {
		sp.upper.RemoveAll()
	}
	removeVersion(s.dir, sp.lowerVersion)
	s.dir.Delete(splitMarkerFile)
	logger.Warn("split aborted, partial files removed")
}

// prefixIterator yields the first left entries and leaves the underlying
// iterator positioned on the rest. Closing it is a no-op.
type prefixIterator[K, V any] struct {
	sorteddata.Iterator[K, V]
	left int
}

func (p *prefixIterator[K, V]) Next() bool {
	if p.left == 0 || !p.Iterator.Next() {
		return false
	}
	p.left--
	return true
}

func (p *prefixIterator[K, V]) Close() error {
	return nil
}

// firstKeyIterator remembers the first key it yields. Closing it is a no-op.
type firstKeyIterator[K, V any] struct {
	sorteddata.Iterator[K, V]
	first K
	seen  bool
}

func (f *firstKeyIterator[K, V]) Next() bool {
	if !f.Iterator.Next() {
		return false
	}
	if !f.seen {
		f.first = f.Iterator.Entry().Key
		f.seen = true
	}
	return true
}

func (f *firstKeyIterator[K, V]) Close() error {
	return nil
}
