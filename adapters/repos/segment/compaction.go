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
	"github.com/weaviate/segmentkv/adapters/repos/bloomfilter"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/scarceindex"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
)

const (
	scratchDir = "sort"

	// how many entries are written between two checks of the context
	ctxCheckInterval = 1024
)

type builtVersion struct {
	keys       int
	tombstones int
	scarceKeys int
	chunks     int
}

// writeVersion writes index, scarce index and bloom filter of the given
// version from the sorted entries of it. It does not close it. On failure
// nothing of the version is left behind.
func (s *Segment[K, V]) writeVersion(ctx context.Context, dir directory.Directory,
	version uint32, it sorteddata.Iterator[K, V], expectedKeys int,
) (builtVersion, error) {
	store, err := chunkstore.New(dir, indexName(version), s.opts.chunkOptions()...)
	if err != nil {
		return builtVersion{}, err
	}

	scarce := scarceindex.NewBuilder(s.opts.scarceEvery, s.codec.Keys.Compare)
	bloom := bloomfilter.NewBuilder(expectedKeys, s.opts.bloomFalsePositiveRate)

	w, err := sorteddata.NewWriter(store, s.codec, sorteddata.WriterConfig[K]{
		MaxKeysInChunk: s.opts.maxKeysInChunk,
		Version:        version,
		Listeners:      []sorteddata.ChunkListener[K]{scarce.Listener()},
	})
	if err != nil {
		return builtVersion{}, err
	}

	fail := func(err error) (builtVersion, error) {
		w.Close()
		removeVersion(dir, version)
		return builtVersion{}, err
	}

	for n := 0; it.Next(); n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}

		e := it.Entry()
		if err := w.Write(e); err != nil {
			return fail(err)
		}
		bloom.Add(s.codec.Keys.Encode(e.Key))
	}
	if err := it.Err(); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}

	built := builtVersion{
		keys:       w.Count(),
		tombstones: w.Tombstones(),
		chunks:     w.Chunks(),
	}

	if s.opts.scarceIndexEnabled {
		if err := scarce.Write(dir, scarceName(version), s.codec.Keys); err != nil {
			return fail(err)
		}
		built.scarceKeys = scarce.Index().Len()
	}
	if s.opts.bloomFilterEnabled {
		if err := bloom.Write(dir, bloomName(version)); err != nil {
			return fail(err)
		}
	}

	s.metrics.ChunksWritten("index", built.chunks)
	return built, nil
}

func removeVersion(dir directory.Directory, version uint32) {
	for _, name := range []string{indexName(version), scarceName(version), bloomName(version)} {
		dir.Delete(name)
	}
}

// openDeltaReaders opens the delta files in the order they were written.
func (s *Segment[K, V]) openDeltaReaders(props properties) ([]sorteddata.Iterator[K, V], error) {
	readers := make([]sorteddata.Iterator[K, V], 0, len(props.DeltaFiles))
	for _, name := range props.DeltaFiles {
		store, err := chunkstore.New(s.dir, name, s.opts.chunkOptions()...)
		if err == nil {
			var r *sorteddata.Reader[K, V]
			r, err = sorteddata.OpenReaderAtStart(store, s.codec)
			if err == nil {
				readers = append(readers, r)
				continue
			}
		}

		for _, r := range readers {
			r.Close()
		}
		return nil, errors.Wrapf(err, "open delta file %q", name)
	}
	return readers, nil
}

// compact flushes the write cache and folds base index and all delta files
// into a new version.
func (s *Segment[K, V]) compact(ctx context.Context) error {
	if err := s.tryAcquireMaintenance(); err != nil {
		return err
	}
	defer s.releaseMaintenance()

	return s.flushAndCompactLocked(ctx)
}

func (s *Segment[K, V]) flushAndCompactLocked(ctx context.Context) error {
	if err := s.flushLocked(ctx); err != nil {
		return err
	}
	return s.compactLocked(ctx, "compact", nil)
}

// compactLocked writes version V+1 from the base index, the delta files and,
// if given, newest, then switches to it. Tombstones are dropped. The caller
// holds the maintenance slot; newest is closed in any case.
func (s *Segment[K, V]) compactLocked(ctx context.Context, op string,
	newest sorteddata.Iterator[K, V],
) error {
	start := time.Now()
	logger := s.logger.WithField("action", "segment_"+op)

	files := s.acquireFiles()
	defer files.unpin()
	props := files.props
	next := props.ActiveVersion + 1

	sources, err := s.openSources(files, newest)
	if err != nil {
		return err
	}
	merged := sorteddata.FilterTombstones[K, V](
		sorteddata.NewMergedIterator(sources, s.codec.Keys.Compare, nil),
		s.codec.Values.IsTombstone)

	built, err := s.writeVersion(ctx, s.dir, next, merged, props.IndexKeys+props.DeltaKeys)
	if closeErr := merged.Close(); err == nil && closeErr != nil {
		removeVersion(s.dir, next)
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "%s segment %d", op, s.id)
	}

	nextProps := properties{
		ActiveVersion: next,
		IndexKeys:     built.keys,
		ScarceKeys:    built.scarceKeys,
	}
	nextFiles, err := loadFileSet(s.dir, nextProps, s.codec, s.opts, s.logger)
	if err != nil {
		removeVersion(s.dir, next)
		return err
	}

	err = s.publishExclusive(ctx, func() error {
		if err := switchActiveVersion(s.dir, nextProps); err != nil {
			return err
		}
		s.cache.EvictDelta()
		s.publish(nextFiles)
		return nil
	})
	if err != nil {
		if leavesSegmentIntact(err) {
			removeVersion(s.dir, next)
		}
		return err
	}

	s.metrics.Maintenance(op, start)
	s.reportCacheSizes()
	logger.WithField("version", next).
		WithField("keys", built.keys).
		WithField("merged_delta_files", len(props.DeltaFiles)).
		WithField("took", time.Since(start)).
		Debug("published new version")
	return nil
}

// openSources opens base index, delta files and newest, ordered from oldest
// to newest. On failure everything including newest is closed.
func (s *Segment[K, V]) openSources(files *fileSet[K, V],
	newest sorteddata.Iterator[K, V],
) ([]sorteddata.Iterator[K, V], error) {
	closeNewest := func() {
		if newest != nil {
			newest.Close()
		}
	}

	index, err := sorteddata.OpenReaderAtStart(files.index, s.codec)
	if err != nil {
		closeNewest()
		return nil, err
	}

	deltas, err := s.openDeltaReaders(files.props)
	if err != nil {
		index.Close()
		closeNewest()
		return nil, err
	}

	sources := append([]sorteddata.Iterator[K, V]{index}, deltas...)
	if newest != nil {
		sources = append(sources, newest)
	}
	return sources, nil
}

// importLocked sorts arbitrarily ordered entries with bounded memory and
// compacts them into the segment. Imported entries win over everything
// written before the import started; later duplicates within the input win
// over earlier ones. The caller holds the maintenance slot.
func (s *Segment[K, V]) importLocked(ctx context.Context, entries sorteddata.Iterator[K, V]) (int, error) {
	if err := s.flushLocked(ctx); err != nil {
		return 0, err
	}

	scratch, err := s.dir.SubDirectory(scratchDir)
	if err != nil {
		return 0, err
	}
	defer scratch.RemoveAll()

	sorter, err := sorteddata.NewExternalSorter(scratch, s.codec, nil, s.opts.sorter, s.logger)
	if err != nil {
		return 0, err
	}

	added := 0
	for entries.Next() {
		if err := sorter.Add(entries.Entry()); err != nil {
			sorter.Close()
			return 0, err
		}
		added++
	}
	if err := entries.Err(); err != nil {
		sorter.Close()
		return 0, err
	}

	sorted, err := sorter.Sort(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.compactLocked(ctx, "import", sorted); err != nil {
		return 0, err
	}
	s.modCount.Add(1)
	return added, nil
}
