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
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// recover brings the segment directory into a consistent state and loads it:
//
//   - an incomplete upper half of a split refuses to open
//   - an interrupted split of this segment is completed or rolled back
//   - a pointer that lags behind the properties is rolled forward
//   - delta files written by a flush that crashed before it was recorded are
//     adopted, unreadable ones are removed
//   - temporary files and files of other versions are removed
func (s *Segment[K, V]) recover(ctx context.Context) error {
	logger := s.logger.WithField("action", "segment_consistency_check")

	marker, hasMarker, err := readSplitMarker(s.dir)
	if err != nil {
		return err
	}
	if hasMarker && marker.Upper {
		return errors.Wrapf(segmentkv.ErrSplitAborted,
			"segment %d is the incomplete upper half of a split", s.id)
	}

	props, err := s.reconcileVersion(ctx, logger)
	if err != nil {
		return err
	}

	if hasMarker {
		if err := s.resolveSplit(marker, props, logger); err != nil {
			return err
		}
	}

	props, err = s.reconcileDeltas(props, logger)
	if err != nil {
		return err
	}

	if err := s.removeStaleFiles(props, logger); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	files, err := loadFileSet(s.dir, props, s.codec, s.opts, s.logger)
	if err != nil {
		return err
	}
	s.files = files
	s.metrics.ActiveVersion(s.id, props.ActiveVersion)

	return s.loadDeltaCache(props)
}

func (s *Segment[K, V]) reconcileVersion(ctx context.Context,
	logger logrus.FieldLogger,
) (properties, error) {
	hasProps, err := s.dir.Exists(propertiesFile)
	if err != nil {
		return properties{}, err
	}
	hasPointer, err := s.dir.Exists(pointerFile)
	if err != nil {
		return properties{}, err
	}

	switch {
	case !hasProps && !hasPointer:
		return s.create(ctx, logger)
	case !hasProps:
		return properties{}, errors.Wrap(segmentkv.ErrCorrupted,
			"active version pointer without segment properties")
	}

	props, err := readProperties(s.dir)
	if err != nil {
		return properties{}, err
	}

	var pointer uint32
	if hasPointer {
		pointer, err = readPointer(s.dir)
		if err != nil {
			return properties{}, err
		}
		if pointer == props.ActiveVersion {
			return props, nil
		}
	}

	// The properties are only switched once all files of the new version are
	// complete, so they can be trusted if the index they name exists.
	ok, err := s.dir.Exists(indexName(props.ActiveVersion))
	if err != nil {
		return properties{}, err
	}
	if !ok {
		return properties{}, errors.Wrapf(segmentkv.ErrCorrupted,
			"active version pointer %d does not match properties version %d",
			pointer, props.ActiveVersion)
	}

	logger.WithField("pointer", pointer).
		WithField("version", props.ActiveVersion).
		Warn("rolling active version pointer forward")
	if err := writePointer(s.dir, props.ActiveVersion); err != nil {
		return properties{}, err
	}
	return props, nil
}

// create initializes an empty segment at version 1.
func (s *Segment[K, V]) create(ctx context.Context, logger logrus.FieldLogger) (properties, error) {
	props := properties{ActiveVersion: 1}

	empty := sorteddata.SliceIterator[K, V](nil)
	built, err := s.writeVersion(ctx, s.dir, props.ActiveVersion, empty, 0)
	if err != nil {
		return properties{}, errors.Wrap(err, "create segment")
	}
	props.IndexKeys = built.keys
	props.ScarceKeys = built.scarceKeys

	if err := switchActiveVersion(s.dir, props); err != nil {
		return properties{}, err
	}

	logger.Debug("created empty segment")
	return props, nil
}

// resolveSplit finishes the bookkeeping of a split this segment was the lower
// half of. If the lower half was switched, the split is complete. Otherwise
// this segment still holds all data and the upper half is discarded.
func (s *Segment[K, V]) resolveSplit(marker splitMarker, props properties,
	logger logrus.FieldLogger,
) error {
	logger = logger.WithField("upper_segment", marker.UpperID)

	if props.ActiveVersion < marker.LowerVersion {
		upper, err := s.root.SubDirectory(DirectoryName(marker.UpperID))
		if err != nil {
			return err
		}
		lock, err := upper.Lock(lockFile)
		if err != nil {
			return errors.Wrapf(err, "roll back split into segment %d", marker.UpperID)
		}
		if err := lock.Unlock(); err != nil {
			return err
		}
		if err := upper.RemoveAll(); err != nil {
			return errors.Wrapf(err, "roll back split into segment %d", marker.UpperID)
		}
		logger.Warn("rolled back interrupted split")
	} else {
		logger.Info("completed interrupted split")
	}

	return s.dir.Delete(splitMarkerFile)
}

func (s *Segment[K, V]) reconcileDeltas(props properties, logger logrus.FieldLogger) (properties, error) {
	names, err := s.dir.List()
	if err != nil {
		return properties{}, err
	}
	present := make(map[string]struct{}, len(names))
	for _, name := range names {
		present[name] = struct{}{}
	}

	for _, name := range props.DeltaFiles {
		if _, ok := present[name]; !ok {
			return properties{}, errors.Wrapf(segmentkv.ErrCorrupted,
				"delta file %q listed in properties is missing", name)
		}
	}

	type orphan struct {
		name string
		n    int
	}
	var orphans []orphan
	for _, name := range names {
		version, n, ok := deltaNumber(name)
		if !ok || version != props.ActiveVersion || n < props.NextDelta {
			continue
		}
		orphans = append(orphans, orphan{name: name, n: n})
	}
	if len(orphans) == 0 {
		return props, nil
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].n < orphans[j].n })

	props = props.clone()
	for _, o := range orphans {
		keys, tombstones, err := s.countDelta(o.name)
		if err != nil {
			logger.WithField("file", o.name).
				WithError(err).
				Warn("removing unreadable delta file of an interrupted flush")
			if err := s.dir.Delete(o.name); err != nil {
				return properties{}, err
			}
			continue
		}

		logger.WithField("file", o.name).
			WithField("keys", keys).
			Info("adopting delta file of an interrupted flush")
		props.DeltaFiles = append(props.DeltaFiles, o.name)
		props.DeltaKeys += keys
		props.DeltaTombstones += tombstones
		props.NextDelta = o.n + 1
	}

	if err := writeProperties(s.dir, props); err != nil {
		return properties{}, err
	}
	return props, nil
}

func (s *Segment[K, V]) countDelta(name string) (keys, tombstones int, err error) {
	entries, err := s.readDelta(name)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if s.codec.Values.IsTombstone(e.Value) {
			tombstones++
		}
	}
	return len(entries), tombstones, nil
}

func (s *Segment[K, V]) readDelta(name string) ([]segmentkv.Entry[K, V], error) {
	store, err := chunkstore.New(s.dir, name, s.opts.chunkOptions()...)
	if err != nil {
		return nil, err
	}
	r, err := sorteddata.OpenReaderAtStart(store, s.codec)
	if err != nil {
		return nil, err
	}
	return sorteddata.Collect[K, V](r)
}

// removeStaleFiles deletes temporary files and data files that the
// properties do not refer to.
func (s *Segment[K, V]) removeStaleFiles(props properties, logger logrus.FieldLogger) error {
	names, err := s.dir.List()
	if err != nil {
		return err
	}

	current := map[string]struct{}{}
	for _, name := range props.files() {
		current[name] = struct{}{}
	}

	for _, name := range names {
		_, isDataFile := fileVersion(name)
		_, isCurrent := current[name]
		stale := strings.HasSuffix(name, tmpSuffix) || (isDataFile && !isCurrent)
		if !stale {
			continue
		}

		logger.WithField("file", name).Debug("removing stale file")
		if err := s.dir.Delete(name); err != nil {
			return err
		}
	}

	scratch, err := s.dir.SubDirectory(scratchDir)
	if err != nil {
		return err
	}
	return scratch.RemoveAll()
}

func (s *Segment[K, V]) loadDeltaCache(props properties) error {
	for _, name := range props.DeltaFiles {
		entries, err := s.readDelta(name)
		if err != nil {
			return errors.Wrapf(err, "load delta file %q", name)
		}
		s.cache.LoadDelta(entries)
	}
	return nil
}
