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
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/bloomfilter"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/scarceindex"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
)

// fileSet is the immutable set of files of one published state of a
// segment. The segment holds one reference to its current set, readers pin
// it for as long as they need it. Once a set was superseded and the last
// reference is gone, the files that the successor no longer uses are deleted.
type fileSet[K, V any] struct {
	props  properties
	index  *chunkstore.Store
	scarce scarceindex.Index[K]
	bloom  bloomfilter.Filter

	dir    directory.Directory
	logger logrus.FieldLogger

	mu       sync.Mutex
	refs     int
	obsolete []string
}

func (f *fileSet[K, V]) pin() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs == 0 {
		panic("segment: pin of a reclaimed file set")
	}
	f.refs++
}

func (f *fileSet[K, V]) unpin() {
	f.mu.Lock()
	f.refs--
	reclaim := f.refs == 0
	obsolete := f.obsolete
	f.mu.Unlock()

	if !reclaim {
		return
	}
	for _, name := range obsolete {
		if err := f.dir.Delete(name); err != nil {
			f.logger.WithField("action", "segment_reclaim_files").
				WithField("file", name).
				WithError(err).
				Warn("could not delete superseded file")
		}
	}
}

// retire marks the set as superseded by next and drops the segment's own
// reference.
func (f *fileSet[K, V]) retire(next *fileSet[K, V]) {
	keep := map[string]struct{}{}
	if next != nil {
		for _, name := range next.props.files() {
			keep[name] = struct{}{}
		}
	}

	var obsolete []string
	for _, name := range f.props.files() {
		if _, ok := keep[name]; !ok {
			obsolete = append(obsolete, name)
		}
	}

	f.mu.Lock()
	f.obsolete = obsolete
	f.mu.Unlock()

	f.unpin()
}

// withDelta derives the set that additionally contains a new delta file. It
// shares the index, scarce index and bloom filter.
func (f *fileSet[K, V]) withDelta(props properties) *fileSet[K, V] {
	return &fileSet[K, V]{
		props:  props,
		index:  f.index,
		scarce: f.scarce,
		bloom:  f.bloom,
		dir:    f.dir,
		logger: f.logger,
		refs:   1,
	}
}

// loadFileSet opens the files described by props. A missing or unreadable
// scarce index or bloom filter is replaced by a no-op implementation, lookups
// are still correct, just slower.
func loadFileSet[K, V any](dir directory.Directory, props properties,
	codec sorteddata.Codec[K, V], opts *options, logger logrus.FieldLogger,
) (*fileSet[K, V], error) {
	index, err := chunkstore.New(dir, indexName(props.ActiveVersion), opts.chunkOptions()...)
	if err != nil {
		return nil, err
	}

	f := &fileSet[K, V]{
		props:  props,
		index:  index,
		scarce: scarceindex.NoOp[K](),
		bloom:  bloomfilter.NoOp(),
		dir:    dir,
		logger: logger,
		refs:   1,
	}

	if opts.scarceIndexEnabled {
		scarce, err := scarceindex.Load(dir, scarceName(props.ActiveVersion), codec.Keys)
		if err != nil {
			logger.WithField("action", "segment_load_scarce_index").
				WithError(err).
				Warn("scarce index unavailable, falling back to full scans")
		} else {
			f.scarce = scarce
		}
	}

	if opts.bloomFilterEnabled {
		bloom, err := bloomfilter.Load(dir, bloomName(props.ActiveVersion))
		if err != nil {
			logger.WithField("action", "segment_load_bloom_filter").
				WithError(err).
				Warn("bloom filter unavailable, every lookup reads the index")
		} else {
			f.bloom = bloom
		}
	}

	return f, nil
}
