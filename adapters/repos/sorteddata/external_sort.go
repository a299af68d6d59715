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
	"context"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	enterrors "github.com/weaviate/segmentkv/entities/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const (
	DefaultMaxKeysInMemory = 100_000
	DefaultMergeFanIn      = 16
	DefaultSortParallelism = 2

	btreeDegree = 32
)

type SorterConfig struct {
	// MaxKeysInMemory is the number of distinct keys buffered before a
	// sorted run is spilled to the scratch directory.
	MaxKeysInMemory int
	// MergeFanIn caps the number of runs that are open at the same time
	// while merging.
	MergeFanIn int
	// Parallelism is the number of merges of one round that may run
	// concurrently.
	Parallelism int
}

func (c *SorterConfig) setDefaults() error {
	if c.MaxKeysInMemory == 0 {
		c.MaxKeysInMemory = DefaultMaxKeysInMemory
	}
	if c.MergeFanIn == 0 {
		c.MergeFanIn = DefaultMergeFanIn
	}
	if c.Parallelism == 0 {
		c.Parallelism = DefaultSortParallelism
	}

	if c.MaxKeysInMemory < 1 {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"max keys in memory must be positive, got %d", c.MaxKeysInMemory)
	}
	if c.MergeFanIn < 2 {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"merge fan-in must be at least 2, got %d", c.MergeFanIn)
	}
	if c.Parallelism < 1 {
		return errors.Wrapf(segmentkv.ErrInvalidArgument,
			"sort parallelism must be positive, got %d", c.Parallelism)
	}
	return nil
}

// ExternalSorter sorts an arbitrarily large, unordered stream of entries with
// bounded memory. Entries with the same key are combined with the merger in
// insertion order. An ExternalSorter is not safe for concurrent use.
type ExternalSorter[K, V any] struct {
	scratch directory.Directory
	codec   Codec[K, V]
	merger  Merger[V]
	config  SorterConfig
	logger  logrus.FieldLogger

	session string
	batch   *btree.BTreeG[segmentkv.Entry[K, V]]
	runs    []string
	nextRun int
	added   int
}

func NewExternalSorter[K, V any](scratch directory.Directory, codec Codec[K, V],
	merger Merger[V], config SorterConfig, logger logrus.FieldLogger,
) (*ExternalSorter[K, V], error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	if merger == nil {
		merger = LastWriteWins[V]
	}

	less := func(a, b segmentkv.Entry[K, V]) bool {
		return codec.Keys.Compare(a.Key, b.Key) < 0
	}

	return &ExternalSorter[K, V]{
		scratch: scratch,
		codec:   codec,
		merger:  merger,
		config:  config,
		logger:  logger.WithField("component", "external_sort"),
		session: uuid.NewString(),
		batch:   btree.NewG(btreeDegree, less),
	}, nil
}

// Add buffers an entry, spilling a sorted run once the buffer is full.
func (s *ExternalSorter[K, V]) Add(e segmentkv.Entry[K, V]) error {
	if prev, ok := s.batch.Get(e); ok {
		e.Value = s.merger(prev.Value, e.Value)
	}
	s.batch.ReplaceOrInsert(e)
	s.added++

	if s.batch.Len() >= s.config.MaxKeysInMemory {
		return s.spill()
	}
	return nil
}

func (s *ExternalSorter[K, V]) runName() string {
	name := fmt.Sprintf("sort-%s-%06d.run", s.session, s.nextRun)
	s.nextRun++
	return name
}

func (s *ExternalSorter[K, V]) spill() error {
	if s.batch.Len() == 0 {
		return nil
	}

	name := s.runName()
	w, err := NewStreamWriter(s.scratch, name, s.codec)
	if err != nil {
		return errors.Wrap(err, "spill sorted run")
	}

	var writeErr error
	s.batch.Ascend(func(e segmentkv.Entry[K, V]) bool {
		writeErr = w.Write(e)
		return writeErr == nil
	})
	if writeErr != nil {
		w.Close()
		s.scratch.Delete(name)
		return errors.Wrap(writeErr, "spill sorted run")
	}
	if err := w.Close(); err != nil {
		s.scratch.Delete(name)
		return errors.Wrap(err, "spill sorted run")
	}

	s.runs = append(s.runs, name)
	s.batch.Clear(false)
	return nil
}

// Sort returns an iterator over all added entries in key order. Closing the
// iterator removes the sorter's temporary files. The sorter must not be used
// after Sort.
func (s *ExternalSorter[K, V]) Sort(ctx context.Context) (Iterator[K, V], error) {
	if len(s.runs) == 0 {
		entries := make([]segmentkv.Entry[K, V], 0, s.batch.Len())
		s.batch.Ascend(func(e segmentkv.Entry[K, V]) bool {
			entries = append(entries, e)
			return true
		})
		s.batch.Clear(false)
		return SliceIterator(entries), nil
	}

	if err := s.spill(); err != nil {
		return nil, err
	}

	before := time.Now()
	rounds := 0
	for len(s.runs) > s.config.MergeFanIn {
		if err := s.mergeRound(ctx); err != nil {
			s.Close()
			return nil, err
		}
		rounds++
	}

	s.logger.WithField("action", "external_sort_merge").
		WithField("entries_added", s.added).
		WithField("rounds", rounds).
		WithField("took", time.Since(before)).
		Debug("merged sorted runs")

	it, err := s.openMerged(s.runs)
	if err != nil {
		s.Close()
		return nil, err
	}
	return OnClose(it, s.Close), nil
}

func (s *ExternalSorter[K, V]) openMerged(runs []string) (Iterator[K, V], error) {
	sources := make([]Iterator[K, V], 0, len(runs))
	for _, name := range runs {
		r, err := NewStreamReader(s.scratch, name, s.codec)
		if err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, err
		}
		sources = append(sources, r)
	}
	return NewMergedIterator(sources, s.codec.Keys.Compare, s.merger), nil
}

// mergeRound merges consecutive groups of at most MergeFanIn runs. Groups
// keep the insertion order of runs, so the merger still sees older values
// first.
func (s *ExternalSorter[K, V]) mergeRound(ctx context.Context) error {
	var groups [][]string
	for start := 0; start < len(s.runs); start += s.config.MergeFanIn {
		end := min(start+s.config.MergeFanIn, len(s.runs))
		groups = append(groups, s.runs[start:end])
	}

	next := make([]string, len(groups))
	eg := enterrors.NewErrorGroupWrapper(s.logger, s.config.Parallelism)
	for i, group := range groups {
		if len(group) == 1 {
			next[i] = group[0]
			continue
		}

		i, group, target := i, group, s.runName()
		eg.Go(func() error {
			if err := s.mergeRun(ctx, group, target); err != nil {
				return err
			}
			next[i] = target
			return s.deleteRuns(group)
		})
	}

	if err := eg.Wait(); err != nil {
		// keep track of everything that may still exist so Close can
		// remove it
		s.runs = s.remainingRuns(groups, next)
		return errors.Wrap(err, "merge sorted runs")
	}

	s.runs = next
	return nil
}

func (s *ExternalSorter[K, V]) remainingRuns(groups [][]string, next []string) []string {
	var out []string
	for i, group := range groups {
		out = append(out, group...)
		if len(group) > 1 && next[i] != "" {
			out = append(out, next[i])
		}
	}
	return out
}

func (s *ExternalSorter[K, V]) deleteRuns(names []string) error {
	for _, name := range names {
		if err := s.scratch.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

// mergeRun writes the merged inputs to target. The inputs are left in place.
func (s *ExternalSorter[K, V]) mergeRun(ctx context.Context, inputs []string, target string) error {
	it, err := s.openMerged(inputs)
	if err != nil {
		return err
	}

	w, err := NewStreamWriter(s.scratch, target, s.codec)
	if err != nil {
		it.Close()
		return err
	}

	fail := func(err error) error {
		it.Close()
		w.Close()
		s.scratch.Delete(target)
		return err
	}

	n := 0
	for it.Next() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		if err := w.Write(it.Entry()); err != nil {
			return fail(err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return fail(err)
	}
	if err := it.Close(); err != nil {
		w.Close()
		s.scratch.Delete(target)
		return err
	}
	if err := w.Close(); err != nil {
		s.scratch.Delete(target)
		return err
	}
	return nil
}

// Close removes all temporary files of the sorter.
func (s *ExternalSorter[K, V]) Close() error {
	var result *multierror.Error
	for _, name := range s.runs {
		if err := s.scratch.Delete(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.runs = nil
	return result.ErrorOrNil()
}
