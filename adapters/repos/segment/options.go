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
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const (
	DefaultWriteCacheCapacity            = 10_000
	DefaultWriteCacheMaintenanceCapacity = 20_000
	DefaultFlushThreshold                = 5_000
	DefaultMaxKeysInDeltaCache           = 50_000
	DefaultBusyTimeout                   = 5 * time.Second
	DefaultScarceEvery                   = 4
	DefaultBloomFalsePositiveRate        = 0.01
)

type options struct {
	logger  logrus.FieldLogger
	metrics *Metrics

	blockSize      int
	pipelines      chunkstore.Pipelines
	maxKeysInChunk int

	writeCacheCapacity            int
	writeCacheMaintenanceCapacity int
	flushThreshold                int
	maxKeysInDeltaCache           int
	busyTimeout                   time.Duration

	scarceIndexEnabled bool
	scarceEvery        int

	bloomFilterEnabled     bool
	bloomFalsePositiveRate float64

	sorter sorteddata.SorterConfig
}

func defaultOptions() *options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &options{
		logger:                        logger,
		blockSize:                     chunkstore.DefaultBlockSize,
		pipelines:                     chunkstore.DefaultPipelines(),
		maxKeysInChunk:                sorteddata.DefaultMaxKeysInChunk,
		writeCacheCapacity:            DefaultWriteCacheCapacity,
		writeCacheMaintenanceCapacity: DefaultWriteCacheMaintenanceCapacity,
		flushThreshold:                DefaultFlushThreshold,
		maxKeysInDeltaCache:           DefaultMaxKeysInDeltaCache,
		busyTimeout:                   DefaultBusyTimeout,
		scarceIndexEnabled:            true,
		scarceEvery:                   DefaultScarceEvery,
		bloomFilterEnabled:            true,
		bloomFalsePositiveRate:        DefaultBloomFalsePositiveRate,
	}
}

func (o *options) chunkOptions() []chunkstore.Option {
	return []chunkstore.Option{
		chunkstore.WithBlockSize(o.blockSize),
		chunkstore.WithPipelines(o.pipelines),
	}
}

type Option func(o *options) error

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.Wrap(segmentkv.ErrInvalidArgument, "logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *options) error {
		o.metrics = metrics
		return nil
	}
}

func WithBlockSize(blockSize int) Option {
	return func(o *options) error {
		if err := chunkstore.ValidateBlockSize(blockSize); err != nil {
			return err
		}
		o.blockSize = blockSize
		return nil
	}
}

// WithChunkPipelines sets the filters applied to every chunk. Segments must
// always be opened with the pipelines they were written with.
func WithChunkPipelines(p chunkstore.Pipelines) Option {
	return func(o *options) error {
		o.pipelines = p
		return nil
	}
}

func WithMaxKeysInChunk(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"max keys in chunk must be positive, got %d", n)
		}
		o.maxKeysInChunk = n
		return nil
	}
}

// WithWriteCacheCapacity sets the number of keys at which blocking puts wait
// for a flush and the larger number at which even non-blocking puts are
// rejected while maintenance is running.
func WithWriteCacheCapacity(capacity, duringMaintenance int) Option {
	return func(o *options) error {
		if capacity < 1 || duringMaintenance < capacity {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"invalid write cache capacity %d / %d", capacity, duringMaintenance)
		}
		o.writeCacheCapacity = capacity
		o.writeCacheMaintenanceCapacity = duringMaintenance
		return nil
	}
}

func WithFlushThreshold(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"flush threshold must be positive, got %d", n)
		}
		o.flushThreshold = n
		return nil
	}
}

func WithMaxKeysInDeltaCache(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"max keys in delta cache must be positive, got %d", n)
		}
		o.maxKeysInDeltaCache = n
		return nil
	}
}

// WithBusyTimeout bounds how long blocking operations retry while the
// segment is busy.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"busy timeout must be positive, got %s", timeout)
		}
		o.busyTimeout = timeout
		return nil
	}
}

// WithScarceEvery samples the first key of every n-th chunk into the scarce
// index.
func WithScarceEvery(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"scarce index sampling must be positive, got %d", n)
		}
		o.scarceEvery = n
		return nil
	}
}

func WithoutScarceIndex() Option {
	return func(o *options) error {
		o.scarceIndexEnabled = false
		return nil
	}
}

func WithBloomFalsePositiveRate(rate float64) Option {
	return func(o *options) error {
		if rate <= 0 || rate >= 1 {
			return errors.Wrapf(segmentkv.ErrInvalidArgument,
				"bloom filter false positive rate must be in (0, 1), got %v", rate)
		}
		o.bloomFalsePositiveRate = rate
		return nil
	}
}

func WithoutBloomFilter() Option {
	return func(o *options) error {
		o.bloomFilterEnabled = false
		return nil
	}
}

// WithSorterConfig configures the external sort used by Import.
func WithSorterConfig(cfg sorteddata.SorterConfig) Option {
	return func(o *options) error {
		o.sorter = cfg
		return nil
	}
}
