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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
	"github.com/weaviate/segmentkv/usecases/monitoring"
)

type stringSegment = Segment[string, string]

func openSegment(t *testing.T, root directory.Directory, id int, opts ...Option) *stringSegment {
	t.Helper()

	s, err := openSegmentErr(root, id, opts...)
	require.NoError(t, err)
	return s
}

func openSegmentErr(root directory.Directory, id int, opts ...Option) (*stringSegment, error) {
	logger, _ := test.NewNullLogger()
	opts = append([]Option{
		WithLogger(logger),
		WithBlockSize(256),
		WithMaxKeysInChunk(4),
		WithScarceEvery(1),
		WithBusyTimeout(200 * time.Millisecond),
	}, opts...)
	return Open(context.Background(), root, id, typedesc.String(), typedesc.String(), opts...)
}

// crash drops the segment without flushing or closing it, like a process
// that died would.
func crash(s *stringSegment) {
	s.lock.Unlock()
}

func key(i int) string {
	return fmt.Sprintf("key-%04d", i)
}

func mustPut(t *testing.T, s *stringSegment, k, v string) {
	t.Helper()

	res, err := s.Put(context.Background(), k, v)
	require.NoError(t, err)
	require.Equal(t, segmentkv.StatusOK, res.Status)
}

// mustOK is used as mustOK(t)(s.Flush(ctx)).
func mustOK(t *testing.T) func(segmentkv.Result[struct{}], error) {
	return func(res segmentkv.Result[struct{}], err error) {
		t.Helper()

		require.NoError(t, err)
		require.Equal(t, segmentkv.StatusOK, res.Status)
	}
}

func assertValue(t *testing.T, s *stringSegment, k, expected string) {
	t.Helper()

	res, err := s.Get(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, segmentkv.StatusOK, res.Status)
	require.True(t, res.Found, "key %q not found", k)
	assert.Equal(t, expected, res.Value)
}

func assertAbsent(t *testing.T, s *stringSegment, k string) {
	t.Helper()

	res, err := s.Get(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, segmentkv.StatusOK, res.Status)
	assert.False(t, res.Found, "key %q unexpectedly found", k)
}

func collect(t *testing.T, it sorteddata.Iterator[string, string]) []segmentkv.Entry[string, string] {
	t.Helper()

	entries, err := sorteddata.Collect(it)
	require.NoError(t, err)
	return entries
}

func TestOpenCreatesEmptySegment(t *testing.T) {
	root := directory.NewInMemory()
	s := openSegment(t, root, 3)

	assert.Equal(t, 3, s.ID())
	assert.Equal(t, GateReady, s.State())

	stats := s.Stats()
	assert.Equal(t, uint32(1), stats.ActiveVersion)
	assert.Equal(t, 0, stats.IndexKeys)
	assert.Empty(t, stats.DeltaFiles)

	for _, name := range []string{"index.1", "scarce.1", "bloom.1", propertiesFile, pointerFile, lockFile} {
		ok, err := s.dir.Exists(name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	assertAbsent(t, s, "anything")

	t.Run("a segment can only be opened once", func(t *testing.T) {
		_, err := openSegmentErr(root, 3)
		assert.Error(t, err)
	})

	t.Run("negative ids are rejected", func(t *testing.T) {
		_, err := openSegmentErr(root, -1)
		assert.ErrorIs(t, err, segmentkv.ErrInvalidArgument)
	})
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0)

	mustPut(t, s, "b", "1")
	mustPut(t, s, "a", "1")
	mustPut(t, s, "b", "2")
	assertValue(t, s, "a", "1")
	assertValue(t, s, "b", "2")

	mustOK(t)(s.Delete(ctx, "a"))
	assertAbsent(t, s, "a")

	t.Run("deleting an absent key is fine", func(t *testing.T) {
		mustOK(t)(s.Delete(ctx, "never-written"))
	})

	t.Run("keys that do not fit a record are rejected", func(t *testing.T) {
		res, err := s.Put(ctx, strings.Repeat("k", sorteddata.MaxKeySize+1), "v")
		assert.ErrorIs(t, err, segmentkv.ErrInvalidArgument)
		assert.Equal(t, segmentkv.StatusError, res.Status)
		assert.Equal(t, GateReady, s.State())
	})

	t.Run("values survive flush and compaction", func(t *testing.T) {
		mustOK(t)(s.Flush(ctx))
		assertValue(t, s, "b", "2")
		assertAbsent(t, s, "a")

		mustOK(t)(s.Compact(ctx))
		assertValue(t, s, "b", "2")
		assertAbsent(t, s, "a")
	})
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0)

	t.Run("an empty write cache writes nothing", func(t *testing.T) {
		mustOK(t)(s.Flush(ctx))
		assert.Empty(t, s.Stats().DeltaFiles)
	})

	for i := 0; i < 10; i++ {
		mustPut(t, s, key(i), "v")
	}
	mustOK(t)(s.Delete(ctx, key(0)))
	mustOK(t)(s.Flush(ctx))

	stats := s.Stats()
	assert.Equal(t, []string{"1-delta-0000.cache"}, stats.DeltaFiles)
	assert.Equal(t, 10, stats.DeltaKeys)
	assert.Equal(t, 1, stats.DeltaTombstones)
	assert.Equal(t, 0, stats.WriteCacheKeys)
	assert.Equal(t, 0, stats.FrozenKeys)
	assert.Equal(t, 10, stats.DeltaCacheKeys)
	assert.Equal(t, 9, stats.LiveCacheKeys)

	mustPut(t, s, key(20), "v")
	mustOK(t)(s.Flush(ctx))
	assert.Equal(t, []string{"1-delta-0000.cache", "1-delta-0001.cache"}, s.Stats().DeltaFiles)

	assertAbsent(t, s, key(0))
	assertValue(t, s, key(5), "v")
	assertValue(t, s, key(20), "v")
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0)

	for i := 0; i < 50; i++ {
		mustPut(t, s, key(i), fmt.Sprintf("v%d", i))
	}
	mustOK(t)(s.Flush(ctx))
	for i := 0; i < 50; i += 2 {
		mustOK(t)(s.Delete(ctx, key(i)))
	}
	mustPut(t, s, key(1), "updated")

	mustOK(t)(s.Compact(ctx))

	stats := s.Stats()
	assert.Equal(t, uint32(2), stats.ActiveVersion)
	assert.Equal(t, 25, stats.IndexKeys)
	assert.Empty(t, stats.DeltaFiles)
	assert.Equal(t, 0, stats.CacheKeys)
	assert.Greater(t, stats.ScarceKeys, 1)

	for i := 0; i < 50; i++ {
		switch {
		case i == 1:
			assertValue(t, s, key(i), "updated")
		case i%2 == 0:
			assertAbsent(t, s, key(i))
		default:
			assertValue(t, s, key(i), fmt.Sprintf("v%d", i))
		}
	}

	t.Run("files of the previous version are removed", func(t *testing.T) {
		names, err := s.dir.List()
		require.NoError(t, err)
		for _, name := range names {
			assert.NotEqual(t, "index.1", name)
			assert.NotContains(t, name, "delta")
		}
	})

	t.Run("a key below the first indexed key is absent", func(t *testing.T) {
		assertAbsent(t, s, "a")
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	root := directory.NewInMemory()

	s := openSegment(t, root, 1)
	for i := 0; i < 20; i++ {
		mustPut(t, s, key(i), "first")
	}
	mustOK(t)(s.Compact(ctx))
	for i := 10; i < 30; i++ {
		mustPut(t, s, key(i), "second")
	}
	mustOK(t)(s.Flush(ctx))
	mustPut(t, s, key(40), "unflushed")
	mustOK(t)(s.Close(ctx))

	s = openSegment(t, root, 1)
	stats := s.Stats()
	assert.Equal(t, uint32(2), stats.ActiveVersion)
	assert.Equal(t, 20, stats.IndexKeys)
	assert.Len(t, stats.DeltaFiles, 2)
	assert.Equal(t, 21, stats.DeltaCacheKeys)

	assertValue(t, s, key(5), "first")
	assertValue(t, s, key(15), "second")
	assertValue(t, s, key(25), "second")
	assertValue(t, s, key(40), "unflushed")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0)
	mustPut(t, s, "a", "1")

	mustOK(t)(s.Close(ctx))
	assert.Equal(t, GateClosed, s.State())

	ok, err := s.dir.Exists(lockFile)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("closing twice reports closed", func(t *testing.T) {
		res, err := s.Close(ctx)
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, res.Status)
	})

	t.Run("operations on a closed segment report closed", func(t *testing.T) {
		get, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, get.Status)

		res, err := s.Put(ctx, "b", "1")
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, res.Status)

		res, err = s.Flush(ctx)
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, res.Status)

		res, err = s.Compact(ctx)
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, res.Status)

		split, err := s.Split(ctx, 1)
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, split.Status)

		it, err := s.OpenIterator(ctx, FailFast)
		assert.ErrorIs(t, err, segmentkv.ErrSegmentClosed)
		assert.Equal(t, segmentkv.StatusClosed, it.Status)
	})

	t.Run("stats stay available", func(t *testing.T) {
		stats := s.Stats()
		assert.Equal(t, GateClosed, stats.State)
		assert.Len(t, stats.DeltaFiles, 1)
	})
}

func TestCloseWhileExclusivelyHeld(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0, WithBusyTimeout(30*time.Millisecond))

	it, err := s.OpenIterator(ctx, FullIsolation)
	require.NoError(t, err)
	require.Equal(t, segmentkv.StatusOK, it.Status)

	res, err := s.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, segmentkv.StatusBusy, res.Status)
	assert.Equal(t, GateExclusive, s.State())

	require.NoError(t, it.Value.Close())
	mustOK(t)(s.Close(ctx))
}

func TestTryPut(t *testing.T) {
	s := openSegment(t, directory.NewInMemory(), 0, WithWriteCacheCapacity(2, 3))

	for i := 0; i < 3; i++ {
		res, err := s.TryPut(key(i), "v")
		require.NoError(t, err)
		require.Equal(t, segmentkv.StatusOK, res.Status)
	}

	res, err := s.TryPut(key(3), "v")
	require.NoError(t, err)
	assert.Equal(t, segmentkv.StatusBusy, res.Status)

	res, err = s.TryPut(key(0), "overwrite")
	require.NoError(t, err)
	assert.Equal(t, segmentkv.StatusOK, res.Status)
	assertValue(t, s, key(0), "overwrite")
}

func TestPutRelievesFullWriteCache(t *testing.T) {
	s := openSegment(t, directory.NewInMemory(), 0, WithWriteCacheCapacity(4, 8))

	for i := 0; i < 20; i++ {
		mustPut(t, s, key(i), "v")
	}

	stats := s.Stats()
	assert.NotEmpty(t, stats.DeltaFiles)
	assert.LessOrEqual(t, stats.WriteCacheKeys, 4)
	for i := 0; i < 20; i++ {
		assertValue(t, s, key(i), "v")
	}
}

func TestPutIsBusyWhileExclusivelyHeld(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0, WithBusyTimeout(20*time.Millisecond))

	it, err := s.OpenIterator(ctx, FullIsolation)
	require.NoError(t, err)

	res, err := s.Put(ctx, "a", "1")
	require.NoError(t, err)
	assert.Equal(t, segmentkv.StatusBusy, res.Status)

	get, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, segmentkv.StatusBusy, get.Status)

	require.NoError(t, it.Value.Close())
	assert.Equal(t, GateReady, s.State())
	mustPut(t, s, "a", "1")
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0,
		WithSorterConfig(sorteddata.SorterConfig{MaxKeysInMemory: 8, MergeFanIn: 2}))

	mustPut(t, s, key(1), "before")
	mustPut(t, s, key(2), "before")
	mustOK(t)(s.Delete(ctx, key(3)))

	var entries []segmentkv.Entry[string, string]
	for i := 99; i >= 1; i-- {
		entries = append(entries, segmentkv.NewEntry(key(i), "imported"))
	}
	entries = append(entries, segmentkv.NewEntry(key(50), "last wins"))

	res, err := s.Import(ctx, sorteddata.SliceIterator(entries))
	require.NoError(t, err)
	require.Equal(t, segmentkv.StatusOK, res.Status)
	assert.Equal(t, 100, res.Value)

	stats := s.Stats()
	assert.Equal(t, uint32(2), stats.ActiveVersion)
	assert.Equal(t, 99, stats.IndexKeys)

	assertValue(t, s, key(1), "imported")
	assertValue(t, s, key(3), "imported")
	assertValue(t, s, key(50), "last wins")

	names, err := s.dir.List()
	require.NoError(t, err)
	for _, name := range names {
		assert.NotContains(t, name, "run")
	}
	ok, err := s.dir.Exists(scratchDir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaintenanceOutlastsBusyTimeout(t *testing.T) {
	ctx := context.Background()
	root := directory.NewInMemory()
	// the timeout has expired before any rewrite could write its first entry
	s := openSegment(t, root, 0, WithBusyTimeout(time.Nanosecond))

	n := 3 * ctxCheckInterval
	entries := make([]segmentkv.Entry[string, string], 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, segmentkv.NewEntry(key(i), "v"))
	}
	imported, err := s.Import(ctx, sorteddata.SliceIterator(entries))
	require.NoError(t, err)
	require.Equal(t, segmentkv.StatusOK, imported.Status)

	t.Run("compact", func(t *testing.T) {
		mustPut(t, s, key(n), "v")
		before := s.Stats().ActiveVersion

		mustOK(t)(s.Compact(ctx))

		stats := s.Stats()
		assert.Equal(t, before+1, stats.ActiveVersion)
		assert.Equal(t, n+1, stats.IndexKeys)
		assert.Equal(t, GateReady, s.State())
	})

	t.Run("verify chunks", func(t *testing.T) {
		res, err := s.VerifyChunks(ctx)
		require.NoError(t, err)
		require.Equal(t, segmentkv.StatusOK, res.Status)
		assert.Equal(t, 1, res.Value.Files)
	})

	t.Run("split", func(t *testing.T) {
		res, err := s.Split(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, segmentkv.StatusOK, res.Status)
		assert.Equal(t, SplitStatusSplit, res.Value.Status)
		assert.Equal(t, key((n+1)/2), res.Value.Boundary)
		assert.Equal(t, (n+1)/2, s.Stats().IndexKeys)
		assert.Equal(t, GateReady, s.State())
	})

	mustOK(t)(s.Close(ctx))
}

// descendingKeys orders string keys against their byte order.
type descendingKeys struct {
	typedesc.Descriptor[string]
}

func (descendingKeys) Compare(a, b string) int {
	return strings.Compare(b, a)
}

func TestKeysFollowDescriptorOrder(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	s, err := Open(ctx, directory.NewInMemory(), 0, descendingKeys{typedesc.String()}, typedesc.String(),
		WithLogger(logger), WithBlockSize(256), WithMaxKeysInChunk(4), WithScarceEvery(1))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		mustPut(t, s, key(i), "index")
	}
	mustOK(t)(s.Compact(ctx))
	mustPut(t, s, key(3), "write")

	for i := 0; i < 10; i++ {
		expected := "index"
		if i == 3 {
			expected = "write"
		}
		assertValue(t, s, key(i), expected)
	}
	assertAbsent(t, s, key(10))

	entries := collect(t, openIterator(t, s, FailFast))
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, key(9-i), e.Key)
	}

	mustOK(t)(s.Close(ctx))
}

func TestLookupsWithoutAccelerators(t *testing.T) {
	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0, WithoutScarceIndex(), WithoutBloomFilter())

	for i := 0; i < 30; i++ {
		mustPut(t, s, key(i), "v")
	}
	mustOK(t)(s.Compact(ctx))

	assert.Equal(t, 0, s.Stats().ScarceKeys)
	assertValue(t, s, key(17), "v")
	assertAbsent(t, s, key(31))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewPedanticRegistry()
	prom := monitoring.NewPrometheusMetrics(reg)
	metrics := NewMetrics(prom, "data")

	s := openSegment(t, directory.NewInMemory(), 7, WithMetrics(metrics))
	assert.Equal(t, float64(1), testutil.ToFloat64(prom.SegmentsOpen.WithLabelValues("data")))

	mustPut(t, s, "a", "1")
	mustPut(t, s, "b", "1")
	assertValue(t, s, "a", "1")
	assertAbsent(t, s, "zzz")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(prom.SegmentOperations.WithLabelValues("data", "put", "OK")))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(prom.SegmentOperations.WithLabelValues("data", "get", "OK")))

	mustOK(t)(s.Flush(ctx))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(prom.CacheKeys.WithLabelValues("data", "7", "delta")))
	assert.Equal(t, float64(0),
		testutil.ToFloat64(prom.CacheKeys.WithLabelValues("data", "7", "write")))

	mustOK(t)(s.Compact(ctx))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(prom.ActiveVersion.WithLabelValues("data", "7")))
	assert.Positive(t, testutil.ToFloat64(prom.ChunksWritten.WithLabelValues("data", "index")))

	for i := 0; i < 20; i++ {
		assertAbsent(t, s, key(i))
	}
	assert.Positive(t, testutil.ToFloat64(prom.BloomFilterSkips.WithLabelValues("data")))

	mustOK(t)(s.Close(ctx))
	assert.Equal(t, float64(0), testutil.ToFloat64(prom.SegmentsOpen.WithLabelValues("data")))
}
