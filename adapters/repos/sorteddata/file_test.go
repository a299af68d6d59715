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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
)

type entry = segmentkv.Entry[string, string]

var stringCodec = NewCodec(typedesc.String(), typedesc.String())

func numberedEntries(n int) []entry {
	out := make([]entry, n)
	for i := range out {
		out[i] = segmentkv.NewEntry(fmt.Sprintf("key-%05d", i), fmt.Sprintf("value-%d", i))
	}
	return out
}

type chunkStart struct {
	key string
	pos chunkstore.CellPosition
}

func writeSortedFile(t *testing.T, entries []entry, maxKeysInChunk int) (*chunkstore.Store, []chunkStart) {
	store, err := chunkstore.New(directory.NewInMemory(), "index.1", chunkstore.WithBlockSize(256))
	require.NoError(t, err)

	var starts []chunkStart
	w, err := NewWriter(store, stringCodec, WriterConfig[string]{
		MaxKeysInChunk: maxKeysInChunk,
		Version:        1,
		Listeners: []ChunkListener[string]{
			func(firstKey string, pos chunkstore.CellPosition) {
				starts = append(starts, chunkStart{firstKey, pos})
			},
		},
	})
	require.NoError(t, err)

	for _, e := range entries {
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Close())
	return store, starts
}

func TestSortedFileRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 300} {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			entries := numberedEntries(n)
			store, starts := writeSortedFile(t, entries, 8)

			assert.Len(t, starts, (n+7)/8)

			r, err := OpenReaderAtStart(store, stringCodec)
			require.NoError(t, err)
			got, err := Collect[string, string](r)
			require.NoError(t, err)
			if n == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, entries, got)
			}
		})
	}
}

func TestSortedFileSeekAndGet(t *testing.T) {
	entries := numberedEntries(100)
	store, starts := writeSortedFile(t, entries, 10)
	require.Len(t, starts, 10)

	t.Run("chunk listener reports first keys", func(t *testing.T) {
		for i, s := range starts {
			assert.Equal(t, entries[i*10].Key, s.key)
		}
	})

	t.Run("reader starts at any chunk", func(t *testing.T) {
		r, err := OpenReader(store, stringCodec, starts[4].pos)
		require.NoError(t, err)
		got, err := Collect[string, string](r)
		require.NoError(t, err)
		assert.Equal(t, entries[40:], got)
	})

	t.Run("seek reader skips to key", func(t *testing.T) {
		it, err := OpenSeekReader(store, stringCodec, starts[4].pos, "key-00045")
		require.NoError(t, err)
		got, err := Collect(it)
		require.NoError(t, err)
		assert.Equal(t, entries[45:], got)
	})

	t.Run("get", func(t *testing.T) {
		v, ok, err := Get(store, stringCodec, starts[3].pos, "key-00037")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "value-37", v)

		_, ok, err = Get(store, stringCodec, starts[3].pos, "key-00037x")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = Get(store, stringCodec, starts[9].pos, "zzz")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSortedFileWriter(t *testing.T) {
	store, err := chunkstore.New(directory.NewInMemory(), "index.1")
	require.NoError(t, err)

	w, err := NewWriter(store, stringCodec, WriterConfig[string]{MaxKeysInChunk: 2})
	require.NoError(t, err)

	require.NoError(t, w.Write(segmentkv.NewEntry("a", "1")))
	require.NoError(t, w.Write(segmentkv.NewEntry("b", typedesc.String().Tombstone())))

	t.Run("order is enforced across chunks", func(t *testing.T) {
		err := w.Write(segmentkv.NewEntry("b", "again"))
		assert.ErrorIs(t, err, segmentkv.ErrOutOfOrder)

		err = w.Write(segmentkv.NewEntry("a", "again"))
		assert.ErrorIs(t, err, segmentkv.ErrOutOfOrder)
	})

	require.NoError(t, w.Write(segmentkv.NewEntry("c", "3")))
	require.NoError(t, w.Close())

	assert.Equal(t, 3, w.Count())
	assert.Equal(t, 1, w.Tombstones())
	assert.Equal(t, 2, w.Chunks())

	err = w.Write(segmentkv.NewEntry("d", "4"))
	assert.ErrorIs(t, err, segmentkv.ErrInvalidState)

	r, err := OpenReaderAtStart(store, stringCodec)
	require.NoError(t, err)
	got, err := Collect(FilterTombstones[string, string](r, typedesc.String().IsTombstone))
	require.NoError(t, err)
	assert.Equal(t, []entry{
		segmentkv.NewEntry("a", "1"),
		segmentkv.NewEntry("c", "3"),
	}, got)
}

func TestSortedFileDetectsCorruptChunk(t *testing.T) {
	dir := directory.NewInMemory()
	store, err := chunkstore.New(dir, "index.1", chunkstore.WithBlockSize(256))
	require.NoError(t, err)

	w, err := NewWriter(store, stringCodec, WriterConfig[string]{MaxKeysInChunk: 4})
	require.NoError(t, err)
	require.NoError(t, w.WriteAll(SliceIterator(numberedEntries(20))))
	require.NoError(t, w.Close())

	data, err := directory.ReadFile(dir, "index.1")
	require.NoError(t, err)
	// a byte in the payload of the first chunk
	data[chunkstore.BlockHeaderSize+chunkstore.ChunkHeaderSize+3] ^= 0x20
	require.NoError(t, directory.WriteFileAtomic(dir, "index.1", data))

	r, err := OpenReaderAtStart(store, stringCodec)
	require.NoError(t, err)
	_, err = Collect[string, string](r)
	assert.ErrorIs(t, err, segmentkv.ErrCorrupted)
}

func TestStreamFile(t *testing.T) {
	dir := directory.NewInMemory()
	entries := numberedEntries(50)

	w, err := NewStreamWriter(dir, "scarce.1", stringCodec)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Write(e))
	}
	assert.ErrorIs(t, w.Write(entries[0]), segmentkv.ErrOutOfOrder)
	require.NoError(t, w.Close())
	assert.Equal(t, 50, w.Count())

	r, err := NewStreamReader(dir, "scarce.1", stringCodec)
	require.NoError(t, err)
	got, err := Collect[string, string](r)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

// descending orders strings against their byte order.
type descending struct {
	typedesc.Descriptor[string]
}

func (descending) Compare(a, b string) int {
	return strings.Compare(b, a)
}

func TestKeysFollowDescriptorOrder(t *testing.T) {
	codec := NewCodec[string, string](descending{typedesc.String()}, typedesc.String())
	entries := []entry{
		segmentkv.NewEntry("key-c", "3"),
		segmentkv.NewEntry("key-b", "2"),
		segmentkv.NewEntry("key-a", "1"),
	}

	t.Run("sorted file", func(t *testing.T) {
		store, err := chunkstore.New(directory.NewInMemory(), "index.1", chunkstore.WithBlockSize(256))
		require.NoError(t, err)

		w, err := NewWriter(store, codec, WriterConfig[string]{MaxKeysInChunk: 2})
		require.NoError(t, err)
		for _, e := range entries {
			require.NoError(t, w.Write(e))
		}
		assert.ErrorIs(t, w.Write(segmentkv.NewEntry("key-d", "4")), segmentkv.ErrOutOfOrder)
		require.NoError(t, w.Close())

		r, err := OpenReaderAtStart(store, codec)
		require.NoError(t, err)
		got, err := Collect[string, string](r)
		require.NoError(t, err)
		assert.Equal(t, entries, got)

		v, ok, err := Get(store, codec, store.Start(), "key-b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2", v)

		_, ok, err = Get(store, codec, store.Start(), "key-bb")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stream file", func(t *testing.T) {
		dir := directory.NewInMemory()
		w, err := NewStreamWriter(dir, "run", codec)
		require.NoError(t, err)
		for _, e := range entries {
			require.NoError(t, w.Write(e))
		}
		assert.ErrorIs(t, w.Write(segmentkv.NewEntry("key-d", "4")), segmentkv.ErrOutOfOrder)
		require.NoError(t, w.Close())

		r, err := NewStreamReader(dir, "run", codec)
		require.NoError(t, err)
		got, err := Collect[string, string](r)
		require.NoError(t, err)
		assert.Equal(t, entries, got)
	})
}

func TestIteratorHelpers(t *testing.T) {
	entries := numberedEntries(10)

	t.Run("range", func(t *testing.T) {
		got, err := Collect(Range(SliceIterator(entries), "key-00002", "key-00005",
			typedesc.String().Compare))
		require.NoError(t, err)
		assert.Equal(t, entries[2:5], got)
	})

	t.Run("on close runs once", func(t *testing.T) {
		calls := 0
		it := OnClose(SliceIterator(entries), func() error {
			calls++
			return nil
		})
		require.NoError(t, it.Close())
		require.NoError(t, it.Close())
		assert.Equal(t, 1, calls)
	})
}
