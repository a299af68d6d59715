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

package scarceindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
)

func TestScarceIndexFindsChunks(t *testing.T) {
	dir := directory.NewInMemory()
	store, err := chunkstore.New(dir, "index.1", chunkstore.WithBlockSize(128))
	require.NoError(t, err)

	builder := NewBuilder(2, typedesc.String().Compare)
	codec := sorteddata.NewCodec(typedesc.String(), typedesc.String())
	w, err := sorteddata.NewWriter(store, codec, sorteddata.WriterConfig[string]{
		MaxKeysInChunk: 5,
		Listeners:      []sorteddata.ChunkListener[string]{builder.Listener()},
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		require.NoError(t, w.Write(segmentkv.NewEntry(key, "v"+key)))
	}
	require.NoError(t, w.Close())

	// 20 chunks, every second one sampled
	require.NoError(t, builder.Write(dir, "scarce.1", typedesc.String()))
	loaded, err := Load(dir, "scarce.1", typedesc.String())
	require.NoError(t, err)

	for name, idx := range map[string]Index[string]{
		"built":  builder.Index(),
		"loaded": loaded,
		"noop":   NoOp[string](),
	} {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("key-%03d", i)
				cell, ok := idx.NearestEntry(key)
				require.True(t, ok, key)

				v, found, err := sorteddata.Get(store, codec, store.Position(cell), key)
				require.NoError(t, err)
				assert.True(t, found, key)
				assert.Equal(t, "v"+key, v)
			}
		})
	}

	assert.Equal(t, 10, loaded.Len())

	t.Run("keys before the first sample", func(t *testing.T) {
		_, ok := loaded.NearestEntry("a")
		assert.False(t, ok)
	})
}

func TestScarceIndexRejectsImplausibleCells(t *testing.T) {
	dir := directory.NewInMemory()

	builder := NewBuilder(1, typedesc.String().Compare)
	l := builder.Listener()
	l("a", chunkstore.NewCellPosition(48, 10))
	l("b", chunkstore.NewCellPosition(48, 5))
	require.NoError(t, builder.Write(dir, "scarce.1", typedesc.String()))

	_, err := Load(dir, "scarce.1", typedesc.String())
	assert.ErrorIs(t, err, segmentkv.ErrCorrupted)
}
