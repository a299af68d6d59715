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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

func TestRecoverOrphanedDelta(t *testing.T) {
	root := directory.NewInMemory()
	s := openSegment(t, root, 0)
	mustPut(t, s, "recorded", "v")
	mustOK(t)(s.Flush(context.Background()))

	// a flush that crashed after writing its delta file but before recording
	// it in the properties
	props := s.properties()
	orphan := deltaName(props.ActiveVersion, props.NextDelta)
	_, err := s.writeDelta(orphan, props.ActiveVersion, []segmentkv.Entry[string, string]{
		segmentkv.NewEntry("orphaned", "v"),
		segmentkv.NewEntry("recorded", s.codec.Values.Tombstone()),
	})
	require.NoError(t, err)

	// delta files of other versions and unreadable ones are not adopted
	require.NoError(t, directory.WriteFileAtomic(s.dir, deltaName(props.ActiveVersion, props.NextDelta+1),
		[]byte("garbage")))
	require.NoError(t, directory.WriteFileAtomic(s.dir, deltaName(props.ActiveVersion+7, 0), nil))
	crash(s)

	s = openSegment(t, root, 0)
	stats := s.Stats()
	assert.Equal(t, []string{deltaName(1, 0), orphan}, stats.DeltaFiles)
	assert.Equal(t, 3, stats.DeltaKeys)
	assert.Equal(t, 1, stats.DeltaTombstones)

	assertValue(t, s, "orphaned", "v")
	assertAbsent(t, s, "recorded")

	names, err := s.dir.List()
	require.NoError(t, err)
	assert.NotContains(t, names, deltaName(1, 2))
	assert.NotContains(t, names, deltaName(8, 0))

	t.Run("the next flush does not reuse the adopted number", func(t *testing.T) {
		mustPut(t, s, "later", "v")
		mustOK(t)(s.Flush(context.Background()))
		assert.Equal(t, deltaName(1, 2), s.Stats().DeltaFiles[2])
	})
}

func TestRecoverPointerRollForward(t *testing.T) {
	root := directory.NewInMemory()
	s := openSegment(t, root, 0)
	mustPut(t, s, "a", "v")
	mustOK(t)(s.Compact(context.Background()))
	crash(s)

	// crashed after the properties were switched but before the pointer was
	require.NoError(t, writePointer(s.dir, 1))

	s = openSegment(t, root, 0)
	assert.Equal(t, uint32(2), s.Stats().ActiveVersion)
	pointer, err := readPointer(s.dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), pointer)
	assertValue(t, s, "a", "v")
}

func TestRecoverRemovesStaleFiles(t *testing.T) {
	root := directory.NewInMemory()
	s := openSegment(t, root, 0)
	mustPut(t, s, "a", "v")
	mustOK(t)(s.Compact(context.Background()))

	for _, name := range []string{"index.7", "bloom.1", "properties.tmp", "unrelated"} {
		require.NoError(t, directory.WriteFileAtomic(s.dir, name, []byte("x")))
	}
	scratch, err := s.dir.SubDirectory(scratchDir)
	require.NoError(t, err)
	require.NoError(t, directory.WriteFileAtomic(scratch, "run-0", []byte("x")))
	crash(s)

	s = openSegment(t, root, 0)
	names, err := s.dir.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"index.2", "scarce.2", "bloom.2", propertiesFile, pointerFile, lockFile, "unrelated",
	}, names)

	ok, err := s.dir.Exists(scratchDir)
	require.NoError(t, err)
	assert.False(t, ok)
	assertValue(t, s, "a", "v")
}

func TestRecoverCorruption(t *testing.T) {
	t.Run("missing delta file", func(t *testing.T) {
		root := directory.NewInMemory()
		s := openSegment(t, root, 0)
		mustPut(t, s, "a", "v")
		mustOK(t)(s.Flush(context.Background()))
		crash(s)

		require.NoError(t, s.dir.Delete(deltaName(1, 0)))
		_, err := openSegmentErr(root, 0)
		assert.ErrorIs(t, err, segmentkv.ErrCorrupted)
	})

	t.Run("pointer without properties", func(t *testing.T) {
		root := directory.NewInMemory()
		dir := mustSubDirectory(t, root, 0)
		require.NoError(t, writePointer(dir, 1))

		_, err := openSegmentErr(root, 0)
		assert.ErrorIs(t, err, segmentkv.ErrCorrupted)
	})

	t.Run("properties naming a missing version", func(t *testing.T) {
		root := directory.NewInMemory()
		s := openSegment(t, root, 0)
		crash(s)

		props := s.properties()
		props.ActiveVersion = 9
		require.NoError(t, writeProperties(s.dir, props))
		_, err := openSegmentErr(root, 0)
		assert.ErrorIs(t, err, segmentkv.ErrCorrupted)
	})

	t.Run("damaged pointer", func(t *testing.T) {
		root := directory.NewInMemory()
		s := openSegment(t, root, 0)
		crash(s)

		require.NoError(t, directory.WriteFileAtomic(s.dir, pointerFile, []byte("nonsense")))
		_, err := openSegmentErr(root, 0)
		assert.ErrorIs(t, err, segmentkv.ErrCorrupted)
	})
}

func TestRecoverInterruptedSplit(t *testing.T) {
	// upperWithData leaves a complete looking upper half behind
	upperWithData := func(t *testing.T, root directory.Directory) {
		upper := openSegment(t, root, 1)
		mustPut(t, upper, "upper", "v")
		mustOK(t)(upper.Close(context.Background()))
	}

	t.Run("the incomplete upper half refuses to open", func(t *testing.T) {
		root := directory.NewInMemory()
		dir := mustSubDirectory(t, root, 1)
		require.NoError(t, writeSplitMarker(dir, splitMarker{Upper: true}))

		_, err := openSegmentErr(root, 1)
		assert.ErrorIs(t, err, segmentkv.ErrSplitAborted)
	})

	t.Run("rolled back before the lower half switched", func(t *testing.T) {
		root := directory.NewInMemory()
		s := openSegment(t, root, 0)
		mustPut(t, s, "lower", "v")
		upperWithData(t, root)

		props := s.properties()
		require.NoError(t, writeSplitMarker(s.dir, splitMarker{
			UpperID:      1,
			LowerVersion: props.ActiveVersion + 1,
		}))
		crash(s)

		s = openSegment(t, root, 0)
		ok, err := root.Exists(DirectoryName(1))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.dir.Exists(splitMarkerFile)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("completed once the lower half switched", func(t *testing.T) {
		root := directory.NewInMemory()
		s := openSegment(t, root, 0)
		upperWithData(t, root)

		props := s.properties()
		require.NoError(t, writeSplitMarker(s.dir, splitMarker{
			UpperID:      1,
			LowerVersion: props.ActiveVersion,
		}))
		crash(s)

		s = openSegment(t, root, 0)
		ok, err := s.dir.Exists(splitMarkerFile)
		require.NoError(t, err)
		assert.False(t, ok)

		upper := openSegment(t, root, 1)
		assertValue(t, upper, "upper", "v")
	})
}
