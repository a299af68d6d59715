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

package directory

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

func testDirectories(t *testing.T) map[string]Directory {
	osDir, err := NewOS(t.TempDir())
	require.NoError(t, err)

	return map[string]Directory{
		"os":     osDir,
		"memory": NewInMemory(),
	}
}

func TestDirectoryPrimitives(t *testing.T) {
	for name, dir := range testDirectories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("write, read and list", func(t *testing.T) {
				require.NoError(t, WriteFileAtomic(dir, "b.txt", []byte("bravo")))
				require.NoError(t, WriteFileAtomic(dir, "a.txt", []byte("alpha")))

				data, err := ReadFile(dir, "a.txt")
				require.NoError(t, err)
				assert.Equal(t, "alpha", string(data))

				names, err := dir.List()
				require.NoError(t, err)
				assert.Equal(t, []string{"a.txt", "b.txt"}, names)

				size, err := dir.Size("b.txt")
				require.NoError(t, err)
				assert.Equal(t, int64(5), size)
			})

			t.Run("append keeps contents", func(t *testing.T) {
				f, err := dir.OpenWrite("a.txt", AccessAppend)
				require.NoError(t, err)
				_, err = f.Write([]byte("-more"))
				require.NoError(t, err)
				require.NoError(t, f.Close())

				data, err := ReadFile(dir, "a.txt")
				require.NoError(t, err)
				assert.Equal(t, "alpha-more", string(data))
			})

			t.Run("rename and delete", func(t *testing.T) {
				require.NoError(t, dir.Rename("a.txt", "c.txt"))
				ok, err := dir.Exists("a.txt")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, dir.Delete("c.txt"))
				ok, err = dir.Exists("c.txt")
				require.NoError(t, err)
				assert.False(t, ok)

				// deleting a missing file is not an error
				require.NoError(t, dir.Delete("c.txt"))
			})

			t.Run("sub directories are not listed as files", func(t *testing.T) {
				sub, err := dir.SubDirectory("segment-1")
				require.NoError(t, err)
				require.NoError(t, WriteFileAtomic(sub, "x", []byte("x")))

				names, err := dir.List()
				require.NoError(t, err)
				assert.NotContains(t, names, "segment-1")
			})
		})
	}
}

func TestDirectoryLock(t *testing.T) {
	for name, dir := range testDirectories(t) {
		t.Run(name, func(t *testing.T) {
			lock, err := dir.Lock(".lock")
			require.NoError(t, err)

			_, err = dir.Lock(".lock")
			assert.ErrorIs(t, err, segmentkv.ErrInvalidState)

			stale, err := StaleLockExists(dir, ".lock")
			require.NoError(t, err)
			assert.False(t, stale)

			require.NoError(t, lock.Unlock())
			// unlocking twice is harmless
			require.NoError(t, lock.Unlock())

			lock, err = dir.Lock(".lock")
			require.NoError(t, err)
			require.NoError(t, lock.Unlock())
		})
	}
}

func TestStaleLockIsTakenOver(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir, err := New(fs, "/data")
	require.NoError(t, err)

	// a lock file left behind by a crashed process
	require.NoError(t, afero.WriteFile(fs, "/data/.lock", []byte("12345\n"), 0o644))

	stale, err := StaleLockExists(dir, ".lock")
	require.NoError(t, err)
	assert.True(t, stale)

	lock, err := dir.Lock(".lock")
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}
