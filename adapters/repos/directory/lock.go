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
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// process-local registry of held locks. On the OS file system this is backed
// by flock(2) in addition; on other file systems it is the only guard, and a
// lock file without a registry entry is considered stale.
var (
	heldLocksMu sync.Mutex
	heldLocks   = map[lockKey]struct{}{}
)

type lockKey struct {
	fs   afero.Fs
	path string
}

type fileLock struct {
	fs   afero.Fs
	path string
	os   *flock.Flock

	once sync.Once
}

func acquireLock(afs afero.Fs, path string) (Lock, error) {
	heldLocksMu.Lock()
	defer heldLocksMu.Unlock()

	key := lockKey{fs: afs, path: path}
	if _, ok := heldLocks[key]; ok {
		return nil, errors.Wrapf(errLocked, "lock %q", path)
	}

	l := &fileLock{fs: afs, path: path}

	if _, ok := afs.(*afero.OsFs); ok {
		l.os = flock.New(path)
		locked, err := l.os.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "flock %q", path)
		}
		if !locked {
			return nil, errors.Wrapf(errLocked, "lock %q held by another process", path)
		}
	}

	// Whatever was in the lock file before belongs to a previous owner that
	// is gone, otherwise the checks above would have failed.
	if err := afero.WriteFile(afs, path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		if l.os != nil {
			l.os.Unlock()
		}
		return nil, errors.Wrapf(err, "write lock file %q", path)
	}

	heldLocks[key] = struct{}{}
	return l, nil
}

// StaleLockExists reports whether a lock file exists without being held by
// anyone, which indicates that a previous owner crashed.
func StaleLockExists(d Directory, name string) (bool, error) {
	exists, err := d.Exists(name)
	if err != nil || !exists {
		return false, err
	}

	l, err := d.Lock(name)
	if err != nil {
		if errors.Is(err, errLocked) {
			return false, nil
		}
		return false, err
	}
	return true, l.Unlock()
}

func (l *fileLock) Unlock() error {
	var err error
	l.once.Do(func() {
		heldLocksMu.Lock()
		delete(heldLocks, lockKey{fs: l.fs, path: l.path})
		heldLocksMu.Unlock()

		if rmErr := l.fs.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Wrapf(rmErr, "remove lock file %q", l.path)
		}

		if l.os != nil {
			if unlockErr := l.os.Unlock(); unlockErr != nil && err == nil {
				err = errors.Wrapf(unlockErr, "release flock %q", l.path)
			}
		}
	})
	return err
}
