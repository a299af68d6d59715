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

// Package directory is the file abstraction the storage engine runs on. It
// only needs a handful of primitives (open, rename, delete, list, lock), which
// are provided on top of any afero.Fs, so that the engine can run against the
// OS file system as well as fully in memory.
package directory

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Access selects how OpenWrite treats an existing file.
type Access int

const (
	// AccessOverwrite truncates an existing file.
	AccessOverwrite Access = iota
	// AccessAppend keeps existing contents. Writes happen at explicit offsets
	// (WriteAt) or at the end of the file.
	AccessAppend
)

// File is the handle returned by a Directory.
type File = afero.File

// Directory is a flat namespace of files, e.g. the files of one segment.
type Directory interface {
	OpenRead(name string) (File, error)
	OpenWrite(name string, access Access) (File, error)
	Rename(from, to string) error
	Delete(name string) error
	Exists(name string) (bool, error)
	Size(name string) (int64, error)
	// List returns the sorted names of all regular files.
	List() ([]string, error)
	// Lock acquires an advisory lock on the named file. Locking an already
	// locked file fails with segmentkv.ErrInvalidState. A lock file left
	// behind by a crashed process is taken over.
	Lock(name string) (Lock, error)
	SubDirectory(name string) (Directory, error)
	// RemoveAll deletes the directory and everything inside it.
	RemoveAll() error
	Path() string
}

// Lock is a held advisory lock.
type Lock interface {
	Unlock() error
}

type fsDirectory struct {
	fs   afero.Fs
	root string
}

// New creates a directory rooted at root within the given file system,
// creating it if needed.
func New(afs afero.Fs, root string) (Directory, error) {
	if err := afs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create directory %q", root)
	}
	return &fsDirectory{fs: afs, root: root}, nil
}

// NewOS creates a directory on the OS file system.
func NewOS(root string) (Directory, error) {
	return New(afero.NewOsFs(), root)
}

// NewInMemory creates a directory backed by a fresh in-memory file system.
func NewInMemory() Directory {
	d, err := New(afero.NewMemMapFs(), "/")
	if err != nil {
		// the memory file system cannot fail to create its root
		panic(err)
	}
	return d
}

func (d *fsDirectory) path(name string) string {
	return filepath.Join(d.root, name)
}

func (d *fsDirectory) Path() string {
	return d.root
}

func (d *fsDirectory) OpenRead(name string) (File, error) {
	f, err := d.fs.Open(d.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "open %q for reading", name)
	}
	return f, nil
}

func (d *fsDirectory) OpenWrite(name string, access Access) (File, error) {
	flags := os.O_CREATE | os.O_RDWR
	if access == AccessOverwrite {
		flags |= os.O_TRUNC
	}

	f, err := d.fs.OpenFile(d.path(name), flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q for writing", name)
	}

	if access == AccessAppend {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "seek to end of %q", name)
		}
	}

	return f, nil
}

func (d *fsDirectory) Rename(from, to string) error {
	if err := d.fs.Rename(d.path(from), d.path(to)); err != nil {
		return errors.Wrapf(err, "rename %q -> %q", from, to)
	}
	return nil
}

func (d *fsDirectory) Delete(name string) error {
	err := d.fs.Remove(d.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete %q", name)
	}
	return nil
}

func (d *fsDirectory) Exists(name string) (bool, error) {
	_, err := d.fs.Stat(d.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *fsDirectory) Size(name string) (int64, error) {
	info, err := d.fs.Stat(d.path(name))
	if err != nil {
		return 0, errors.Wrapf(err, "stat %q", name)
	}
	return info.Size(), nil
}

func (d *fsDirectory) List() ([]string, error) {
	infos, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		return nil, errors.Wrapf(err, "list %q", d.root)
	}

	out := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		out = append(out, info.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (d *fsDirectory) SubDirectory(name string) (Directory, error) {
	return New(d.fs, d.path(name))
}

func (d *fsDirectory) RemoveAll() error {
	return d.fs.RemoveAll(d.root)
}

func (d *fsDirectory) Lock(name string) (Lock, error) {
	return acquireLock(d.fs, d.path(name))
}

// WriteFileAtomic writes data to a temporary file and renames it into place,
// so readers observe either the old or the new contents.
func WriteFileAtomic(d Directory, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := d.OpenWrite(tmp, AccessOverwrite)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %q", tmp)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %q", tmp)
	}

	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %q", tmp)
	}

	return d.Rename(tmp, name)
}

// ReadFile reads the whole named file.
func ReadFile(d Directory, name string) ([]byte, error) {
	f, err := d.OpenRead(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", name)
	}
	return data, nil
}

// IsNotExist reports whether err was caused by a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

var errLocked = errors.Wrap(segmentkv.ErrInvalidState, "already locked")
