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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const (
	propertiesFile  = "properties"
	pointerFile     = "active.version"
	lockFile        = ".lock"
	splitMarkerFile = "split.inprogress"
	tmpSuffix       = ".tmp"

	// "SGAV"
	pointerMagic uint32 = 0x53474156
	pointerSize         = 12
)

func DirectoryName(id int) string {
	return fmt.Sprintf("segment-%d", id)
}

func indexName(version uint32) string {
	return fmt.Sprintf("index.%d", version)
}

func scarceName(version uint32) string {
	return fmt.Sprintf("scarce.%d", version)
}

func bloomName(version uint32) string {
	return fmt.Sprintf("bloom.%d", version)
}

func deltaName(version uint32, n int) string {
	return fmt.Sprintf("%d-delta-%04d.cache", version, n)
}

var (
	versionedFilePattern = regexp.MustCompile(`^(?:index|scarce|bloom)\.(\d+)$`)
	deltaFilePattern     = regexp.MustCompile(`^(\d+)-delta-(\d{4,})\.cache$`)
)

// fileVersion extracts the version a data file belongs to.
func fileVersion(name string) (uint32, bool) {
	m := versionedFilePattern.FindStringSubmatch(name)
	if m == nil {
		m = deltaFilePattern.FindStringSubmatch(name)
	}
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// deltaNumber extracts version and sequence number of a delta file name.
func deltaNumber(name string) (uint32, int, bool) {
	m := deltaFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return uint32(v), n, true
}

// properties is the persisted description of a segment's current file set.
type properties struct {
	ActiveVersion   uint32   `msgpack:"active_version"`
	IndexKeys       int      `msgpack:"index_keys"`
	ScarceKeys      int      `msgpack:"scarce_keys"`
	DeltaFiles      []string `msgpack:"delta_files"`
	DeltaKeys       int      `msgpack:"delta_keys"`
	DeltaTombstones int      `msgpack:"delta_tombstones"`
	NextDelta       int      `msgpack:"next_delta"`
}

func (p properties) clone() properties {
	p.DeltaFiles = append([]string(nil), p.DeltaFiles...)
	return p
}

// files lists every data file the properties refer to.
func (p properties) files() []string {
	out := []string{
		indexName(p.ActiveVersion),
		scarceName(p.ActiveVersion),
		bloomName(p.ActiveVersion),
	}
	return append(out, p.DeltaFiles...)
}

func writeProperties(dir directory.Directory, p properties) error {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal segment properties")
	}
	return directory.WriteFileAtomic(dir, propertiesFile, data)
}

func readProperties(dir directory.Directory) (properties, error) {
	data, err := directory.ReadFile(dir, propertiesFile)
	if err != nil {
		return properties{}, err
	}

	var p properties
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return properties{}, errors.Wrapf(segmentkv.ErrCorrupted,
			"unmarshal segment properties: %v", err)
	}
	return p, nil
}

// The active version pointer is magic (4) | version (4) | crc32 (4).
func writePointer(dir directory.Directory, version uint32) error {
	buf := make([]byte, pointerSize)
	binary.BigEndian.PutUint32(buf[0:4], pointerMagic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[:8]))
	return directory.WriteFileAtomic(dir, pointerFile, buf)
}

func readPointer(dir directory.Directory) (uint32, error) {
	buf, err := directory.ReadFile(dir, pointerFile)
	if err != nil {
		return 0, err
	}

	if len(buf) != pointerSize ||
		binary.BigEndian.Uint32(buf[0:4]) != pointerMagic ||
		binary.BigEndian.Uint32(buf[8:12]) != crc32.ChecksumIEEE(buf[:8]) {
		return 0, errors.Wrap(segmentkv.ErrCorrupted, "invalid active version pointer")
	}
	return binary.BigEndian.Uint32(buf[4:8]), nil
}

// switchActiveVersion publishes p durably. The properties are written first
// and the pointer second; a crash in between is rolled forward at open.
func switchActiveVersion(dir directory.Directory, p properties) error {
	if err := writeProperties(dir, p); err != nil {
		return errors.Wrap(err, "switch active version")
	}
	if err := writePointer(dir, p.ActiveVersion); err != nil {
		return errors.Wrap(err, "switch active version")
	}
	return nil
}

// splitMarker is stored in both halves of a split while it is in progress.
// The upper half's marker is removed once the upper half is complete, the
// lower half's once the lower half was switched to LowerVersion.
type splitMarker struct {
	Upper        bool   `msgpack:"upper"`
	UpperID      int    `msgpack:"upper_id"`
	LowerVersion uint32 `msgpack:"lower_version"`
}

func writeSplitMarker(dir directory.Directory, m splitMarker) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal split marker")
	}
	return directory.WriteFileAtomic(dir, splitMarkerFile, data)
}

func readSplitMarker(dir directory.Directory) (splitMarker, bool, error) {
	ok, err := dir.Exists(splitMarkerFile)
	if err != nil || !ok {
		return splitMarker{}, false, err
	}

	data, err := directory.ReadFile(dir, splitMarkerFile)
	if err != nil {
		return splitMarker{}, false, err
	}

	var m splitMarker
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return splitMarker{}, false, errors.Wrapf(segmentkv.ErrCorrupted,
			"unmarshal split marker: %v", err)
	}
	return m, true, nil
}
