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

// Package typedesc contains the pluggable type descriptors the storage engine
// uses to turn keys and values into bytes and to order keys. The engine is
// generic over any type that has a descriptor.
package typedesc

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Descriptor knows how to encode, decode and compare values of type T and
// names a distinguished tombstone value.
//
// Keys are ordered by Compare only; the byte order of Encode does not matter.
// Encode must be injective so that distinct keys stay distinct on disk.
type Descriptor[T any] interface {
	Encode(v T) []byte
	Decode(b []byte) (T, error)
	Compare(a, b T) int
	Tombstone() T
	IsTombstone(v T) bool
}

// tombstone sentinels. They are deliberately unlikely to collide with user
// data.
const (
	stringTombstone = "\x00\xffsegmentkv-tombstone-6f3c1a4e\xff\x00"
	int64Tombstone  = math.MinInt64
)

var bytesTombstone = []byte(stringTombstone)

type stringDescriptor struct{}

// String returns the descriptor for string keys and values.
func String() Descriptor[string] {
	return stringDescriptor{}
}

func (stringDescriptor) Encode(v string) []byte {
	return []byte(v)
}

func (stringDescriptor) Decode(b []byte) (string, error) {
	return string(b), nil
}

func (stringDescriptor) Compare(a, b string) int {
	return strings.Compare(a, b)
}

func (stringDescriptor) Tombstone() string {
	return stringTombstone
}

func (stringDescriptor) IsTombstone(v string) bool {
	return v == stringTombstone
}

type int64Descriptor struct{}

// Int64 returns the descriptor for int64. The encoding is big endian with the
// sign bit flipped, so that byte order equals numeric order.
func Int64() Descriptor[int64] {
	return int64Descriptor{}
}

func (int64Descriptor) Encode(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

func (int64Descriptor) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Wrapf(segmentkv.ErrCorrupted,
			"int64 encoding must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

func (int64Descriptor) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (int64Descriptor) Tombstone() int64 {
	return int64Tombstone
}

func (int64Descriptor) IsTombstone(v int64) bool {
	return v == int64Tombstone
}

type bytesDescriptor struct{}

// Bytes returns the descriptor for raw byte slices, ordered lexicographically.
func Bytes() Descriptor[[]byte] {
	return bytesDescriptor{}
}

func (bytesDescriptor) Encode(v []byte) []byte {
	return v
}

func (bytesDescriptor) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (bytesDescriptor) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (bytesDescriptor) Tombstone() []byte {
	return bytesTombstone
}

func (bytesDescriptor) IsTombstone(v []byte) bool {
	return bytes.Equal(v, bytesTombstone)
}

// ByName resolves a descriptor for the CLI and config driven setups, which
// only deal with string-like data.
func ByName(name string) (Descriptor[string], error) {
	switch name {
	case "string", "":
		return String(), nil
	default:
		return nil, errors.Wrapf(segmentkv.ErrInvalidArgument,
			"unsupported type descriptor %q", name)
	}
}
