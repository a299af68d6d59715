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

package bloomfilter

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/willf/bloom"
)

const DefaultFalsePositiveRate = 0.01

// Filter answers whether a key may be present. A false answer is definite.
type Filter interface {
	MaybeContains(key []byte) bool
}

type noop struct{}

// NoOp is a filter that never rules anything out.
func NoOp() Filter {
	return noop{}
}

func (noop) MaybeContains([]byte) bool {
	return true
}

type filter struct {
	bf *bloom.BloomFilter
}

func (f *filter) MaybeContains(key []byte) bool {
	return f.bf.Test(key)
}

// Builder collects keys for a new filter.
type Builder struct {
	bf    *bloom.BloomFilter
	added int
}

// NewBuilder sizes a filter for the expected number of keys. Adding more keys
// than expected still works, at a higher false positive rate.
func NewBuilder(expectedKeys int, falsePositiveRate float64) *Builder {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	return &Builder{bf: bloom.NewWithEstimates(uint(expectedKeys), falsePositiveRate)}
}

func (b *Builder) Add(key []byte) {
	b.bf.Add(key)
	b.added++
}

func (b *Builder) Added() int {
	return b.added
}

func (b *Builder) Filter() Filter {
	return &filter{bf: b.bf}
}

// Write persists the filter as crc32 (4) | serialized bloom filter.
func (b *Builder) Write(dir directory.Directory, name string) error {
	var body bytes.Buffer
	if _, err := b.bf.WriteTo(&body); err != nil {
		return errors.Wrap(err, "serialize bloom filter")
	}

	out := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(body.Bytes()))
	out = append(out, body.Bytes()...)

	if err := directory.WriteFileAtomic(dir, name, out); err != nil {
		return errors.Wrapf(err, "write bloom filter %q", name)
	}
	return nil
}

// Load reads a filter written by Builder.Write.
func Load(dir directory.Directory, name string) (Filter, error) {
	data, err := directory.ReadFile(dir, name)
	if err != nil {
		return nil, err
	}

	if len(data) < 4 {
		return nil, errors.Wrapf(segmentkv.ErrCorrupted, "bloom filter %q is truncated", name)
	}
	body := data[4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[:4]) {
		return nil, errors.Wrapf(segmentkv.ErrCorrupted, "bloom filter %q: crc mismatch", name)
	}

	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(body)); err != nil {
		return nil, errors.Wrapf(segmentkv.ErrCorrupted, "bloom filter %q: %v", name, err)
	}
	return &filter{bf: bf}, nil
}
