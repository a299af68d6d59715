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

package chunkstore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// Filter is a pure transformation of a chunk. Encoding filters run before a
// chunk is written, decoding filters after it was read.
type Filter func(d ChunkData) (ChunkData, error)

// Pipeline is an ordered list of filters, applied by folding.
type Pipeline []Filter

func (p Pipeline) Apply(d ChunkData) (ChunkData, error) {
	var err error
	for _, f := range p {
		d, err = f(d)
		if err != nil {
			return ChunkData{}, err
		}
	}
	return d, nil
}

// Pipelines is a mirrored pair of encoding and decoding pipelines.
type Pipelines struct {
	Encode Pipeline
	Decode Pipeline
}

// transform names usable in configuration
const (
	FilterSnappy = "snappy"
	FilterXor    = "xor"
)

// DefaultPipelines stamps and validates the magic number and a CRC32 of the
// payload without any payload transformation.
func DefaultPipelines() Pipelines {
	p, _ := NewPipelines(nil, "")
	return p
}

// NewPipelines builds mirrored pipelines. The magic number and CRC filters
// are always present; transforms are applied in the given order when
// encoding and in reverse order when decoding. The CRC is computed over the
// version and the transformed payload.
func NewPipelines(transforms []string, secret string) (Pipelines, error) {
	encode := Pipeline{MagicNumberWriting}
	var decodeTransforms Pipeline

	for _, name := range transforms {
		switch name {
		case FilterSnappy:
			encode = append(encode, SnappyCompress)
			decodeTransforms = append(Pipeline{SnappyDecompress}, decodeTransforms...)
		case FilterXor:
			if secret == "" {
				return Pipelines{}, errors.Wrap(segmentkv.ErrInvalidArgument,
					"xor filter requires a non-empty secret")
			}
			encode = append(encode, XorEncrypt(secret))
			decodeTransforms = append(Pipeline{XorDecrypt(secret)}, decodeTransforms...)
		default:
			return Pipelines{}, errors.Wrapf(segmentkv.ErrInvalidArgument,
				"unknown chunk filter %q", name)
		}
	}
	encode = append(encode, CRC32Writing)

	decode := Pipeline{MagicNumberValidation, CRC32Validation}
	decode = append(decode, decodeTransforms...)
	decode = append(decode, noTransformsLeft)

	return Pipelines{Encode: encode, Decode: decode}, nil
}

func MagicNumberWriting(d ChunkData) (ChunkData, error) {
	d.Magic = ChunkMagic
	return d, nil
}

func MagicNumberValidation(d ChunkData) (ChunkData, error) {
	if d.Magic != ChunkMagic {
		return ChunkData{}, errors.Wrapf(segmentkv.ErrCorrupted,
			"invalid chunk magic number %#x", d.Magic)
	}
	return d, nil
}

// chunkCRC covers the version and the payload of a chunk.
func chunkCRC(d ChunkData) uint64 {
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], d.Version)
	crc := crc32.Update(0, crc32.IEEETable, version[:])
	return uint64(crc32.Update(crc, crc32.IEEETable, d.Payload))
}

func CRC32Writing(d ChunkData) (ChunkData, error) {
	d.CRC = chunkCRC(d)
	return d.WithFlag(FlagCRC32), nil
}

func CRC32Validation(d ChunkData) (ChunkData, error) {
	if !d.HasFlag(FlagCRC32) {
		return ChunkData{}, errors.Wrap(segmentkv.ErrFilterMismatch,
			"chunk carries no crc32")
	}
	if actual := chunkCRC(d); actual != d.CRC {
		return ChunkData{}, errors.Wrapf(segmentkv.ErrCorrupted,
			"crc mismatch: stored %#x, computed %#x", d.CRC, actual)
	}
	return d.WithoutFlag(FlagCRC32), nil
}

func SnappyCompress(d ChunkData) (ChunkData, error) {
	d.Payload = snappy.Encode(nil, d.Payload)
	return d.WithFlag(FlagCompressed), nil
}

func SnappyDecompress(d ChunkData) (ChunkData, error) {
	if !d.HasFlag(FlagCompressed) {
		return ChunkData{}, errors.Wrap(segmentkv.ErrFilterMismatch,
			"decompression requested for uncompressed chunk")
	}
	payload, err := snappy.Decode(nil, d.Payload)
	if err != nil {
		return ChunkData{}, errors.Wrap(segmentkv.ErrCorrupted, err.Error())
	}
	d.Payload = payload
	return d.WithoutFlag(FlagCompressed), nil
}

// XorEncrypt obfuscates the payload with a keystream derived from the secret.
// It is not cryptographically strong. A murmur3 checksum of the plain payload
// is appended before obfuscation, so decoding with the wrong secret is
// detected instead of producing garbage.
func XorEncrypt(secret string) Filter {
	return func(d ChunkData) (ChunkData, error) {
		plain := make([]byte, len(d.Payload)+4)
		copy(plain, d.Payload)
		binary.BigEndian.PutUint32(plain[len(d.Payload):], murmur3.Sum32(d.Payload))

		d.Payload = xorKeystream([]byte(secret), plain)
		return d.WithFlag(FlagEncrypted), nil
	}
}

func XorDecrypt(secret string) Filter {
	return func(d ChunkData) (ChunkData, error) {
		if !d.HasFlag(FlagEncrypted) {
			return ChunkData{}, errors.Wrap(segmentkv.ErrFilterMismatch,
				"decryption requested for unencrypted chunk")
		}
		if len(d.Payload) < 4 {
			return ChunkData{}, errors.Wrap(segmentkv.ErrCorrupted,
				"encrypted payload too short")
		}

		plain := xorKeystream([]byte(secret), d.Payload)
		body, check := plain[:len(plain)-4], binary.BigEndian.Uint32(plain[len(plain)-4:])
		if murmur3.Sum32(body) != check {
			return ChunkData{}, errors.Wrap(segmentkv.ErrFilterMismatch,
				"payload does not decrypt with the configured secret")
		}

		d.Payload = body
		return d.WithoutFlag(FlagEncrypted), nil
	}
}

func xorKeystream(secret, in []byte) []byte {
	out := make([]byte, len(in))
	var word [8]byte
	for i := range in {
		if i%8 == 0 {
			binary.LittleEndian.PutUint64(word[:], murmur3.Sum64WithSeed(secret, uint32(i/8)))
		}
		out[i] = in[i] ^ word[i%8]
	}
	return out
}

// noTransformsLeft terminates every decoding pipeline: a chunk that still
// carries transform flags was encoded with filters the decoder does not
// know about.
func noTransformsLeft(d ChunkData) (ChunkData, error) {
	if d.Flags != 0 {
		return ChunkData{}, errors.Wrapf(segmentkv.ErrFilterMismatch,
			"chunk flags %#b remain after decoding", d.Flags)
	}
	return d, nil
}
