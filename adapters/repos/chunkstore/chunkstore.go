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

// Package chunkstore implements an append-only file format of self
// describing, checksummed chunks. A file is a sequence of fixed size blocks,
// each with a small header. Chunks are addressed by the index of the 16 byte
// cell they start in and may span several blocks.
//
//	block:  magic (8) | block index (8) | payload (blockSize-16)
//	chunk:  magic (8) | version (4) | length (4) | crc (8) | flags (8) | payload | padding
//
// The CRC covers version and payload. The length is checked against the
// file and the flags against the decoding pipeline.
package chunkstore

import (
	"io"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
)

// Store is a handle to one chunk store file. It does not hold the file open;
// writers and readers each open their own handle.
type Store struct {
	dir       directory.Directory
	name      string
	blockSize int
	pipelines Pipelines
}

type Option func(s *Store) error

func WithBlockSize(blockSize int) Option {
	return func(s *Store) error {
		if err := ValidateBlockSize(blockSize); err != nil {
			return err
		}
		s.blockSize = blockSize
		return nil
	}
}

func WithPipelines(p Pipelines) Option {
	return func(s *Store) error {
		s.pipelines = p
		return nil
	}
}

func New(dir directory.Directory, name string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:       dir,
		name:      name,
		blockSize: DefaultBlockSize,
		pipelines: DefaultPipelines(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) BlockSize() int {
	return s.blockSize
}

// PayloadSize is the number of usable bytes per block.
func (s *Store) PayloadSize() int {
	return s.blockSize - BlockHeaderSize
}

// Position converts a persisted cell index back into a position.
func (s *Store) Position(cell int64) CellPosition {
	return NewCellPosition(s.PayloadSize(), cell)
}

func (s *Store) Start() CellPosition {
	return s.Position(0)
}

func (s *Store) Exists() (bool, error) {
	return s.dir.Exists(s.name)
}

func (s *Store) Delete() error {
	return s.dir.Delete(s.name)
}

// OpenWriter opens a writer. With AccessOverwrite the file is truncated, with
// AccessAppend writing resumes after the last chunk in the file.
func (s *Store) OpenWriter(access directory.Access) (*Writer, error) {
	start := s.Start()
	var existing []byte

	if access == directory.AccessAppend {
		ok, err := s.Exists()
		if err != nil {
			return nil, err
		}
		if ok {
			start, existing, err = s.tail()
			if err != nil {
				return nil, err
			}
		}
	}

	f, err := s.dir.OpenWrite(s.name, access)
	if err != nil {
		return nil, err
	}

	bf := &blockFile{file: f, name: s.name, blockSize: s.blockSize}
	return newWriter(bf, s.pipelines.Encode, start, existing), nil
}

// tail finds the end of the chunk stream and returns the payload of the
// block it lies in, so that a writer can continue filling that block.
func (s *Store) tail() (CellPosition, []byte, error) {
	r, err := s.OpenReader(s.Start())
	if err != nil {
		return CellPosition{}, nil, err
	}
	defer r.Close()

	for {
		ok, err := r.skip()
		if err != nil {
			return CellPosition{}, nil, errors.Wrapf(err, "%s: find end of chunk stream", s.name)
		}
		if !ok {
			break
		}
	}

	end := r.Position()
	block, err := r.block(end.DataBlockIndex())
	if errors.Is(err, io.EOF) {
		return end, make([]byte, s.PayloadSize()), nil
	}
	if err != nil {
		return CellPosition{}, nil, err
	}
	return end, block, nil
}

// EndPosition is the position right after the last chunk in the file.
func (s *Store) EndPosition() (CellPosition, error) {
	ok, err := s.Exists()
	if err != nil || !ok {
		return s.Start(), err
	}

	end, _, err := s.tail()
	return end, err
}

// OpenReader opens a sequential reader starting at pos.
func (s *Store) OpenReader(pos CellPosition) (*Reader, error) {
	f, err := s.dir.OpenRead(s.name)
	if err != nil {
		return nil, err
	}

	bf := &blockFile{file: f, name: s.name, blockSize: s.blockSize}
	return newReader(bf, s.pipelines.Decode, pos), nil
}

// ReadAt reads the single chunk starting at pos.
func (s *Store) ReadAt(pos CellPosition) (ChunkData, error) {
	r, err := s.OpenReader(pos)
	if err != nil {
		return ChunkData{}, err
	}
	defer r.Close()

	d, err := r.Read()
	if errors.Is(err, io.EOF) {
		return ChunkData{}, errors.Wrapf(io.ErrUnexpectedEOF, "%s: no chunk at %s", s.name, pos)
	}
	return d, err
}
