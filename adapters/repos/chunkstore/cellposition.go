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

import "fmt"

// CellSize is the smallest addressable unit in a data block.
const CellSize = 16

// CellPosition addresses a cell in the chunk store. It is a plain cell index
// that can be resolved into a data block and an offset within that block's
// payload. A position never points into the middle of a cell.
type CellPosition struct {
	blockPayloadSize int
	cell             int64
}

// NewCellPosition builds a position from a cell index. blockPayloadSize must
// be a positive multiple of CellSize.
func NewCellPosition(blockPayloadSize int, cellIndex int64) CellPosition {
	if blockPayloadSize <= 0 || blockPayloadSize%CellSize != 0 {
		panic(fmt.Sprintf("block payload size %d is not a positive multiple of %d",
			blockPayloadSize, CellSize))
	}
	if cellIndex < 0 {
		panic(fmt.Sprintf("negative cell index %d", cellIndex))
	}
	return CellPosition{blockPayloadSize: blockPayloadSize, cell: cellIndex}
}

func (p CellPosition) CellIndex() int64 {
	return p.cell
}

func (p CellPosition) CellsPerBlock() int64 {
	return int64(p.blockPayloadSize / CellSize)
}

func (p CellPosition) DataBlockIndex() int64 {
	return p.cell / p.CellsPerBlock()
}

func (p CellPosition) CellInBlock() int {
	return int(p.cell % p.CellsPerBlock())
}

func (p CellPosition) ByteOffsetInBlock() int {
	return p.CellInBlock() * CellSize
}

// FreeBytesInBlock is the number of payload bytes left in the current block
// starting at this position.
func (p CellPosition) FreeBytesInBlock() int {
	return p.blockPayloadSize - p.ByteOffsetInBlock()
}

func (p CellPosition) AddCells(n int64) CellPosition {
	return NewCellPosition(p.blockPayloadSize, p.cell+n)
}

// AddDataBlocks moves the position n whole blocks forward, keeping the
// offset within the block.
func (p CellPosition) AddDataBlocks(n int64) CellPosition {
	return p.AddCells(n * p.CellsPerBlock())
}

// StartOfNextBlock returns the first cell of the following block.
func (p CellPosition) StartOfNextBlock() CellPosition {
	return NewCellPosition(p.blockPayloadSize, (p.DataBlockIndex()+1)*p.CellsPerBlock())
}

func (p CellPosition) String() string {
	return fmt.Sprintf("cell %d (block %d, cell %d)", p.cell, p.DataBlockIndex(), p.CellInBlock())
}

// CellsFor returns how many cells are needed to hold n bytes.
func CellsFor(n int) int64 {
	return int64((n + CellSize - 1) / CellSize)
}
