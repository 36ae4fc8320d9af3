// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"encoding/binary"
)

// Block layout (offsets are relative to the arena start):
//
//	header  [size | a]        WordSize bytes
//	payload                   size - Overhead bytes
//	footer  [size | a]        WordSize bytes
//
// A free block reuses the first two payload words as the left and right
// child links of the free block tree.
//
// This file is the only place reading or writing the arena bytes.

const (
	WordSize     = 4                          // header, footer and link size
	DWordSize    = 2 * WordSize               // block granularity & alignment
	Overhead     = 2 * WordSize               // header + footer
	MinBlockSize = Overhead + DWordSize       // header, 2 links, footer
	MaxBlockSize = uint32(sizeMask)           // biggest encodable block
	prologueSize = DWordSize                  // prologue header + footer
	initSize     = 4 * WordSize               // pad + prologue + epilogue
	firstBlock   = block(initSize - WordSize) // old epilogue header

	allocBit = uint32(0x1)
	sizeMask = ^uint32(DWordSize - 1)
)

// block is the arena offset of a block header. 0 is never a valid block
// (it is the alignment pad), so it doubles as the nil tree link.
type block uint32

const nilBlock block = 0

// Ptr is an allocated payload address: its offset in the arena.
type Ptr uint32

// Nil is the Ptr returned on allocation failure.
const Nil Ptr = 0

// pack combines a size and an allocated flag into a header word.
func pack(size uint32, alloc bool) uint32 {
	if alloc {
		return size | allocBit
	}
	return size
}

func (bt *BTMalloc) get(off uint32) uint32 {
	return binary.LittleEndian.Uint32(bt.mem[off : off+WordSize])
}

func (bt *BTMalloc) put(off, v uint32) {
	binary.LittleEndian.PutUint32(bt.mem[off:off+WordSize], v)
}

// sizeOf returns the block size recorded in the block header.
func (bt *BTMalloc) sizeOf(b block) uint32 {
	return bt.get(uint32(b)) & sizeMask
}

// isAlloc returns true if the block header has the allocated bit set.
func (bt *BTMalloc) isAlloc(b block) bool {
	return bt.get(uint32(b))&allocBit != 0
}

// footer returns the offset of the block footer.
func (bt *BTMalloc) footer(b block) uint32 {
	return uint32(b) + bt.sizeOf(b) - WordSize
}

// encode writes identical header and footer words for b.
// size must already be a multiple of DWordSize.
func (bt *BTMalloc) encode(b block, size uint32, alloc bool) {
	w := pack(size, alloc)
	bt.put(uint32(b), w)
	bt.put(uint32(b)+size-WordSize, w)
}

// putEpilogue writes a zero sized allocated header at b.
func (bt *BTMalloc) putEpilogue(b block) {
	bt.put(uint32(b), pack(0, true))
}

// next returns the block physically following b.
func (bt *BTMalloc) next(b block) block {
	return b + block(bt.sizeOf(b))
}

// prev returns the block physically preceding b, using its footer.
func (bt *BTMalloc) prev(b block) block {
	return b - block(bt.get(uint32(b)-WordSize)&sizeMask)
}

// payloadOf converts a block to the address handed out to callers.
func payloadOf(b block) Ptr { return Ptr(b + WordSize) }

// blockOf converts a caller address back to its block.
func blockOf(p Ptr) block { return block(p - WordSize) }

// left returns the left child link stored in a free block.
func (bt *BTMalloc) left(b block) block {
	return block(bt.get(uint32(b) + WordSize))
}

// right returns the right child link stored in a free block.
func (bt *BTMalloc) right(b block) block {
	return block(bt.get(uint32(b) + 2*WordSize))
}

func (bt *BTMalloc) setLeft(b, child block) {
	bt.put(uint32(b)+WordSize, uint32(child))
}

func (bt *BTMalloc) setRight(b, child block) {
	bt.put(uint32(b)+2*WordSize, uint32(child))
}

// payload returns the usable bytes of an allocated block.
func (bt *BTMalloc) payload(b block) []byte {
	start := uint32(b) + WordSize
	end := uint32(b) + bt.sizeOf(b) - WordSize
	return bt.mem[start:end:end]
}

// adjustSize returns the block size needed for a size bytes payload.
func adjustSize(size uint64) uint64 {
	if size <= DWordSize {
		return MinBlockSize
	}
	return ((size + Overhead + (DWordSize - 1)) / DWordSize) * DWordSize
}

// roundUp rounds up a size to the next DWordSize multiple.
func roundUp(s uint64) uint64 {
	return (s + (DWordSize - 1)) &^ (DWordSize - 1)
}
