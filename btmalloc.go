// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package btmalloc provides a malloc library for a single growable arena,
// using boundary tags for coalescing and a binary tree of free blocks,
// keyed by size, stored inside the free blocks themselves.
//
// A BTMalloc is not safe for concurrent use: callers must serialise all
// the calls made on the same heap.
package btmalloc

import (
	"github.com/pkg/errors"
)

const NAME = "btmalloc"

// MUsed contains the memory usage statistics and operation counters.
type MUsed struct {
	Used        uint64 // payload bytes of the allocated blocks
	RealUsed    uint64 // Used + per block and heap overhead
	MaxRealUsed uint64

	Allocs       uint64 // successful Malloc (Realloc included)
	Frees        uint64
	Reallocs     uint64
	FailedAllocs uint64
	Grows        uint64 // arena extensions
	Coalesced    uint64 // neighbour blocks merged on free or grow
}

// Options encodes various configuration flags for BTMalloc.
type Options uint32

const (
	BTDebug          Options = 1 << iota // check pointers passed to Free/Realloc
	BTCheckEachOp                        // run CheckHeap after each operation
	BTDumpStatsShort                     // dump status in log, short version
	BTDefaultOptions = 0
)

// BTMalloc is the heap: the arena used for allocating, the free block
// tree root and the statistics.
type BTMalloc struct {
	arena     Arena
	mem       []byte // arena.Bytes(), refreshed on grow
	chunkSize uint32
	options   Options
	root      block // free block tree root
	used      MUsed
	sink      DiagSink
}

// Debug returns true if pointer checking is turned on.
func (bt *BTMalloc) Debug() bool { return bt.options&BTDebug != 0 }

// CheckEachOp returns true if the heap is checked after each operation.
func (bt *BTMalloc) CheckEachOp() bool { return bt.options&BTCheckEachOp != 0 }

// New creates and initialises a heap on top of arena a.
func New(a Arena, cfg Config) (*BTMalloc, error) {
	bt := &BTMalloc{}
	if err := bt.Init(a, cfg); err != nil {
		return nil, err
	}
	return bt, nil
}

// Init initialises the heap: it writes the prologue and epilogue at the
// start of the (empty) arena a and grows it with a first free block of
// cfg.ChunkSize bytes.
// It must be called exactly once, before any other method.
func (bt *BTMalloc) Init(a Arena, cfg Config) error {
	if bt.arena != nil {
		return ErrAlreadyInit
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sink := bt.sink
	*bt = BTMalloc{
		arena:     a,
		chunkSize: uint32(cfg.ChunkSize),
		options:   cfg.Options(),
		sink:      sink,
	}

	base, err := a.Grow(initSize)
	if err != nil {
		bt.arena = nil
		return errors.Wrap(err, "create prologue")
	}
	if base != 0 {
		bt.arena = nil
		return errors.Errorf("arena not empty (end at %d)", base)
	}
	bt.mem = a.Bytes()
	bt.put(base, 0)                                  // alignment padding
	bt.put(base+WordSize, pack(prologueSize, true))  // prologue header
	bt.put(base+DWordSize, pack(prologueSize, true)) // prologue footer
	bt.putEpilogue(block(base + 3*WordSize))
	bt.addOverhead(initSize)

	b, err := bt.extendHeap(bt.chunkSize)
	if err != nil {
		bt.arena = nil
		return errors.Wrap(err, "create initial free block")
	}
	bt.root = bt.insert(bt.root, b)
	if bt.CheckEachOp() {
		bt.CheckHeap(false)
	}
	return nil
}

// extendHeap grows the arena by size bytes (rounded up to DWordSize),
// turns the new space into a free block, and coalesces it with the last
// block if free. The result is not inserted in the tree.
func (bt *BTMalloc) extendHeap(size uint32) (block, error) {
	size = uint32(roundUp(uint64(size)))
	base, err := bt.arena.Grow(size)
	if err != nil {
		return nilBlock, err
	}
	bt.mem = bt.arena.Bytes()
	bt.used.Grows++

	// the new block starts at the old epilogue header
	b := block(base - WordSize)
	bt.encode(b, size, false)
	bt.putEpilogue(bt.next(b))
	return bt.coalesce(b), nil
}

// addUsed accounts for a newly allocated block of size bytes.
func (bt *BTMalloc) addUsed(size uint32) {
	bt.used.Used += uint64(size - Overhead)
	bt.addOverhead(size)
}

// subUsed accounts for a freed block of size bytes.
func (bt *BTMalloc) subUsed(size uint32) {
	bt.used.Used -= uint64(size - Overhead)
	bt.used.RealUsed -= uint64(size)
}

func (bt *BTMalloc) addOverhead(size uint32) {
	bt.used.RealUsed += uint64(size)
	if bt.used.MaxRealUsed < bt.used.RealUsed {
		bt.used.MaxRealUsed = bt.used.RealUsed
	}
}

// MUsage returns current memory usage values.
func (bt *BTMalloc) MUsage() MUsed {
	return bt.used
}

// HeapSize returns the current arena size.
func (bt *BTMalloc) HeapSize() uint64 {
	return uint64(len(bt.mem))
}

// Available returns how many arena bytes are not used by allocated blocks
// (free blocks, overhead included). It does not account for arena growth.
func (bt *BTMalloc) Available() uint64 {
	return bt.HeapSize() - bt.used.RealUsed
}

// Owns returns whether or not p lies inside the heap blocks.
// Behaviour is undefined if p was Free()d.
func (bt *BTMalloc) Owns(p Ptr) bool {
	if bt.mem == nil {
		return false
	}
	end := uint32(len(bt.mem)) - WordSize // epilogue header
	return uint32(p) >= uint32(payloadOf(firstBlock)) && uint32(p) < end
}

// Payload returns the usable memory of the allocated p, UsableSize(p)
// bytes long. The slice is valid until p is freed.
func (bt *BTMalloc) Payload(p Ptr) []byte {
	if p == Nil {
		return nil
	}
	return bt.payload(blockOf(p))
}

// UsableSize returns how many bytes can be stored at p (at least the size
// requested when p was allocated).
func (bt *BTMalloc) UsableSize(p Ptr) uint64 {
	if p == Nil {
		return 0
	}
	return uint64(bt.sizeOf(blockOf(p)) - Overhead)
}

// place marks asize bytes of the free block b (already out of the tree)
// as allocated and returns the allocated block. If the remainder is big
// enough to be a block, b is split and the free part goes back into the
// tree.
// The split side balances the neighbours: a request bigger than the
// neighbours average is placed next to the biggest one, a smaller one
// next to the smallest.
func (bt *BTMalloc) place(b block, asize uint32) block {
	csize := bt.sizeOf(b)
	rest := csize - asize
	if rest < MinBlockSize {
		bt.encode(b, csize, true)
		return b
	}

	prev, next := bt.prev(b), bt.next(b)
	prevSize, nextSize := bt.sizeOf(prev), bt.sizeOf(next)
	avg := (uint64(prevSize) + uint64(nextSize)) / 2
	largeIsPrev := !(nextSize > prevSize)

	var atFront bool
	if uint64(asize) > avg {
		atFront = largeIsPrev
	} else {
		atFront = !largeIsPrev
	}

	if atFront {
		bt.encode(b, asize, true)
		split := bt.next(b)
		bt.encode(split, rest, false)
		bt.root = bt.insert(bt.root, split)
		return b
	}
	bt.encode(b, rest, false)
	a := bt.next(b)
	bt.encode(a, asize, true)
	bt.root = bt.insert(bt.root, b)
	return a
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// On failure (arena exhausted) it returns Nil.
func (bt *BTMalloc) Malloc(size uint64) Ptr {
	p := bt.malloc(size)
	if bt.CheckEachOp() {
		bt.CheckHeap(false)
	}
	return p
}

func (bt *BTMalloc) malloc(size uint64) Ptr {
	asz := adjustSize(size)
	if asz > uint64(MaxBlockSize) || size > asz {
		bt.used.FailedAllocs++
		if DBGon() {
			DBG("malloc(%d): size too big\n", size)
		}
		return Nil
	}
	asize := uint32(asz)

	b := bt.findFit(bt.root, asize)
	if b != nilBlock {
		bt.root = bt.delete(bt.root, b)
	} else {
		ext := asize
		if ext < bt.chunkSize {
			ext = bt.chunkSize
		}
		var err error
		if b, err = bt.extendHeap(ext); err != nil {
			bt.used.FailedAllocs++
			if DBGon() {
				DBG("malloc(%d): %v\n", size, err)
			}
			return Nil
		}
	}
	b = bt.place(b, asize)
	bt.addUsed(bt.sizeOf(b))
	bt.used.Allocs++
	return payloadOf(b)
}

// Free releases the memory associated with p (p must have been previously
// allocated with Malloc or Realloc and not freed since).
func (bt *BTMalloc) Free(p Ptr) {
	if p == Nil {
		WARN("free(0) called\n")
		return
	}
	if bt.Debug() {
		bt.checkPtr("Free", p)
	}
	bt.free(p)
	if bt.CheckEachOp() {
		bt.CheckHeap(false)
	}
}

func (bt *BTMalloc) free(p Ptr) {
	b := blockOf(p)
	size := bt.sizeOf(b)
	bt.subUsed(size)
	bt.used.Frees++
	bt.encode(b, size, false)
	bt.root = bt.insert(bt.root, bt.coalesce(b))
}

// Realloc moves a previously allocated p to a new block of size bytes,
// copying min(size, UsableSize(p)) bytes and freeing p.
// If no memory is available it returns Nil and p is left untouched.
// Realloc(Nil, size) is Malloc(size).
func (bt *BTMalloc) Realloc(p Ptr, size uint64) Ptr {
	if p == Nil {
		return bt.Malloc(size)
	}
	if bt.Debug() {
		bt.checkPtr("Realloc", p)
	}
	bt.used.Reallocs++
	np := bt.malloc(size)
	if np == Nil {
		ERR("malloc failed in realloc(%d, %d)\n", p, size)
	} else {
		copy(bt.Payload(np)[:size], bt.Payload(p))
		bt.free(p)
	}
	if bt.CheckEachOp() {
		bt.CheckHeap(false)
	}
	return np
}

// checkPtr panics if p does not look like a live allocation.
func (bt *BTMalloc) checkPtr(op string, p Ptr) {
	if !bt.Owns(p) || uint32(p)%DWordSize != 0 {
		PANIC("BUG: %s called with pointer %d out of heap"+
			" (useable range %d-%d)\n",
			op, p, payloadOf(firstBlock), len(bt.mem)-WordSize)
	}
	b := blockOf(p)
	size := bt.sizeOf(b)
	if size < MinBlockSize || uint64(b)+uint64(size) > uint64(len(bt.mem)) ||
		bt.get(uint32(b)) != bt.get(bt.footer(b)) {
		PANIC("BUG: %s called with corrupted or foreign pointer %d\n",
			op, p)
	}
	if !bt.isAlloc(b) {
		PANIC("BUG: attempt to %s already freed pointer %d\n", op, p)
	}
}
