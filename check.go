// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"github.com/intuitivelabs/slog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Stats is a snapshot of the heap state.
type Stats struct {
	MUsed
	HeapSize   uint64
	FreeBlocks uint64
	FreeBytes  uint64 // free block sizes, overhead included
	MaxFree    uint64 // biggest free block
}

// Stats walks the free tree and returns the current heap statistics.
func (bt *BTMalloc) Stats() Stats {
	s := Stats{MUsed: bt.used, HeapSize: bt.HeapSize()}
	bt.walk(bt.root, func(b block) bool {
		sz := uint64(bt.sizeOf(b))
		s.FreeBlocks++
		s.FreeBytes += sz
		if sz > s.MaxFree {
			s.MaxFree = sz
		}
		return true
	})
	return s
}

// CheckHeap walks the heap and reports every inconsistency found to the
// diagnostic sink. With verbose set, every block is reported too.
// It never stops the program.
func (bt *BTMalloc) CheckHeap(verbose bool) {
	if verbose {
		bt.diag("heap (%d bytes) prologue %d root %d",
			bt.HeapSize(), payloadOf(firstBlock-DWordSize), bt.root)
	}
	for _, err := range bt.check(verbose) {
		bt.diag("%s", err)
	}
}

// Verify runs the same checks as CheckHeap and returns all the problems
// found combined in one error (nil if the heap is consistent).
func (bt *BTMalloc) Verify() error {
	return multierr.Combine(bt.check(false)...)
}

func corrupted(f string, a ...interface{}) error {
	return errors.Wrapf(ErrCorrupted, f, a...)
}

// check returns the problems found walking the block chain from the
// prologue to the epilogue and the free tree.
func (bt *BTMalloc) check(verbose bool) []error {
	var errs []error
	if len(bt.mem) < initSize {
		return append(errs, corrupted("heap not initialised"))
	}
	end := block(len(bt.mem) - WordSize)

	prologue := firstBlock - prologueSize
	if bt.sizeOf(prologue) != prologueSize || !bt.isAlloc(prologue) {
		errs = append(errs, corrupted("bad prologue header"))
	}
	errs = bt.checkBlock(prologue, errs)

	var free []block
	prevFree := false
	b := firstBlock
	for bt.sizeOf(b) > 0 && b < end {
		if verbose {
			bt.printBlock(b)
		}
		errs = bt.checkBlock(b, errs)
		size := bt.sizeOf(b)
		if uint64(b)+uint64(size) > uint64(end) {
			errs = append(errs, corrupted("block %d size %d runs past the heap end %d",
				payloadOf(b), size, end))
			return errs
		}
		if !bt.isAlloc(b) {
			if prevFree {
				errs = append(errs, corrupted("adjacent free blocks at %d", payloadOf(b)))
			}
			free = append(free, b)
		}
		prevFree = !bt.isAlloc(b)
		b = bt.next(b)
	}
	if verbose {
		bt.diag("%d: EOL", payloadOf(b))
	}
	if b != end || bt.sizeOf(b) != 0 || !bt.isAlloc(b) {
		errs = append(errs, corrupted("bad epilogue header at %d", b))
	}

	return bt.checkTree(free, errs)
}

// checkBlock verifies the alignment and the boundary tags of b.
func (bt *BTMalloc) checkBlock(b block, errs []error) []error {
	if uint32(payloadOf(b))%DWordSize != 0 {
		errs = append(errs, corrupted("%d is not doubleword aligned", payloadOf(b)))
	}
	if bt.sizeOf(b) < DWordSize || uint64(b)+uint64(bt.sizeOf(b)) > uint64(len(bt.mem)) {
		return append(errs, corrupted("block %d has a bad size %d", payloadOf(b), bt.sizeOf(b)))
	}
	if bt.get(uint32(b)) != bt.get(bt.footer(b)) {
		errs = append(errs, corrupted("block %d header does not match footer", payloadOf(b)))
	}
	return errs
}

// checkTree verifies the tree ordering and that the tree holds exactly
// the free blocks in free.
func (bt *BTMalloc) checkTree(free []block, errs []error) []error {
	isFree := make(map[block]bool, len(free))
	for _, b := range free {
		isFree[b] = true
	}

	// bounds checked descent: every node must be in (lo, hi]
	type bound struct {
		n      block
		lo, hi uint64
	}
	seen := make(map[block]bool, len(free))
	stack := []bound{{bt.root, 0, uint64(MaxBlockSize)}}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.n == nilBlock {
			continue
		}
		if !isFree[c.n] {
			errs = append(errs, corrupted("tree node %d is not a free block", payloadOf(c.n)))
			continue
		}
		if seen[c.n] {
			errs = append(errs, corrupted("tree node %d reached twice", payloadOf(c.n)))
			continue
		}
		seen[c.n] = true
		size := uint64(bt.sizeOf(c.n))
		if size <= c.lo || size > c.hi {
			errs = append(errs, corrupted("tree node %d size %d out of order (%d, %d]",
				payloadOf(c.n), size, c.lo, c.hi))
		}
		stack = append(stack,
			bound{bt.left(c.n), c.lo, size},
			bound{bt.right(c.n), size, c.hi})
	}
	for _, b := range free {
		if !seen[b] {
			errs = append(errs, corrupted("free block %d (size %d) missing from the tree",
				payloadOf(b), bt.sizeOf(b)))
		}
	}
	return errs
}

// printBlock reports one block to the diagnostic sink.
func (bt *BTMalloc) printBlock(b block) {
	h := bt.get(uint32(b))
	if uint64(b)+uint64(h&sizeMask) > uint64(len(bt.mem)) {
		bt.diag("%d: header: [%d] past the heap end", payloadOf(b), h)
		return
	}
	f := bt.get(bt.footer(b))
	flag := func(w uint32) byte {
		if w&allocBit != 0 {
			return 'a'
		}
		return 'f'
	}
	bt.diag("%d: header: [%d:%c] footer: [%d:%c]",
		payloadOf(b), h&sizeMask, flag(h), f&sizeMask, flag(f))
}

// DumpStatus writes current status information in the log.
func (bt *BTMalloc) DumpStatus() {
	const lev = slog.LDBG
	const prefix = "bt_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", bt)
	if bt == nil {
		return
	}
	s := bt.Stats()
	Log.LLog(lev, 0, prefix, "heap size= %d\n", s.HeapSize)
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		s.Used, s.RealUsed, bt.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n", s.MaxRealUsed)
	Log.LLog(lev, 0, prefix, "allocs= %d frees= %d reallocs= %d failed= %d grows= %d\n",
		s.Allocs, s.Frees, s.Reallocs, s.FailedAllocs, s.Grows)
	if bt.options&BTDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "free tree: %d blocks, %d bytes, biggest %d\n",
		s.FreeBlocks, s.FreeBytes, s.MaxFree)
	i := 0
	bt.walk(bt.root, func(b block) bool {
		Log.LLog(lev, 0, prefix, "   %3d.    address=%d size=%d\n",
			i, payloadOf(b), bt.sizeOf(b))
		i++
		return true
	})
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
