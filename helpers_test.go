// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// countingArena wraps an Arena and counts the Grow calls.
type countingArena struct {
	Arena
	grows int
	fail  bool // make every Grow fail
}

func (a *countingArena) Grow(incr uint32) (uint32, error) {
	if a.fail {
		return 0, ErrArenaExhausted
	}
	a.grows++
	return a.Arena.Grow(incr)
}

// newTestHeap returns an initialised heap on a slice arena of max bytes
// (default config otherwise) and the counting arena it uses.
func newTestHeap(t *testing.T, max uint64) (*BTMalloc, *countingArena) {
	t.Helper()
	sa, err := NewSliceArena(max)
	require.NoError(t, err)
	ca := &countingArena{Arena: sa}

	cfg := DefaultConfig()
	cfg.MaxHeapSize = ByteSize(max)
	cfg.Debug = true
	bt, err := New(ca, cfg)
	require.NoError(t, err)
	var diags []string
	bt.SetDiagSink(DiagFunc(func(msg string) { diags = append(diags, msg) }))
	t.Cleanup(func() {
		if t.Failed() {
			for _, d := range diags {
				t.Log(d)
			}
		}
	})
	return bt, ca
}

// assertHeapOK fails the test if the heap is inconsistent.
func assertHeapOK(t *testing.T, bt *BTMalloc) {
	t.Helper()
	require.NoError(t, bt.Verify())
}

// carveBlocks overwrites the (still untouched) initial free block with
// consecutive free blocks of the given sizes, not linked in the tree,
// followed by an allocated filler block. The tree is emptied.
func carveBlocks(t *testing.T, bt *BTMalloc, sizes ...uint32) []block {
	t.Helper()
	total := bt.sizeOf(firstBlock)
	bt.root = nilBlock
	var out []block
	b := firstBlock
	for _, s := range sizes {
		require.Zero(t, s%DWordSize)
		require.GreaterOrEqual(t, s, uint32(MinBlockSize))
		require.LessOrEqual(t, s, total)
		bt.encode(b, s, false)
		out = append(out, b)
		total -= s
		b = bt.next(b)
	}
	if total > 0 {
		require.GreaterOrEqual(t, total, uint32(DWordSize))
		bt.encode(b, total, true)
	}
	return out
}

// inorder returns the tree nodes in order.
func inorder(bt *BTMalloc) []block {
	var out []block
	bt.walk(bt.root, func(b block) bool {
		out = append(out, b)
		return true
	})
	return out
}

// sizesOf returns the sizes of the given blocks.
func sizesOf(bt *BTMalloc, bs []block) []uint32 {
	out := make([]uint32, 0, len(bs))
	for _, b := range bs {
		out = append(out, bt.sizeOf(b))
	}
	return out
}

// physicalBlocks walks the heap from the first block to the epilogue.
func physicalBlocks(bt *BTMalloc) []block {
	var out []block
	for b := firstBlock; bt.sizeOf(b) > 0; b = bt.next(b) {
		out = append(out, b)
	}
	return out
}

// freeBlocks returns the free blocks found by the physical walk.
func freeBlocks(bt *BTMalloc) []block {
	var out []block
	for _, b := range physicalBlocks(bt) {
		if !bt.isAlloc(b) {
			out = append(out, b)
		}
	}
	return out
}
