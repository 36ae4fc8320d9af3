// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// collectDiags redirects the checker output of bt to the returned slice.
func collectDiags(bt *BTMalloc) *[]string {
	var diags []string
	bt.SetDiagSink(DiagFunc(func(msg string) { diags = append(diags, msg) }))
	return &diags
}

func TestCheckHeapClean(t *testing.T) {
	bt, _ := newTestHeap(t, 1<<20)
	p := bt.Malloc(100)
	bt.Malloc(300)
	bt.Free(p)

	diags := collectDiags(bt)
	bt.CheckHeap(false)
	assert.Empty(t, *diags)
	assert.NoError(t, bt.Verify())
}

func TestCheckHeapVerbose(t *testing.T) {
	bt, _ := newTestHeap(t, 1<<20)
	diags := collectDiags(bt)

	bt.CheckHeap(true)
	assert.Equal(t, []string{
		"heap (4112 bytes) prologue 8 root 12",
		"16: header: [4096:f] footer: [4096:f]",
		"4112: EOL",
	}, *diags)

	*diags = nil
	bt.Malloc(100)
	bt.CheckHeap(true)
	require.Len(t, *diags, 4)
	assert.Equal(t, "16: header: [112:a] footer: [112:a]", (*diags)[1])
	assert.Equal(t, "128: header: [3984:f] footer: [3984:f]", (*diags)[2])
}

func TestVerifyFindings(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, bt *BTMalloc)
		want    string
	}{
		{
			name: "footer mismatch",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				p := bt.Malloc(64)
				bt.put(bt.footer(blockOf(p)), pack(72, true)|2)
			},
			want: "header does not match footer",
		},
		{
			name: "bad prologue",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				bt.put(WordSize, pack(16, true))
			},
			want: "bad prologue header",
		},
		{
			name: "bad epilogue",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				bt.put(uint32(len(bt.mem))-WordSize, pack(0, false))
			},
			want: "bad epilogue header",
		},
		{
			name: "free block not in the tree",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				bt.root = nilBlock
			},
			want: "missing from the tree",
		},
		{
			name: "allocated block in the tree",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				p := bt.Malloc(64)
				bt.root = bt.insert(bt.root, blockOf(p))
			},
			want: "is not a free block",
		},
		{
			name: "adjacent free blocks",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				bs := carveBlocks(t, bt, 32, 48)
				bt.root = bt.insert(bt.insert(nilBlock, bs[0]), bs[1])
			},
			want: "adjacent free blocks",
		},
		{
			name: "tree out of order",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				bs := carveBlocks(t, bt, 32, 16, 64)
				bt.encode(bs[1], 16, true)
				bt.root = bs[0]
				bt.setLeft(bs[0], bs[2])
				bt.setRight(bs[0], nilBlock)
				bt.setLeft(bs[2], nilBlock)
				bt.setRight(bs[2], nilBlock)
			},
			want: "out of order",
		},
		{
			name: "size past the heap end",
			corrupt: func(t *testing.T, bt *BTMalloc) {
				p := bt.Malloc(64)
				bt.put(uint32(blockOf(p)), pack(1<<20, true))
			},
			want: "bad size",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bt, _ := newTestHeap(t, 1<<20)
			tc.corrupt(t, bt)

			err := bt.Verify()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupted)
			assert.Contains(t, err.Error(), tc.want)

			diags := collectDiags(bt)
			assert.NotPanics(t, func() { bt.CheckHeap(false) })
			require.NotEmpty(t, *diags)
			assert.Contains(t, strings.Join(*diags, "\n"), tc.want)
		})
	}
}

func TestVerifyCombinesFindings(t *testing.T) {
	bt, _ := newTestHeap(t, 1<<20)
	p := bt.Malloc(64)
	bt.put(bt.footer(blockOf(p)), pack(72, true)|2)
	bt.root = nilBlock

	err := bt.Verify()
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.ErrorIs(t, e, ErrCorrupted)
	}
}

func TestStatsWalksTree(t *testing.T) {
	bt, _ := newTestHeap(t, 1<<20)
	ps := make([]Ptr, 6)
	for i := range ps {
		ps[i] = bt.Malloc(uint64(40 * (i + 1)))
	}
	// free every other block so nothing merges
	for i := 0; i < len(ps); i += 2 {
		bt.Free(ps[i])
	}
	assertHeapOK(t, bt)

	s := bt.Stats()
	fb := freeBlocks(bt)
	assert.Equal(t, uint64(len(fb)), s.FreeBlocks)
	var total, max uint64
	for _, b := range fb {
		sz := uint64(bt.sizeOf(b))
		total += sz
		if sz > max {
			max = sz
		}
	}
	assert.Equal(t, total, s.FreeBytes)
	assert.Equal(t, max, s.MaxFree)
	assert.Equal(t, uint64(6), s.Allocs)
	assert.Equal(t, uint64(3), s.Frees)
}
