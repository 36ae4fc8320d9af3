// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// coalesce joins the free block b with its free physical neighbours and
// returns the resulting block (b or its predecessor).
// b itself must not be in the free tree; merged neighbours are removed
// from it before their sizes change. The result is not inserted.
func (bt *BTMalloc) coalesce(b block) block {
	prev := bt.prev(b)
	next := bt.next(b)
	prevAlloc := bt.isAlloc(prev)
	nextAlloc := bt.isAlloc(next)
	size := bt.sizeOf(b)

	switch {
	case prevAlloc && nextAlloc:
		return b
	case prevAlloc && !nextAlloc:
		bt.root = bt.delete(bt.root, next)
		size += bt.sizeOf(next)
		bt.encode(b, size, false)
		bt.used.Coalesced++
		return b
	case !prevAlloc && nextAlloc:
		bt.root = bt.delete(bt.root, prev)
		size += bt.sizeOf(prev)
		bt.encode(prev, size, false)
		bt.used.Coalesced++
		return prev
	default:
		bt.root = bt.delete(bt.root, next)
		bt.root = bt.delete(bt.root, prev)
		size += bt.sizeOf(prev) + bt.sizeOf(next)
		bt.encode(prev, size, false)
		bt.used.Coalesced += 2
		return prev
	}
}
