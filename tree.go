// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Free block index: a binary search tree keyed by block size, whose nodes
// are the free blocks themselves (the child links live in the payload).
// A size <= node size goes left, a bigger one goes right, so blocks of
// equal size form a left leaning chain.
// There are no parent links: the parent is found again by descending from
// the root each time it is needed.

// insert adds b as a new leaf and returns the (possibly new) root.
// b's child links are overwritten.
func (bt *BTMalloc) insert(root, b block) block {
	bt.setLeft(b, nilBlock)
	bt.setRight(b, nilBlock)
	if root == nilBlock {
		return b
	}
	size := bt.sizeOf(b)
	n := root
	for {
		if size <= bt.sizeOf(n) {
			l := bt.left(n)
			if l == nilBlock {
				bt.setLeft(n, b)
				return root
			}
			n = l
		} else {
			r := bt.right(n)
			if r == nilBlock {
				bt.setRight(n, b)
				return root
			}
			n = r
		}
	}
}

// delete removes b (matched by identity) from the tree rooted at root and
// returns the new root.
// A node with two children is replaced by the rightmost node of its left
// subtree.
func (bt *BTMalloc) delete(root, b block) block {
	parent := bt.parentOf(root, b)
	if parent == nilBlock && b != root && bt.Debug() {
		PANIC("BUG: free block %d (size %d) not found in tree %d\n",
			b, bt.sizeOf(b), root)
	}

	var repl block
	switch bt.childCount(b) {
	case 0:
		repl = nilBlock
	case 1:
		if repl = bt.left(b); repl == nilBlock {
			repl = bt.right(b)
		}
	default:
		l := bt.left(b)
		repl = bt.rightmost(l)
		newLeft := bt.delete(l, repl)
		bt.setLeft(repl, newLeft)
		bt.setRight(repl, bt.right(b))
	}

	if parent == nilBlock {
		return repl
	}
	if bt.left(parent) == b {
		bt.setLeft(parent, repl)
	} else {
		bt.setRight(parent, repl)
	}
	return root
}

// findFit returns a free block of at least size bytes, or nilBlock.
// An exact match found on the search path is returned immediately,
// otherwise the smallest fitting node on the path is returned.
func (bt *BTMalloc) findFit(root block, size uint32) block {
	fit := nilBlock
	for n := root; n != nilBlock; {
		s := bt.sizeOf(n)
		switch {
		case s == size:
			return n
		case s > size:
			fit = n
			n = bt.left(n)
		default:
			n = bt.right(n)
		}
	}
	return fit
}

// parentOf returns the parent of b, or nilBlock if b is the root (or not
// in the tree).
func (bt *BTMalloc) parentOf(root, b block) block {
	if b == root {
		return nilBlock
	}
	size := bt.sizeOf(b)
	for n := root; n != nilBlock; {
		if size <= bt.sizeOf(n) {
			l := bt.left(n)
			if l == b {
				return n
			}
			n = l
		} else {
			r := bt.right(n)
			if r == b {
				return n
			}
			n = r
		}
	}
	return nilBlock
}

// childCount returns how many children (0, 1 or 2) b has.
func (bt *BTMalloc) childCount(b block) int {
	n := 0
	if bt.left(b) != nilBlock {
		n++
	}
	if bt.right(b) != nilBlock {
		n++
	}
	return n
}

// rightmost returns the node with no right child reached by following
// right links from b.
func (bt *BTMalloc) rightmost(b block) block {
	for r := bt.right(b); r != nilBlock; r = bt.right(b) {
		b = r
	}
	return b
}

// walk calls fn for every tree node, in order (increasing size).
// It stops early if fn returns false.
func (bt *BTMalloc) walk(root block, fn func(b block) bool) bool {
	// explicit stack: duplicates can make the tree very deep
	var stack []block
	n := root
	for n != nilBlock || len(stack) > 0 {
		for n != nilBlock {
			stack = append(stack, n)
			n = bt.left(n)
		}
		n = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			return false
		}
		n = bt.right(n)
	}
	return true
}
