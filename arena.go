// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"math"

	"github.com/pkg/errors"
)

// Arena is the memory the allocator manages. It grows monotonically and
// never moves: bytes handed out before a Grow stay at the same place.
type Arena interface {
	// Grow extends the arena by exactly incr bytes and returns the offset
	// of the first new byte (the previous end). On failure the arena is
	// left unchanged.
	Grow(incr uint32) (base uint32, err error)
	// Bytes returns the whole arena, up to the current end.
	Bytes() []byte
}

// brk is the break pointer logic shared by the arena implementations.
type brk struct {
	buf []byte // reserved memory, never re-allocated
	end uint32 // current arena end
}

func (a *brk) grow(incr uint32) (uint32, error) {
	if a.buf == nil {
		return 0, ErrArenaClosed
	}
	if uint64(a.end)+uint64(incr) > uint64(len(a.buf)) {
		return 0, errors.Wrapf(ErrArenaExhausted,
			"grow by %d bytes (end %d, limit %d)", incr, a.end, len(a.buf))
	}
	base := a.end
	a.end += incr
	return base, nil
}

func (a *brk) bytes() []byte {
	return a.buf[:a.end:a.end]
}

// SliceArena is an Arena backed by a Go byte slice allocated once, with
// its maximum size.
type SliceArena struct {
	brk
}

// NewSliceArena returns an arena that can grow up to max bytes.
func NewSliceArena(max uint64) (*SliceArena, error) {
	if max == 0 || max > math.MaxUint32 {
		return nil, errors.Wrapf(ErrBadConfig,
			"slice arena size %d out of range (1 - %d)", max,
			uint64(math.MaxUint32))
	}
	return &SliceArena{brk{buf: make([]byte, max)}}, nil
}

// Grow implements Arena.
func (a *SliceArena) Grow(incr uint32) (uint32, error) {
	return a.grow(incr)
}

// Bytes implements Arena.
func (a *SliceArena) Bytes() []byte {
	return a.bytes()
}

// Limit returns the maximum arena size.
func (a *SliceArena) Limit() uint64 {
	return uint64(len(a.buf))
}

// Close releases the backing memory. The arena cannot grow afterwards.
func (a *SliceArena) Close() error {
	a.buf = nil
	a.end = 0
	return nil
}
