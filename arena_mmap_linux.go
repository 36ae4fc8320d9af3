// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build linux
// +build linux

package btmalloc

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MmapArena is an Arena backed by an anonymous private mapping.
// The whole address range is reserved up front (MAP_NORESERVE), pages are
// only committed by the kernel when first touched.
type MmapArena struct {
	brk
}

// NewMmapArena reserves max bytes (rounded up to the page size).
func NewMmapArena(max uint64) (*MmapArena, error) {
	pg := uint64(unix.Getpagesize())
	size := (max + pg - 1) / pg * pg
	if max == 0 || size > math.MaxUint32 {
		return nil, errors.Wrapf(ErrBadConfig,
			"mmap arena size %d out of range (1 - %d)", max,
			uint64(math.MaxUint32))
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap, size %d", size)
	}
	return &MmapArena{brk{buf: b}}, nil
}

// Grow implements Arena.
func (a *MmapArena) Grow(incr uint32) (uint32, error) {
	return a.grow(incr)
}

// Bytes implements Arena.
func (a *MmapArena) Bytes() []byte {
	return a.bytes()
}

// Limit returns the reserved size.
func (a *MmapArena) Limit() uint64 {
	return uint64(len(a.buf))
}

// Close unmaps the arena. Any slice returned by Bytes becomes invalid.
func (a *MmapArena) Close() error {
	if a.buf == nil {
		return nil
	}
	err := unix.Munmap(a.buf)
	a.buf = nil
	a.end = 0
	return errors.Wrap(err, "munmap")
}
