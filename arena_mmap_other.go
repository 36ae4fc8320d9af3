// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !linux
// +build !linux

package btmalloc

import "github.com/pkg/errors"

// MmapArena is only available on linux.
type MmapArena struct {
	brk
}

// NewMmapArena always fails on this platform.
func NewMmapArena(max uint64) (*MmapArena, error) {
	return nil, errors.Wrap(ErrBadConfig, "mmap arena not supported on this platform")
}

// Grow implements Arena.
func (a *MmapArena) Grow(incr uint32) (uint32, error) { return a.grow(incr) }

// Bytes implements Arena.
func (a *MmapArena) Bytes() []byte { return a.bytes() }

// Limit returns the reserved size.
func (a *MmapArena) Limit() uint64 { return uint64(len(a.buf)) }

// Close is a no-op.
func (a *MmapArena) Close() error { return nil }
