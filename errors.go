// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import "github.com/pkg/errors"

var (
	// ErrArenaExhausted is returned by an Arena that cannot grow any more.
	ErrArenaExhausted = errors.New("btmalloc: arena exhausted")

	// ErrArenaClosed is returned when growing an arena after Close.
	ErrArenaClosed = errors.New("btmalloc: arena closed")

	// ErrAlreadyInit is returned by Init on an already initialised heap.
	ErrAlreadyInit = errors.New("btmalloc: already initialised")

	// ErrBadConfig is wrapped by every Config validation error.
	ErrBadConfig = errors.New("btmalloc: invalid config")

	// ErrCorrupted is wrapped by every Verify finding.
	ErrCorrupted = errors.New("btmalloc: heap corrupted")
)
