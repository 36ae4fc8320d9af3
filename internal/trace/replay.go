// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"github.com/pkg/errors"

	"github.com/intuitivelabs/mallocs/btmalloc"
)

// Allocator is the heap interface a trace is replayed against.
type Allocator interface {
	Malloc(size uint64) btmalloc.Ptr
	Free(p btmalloc.Ptr)
	Realloc(p btmalloc.Ptr, size uint64) btmalloc.Ptr
	Payload(p btmalloc.Ptr) []byte
	HeapSize() uint64
}

// Verifier is implemented by allocators able to check their own
// consistency (e.g. *btmalloc.BTMalloc).
type Verifier interface {
	Verify() error
}

// Options control a replay.
type Options struct {
	// VerifyEachOp calls Verify after every operation if the allocator
	// implements Verifier.
	VerifyEachOp bool
}

// Result summarises a successful replay.
type Result struct {
	Ops         int
	PeakPayload uint64 // max total of the live requested sizes
	HeapSize    uint64 // arena size at the end
}

// Utilization returns the peak payload relative to the final heap size.
func (r Result) Utilization() float64 {
	if r.HeapSize == 0 {
		return 0
	}
	return float64(r.PeakPayload) / float64(r.HeapSize)
}

type live struct {
	p    btmalloc.Ptr
	size uint64
}

// replayer holds the replay state.
type replayer struct {
	a       Allocator
	blocks  map[int]live
	payload uint64
}

// Replay runs all the operations of t against a and checks each returned
// block: not Nil, aligned, big enough, not overlapping another live block,
// and with its content intact until it is freed or reallocated.
// It stops at the first problem.
func Replay(t *Trace, a Allocator, o Options) (Result, error) {
	r := replayer{a: a, blocks: make(map[int]live)}
	res := Result{}
	v, canVerify := a.(Verifier)

	for i, op := range t.Ops {
		var err error
		switch op.Kind {
		case Alloc:
			err = r.alloc(op)
		case Realloc:
			err = r.realloc(op)
		case Free:
			err = r.free(op)
		default:
			err = errors.Errorf("unknown op %q", op.Kind)
		}
		if err == nil && o.VerifyEachOp && canVerify {
			err = v.Verify()
		}
		if err != nil {
			return res, errors.Wrapf(err, "op %d (line %d, %c %d)", i, op.Line, op.Kind, op.ID)
		}
		res.Ops++
		if r.payload > res.PeakPayload {
			res.PeakPayload = r.payload
		}
	}
	res.HeapSize = a.HeapSize()
	return res, nil
}

func (r *replayer) alloc(op Op) error {
	if _, ok := r.blocks[op.ID]; ok {
		return errors.New("id already allocated")
	}
	p := r.a.Malloc(op.Size)
	if err := r.checkNew(op.ID, p, op.Size); err != nil {
		return err
	}
	fill(r.a.Payload(p)[:op.Size], op.ID)
	r.blocks[op.ID] = live{p, op.Size}
	r.payload += op.Size
	return nil
}

func (r *replayer) realloc(op Op) error {
	old, ok := r.blocks[op.ID]
	if !ok {
		return errors.New("realloc of an id not allocated")
	}
	if err := r.checkContent(op.ID, old); err != nil {
		return err
	}
	delete(r.blocks, op.ID)
	p := r.a.Realloc(old.p, op.Size)
	if p == btmalloc.Nil {
		r.blocks[op.ID] = old
		return errors.Errorf("out of memory reallocating %d bytes", op.Size)
	}
	if err := r.checkNew(op.ID, p, op.Size); err != nil {
		return err
	}
	keep := old.size
	if op.Size < keep {
		keep = op.Size
	}
	if err := r.checkContent(op.ID, live{p, keep}); err != nil {
		return errors.Wrap(err, "realloc lost data")
	}
	fill(r.a.Payload(p)[:op.Size], op.ID)
	r.blocks[op.ID] = live{p, op.Size}
	r.payload = r.payload - old.size + op.Size
	return nil
}

func (r *replayer) free(op Op) error {
	b, ok := r.blocks[op.ID]
	if !ok {
		return errors.New("free of an id not allocated")
	}
	if err := r.checkContent(op.ID, b); err != nil {
		return err
	}
	r.a.Free(b.p)
	delete(r.blocks, op.ID)
	r.payload -= b.size
	return nil
}

// checkNew validates a freshly returned block against the live ones.
func (r *replayer) checkNew(id int, p btmalloc.Ptr, size uint64) error {
	if p == btmalloc.Nil {
		return errors.Errorf("out of memory allocating %d bytes", size)
	}
	if uint64(p)%btmalloc.DWordSize != 0 {
		return errors.Errorf("block %d is not %d bytes aligned", p, btmalloc.DWordSize)
	}
	if n := uint64(len(r.a.Payload(p))); n < size {
		return errors.Errorf("block %d has %d usable bytes, %d requested", p, n, size)
	}
	if end := uint64(p) + size; end > r.a.HeapSize() {
		return errors.Errorf("block %d ends at %d past the heap end %d", p, end, r.a.HeapSize())
	}
	lo, hi := uint64(p), uint64(p)+size
	for other, b := range r.blocks {
		if other == id {
			continue
		}
		olo, ohi := uint64(b.p), uint64(b.p)+b.size
		if lo < ohi && olo < hi {
			return errors.Errorf("block [%d, %d) overlaps id %d [%d, %d)", lo, hi, other, olo, ohi)
		}
	}
	return nil
}

// checkContent verifies the first b.size bytes still hold id's pattern.
func (r *replayer) checkContent(id int, b live) error {
	buf := r.a.Payload(b.p)[:b.size]
	for i, c := range buf {
		if c != pattern(id, i) {
			return errors.Errorf("block %d corrupted at byte %d", b.p, i)
		}
	}
	return nil
}

func pattern(id, i int) byte {
	return byte(id*31+i) ^ 0x5a
}

func fill(buf []byte, id int) {
	for i := range buf {
		buf[i] = pattern(id, i)
	}
}
