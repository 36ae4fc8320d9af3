// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package trace reads malloc trace files and replays them against a heap.
//
// A trace starts with four numbers: a suggested heap size (ignored), the
// number of block ids, the number of operations and a weight. Then comes
// one operation per line:
//
//	a <id> <bytes>   allocate
//	r <id> <bytes>   reallocate
//	f <id>           free
//
// Empty lines and lines starting with '#' are skipped.
package trace

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OpKind is the type of a trace operation.
type OpKind byte

const (
	Alloc   OpKind = 'a'
	Realloc OpKind = 'r'
	Free    OpKind = 'f'
)

// maxPrealloc caps the ops slice capacity taken from the header.
const maxPrealloc = 1 << 16

// Op is one trace operation.
type Op struct {
	Kind OpKind
	ID   int
	Size uint64 // unused for Free
	Line int    // source line, for error messages
}

// Trace is a parsed trace file.
type Trace struct {
	Name     string
	HeapHint uint64
	NumIDs   int
	Weight   int
	Ops      []Op
}

// ParseFile opens and parses the trace file at path.
func ParseFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open trace")
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", path)
	}
	t.Name = path
	return t, nil
}

// Parse reads a trace from r.
func Parse(r io.Reader) (*Trace, error) {
	var (
		t      Trace
		header []uint64
		numOps uint64
		line   int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		if len(header) < 4 {
			for _, f := range fields {
				v, err := strconv.ParseUint(f, 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "line %d: bad header value", line)
				}
				header = append(header, v)
			}
			if len(header) > 4 {
				return nil, errors.Errorf("line %d: too many header values", line)
			}
			if len(header) == 4 {
				t.HeapHint = header[0]
				t.NumIDs = int(header[1])
				numOps = header[2]
				t.Weight = int(header[3])
				hint := numOps
				if hint > maxPrealloc {
					hint = maxPrealloc
				}
				t.Ops = make([]Op, 0, int(hint))
			}
			continue
		}

		op, err := parseOp(fields, t.NumIDs)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		op.Line = line
		t.Ops = append(t.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read trace")
	}
	if len(header) < 4 {
		return nil, errors.New("incomplete trace header")
	}
	if uint64(len(t.Ops)) != numOps {
		return nil, errors.Errorf("header announces %d ops, found %d", numOps, len(t.Ops))
	}
	return &t, nil
}

func parseOp(fields []string, numIDs int) (Op, error) {
	var op Op
	if len(fields[0]) != 1 {
		return op, errors.Errorf("unknown op %q", fields[0])
	}
	op.Kind = OpKind(fields[0][0])
	want := 3
	switch op.Kind {
	case Alloc, Realloc:
	case Free:
		want = 2
	default:
		return op, errors.Errorf("unknown op %q", fields[0])
	}
	if len(fields) != want {
		return op, errors.Errorf("op %q needs %d fields, got %d", op.Kind, want, len(fields))
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return op, errors.Wrap(err, "bad id")
	}
	if id < 0 || id >= numIDs {
		return op, errors.Errorf("id %d out of range [0, %d)", id, numIDs)
	}
	op.ID = id
	if want == 3 {
		if op.Size, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
			return op, errors.Wrap(err, "bad size")
		}
	}
	return op, nil
}
