// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/btmalloc"
)

const shortTrace = "../../internal/trace/testdata/short.rep"

func testConfig(t *testing.T, args ...string) config {
	t.Helper()
	fs := flag.NewFlagSet("mdriver", flag.ContinueOnError)
	cfg := config{}
	cfg.registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, loadConfigFile(&cfg, fs))
	return cfg
}

func TestLoadConfigFileFlagsWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"chunk_size: 8KiB\nmax_heap_size: 2MiB\narena: mmap\ndebug: true\ncheck_each_op: true\n"), 0o644))

	cfg := testConfig(t,
		"-heap.chunk-size=4104",
		"-config.file", path,
		"-heap.arena=slice",
		"-heap.debug=false",
		"-verify",
	)
	// set on the command line
	assert.Equal(t, btmalloc.ByteSize(4104), cfg.heap.ChunkSize)
	assert.Equal(t, btmalloc.ArenaSlice, cfg.heap.Arena)
	assert.False(t, cfg.heap.Debug)
	assert.True(t, cfg.verifyEachOp)
	// from the file
	assert.Equal(t, btmalloc.ByteSize(2<<20), cfg.heap.MaxHeapSize)
	assert.True(t, cfg.heap.CheckEachOp)
}

func TestLoadConfigFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 5000\ndebug: true\n"), 0o644))

	cfg := testConfig(t, "-config.file", path)
	assert.Equal(t, btmalloc.ByteSize(5000), cfg.heap.ChunkSize)
	assert.True(t, cfg.heap.Debug)
	assert.Equal(t, btmalloc.ByteSize(btmalloc.DefaultMaxHeapSize), cfg.heap.MaxHeapSize)
}

func TestLoadConfigFileErrors(t *testing.T) {
	fs := flag.NewFlagSet("mdriver", flag.ContinueOnError)
	cfg := config{}
	cfg.registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config.file", filepath.Join(t.TempDir(), "none.yaml")}))
	assert.Error(t, loadConfigFile(&cfg, fs))
}

func TestRunTrace(t *testing.T) {
	cfg := testConfig(t, "-verify", "-heap.max-size=1MiB", "-heap.debug")
	reg := prometheus.NewRegistry()

	r := runTrace(cfg, shortTrace, reg, log.NewNopLogger())
	require.NoError(t, r.err)
	assert.Equal(t, 12, r.res.Ops)
	assert.Equal(t, 1, r.weight)
	assert.Equal(t, r.res.HeapSize, r.stats.HeapSize)
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	var buf bytes.Buffer
	printSummary(&buf, []traceResult{r})
	out := buf.String()
	assert.Contains(t, out, "short.rep")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "total")
}

func TestRunTraceErrors(t *testing.T) {
	cfg := testConfig(t, "-heap.max-size=8KiB")
	reg := prometheus.NewRegistry()

	// the trace needs more than 8KiB
	r := runTrace(cfg, shortTrace, reg, log.NewNopLogger())
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "out of memory")

	r = runTrace(cfg, "testdata/none.rep", reg, log.NewNopLogger())
	require.Error(t, r.err)

	var buf bytes.Buffer
	printSummary(&buf, []traceResult{r})
	assert.Contains(t, buf.String(), " no ")
	assert.NotContains(t, buf.String(), "total")
}
