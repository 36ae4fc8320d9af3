// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/btmalloc"
)

type fixedStats btmalloc.Stats

func (s fixedStats) Stats() btmalloc.Stats { return btmalloc.Stats(s) }

func TestCollector(t *testing.T) {
	src := fixedStats{
		MUsed: btmalloc.MUsed{
			Used:         100,
			RealUsed:     140,
			MaxRealUsed:  300,
			Allocs:       3,
			Frees:        2,
			Reallocs:     1,
			FailedAllocs: 4,
			Grows:        5,
			Coalesced:    6,
		},
		HeapSize:   8192,
		FreeBlocks: 2,
		FreeBytes:  8052,
		MaxFree:    8000,
	}
	c := NewCollector(src, prometheus.Labels{"heap": "test"})

	const want = `
# HELP btmalloc_heap_size_bytes Current arena size.
# TYPE btmalloc_heap_size_bytes gauge
btmalloc_heap_size_bytes{heap="test"} 8192
# HELP btmalloc_used_bytes Bytes used by allocated blocks.
# TYPE btmalloc_used_bytes gauge
btmalloc_used_bytes{heap="test",kind="payload"} 100
btmalloc_used_bytes{heap="test",kind="real"} 140
# HELP btmalloc_operations_total Completed heap operations.
# TYPE btmalloc_operations_total counter
btmalloc_operations_total{heap="test",op="free"} 2
btmalloc_operations_total{heap="test",op="malloc"} 3
btmalloc_operations_total{heap="test",op="realloc"} 1
# HELP btmalloc_coalesced_blocks_total Free blocks merged into a neighbour.
# TYPE btmalloc_coalesced_blocks_total counter
btmalloc_coalesced_blocks_total{heap="test"} 6
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(want),
		"btmalloc_heap_size_bytes", "btmalloc_used_bytes",
		"btmalloc_operations_total", "btmalloc_coalesced_blocks_total"))
	assert.Equal(t, 13, testutil.CollectAndCount(c))
}

func TestCollectorLiveHeap(t *testing.T) {
	a, err := btmalloc.NewSliceArena(1 << 20)
	require.NoError(t, err)
	cfg := btmalloc.DefaultConfig()
	cfg.MaxHeapSize = 1 << 20
	bt, err := btmalloc.New(a, cfg)
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(bt, nil)))

	p := bt.Malloc(100)
	bt.Malloc(5000)
	bt.Free(p)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue() + m.GetCounter().GetValue()
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			got[name] = v
		}
	}
	assert.Equal(t, float64(bt.HeapSize()), got["btmalloc_heap_size_bytes"])
	assert.Equal(t, float64(2), got["btmalloc_operations_total/malloc"])
	assert.Equal(t, float64(1), got["btmalloc_operations_total/free"])
	assert.Equal(t, float64(bt.MUsage().Grows), got["btmalloc_arena_grows_total"])
	assert.Equal(t, float64(bt.MUsage().Used), got["btmalloc_used_bytes/payload"])
	assert.Equal(t, float64(bt.Stats().FreeBlocks), got["btmalloc_free_blocks"])
}
