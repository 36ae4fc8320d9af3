// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package metrics exposes btmalloc heap statistics as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intuitivelabs/mallocs/btmalloc"
)

// StatsSource is anything able to produce a heap statistics snapshot,
// normally a *btmalloc.BTMalloc.
type StatsSource interface {
	Stats() btmalloc.Stats
}

// Collector is a prometheus.Collector reading the heap statistics on each
// scrape. Like the heap itself it must not be used concurrently with heap
// operations.
type Collector struct {
	src StatsSource

	heapBytes   *prometheus.Desc
	usedBytes   *prometheus.Desc
	maxUsed     *prometheus.Desc
	freeBlocks  *prometheus.Desc
	freeBytes   *prometheus.Desc
	maxFree     *prometheus.Desc
	operations  *prometheus.Desc
	failed      *prometheus.Desc
	grows       *prometheus.Desc
	coalescings *prometheus.Desc
}

// NewCollector creates a Collector for src. constLabels are attached to
// every metric (e.g. to tell several heaps apart).
func NewCollector(src StatsSource, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("btmalloc_"+name, help, labels, constLabels)
	}
	return &Collector{
		src:         src,
		heapBytes:   desc("heap_size_bytes", "Current arena size."),
		usedBytes:   desc("used_bytes", "Bytes used by allocated blocks.", "kind"),
		maxUsed:     desc("max_real_used_bytes", "Peak of the used bytes, overhead included."),
		freeBlocks:  desc("free_blocks", "Number of blocks in the free block tree."),
		freeBytes:   desc("free_bytes", "Total size of the free blocks."),
		maxFree:     desc("max_free_block_bytes", "Size of the biggest free block."),
		operations:  desc("operations_total", "Completed heap operations.", "op"),
		failed:      desc("failed_allocations_total", "Allocations that could not be satisfied."),
		grows:       desc("arena_grows_total", "Arena extensions."),
		coalescings: desc("coalesced_blocks_total", "Free blocks merged into a neighbour."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.heapBytes
	ch <- c.usedBytes
	ch <- c.maxUsed
	ch <- c.freeBlocks
	ch <- c.freeBytes
	ch <- c.maxFree
	ch <- c.operations
	ch <- c.failed
	ch <- c.grows
	ch <- c.coalescings
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	ch <- prometheus.MustNewConstMetric(c.heapBytes, prometheus.GaugeValue, float64(s.HeapSize))
	ch <- prometheus.MustNewConstMetric(c.usedBytes, prometheus.GaugeValue, float64(s.Used), "payload")
	ch <- prometheus.MustNewConstMetric(c.usedBytes, prometheus.GaugeValue, float64(s.RealUsed), "real")
	ch <- prometheus.MustNewConstMetric(c.maxUsed, prometheus.GaugeValue, float64(s.MaxRealUsed))
	ch <- prometheus.MustNewConstMetric(c.freeBlocks, prometheus.GaugeValue, float64(s.FreeBlocks))
	ch <- prometheus.MustNewConstMetric(c.freeBytes, prometheus.GaugeValue, float64(s.FreeBytes))
	ch <- prometheus.MustNewConstMetric(c.maxFree, prometheus.GaugeValue, float64(s.MaxFree))

	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(s.Allocs), "malloc")
	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(s.Frees), "free")
	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(s.Reallocs), "realloc")
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.FailedAllocs))
	ch <- prometheus.MustNewConstMetric(c.grows, prometheus.CounterValue, float64(s.Grows))
	ch <- prometheus.MustNewConstMetric(c.coalescings, prometheus.CounterValue, float64(s.Coalesced))
}
