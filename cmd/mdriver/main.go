// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// mdriver replays malloc trace files against btmalloc, each on a fresh
// heap, checking every returned block, and reports space utilisation.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/intuitivelabs/mallocs/btmalloc"
	"github.com/intuitivelabs/mallocs/btmalloc/internal/trace"
	"github.com/intuitivelabs/mallocs/btmalloc/metrics"
)

type config struct {
	heap         btmalloc.Config
	configFile   string
	verifyEachOp bool
	verbose      bool
	metricsFile  string
}

func (c *config) registerFlags(f *flag.FlagSet) {
	c.heap.RegisterFlags(f)
	f.StringVar(&c.configFile, "config.file", "", "Optional yaml file with the heap settings. Flags set explicitly take precedence.")
	f.BoolVar(&c.verifyEachOp, "verify", false, "Verify the whole heap (blocks and free tree) after every trace operation.")
	f.BoolVar(&c.verbose, "v", false, "Dump the heap blocks at the end of each trace.")
	f.StringVar(&c.metricsFile, "metrics.file", "", "If set, heap metrics of every trace are written to this file in the Prometheus text format.")
}

// traceResult is the outcome of one trace.
type traceResult struct {
	name   string
	res    trace.Result
	stats  btmalloc.Stats
	took   time.Duration
	err    error
	weight int
}

func main() {
	// Clean up all flags registered via init() methods of 3rd-party libraries.
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cfg := config{}
	cfg.registerFlags(flag.CommandLine)
	flag.CommandLine.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] trace-file...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.CommandLine.Usage()
		os.Exit(1)
	}

	if err := loadConfigFile(&cfg, flag.CommandLine); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.heap.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	reg := prometheus.NewRegistry()
	results := make([]traceResult, 0, flag.NArg())
	var errs error
	for _, path := range flag.Args() {
		r := runTrace(cfg, path, reg, log.With(logger, "trace", path))
		results = append(results, r)
		errs = multierr.Append(errs, r.err)
	}

	printSummary(os.Stdout, results)

	if cfg.metricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.metricsFile, reg); err != nil {
			level.Error(logger).Log("msg", "failed to write metrics", "file", cfg.metricsFile, "err", err)
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		os.Exit(1)
	}
}

// loadConfigFile applies the yaml config file, then re-applies the heap
// flags set on the command line so they win over the file.
func loadConfigFile(cfg *config, f *flag.FlagSet) error {
	if cfg.configFile == "" {
		return nil
	}
	// the flag values point into cfg.heap: save them before the file
	// overwrites it
	explicit := map[string]string{}
	f.Visit(func(fl *flag.Flag) {
		if strings.HasPrefix(fl.Name, "heap.") {
			explicit[fl.Name] = fl.Value.String()
		}
	})

	heap, err := btmalloc.LoadConfig(cfg.configFile)
	if err != nil {
		return err
	}
	cfg.heap = heap

	var errs error
	for name, value := range explicit {
		if err := f.Set(name, value); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "flag -%s", name))
		}
	}
	return errs
}

func runTrace(cfg config, path string, reg *prometheus.Registry, logger log.Logger) (r traceResult) {
	r.name = path
	start := time.Now()
	defer func() {
		r.took = time.Since(start)
		if r.err != nil {
			level.Error(logger).Log("msg", "trace failed", "err", r.err)
			return
		}
		level.Info(logger).Log("msg", "trace done", "ops", r.res.Ops,
			"heap", humanize.IBytes(r.res.HeapSize),
			"util", fmt.Sprintf("%.1f%%", 100*r.res.Utilization()),
			"took", r.took)
	}()

	t, err := trace.ParseFile(path)
	if err != nil {
		r.err = err
		return r
	}
	r.weight = t.Weight

	arena, err := btmalloc.NewArena(cfg.heap)
	if err != nil {
		r.err = errors.Wrap(err, "create arena")
		return r
	}
	defer arena.Close()

	bt := &btmalloc.BTMalloc{}
	bt.SetDiagSink(btmalloc.DiagFunc(func(msg string) {
		level.Warn(logger).Log("msg", "heap check", "diag", msg)
	}))
	if err := bt.Init(arena, cfg.heap); err != nil {
		r.err = errors.Wrap(err, "init heap")
		return r
	}

	r.res, r.err = trace.Replay(t, bt, trace.Options{VerifyEachOp: cfg.verifyEachOp})
	if r.err == nil {
		r.err = bt.Verify()
	}
	if cfg.verbose {
		bt.CheckHeap(true)
	}
	r.stats = bt.Stats()

	// the heap is gone once the trace is done, export a snapshot
	snap := snapshot(r.stats)
	c := metrics.NewCollector(snap, prometheus.Labels{"trace": path})
	if err := reg.Register(c); err != nil {
		level.Warn(logger).Log("msg", "failed to register metrics", "err", err)
	}
	return r
}

// snapshot is a StatsSource returning fixed statistics.
type snapshot btmalloc.Stats

func (s snapshot) Stats() btmalloc.Stats { return btmalloc.Stats(s) }

func printSummary(out io.Writer, results []traceResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "trace\tvalid\tops\tpeak payload\theap\tutil\tfree blocks\ttime\t")
	var (
		totalOps    int
		totalUtil   float64
		totalWeight int
	)
	for _, r := range results {
		valid := "yes"
		if r.err != nil {
			valid = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%.1f%%\t%d\t%s\t\n",
			r.name, valid, r.res.Ops,
			humanize.IBytes(r.res.PeakPayload), humanize.IBytes(r.res.HeapSize),
			100*r.res.Utilization(), r.stats.FreeBlocks, r.took.Round(time.Microsecond))
		if r.err == nil {
			totalOps += r.res.Ops
			totalUtil += float64(r.weight) * r.res.Utilization()
			totalWeight += r.weight
		}
	}
	if totalWeight > 0 {
		fmt.Fprintf(w, "total\t\t%s\t\t\t%.1f%%\t\t\t\n",
			humanize.Comma(int64(totalOps)), 100*totalUtil/float64(totalWeight))
	}
	w.Flush()
}
