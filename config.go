// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"flag"
	"math"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultChunkSize   = 1 << 12
	DefaultMaxHeapSize = 20 << 20

	ArenaSlice = "slice"
	ArenaMmap  = "mmap"
)

// ByteSize is a size in bytes that can be set from a flag or yaml using
// human readable values ("4KiB", "20 MB", "4096").
type ByteSize uint64

// byteUnits are the exact units String uses, biggest first.
var byteUnits = []struct {
	size uint64
	name string
}{
	{humanize.GiByte, "GiB"},
	{humanize.MiByte, "MiB"},
	{humanize.KiByte, "KiB"},
}

// String implements flag.Value. The value is exact: the biggest binary
// unit dividing it, or a plain byte count.
func (b ByteSize) String() string {
	v := uint64(b)
	if v != 0 {
		for _, u := range byteUnits {
			if v%u.size == 0 {
				return strconv.FormatUint(v/u.size, 10) + u.name
			}
		}
	}
	return strconv.FormatUint(v, 10)
}

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return errors.Wrapf(err, "parse byte size %q", s)
	}
	*b = ByteSize(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: byte size must be a scalar", n.Line)
	}
	return b.Set(n.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// Config holds the allocator and arena settings.
type Config struct {
	ChunkSize   ByteSize `yaml:"chunk_size"`
	MaxHeapSize ByteSize `yaml:"max_heap_size"`
	Arena       string   `yaml:"arena"`
	Debug       bool     `yaml:"debug"`
	CheckEachOp bool     `yaml:"check_each_op"`
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		MaxHeapSize: DefaultMaxHeapSize,
		Arena:       ArenaSlice,
	}
}

// RegisterFlags registers the config flags on f, with their defaults.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	*cfg = DefaultConfig()
	f.Var(&cfg.ChunkSize, "heap.chunk-size", "Minimum amount of memory the heap grows by when no free block fits.")
	f.Var(&cfg.MaxHeapSize, "heap.max-size", "Maximum arena size. Allocations needing more memory fail.")
	f.StringVar(&cfg.Arena, "heap.arena", cfg.Arena, "Arena backing memory: slice or mmap.")
	f.BoolVar(&cfg.Debug, "heap.debug", false, "Validate pointers passed to free and realloc and panic on misuse.")
	f.BoolVar(&cfg.CheckEachOp, "heap.check-each-op", false, "Run the heap checker after every operation (slow).")
}

// Validate returns an error wrapping ErrBadConfig if cfg is not usable.
func (cfg *Config) Validate() error {
	if cfg.ChunkSize == 0 || cfg.ChunkSize%DWordSize != 0 {
		return errors.Wrapf(ErrBadConfig,
			"chunk size %d must be a positive multiple of %d",
			uint64(cfg.ChunkSize), DWordSize)
	}
	if cfg.MaxHeapSize > math.MaxUint32 {
		return errors.Wrapf(ErrBadConfig,
			"max heap size %s exceeds the 32 bit offset space",
			cfg.MaxHeapSize)
	}
	if uint64(cfg.MaxHeapSize) < uint64(cfg.ChunkSize)+initSize {
		return errors.Wrapf(ErrBadConfig,
			"max heap size %s smaller than the initial heap (%d)",
			cfg.MaxHeapSize, uint64(cfg.ChunkSize)+initSize)
	}
	switch cfg.Arena {
	case ArenaSlice, ArenaMmap:
	default:
		return errors.Wrapf(ErrBadConfig, "unknown arena %q", cfg.Arena)
	}
	return nil
}

// Options returns the allocator options matching cfg.
func (cfg *Config) Options() Options {
	var o Options
	if cfg.Debug {
		o |= BTDebug
	}
	if cfg.CheckEachOp {
		o |= BTCheckEachOp
	}
	return o
}

// LoadConfig reads a yaml config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	return cfg, nil
}

// ClosableArena is an Arena that owns releasable memory.
type ClosableArena interface {
	Arena
	Close() error
}

// NewArena builds the arena selected by cfg.
func NewArena(cfg Config) (ClosableArena, error) {
	switch cfg.Arena {
	case ArenaMmap:
		a, err := NewMmapArena(uint64(cfg.MaxHeapSize))
		if err != nil {
			return nil, err
		}
		return a, nil
	case ArenaSlice, "":
		a, err := NewSliceArena(uint64(cfg.MaxHeapSize))
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, errors.Wrapf(ErrBadConfig, "unknown arena %q", cfg.Arena)
}
