// Package manifest handles jvmx.toml configuration.
package manifest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/jvmx/vm"
	"github.com/dustin/go-humanize"
)

// FileName is the manifest's file name.
const FileName = "jvmx.toml"

// Manifest represents a jvmx.toml configuration.
type Manifest struct {
	Heap    HeapConfig   `toml:"heap"`
	Threads ThreadConfig `toml:"threads"`
	Stack   StackConfig  `toml:"stack"`
	GC      GCConfig     `toml:"gc"`
	Log     LogConfig    `toml:"log"`

	// Dir is the directory containing the jvmx.toml file (set at load time).
	Dir string `toml:"-"`
}

// HeapConfig sizes the heap. Size accepts humanized byte counts such as
// "16MiB".
type HeapConfig struct {
	Size              string `toml:"size"`
	CollectThreshold  int    `toml:"collect-threshold"`
	MinAllocations    int    `toml:"min-allocations"`
	RecentAllocations int    `toml:"recent-allocations"`
}

// ThreadConfig tunes the safepoint and shutdown protocol. Durations use
// Go duration syntax.
type ThreadConfig struct {
	PauseTimeout         string `toml:"pause-timeout"`
	JoinTimeout          string `toml:"join-timeout"`
	JoinPasses           int    `toml:"join-passes"`
	NativeCountsAsPaused bool   `toml:"native-counts-as-paused"`
}

// StackConfig bounds the per-thread stacks.
type StackConfig struct {
	MaxOperands  int `toml:"max-operands"`
	MaxCallDepth int `toml:"max-call-depth"`
}

// GCConfig configures the watcher and the collection artefacts.
type GCConfig struct {
	WatchInterval string `toml:"watch-interval"`
	Journal       string `toml:"journal"`
	Snapshot      string `toml:"snapshot"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the manifest used when no jvmx.toml exists.
func Default() *Manifest {
	return &Manifest{
		Heap: HeapConfig{
			Size:              "16MiB",
			CollectThreshold:  10,
			MinAllocations:    100,
			RecentAllocations: 100,
		},
		Threads: ThreadConfig{
			PauseTimeout: "3s",
			JoinTimeout:  "3s",
			JoinPasses:   3,
		},
		Stack: StackConfig{
			MaxOperands:  65536,
			MaxCallDepth: 2048,
		},
		GC: GCConfig{
			WatchInterval: "50ms",
		},
		Log: LogConfig{
			Verbosity: 1,
		},
	}
}

// Load parses a jvmx.toml file from the given directory. Keys the file
// omits keep their default values.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if _, err := m.VMConfig(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a jvmx.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig converts the manifest into a VM configuration.
func (m *Manifest) VMConfig() (vm.Config, error) {
	cfg := vm.DefaultConfig()

	if m.Heap.Size != "" {
		size, err := humanize.ParseBytes(m.Heap.Size)
		if err != nil {
			return cfg, fmt.Errorf("heap size %q: %w", m.Heap.Size, err)
		}
		if size > math.MaxUint32 {
			return cfg, fmt.Errorf("heap size %q exceeds the 4GiB addressable by the heap", m.Heap.Size)
		}
		cfg.Collector.HeapSize = int(size)
	}
	if m.Heap.CollectThreshold != 0 {
		if m.Heap.CollectThreshold < 0 || m.Heap.CollectThreshold > 100 {
			return cfg, fmt.Errorf("collect-threshold %d is not a percentage", m.Heap.CollectThreshold)
		}
		cfg.Collector.CollectThreshold = m.Heap.CollectThreshold
	}
	cfg.Collector.MinAllocations = m.Heap.MinAllocations
	cfg.Collector.RecentAllocations = m.Heap.RecentAllocations

	var err error
	if cfg.PauseTimeout, err = duration("pause-timeout", m.Threads.PauseTimeout, cfg.PauseTimeout); err != nil {
		return cfg, err
	}
	if cfg.JoinTimeout, err = duration("join-timeout", m.Threads.JoinTimeout, cfg.JoinTimeout); err != nil {
		return cfg, err
	}
	if cfg.WatchInterval, err = duration("watch-interval", m.GC.WatchInterval, 0); err != nil {
		return cfg, err
	}
	if m.Threads.JoinPasses > 0 {
		cfg.JoinPasses = m.Threads.JoinPasses
	}
	cfg.NativeCountsAsPaused = m.Threads.NativeCountsAsPaused

	if m.Stack.MaxOperands > 0 {
		cfg.MaxOperands = m.Stack.MaxOperands
	}
	if m.Stack.MaxCallDepth > 0 {
		cfg.MaxCallDepth = m.Stack.MaxCallDepth
	}
	return cfg, nil
}

func duration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s %q is negative", key, s)
	}
	return d, nil
}

// JournalPath returns the GC journal path, resolved against Dir. It is
// empty when journaling is off.
func (m *Manifest) JournalPath() string { return m.resolve(m.GC.Journal) }

// SnapshotPath returns the heap snapshot path, resolved against Dir.
func (m *Manifest) SnapshotPath() string { return m.resolve(m.GC.Snapshot) }

// LogPath returns the log file path, resolved against Dir.
func (m *Manifest) LogPath() string { return m.resolve(m.Log.File) }

func (m *Manifest) resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
