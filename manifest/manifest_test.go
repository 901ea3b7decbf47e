package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[heap]
size = "1MiB"
collect-threshold = 25
min-allocations = 10
recent-allocations = 8

[threads]
pause-timeout = "250ms"
join-timeout = "1s"
join-passes = 5
native-counts-as-paused = true

[stack]
max-operands = 1024
max-call-depth = 64

[gc]
watch-interval = "10ms"
journal = "gc.db"
snapshot = "/tmp/heap.cbor"

[log]
verbosity = 2
file = "jvmx.log"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatalf("VMConfig failed: %v", err)
	}

	if cfg.Collector.HeapSize != 1<<20 {
		t.Errorf("heap size = %d, want %d", cfg.Collector.HeapSize, 1<<20)
	}
	if cfg.Collector.CollectThreshold != 25 {
		t.Errorf("collect threshold = %d, want 25", cfg.Collector.CollectThreshold)
	}
	if cfg.Collector.MinAllocations != 10 || cfg.Collector.RecentAllocations != 8 {
		t.Errorf("allocations = %d/%d, want 10/8", cfg.Collector.MinAllocations, cfg.Collector.RecentAllocations)
	}
	if cfg.PauseTimeout != 250*time.Millisecond {
		t.Errorf("pause timeout = %s, want 250ms", cfg.PauseTimeout)
	}
	if cfg.JoinTimeout != time.Second || cfg.JoinPasses != 5 {
		t.Errorf("join = %s/%d, want 1s/5", cfg.JoinTimeout, cfg.JoinPasses)
	}
	if !cfg.NativeCountsAsPaused {
		t.Error("native-counts-as-paused = false, want true")
	}
	if cfg.MaxOperands != 1024 || cfg.MaxCallDepth != 64 {
		t.Errorf("stack = %d/%d, want 1024/64", cfg.MaxOperands, cfg.MaxCallDepth)
	}
	if cfg.WatchInterval != 10*time.Millisecond {
		t.Errorf("watch interval = %s, want 10ms", cfg.WatchInterval)
	}
	if got, want := m.JournalPath(), filepath.Join(m.Dir, "gc.db"); got != want {
		t.Errorf("journal path = %q, want %q", got, want)
	}
	if got := m.SnapshotPath(); got != "/tmp/heap.cbor" {
		t.Errorf("snapshot path = %q, want /tmp/heap.cbor", got)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
}

// Keys missing from the file keep their defaults.
func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[heap]
size = "64KiB"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatalf("VMConfig failed: %v", err)
	}
	if cfg.Collector.HeapSize != 64*1024 {
		t.Errorf("heap size = %d, want 65536", cfg.Collector.HeapSize)
	}
	if cfg.Collector.CollectThreshold != 10 || cfg.Collector.MinAllocations != 100 {
		t.Errorf("trigger = %d%%/%d, want 10%%/100", cfg.Collector.CollectThreshold, cfg.Collector.MinAllocations)
	}
	if cfg.PauseTimeout != 3*time.Second {
		t.Errorf("pause timeout = %s, want 3s", cfg.PauseTimeout)
	}
	if cfg.MaxOperands != 65536 || cfg.MaxCallDepth != 2048 {
		t.Errorf("stack = %d/%d, want 65536/2048", cfg.MaxOperands, cfg.MaxCallDepth)
	}
	if cfg.WatchInterval != 50*time.Millisecond {
		t.Errorf("watch interval = %s, want 50ms", cfg.WatchInterval)
	}
	if cfg.NativeCountsAsPaused {
		t.Error("native-counts-as-paused defaulted to true")
	}
	if m.JournalPath() != "" {
		t.Errorf("journal path = %q, want empty", m.JournalPath())
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	cases := map[string]string{
		"bad size":      "[heap]\nsize = \"lots\"\n",
		"huge size":     "[heap]\nsize = \"8GiB\"\n",
		"bad duration":  "[threads]\npause-timeout = \"soon\"\n",
		"bad threshold": "[heap]\ncollect-threshold = 150\n",
		"bad toml":      "[heap\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, content)
			if _, err := Load(dir); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[stack]\nmax-call-depth = 99\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Stack.MaxCallDepth != 99 {
		t.Errorf("max-call-depth = %d, want 99", m.Stack.MaxCallDepth)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no jvmx.toml exists")
	}
}

func TestDefaultManifestIsValid(t *testing.T) {
	if _, err := Default().VMConfig(); err != nil {
		t.Fatalf("default manifest: %v", err)
	}
}
