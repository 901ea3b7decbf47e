package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/jvmx/manifest"
	"github.com/chazu/jvmx/vm/snapshot"
)

// TestRunSmallHeap runs the workload on several threads in a heap far too
// small to hold what they allocate, so workers collect while others are
// still starting up.
func TestRunSmallHeap(t *testing.T) {
	const (
		threads    = 4
		iterations = 300
	)
	dir := t.TempDir()
	m := manifest.Default()
	m.Heap.Size = "64KiB"
	m.GC.WatchInterval = "1ms"
	m.GC.Journal = filepath.Join(dir, "gc.db")
	m.GC.Snapshot = filepath.Join(dir, "heap.cbor")
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatal(err)
	}

	w := &workload{iterations: iterations, keep: 8}
	code, err := run(cfg, m, w, threads)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d", code)
	}

	resources := int64((iterations + 15) / 16)
	if want := threads * (2*iterations + resources); w.allocated.Load() != want {
		t.Errorf("allocated %d objects, want %d", w.allocated.Load(), want)
	}
	if n := w.finalized.Load(); n == 0 || n > threads*resources {
		t.Errorf("finalized %d resources, want 1..%d", n, threads*resources)
	}

	snap, err := snapshot.ReadFile(m.SnapshotPath())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Semispace != 32*1024 {
		t.Errorf("snapshot semispace = %d, want 32KiB", snap.Semispace)
	}
	if _, err := os.Stat(m.JournalPath()); err != nil {
		t.Errorf("journal: %v", err)
	}
}
