package gclog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/jvmx/vm"
)

func TestJournalRecordsCollections(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	cfg := vm.DefaultConfig()
	cfg.Collector.HeapSize = 32 * 1024
	v, err := vm.New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	j.Attach(v.Heap())

	s, detach := v.AttachCurrentThread("main")
	defer detach()
	keep, _ := s.NewBytes(100)
	_ = s.AddGlobalReference(keep)
	_, _ = v.Heap().AllocateBytes(200)

	first, err := v.TryDoGarbageCollection(s)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.TryDoGarbageCollection(s); err != nil {
		t.Fatal(err)
	}

	entries, err := j.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Sequence != 2 || entries[1].Sequence != 1 {
		t.Errorf("sequences = %d, %d, want newest first", entries[0].Sequence, entries[1].Sequence)
	}
	e := entries[1]
	if e.RunID != j.RunID() || e.Live != first.LiveObjects || e.Released != 1 ||
		e.BytesBefore != first.BytesBefore || e.BytesAfter != first.BytesAfter {
		t.Errorf("entry = %+v, stats = %+v", e, first)
	}
	if !e.Time.Equal(first.Timestamp.Truncate(0)) {
		t.Errorf("time = %v, want %v", e.Time, first.Timestamp)
	}

	if entries, _ := j.Recent(1); len(entries) != 1 || entries[0].Sequence != 2 {
		t.Errorf("Recent(1) = %+v", entries)
	}
}

// TestJournalRunsAreSeparate opens the same database twice and checks that
// each journal only reports its own run.
func TestJournalRunsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.db")
	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.RunID() == b.RunID() {
		t.Fatal("two journals share a run id")
	}
	stats := &vm.CollectionStats{Sequence: 1, BytesBefore: 400, BytesAfter: 100, Duration: time.Millisecond, Timestamp: time.Now()}
	if err := a.Record(stats); err != nil {
		t.Fatal(err)
	}
	if err := a.Record(stats); err == nil {
		t.Error("duplicate sequence recorded twice")
	}
	if err := a.Record(nil); err != nil {
		t.Errorf("nil stats: %v", err)
	}

	if entries, _ := b.Recent(10); len(entries) != 0 {
		t.Errorf("second journal sees %d entries of the first", len(entries))
	}
	entries, _ := a.Recent(10)
	if len(entries) != 1 || entries[0].Duration != time.Millisecond || entries[0].BytesBefore != 400 {
		t.Errorf("entries = %+v", entries)
	}
}
