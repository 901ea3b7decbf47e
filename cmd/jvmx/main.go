// jvmx CLI - runs an allocation workload on the VM core and reports how
// the collector behaved.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chazu/jvmx/manifest"
	"github.com/chazu/jvmx/vm"
	"github.com/chazu/jvmx/vm/gclog"
	"github.com/chazu/jvmx/vm/snapshot"
	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search upwards for jvmx.toml")
	threads := flag.Int("threads", 4, "Worker threads")
	iterations := flag.Int("n", 10000, "Iterations per worker")
	keep := flag.Int("keep", 32, "List length each worker keeps alive")
	heapSize := flag.String("heap", "", "Heap size override (e.g. 4MiB)")
	nativeWait := flag.Duration("native", 0, "Time spent in simulated native calls every 64 iterations")
	snapshotPath := flag.String("snapshot", "", "Write a CBOR heap snapshot here when done")
	journalPath := flag.String("journal", "", "Journal collections to this SQLite database")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides jvmx.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jvmx [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an allocation workload on several VM threads and reports collector statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  jvmx -heap 1MiB -threads 8          # Small heap, many collections\n")
		fmt.Fprintf(os.Stderr, "  jvmx -native 2ms                    # Exercise safepoints across native calls\n")
		fmt.Fprintf(os.Stderr, "  jvmx -journal gc.db -snapshot heap.cbor\n")
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}
	if *heapSize != "" {
		m.Heap.Size = *heapSize
	}
	if *verbosity >= 0 {
		m.Log.Verbosity = *verbosity
	}
	if *journalPath != "" {
		m.GC.Journal = *journalPath
	}
	if *snapshotPath != "" {
		m.GC.Snapshot = *snapshotPath
	}

	var logPath *string
	if p := m.LogPath(); p != "" {
		logPath = &p
	}
	commonlog.Configure(m.Log.Verbosity, logPath)

	cfg, err := m.VMConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *keep < 1 {
		*keep = 1
	}

	w := &workload{iterations: *iterations, keep: *keep, nativeWait: *nativeWait}
	code, err := run(cfg, m, w, *threads)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(cfg vm.Config, m *manifest.Manifest, w *workload, threads int) (int, error) {
	machine, err := vm.New(cfg, w.classes(), w.engine())
	if err != nil {
		return 0, err
	}

	if path := m.JournalPath(); path != "" {
		journal, err := gclog.Open(path)
		if err != nil {
			return 0, err
		}
		defer journal.Close()
		journal.Attach(machine.Heap())
	}

	mainState := machine.AttachMainThread("main")
	mainState.MarkUserCodeStarted()
	start := time.Now()

	ctx := context.Background()
	var g errgroup.Group
	for i := 0; i < threads; i++ {
		seed := i * w.iterations
		t := machine.StartThread(fmt.Sprintf("worker-%d", i), false, func(s *vm.State) error {
			return w.runWorker(ctx, s, seed)
		})
		g.Go(t.Err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var workErr error
	for waiting := true; waiting; {
		select {
		case workErr = <-done:
			waiting = false
		case <-time.After(time.Millisecond):
			mainState.Safepoint()
		}
	}
	elapsed := time.Since(start)

	if _, err := machine.TryDoGarbageCollection(mainState); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: final collection: %v\n", err)
	}
	if path := m.SnapshotPath(); path != "" {
		if err := snapshot.WriteFile(path, snapshot.Take(machine)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	code := machine.Stop()
	report(machine, w, elapsed)
	if workErr != nil {
		return 0, workErr
	}
	return code, nil
}

func report(machine *vm.VM, w *workload, elapsed time.Duration) {
	heap := machine.Heap()
	fmt.Printf("VM %s\n", machine.ID())
	fmt.Printf("  heap:        %s (%s per semispace)\n",
		humanize.IBytes(uint64(heap.GetHeapSize())), humanize.IBytes(uint64(heap.SemispaceSize())))
	fmt.Printf("  allocated:   %s objects in %s\n", humanize.Comma(w.allocated.Load()), elapsed.Round(time.Millisecond))
	fmt.Printf("  collections: %d\n", heap.Collections())
	if last := heap.LastStats(); last != nil {
		fmt.Printf("  last:        %s -> %s, %d live, %d released in %s\n",
			humanize.IBytes(uint64(last.BytesBefore)), humanize.IBytes(uint64(last.BytesAfter)),
			last.LiveObjects, last.Released, last.Duration)
	}
	fmt.Printf("  finalized:   %s\n", humanize.Comma(w.finalized.Load()))
	fmt.Printf("  live now:    %d handles, %s used\n", machine.Registry().Count(), humanize.IBytes(uint64(heap.UsedBytes())))
}
