package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// GCWatcher: periodic heap-pressure check
// ---------------------------------------------------------------------------

// GCWatchStats describes one watcher check.
type GCWatchStats struct {
	FreeBytes   int
	UsedBytes   int
	Allocations int
	Requested   bool
	Timestamp   time.Time
}

// GCWatcher polls the collector and raises the VM's collection request
// when MustCollect holds. It never collects itself; the next thread to
// reach a safepoint does.
type GCWatcher struct {
	vm       *VM
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex

	checks    atomic.Uint64
	requests  atomic.Uint64
	lastStats atomic.Pointer[GCWatchStats]
}

// DefaultWatchInterval is the polling period used when none is given.
const DefaultWatchInterval = 50 * time.Millisecond

// NewGCWatcher creates a watcher for vm. It does not start polling.
func NewGCWatcher(vm *VM, interval time.Duration) *GCWatcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	w := &GCWatcher{vm: vm, interval: interval}
	w.enabled.Store(true)
	return w
}

// Start begins polling. Calling it twice is harmless.
func (w *GCWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})
	go w.loop(w.stop, w.stopped)
}

// Stop halts polling and waits for the loop to exit.
func (w *GCWatcher) Stop() {
	w.mu.Lock()
	stopCh, stoppedCh := w.stop, w.stopped
	w.stop, w.stopped = nil, nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

func (w *GCWatcher) SetEnabled(enabled bool) { w.enabled.Store(enabled) }
func (w *GCWatcher) IsEnabled() bool         { return w.enabled.Load() }
func (w *GCWatcher) Interval() time.Duration { return w.interval }

// CheckCount returns the number of checks performed.
func (w *GCWatcher) CheckCount() uint64 { return w.checks.Load() }

// RequestCount returns how many checks raised a collection request.
func (w *GCWatcher) RequestCount() uint64 { return w.requests.Load() }

// LastStats returns the most recent check, or nil.
func (w *GCWatcher) LastStats() *GCWatchStats { return w.lastStats.Load() }

// CheckNow runs one check immediately.
func (w *GCWatcher) CheckNow() *GCWatchStats { return w.check() }

func (w *GCWatcher) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if w.enabled.Load() {
				w.check()
			}
		}
	}
}

func (w *GCWatcher) check() *GCWatchStats {
	heap := w.vm.heap
	stats := &GCWatchStats{
		FreeBytes:   heap.FreeBytes(),
		UsedBytes:   heap.UsedBytes(),
		Allocations: heap.AllocationCount(),
		Timestamp:   time.Now(),
	}
	if heap.MustCollect() {
		w.vm.RequestCollection()
		stats.Requested = true
		w.requests.Add(1)
	}
	w.checks.Add(1)
	w.lastStats.Store(stats)
	return stats
}
