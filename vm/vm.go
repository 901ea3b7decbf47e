package vm

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: wires the registry, collector and thread manager together
// ---------------------------------------------------------------------------

// Config is the complete VM configuration.
type Config struct {
	Collector CollectorConfig

	PauseTimeout time.Duration
	JoinTimeout  time.Duration
	JoinPasses   int

	// NativeCountsAsPaused lets a stop-the-world proceed while threads are
	// inside native code. It is off by default: a native thread holds up
	// the pause until it returns to hosted code, since native code may
	// still read the heap through its references.
	NativeCountsAsPaused bool

	MaxOperands  int
	MaxCallDepth int

	// WatchInterval is the GC watcher's polling period; 0 disables the
	// watcher.
	WatchInterval time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Collector:     DefaultCollectorConfig(),
		PauseTimeout:  3 * time.Second,
		JoinTimeout:   3 * time.Second,
		JoinPasses:    3,
		MaxOperands:   65536,
		MaxCallDepth:  2048,
		WatchInterval: 0,
	}
}

// VM is one virtual machine instance. Every collaborator is held
// explicitly; there is no package-level state.
type VM struct {
	id  uuid.UUID
	cfg Config

	classes  ClassLibrary
	registry *ObjectRegistry
	heap     *Collector
	threads  *ThreadManager
	engine   ExecutionEngine
	watcher  *GCWatcher

	gcMu        sync.Mutex
	gcRequested atomic.Bool

	mainMu sync.Mutex
	main   *Thread

	log commonlog.Logger
}

// New creates a VM. engine may be nil when nothing needs to execute
// bytecode (finalizers are then skipped).
func New(cfg Config, classes ClassLibrary, engine ExecutionEngine) (*VM, error) {
	def := DefaultConfig()
	if cfg.MaxOperands <= 0 {
		cfg.MaxOperands = def.MaxOperands
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = def.MaxCallDepth
	}
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = def.PauseTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.JoinPasses <= 0 {
		cfg.JoinPasses = def.JoinPasses
	}
	if classes == nil {
		classes = NewMapClassLibrary()
	}

	registry := NewObjectRegistry()
	threads := NewThreadManager(ThreadConfig{
		PauseTimeout:         cfg.PauseTimeout,
		JoinTimeout:          cfg.JoinTimeout,
		JoinPasses:           cfg.JoinPasses,
		NativeCountsAsPaused: cfg.NativeCountsAsPaused,
	}, classes)
	heap, err := NewCollector(cfg.Collector, registry, threads)
	if err != nil {
		return nil, err
	}

	vm := &VM{
		id:       uuid.New(),
		cfg:      cfg,
		classes:  classes,
		registry: registry,
		heap:     heap,
		threads:  threads,
		engine:   engine,
		log:      commonlog.GetLogger("jvmx.vm"),
	}
	if cfg.WatchInterval > 0 {
		vm.watcher = NewGCWatcher(vm, cfg.WatchInterval)
		vm.watcher.Start()
	}
	return vm, nil
}

func (vm *VM) ID() uuid.UUID             { return vm.id }
func (vm *VM) Config() Config            { return vm.cfg }
func (vm *VM) Classes() ClassLibrary     { return vm.classes }
func (vm *VM) Registry() *ObjectRegistry { return vm.registry }
func (vm *VM) Heap() *Collector          { return vm.heap }
func (vm *VM) Threads() *ThreadManager   { return vm.threads }
func (vm *VM) Engine() ExecutionEngine   { return vm.engine }
func (vm *VM) Watcher() *GCWatcher       { return vm.watcher }

// NewState creates an unattached thread state.
func (vm *VM) NewState(name string) *State {
	return newState(vm, name)
}

// AttachMainThread binds the calling goroutine as the main thread. The
// main thread takes part in safepoints but is never joined.
func (vm *VM) AttachMainThread(name string) *State {
	s := vm.NewState(name)
	t := vm.threads.AttachCurrent(name, s)
	vm.mainMu.Lock()
	vm.main = t
	vm.mainMu.Unlock()
	return s
}

// AttachCurrentThread binds the calling goroutine to a new state. The
// returned function detaches it again.
func (vm *VM) AttachCurrentThread(name string) (*State, func()) {
	s := vm.NewState(name)
	t := vm.threads.AttachCurrent(name, s)
	return s, func() { vm.threads.Detach(t) }
}

// StartThread runs fn on a new VM thread.
func (vm *VM) StartThread(name string, daemon bool, fn func(*State) error) *Thread {
	return vm.threads.Start(name, daemon, vm.NewState(name), fn)
}

// RequestCollection asks the next thread that reaches a safepoint to
// collect.
func (vm *VM) RequestCollection() { vm.gcRequested.Store(true) }

// TryDoGarbageCollection runs a full stop-the-world collection on behalf
// of requester: pause every other thread, wait for them, collect, resume,
// then run any finalizers the collection queued on requester.
//
// If another thread is already collecting, requester parks at its
// safepoint until that collection finishes and the call returns its
// stats. A safepoint timeout resumes every thread and returns
// ErrSafepointTimeout; the collection is deferred, not abandoned.
func (vm *VM) TryDoGarbageCollection(requester *State) (*CollectionStats, error) {
	seq := vm.heap.Collections()
	for !vm.gcMu.TryLock() {
		if requester != nil {
			requester.pollPause()
		}
		runtime.Gosched()
	}
	defer vm.gcMu.Unlock()
	if vm.heap.Collections() != seq {
		return vm.heap.LastStats(), nil
	}
	vm.gcRequested.Store(false)

	vm.threads.PauseAllThreads()
	if err := vm.threads.WaitForThreadsToPause(context.Background()); err != nil {
		vm.threads.ResumeAllThreads()
		vm.gcRequested.Store(true)
		vm.log.Warningf("collection deferred: %v", err)
		return nil, err
	}
	stats, err := vm.heap.Collect()
	vm.threads.ResumeAllThreads()
	if err != nil {
		return nil, err
	}
	if requester != nil {
		vm.heap.RunFinalizers(requester)
	}
	return stats, nil
}

// Stop shuts the VM down: daemons are detached, every other thread is
// interrupted and joined, and finalizers run for every remaining object on
// the main thread. It returns the main thread's exit code.
func (vm *VM) Stop() int {
	if vm.watcher != nil {
		vm.watcher.Stop()
	}
	vm.threads.DetachDaemons()
	vm.threads.JoinAll()

	vm.mainMu.Lock()
	main := vm.main
	vm.mainMu.Unlock()
	if main == nil {
		return 0
	}
	n := vm.heap.RunAllFinalizers(main.State)
	vm.log.Infof("shutdown: ran %d finalizers", n)
	return main.State.ExitCode()
}
