package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Thread: a goroutine running VM code
// ---------------------------------------------------------------------------

// Thread is a VM thread: a goroutine bound to a State.
type Thread struct {
	Name   string
	Daemon bool
	State  *State

	gid      atomic.Int64
	done     chan struct{}
	err      error
	joinable bool
}

// Done is closed when the thread's entry function returns. It is nil for
// attached threads, which the manager does not run.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Err returns the entry function's error once Done is closed.
func (t *Thread) Err() error {
	if t.done == nil {
		return nil
	}
	<-t.done
	return t.err
}

// GoroutineID returns the id of the goroutine the thread runs on.
func (t *Thread) GoroutineID() int64 { return t.gid.Load() }

// ---------------------------------------------------------------------------
// ThreadManager
// ---------------------------------------------------------------------------

// ThreadConfig tunes the safepoint and shutdown protocol.
type ThreadConfig struct {
	PauseTimeout         time.Duration
	JoinTimeout          time.Duration
	JoinPasses           int
	NativeCountsAsPaused bool
}

const pausePollInterval = time.Millisecond

// ThreadManager owns every live VM thread. It drives the safepoint
// protocol and aggregates GC roots across threads.
type ThreadManager struct {
	cfg     ThreadConfig
	classes ClassLibrary

	mu       sync.RWMutex
	threads  []*Thread // live
	joinable []*Thread
	stopping bool // between PauseAllThreads and ResumeAllThreads

	log commonlog.Logger
}

// NewThreadManager creates a manager. classes supplies the static roots.
func NewThreadManager(cfg ThreadConfig, classes ClassLibrary) *ThreadManager {
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = 3 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 3 * time.Second
	}
	if cfg.JoinPasses <= 0 {
		cfg.JoinPasses = 3
	}
	return &ThreadManager{
		cfg:     cfg,
		classes: classes,
		log:     commonlog.GetLogger("jvmx.threads"),
	}
}

// AttachCurrent binds the calling goroutine to state. Attached threads are
// paused and scanned like any other but are never joined. Attaching while
// a stop is in effect blocks until it ends.
func (tm *ThreadManager) AttachCurrent(name string, state *State) *Thread {
	t := &Thread{Name: name, State: state}
	t.gid.Store(goid.Get())
	tm.register(t)
	state.pollPause()
	return t
}

// register adds t to the live set. A thread that arrives during a stop
// joins it already paused.
func (tm *ThreadManager) register(t *Thread) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopping {
		t.State.markPaused()
	}
	tm.threads = append(tm.threads, t)
	if t.joinable {
		tm.joinable = append(tm.joinable, t)
	}
}

// Detach removes a thread from the manager. Its roots are no longer
// reported.
func (tm *ThreadManager) Detach(t *Thread) {
	tm.mu.Lock()
	tm.threads = removeThread(tm.threads, t)
	tm.mu.Unlock()
}

// Start runs fn on a new goroutine bound to state. The thread is visible
// to the safepoint protocol before Start returns.
func (tm *ThreadManager) Start(name string, daemon bool, state *State, fn func(*State) error) *Thread {
	t := &Thread{
		Name:     name,
		Daemon:   daemon,
		State:    state,
		done:     make(chan struct{}),
		joinable: true,
	}
	tm.register(t)

	started := make(chan struct{})
	go func() {
		t.gid.Store(goid.Get())
		close(started)
		defer func() {
			tm.Detach(t)
			close(t.done)
		}()
		state.pollPause()
		t.err = fn(state)
	}()
	<-started
	return t
}

// Threads returns the live threads.
func (tm *ThreadManager) Threads() []*Thread {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]*Thread(nil), tm.threads...)
}

// Count returns the number of live threads.
func (tm *ThreadManager) Count() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.threads)
}

// CurrentState returns the State bound to the calling goroutine.
func (tm *ThreadManager) CurrentState() (*State, bool) {
	id := goid.Get()
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, t := range tm.threads {
		if t.gid.Load() == id {
			return t.State, true
		}
	}
	return nil, false
}

// others returns the live threads other than the caller's.
func (tm *ThreadManager) others() []*Thread {
	id := goid.Get()
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*Thread, 0, len(tm.threads))
	for _, t := range tm.threads {
		if t.gid.Load() != id {
			out = append(out, t)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Safepoint protocol
// ---------------------------------------------------------------------------

// PauseAllThreads asks every other thread to stop at its next safepoint.
// Threads already pausing or paused are left alone. Threads registered
// before ResumeAllThreads start out paused.
func (tm *ThreadManager) PauseAllThreads() {
	tm.mu.Lock()
	tm.stopping = true
	tm.mu.Unlock()
	for _, t := range tm.others() {
		s := t.State
		if s.IsPaused() || s.IsPausing() {
			continue
		}
		if err := s.Pause(); err != nil {
			tm.log.Debugf("pause %s: %v", t.Name, err)
		}
	}
}

// AllThreadsPaused reports whether every other thread is at a safepoint or
// blocked on a monitor. Threads inside native code count only when
// NativeCountsAsPaused is set.
func (tm *ThreadManager) AllThreadsPaused() bool {
	for _, t := range tm.others() {
		if !tm.isStopped(t.State) {
			return false
		}
	}
	return true
}

func (tm *ThreadManager) isStopped(s *State) bool {
	if s.IsPaused() || s.IsBlocked() {
		return true
	}
	return tm.cfg.NativeCountsAsPaused && s.IsExecutingNative()
}

// WaitForThreadsToPause polls until AllThreadsPaused holds. It gives up
// with ErrSafepointTimeout after the configured pause timeout or when ctx
// ends, leaving every flag as it was so the caller can resume or retry.
func (tm *ThreadManager) WaitForThreadsToPause(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tm.cfg.PauseTimeout)
	defer cancel()

	ticker := time.NewTicker(pausePollInterval)
	defer ticker.Stop()
	for {
		if tm.AllThreadsPaused() {
			return nil
		}
		select {
		case <-ctx.Done():
			running := 0
			for _, t := range tm.others() {
				if !tm.isStopped(t.State) {
					running++
				}
			}
			tm.log.Warningf("%d threads did not reach a safepoint: %v", running, ctx.Err())
			return errors.Wrapf(ErrSafepointTimeout, "%d threads still running", running)
		case <-ticker.C:
		}
	}
}

// ResumeAllThreads ends the stop and clears the pause flags of every
// thread.
func (tm *ThreadManager) ResumeAllThreads() {
	tm.mu.Lock()
	tm.stopping = false
	threads := append([]*Thread(nil), tm.threads...)
	tm.mu.Unlock()
	for _, t := range threads {
		t.State.Resume()
	}
}

// GetRoots returns the roots of every live thread plus, once, the static
// references of every loaded class.
func (tm *ThreadManager) GetRoots() []Reference {
	var roots []Reference
	for _, t := range tm.Threads() {
		roots = append(roots, t.State.GetGCRoots()...)
	}
	if tm.classes != nil {
		for _, c := range tm.classes.LoadedClasses() {
			roots = append(roots, c.StaticReferences()...)
		}
	}
	return roots
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// InterruptAll sets the interrupt flag of every live thread.
func (tm *ThreadManager) InterruptAll() {
	for _, t := range tm.Threads() {
		t.State.Interrupt()
	}
}

// DetachDaemons drops daemon threads from the joinable set. They keep
// running and keep taking part in safepoints.
func (tm *ThreadManager) DetachDaemons() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	kept := tm.joinable[:0]
	n := 0
	for _, t := range tm.joinable {
		if t.Daemon {
			t.joinable = false
			n++
			continue
		}
		kept = append(kept, t)
	}
	tm.joinable = kept
	return n
}

var errJoinWouldDeadlock = errors.New("join would deadlock")

// JoinAll interrupts every thread and joins the joinable ones. Each join
// waits at most JoinTimeout; a thread that does not finish in time is
// detached. A join of the calling thread itself would deadlock, so that
// thread is retried on the next pass and detached after the last one.
func (tm *ThreadManager) JoinAll() {
	tm.InterruptAll()
	for pass := 0; pass < tm.cfg.JoinPasses; pass++ {
		if tm.joinEachThread() == 0 {
			return
		}
	}
	tm.mu.Lock()
	for _, t := range tm.joinable {
		t.joinable = false
		tm.log.Warningf("detaching thread %s after %d join passes", t.Name, tm.cfg.JoinPasses)
	}
	tm.joinable = nil
	tm.mu.Unlock()
}

// joinEachThread makes one pass over the joinable set and returns the
// number of threads that must be retried.
func (tm *ThreadManager) joinEachThread() int {
	tm.mu.RLock()
	pending := append([]*Thread(nil), tm.joinable...)
	tm.mu.RUnlock()

	retry := 0
	for _, t := range pending {
		switch err := tm.join(t); {
		case err == nil:
			tm.dropJoinable(t)
		case errors.Is(err, errJoinWouldDeadlock):
			retry++
		default:
			tm.log.Warningf("detaching thread %s: %v", t.Name, err)
			tm.dropJoinable(t)
		}
	}
	return retry
}

func (tm *ThreadManager) join(t *Thread) error {
	if t.gid.Load() == goid.Get() {
		return errJoinWouldDeadlock
	}
	timer := time.NewTimer(tm.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return errors.Errorf("not finished after %s", tm.cfg.JoinTimeout)
	}
}

func (tm *ThreadManager) dropJoinable(t *Thread) {
	tm.mu.Lock()
	t.joinable = false
	tm.joinable = removeThread(tm.joinable, t)
	tm.mu.Unlock()
}

// Joinable returns the threads JoinAll would still wait for.
func (tm *ThreadManager) Joinable() []*Thread {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]*Thread(nil), tm.joinable...)
}

func removeThread(list []*Thread, t *Thread) []*Thread {
	for i, x := range list {
		if x == t {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
