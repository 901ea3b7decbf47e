package vm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// Monitor: re-entrant lock for Java objects and classes
// ---------------------------------------------------------------------------

// Monitor is a re-entrant mutual-exclusion lock owned by a goroutine. The
// first Lock by a new owner sets the depth to 1, each re-entry increments
// it, and the underlying mutex is released when Unlock brings it back to 0.
//
// Monitors also carry the wait set used by Object.wait/notify.
type Monitor struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id, 0 when free
	depth atomic.Int32 // written only by the owner

	waitMu  sync.Mutex
	waiters []chan struct{}
}

// NewMonitor creates an unowned monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Lock acquires the monitor, blocking while another goroutine owns it.
func (m *Monitor) Lock() {
	id := goid.Get()
	if m.owner.Load() == id {
		m.depth.Add(1)
		return
	}
	m.mu.Lock()
	m.owner.Store(id)
	m.depth.Store(1)
}

// TryLock acquires the monitor if it is free or already owned by the caller.
func (m *Monitor) TryLock() bool {
	id := goid.Get()
	if m.owner.Load() == id {
		m.depth.Add(1)
		return true
	}
	if !m.mu.TryLock() {
		return false
	}
	m.owner.Store(id)
	m.depth.Store(1)
	return true
}

// Unlock releases one level of ownership. Unlocking a monitor the caller
// does not own is an ErrInvalidState.
func (m *Monitor) Unlock() error {
	if m.owner.Load() != goid.Get() {
		return invalidState("monitor unlock by non-owner")
	}
	if m.depth.Add(-1) == 0 {
		m.owner.Store(0)
		m.mu.Unlock()
	}
	return nil
}

// IsHeldByCurrent reports whether the calling goroutine owns the monitor.
func (m *Monitor) IsHeldByCurrent() bool {
	return m.owner.Load() == goid.Get()
}

// Owner returns the owning goroutine id, or 0.
func (m *Monitor) Owner() int64 {
	return m.owner.Load()
}

// Depth returns the recursion depth. Only meaningful to the owner.
func (m *Monitor) Depth() int {
	return int(m.depth.Load())
}

// Wait releases the monitor completely, blocks until notified or ctx is
// done, then reacquires it at the previous depth. The caller must own the
// monitor.
func (m *Monitor) Wait(ctx context.Context) error {
	return m.wait(ctx, nil)
}

// wait is Wait that also gives up with ErrInterrupted when interrupt is
// closed. A notification that races with ctx or interrupt wins.
func (m *Monitor) wait(ctx context.Context, interrupt <-chan struct{}) error {
	id := goid.Get()
	if m.owner.Load() != id {
		return invalidState("monitor wait by non-owner")
	}

	ch := make(chan struct{})
	m.waitMu.Lock()
	m.waiters = append(m.waiters, ch)
	m.waitMu.Unlock()

	saved := m.depth.Load()
	m.depth.Store(0)
	m.owner.Store(0)
	m.mu.Unlock()

	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		if m.removeWaiter(ch) {
			err = ctx.Err()
		}
	case <-interrupt:
		if m.removeWaiter(ch) {
			err = interrupted("monitor wait")
		}
	}

	m.mu.Lock()
	m.owner.Store(id)
	m.depth.Store(saved)
	return err
}

// Notify wakes one waiter. The caller must own the monitor.
func (m *Monitor) Notify() error {
	if !m.IsHeldByCurrent() {
		return invalidState("monitor notify by non-owner")
	}
	m.waitMu.Lock()
	if len(m.waiters) > 0 {
		close(m.waiters[0])
		m.waiters = m.waiters[1:]
	}
	m.waitMu.Unlock()
	return nil
}

// NotifyAll wakes every waiter. The caller must own the monitor.
func (m *Monitor) NotifyAll() error {
	if !m.IsHeldByCurrent() {
		return invalidState("monitor notifyAll by non-owner")
	}
	m.waitMu.Lock()
	for _, ch := range m.waiters {
		close(ch)
	}
	m.waiters = nil
	m.waitMu.Unlock()
	return nil
}

// WaiterCount returns the number of goroutines in the wait set.
func (m *Monitor) WaiterCount() int {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	return len(m.waiters)
}

// removeWaiter drops ch from the wait set. It reports false if ch was
// already notified.
func (m *Monitor) removeWaiter(ch chan struct{}) bool {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}
