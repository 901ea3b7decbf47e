package vm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------------

// TestMonitorReentrant verifies that the owner can re-enter and that the
// monitor is released only when the depth returns to zero.
func TestMonitorReentrant(t *testing.T) {
	m := NewMonitor()
	m.Lock()
	m.Lock()
	if m.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", m.Depth())
	}
	if err := m.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !m.IsHeldByCurrent() {
		t.Fatal("monitor released after the first of two unlocks")
	}

	acquired := make(chan bool)
	go func() { acquired <- m.TryLock() }()
	if <-acquired {
		t.Fatal("another goroutine acquired a held monitor")
	}

	if err := m.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if m.Owner() != 0 {
		t.Errorf("owner = %d after final unlock, want 0", m.Owner())
	}
	go func() {
		ok := m.TryLock()
		if ok {
			_ = m.Unlock()
		}
		acquired <- ok
	}()
	if !<-acquired {
		t.Error("free monitor could not be acquired")
	}
}

func TestMonitorUnlockByNonOwner(t *testing.T) {
	m := NewMonitor()
	if err := m.Unlock(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("unlock of free monitor: err = %v, want ErrInvalidState", err)
	}

	m.Lock()
	defer m.Unlock()
	errc := make(chan error)
	go func() { errc <- m.Unlock() }()
	if err := <-errc; !errors.Is(err, ErrInvalidState) {
		t.Errorf("unlock by non-owner: err = %v, want ErrInvalidState", err)
	}
	if !m.IsHeldByCurrent() {
		t.Error("non-owner unlock released the monitor")
	}
}

// TestMonitorWaitNotify checks that Wait releases the monitor fully and
// restores the previous depth once notified.
func TestMonitorWaitNotify(t *testing.T) {
	m := NewMonitor()
	type result struct {
		err   error
		depth int
		held  bool
	}
	done := make(chan result)
	go func() {
		m.Lock()
		m.Lock()
		err := m.Wait(context.Background())
		r := result{err: err, depth: m.Depth(), held: m.IsHeldByCurrent()}
		m.Unlock()
		m.Unlock()
		done <- r
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.WaiterCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never entered the wait set")
		}
		time.Sleep(time.Millisecond)
	}

	m.Lock()
	if err := m.Notify(); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := m.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("wait: %v", r.err)
	}
	if !r.held || r.depth != 2 {
		t.Errorf("after wait: held=%v depth=%d, want held at depth 2", r.held, r.depth)
	}
}

func TestMonitorWaitTimeout(t *testing.T) {
	m := NewMonitor()
	m.Lock()
	defer m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait: err = %v, want DeadlineExceeded", err)
	}
	if !m.IsHeldByCurrent() || m.WaiterCount() != 0 {
		t.Error("timed-out wait did not reacquire the monitor or left a waiter behind")
	}
}

func TestMonitorNotifyRequiresOwnership(t *testing.T) {
	m := NewMonitor()
	if err := m.Notify(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("notify: err = %v, want ErrInvalidState", err)
	}
	if err := m.NotifyAll(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("notifyAll: err = %v, want ErrInvalidState", err)
	}
	if err := m.Wait(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("wait: err = %v, want ErrInvalidState", err)
	}
}
