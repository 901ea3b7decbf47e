package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// ObjectRegistry
// ---------------------------------------------------------------------------

func TestRegistryHandlesStartAtOneAndAreNotReused(t *testing.T) {
	r := NewObjectRegistry()
	a := r.Add(100, HeapObject)
	b := r.Add(200, HeapArray)
	if a != 1 || b != 2 {
		t.Fatalf("handles = %d, %d, want 1, 2", a, b)
	}
	r.Remove(a)
	if c := r.Add(300, HeapBytes); c != 3 {
		t.Errorf("handle after remove = %d, want 3", c)
	}
	if r.Contains(a) {
		t.Error("removed handle still registered")
	}
	if _, err := r.Address(a); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Errorf("address of removed handle: err = %v, want ErrIndexOutOfBounds", err)
	}
	if _, err := r.Address(NullReference); err == nil {
		t.Error("address of null handle succeeded")
	}
	if r.Count() != 2 {
		t.Errorf("count = %d, want 2", r.Count())
	}
}

// TestRegistryRelocate verifies that a collection's moves are applied and
// every handle missing from them is released.
func TestRegistryRelocate(t *testing.T) {
	r := NewObjectRegistry()
	a := r.Add(100, HeapObject)
	b := r.Add(200, HeapObject)
	c := r.Add(300, HeapObject)

	released := r.Relocate(map[Reference]Address{a: 1100, c: 1300})
	if len(released) != 1 || released[0] != b {
		t.Fatalf("released = %v, want [%d]", released, b)
	}
	if addr, _ := r.Address(a); addr != 1100 {
		t.Errorf("a at %d, want 1100", addr)
	}
	if addr, _ := r.Address(c); addr != 1300 {
		t.Errorf("c at %d, want 1300", addr)
	}

	// The updated flags are reset, so a collection that moves nothing
	// releases everything.
	if released := r.Relocate(nil); len(released) != 2 {
		t.Errorf("second relocate released %v, want both handles", released)
	}
}

func TestRegistryUpdateAndCleanup(t *testing.T) {
	r := NewObjectRegistry()
	a := r.Add(100, HeapObject)
	b := r.Add(200, HeapObject)
	if err := r.UpdateAddress(a, 500); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := r.UpdateAddress(99, 1); err == nil {
		t.Error("update of unknown handle succeeded")
	}
	released := r.Cleanup()
	if len(released) != 1 || released[0] != b {
		t.Errorf("cleanup released %v, want [%d]", released, b)
	}
	if addr, _ := r.Address(a); addr != 500 {
		t.Errorf("a at %d, want 500", addr)
	}
}

func TestRegistryMonitorIsCreatedOnce(t *testing.T) {
	r := NewObjectRegistry()
	a := r.Add(100, HeapObject)
	m1, err := r.Monitor(a)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	m2, _ := r.Monitor(a)
	if m1 != m2 {
		t.Error("second Monitor call returned a different monitor")
	}
	if _, err := r.Monitor(NullReference); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("monitor of null: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := r.Monitor(42); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Errorf("monitor of unknown handle: err = %v, want ErrIndexOutOfBounds", err)
	}
}

func TestRegistryFinalizedFlag(t *testing.T) {
	r := NewObjectRegistry()
	a := r.Add(100, HeapObject)
	if !r.markFinalized(a) {
		t.Fatal("first markFinalized returned false")
	}
	if r.markFinalized(a) {
		t.Error("second markFinalized returned true")
	}
	if !r.IsFinalized(a) {
		t.Error("IsFinalized = false")
	}
}
