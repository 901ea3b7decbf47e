package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// ObjectRegistry: handle -> heap address indirection table
// ---------------------------------------------------------------------------

// registryEntry is the registry's record for one live handle.
type registryEntry struct {
	addr      Address
	kind      HeapKind
	updated   bool
	finalized bool
	monitor   *Monitor
}

// ObjectRegistry maps stable handles to the current heap address of an
// object, array or byte block. It is the single owner of addresses: every
// Java reference is a Reference into this table, and only the collector
// moves entries.
type ObjectRegistry struct {
	mu      sync.RWMutex
	entries map[Reference]*registryEntry
	nextID  atomic.Uint32
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	r := &ObjectRegistry{
		entries: make(map[Reference]*registryEntry),
	}
	// Start handles at 1; 0 is the null reference.
	r.nextID.Store(1)
	return r
}

// Add registers a new heap block and returns its handle. Handles are never
// reused.
func (r *ObjectRegistry) Add(addr Address, kind HeapKind) Reference {
	ref := Reference(r.nextID.Add(1) - 1)
	r.mu.Lock()
	r.entries[ref] = &registryEntry{addr: addr, kind: kind}
	r.mu.Unlock()
	return ref
}

// Remove drops a handle.
func (r *ObjectRegistry) Remove(ref Reference) {
	r.mu.Lock()
	delete(r.entries, ref)
	r.mu.Unlock()
}

// Address returns the current address of ref.
func (r *ObjectRegistry) Address(ref Reference) (Address, error) {
	e, err := r.lookup(ref)
	if err != nil {
		return 0, err
	}
	return e.addr, nil
}

// Kind returns the heap kind of ref.
func (r *ObjectRegistry) Kind(ref Reference) (HeapKind, error) {
	e, err := r.lookup(ref)
	if err != nil {
		return HeapInvalid, err
	}
	return e.kind, nil
}

func (r *ObjectRegistry) lookup(ref Reference) (registryEntry, error) {
	if ref.IsNull() {
		return registryEntry{}, invalidArgument("null reference")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ref]
	if !ok {
		return registryEntry{}, outOfBounds("no object registered for handle %d", ref)
	}
	return *e, nil
}

// Contains reports whether ref is registered.
func (r *ObjectRegistry) Contains(ref Reference) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[ref]
	return ok
}

// Count returns the number of registered handles.
func (r *ObjectRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Handles returns every registered handle in ascending order.
func (r *ObjectRegistry) Handles() []Reference {
	r.mu.RLock()
	out := make([]Reference, 0, len(r.entries))
	for ref := range r.entries {
		out = append(out, ref)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateAddress moves ref to addr and marks it as surviving the current
// collection.
func (r *ObjectRegistry) UpdateAddress(ref Reference, addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return outOfBounds("no object registered for handle %d", ref)
	}
	e.addr = addr
	e.updated = true
	return nil
}

// Cleanup removes every entry not updated since the last Cleanup and
// resets the flags of the rest. It returns the removed handles in order.
func (r *ObjectRegistry) Cleanup() []Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupLocked()
}

func (r *ObjectRegistry) cleanupLocked() []Reference {
	var released []Reference
	for ref, e := range r.entries {
		if !e.updated {
			released = append(released, ref)
			delete(r.entries, ref)
			continue
		}
		e.updated = false
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released
}

// Relocate applies a whole collection's moves and drops every handle not
// in moves, under a single lock. Either all of a collection becomes
// visible or none of it does.
func (r *ObjectRegistry) Relocate(moves map[Reference]Address) []Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, addr := range moves {
		if e, ok := r.entries[ref]; ok {
			e.addr = addr
			e.updated = true
		}
	}
	return r.cleanupLocked()
}

// Monitor returns the monitor for ref, creating it on first use.
func (r *ObjectRegistry) Monitor(ref Reference) (*Monitor, error) {
	if ref.IsNull() {
		return nil, invalidArgument("monitor of null reference")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return nil, outOfBounds("no object registered for handle %d", ref)
	}
	if e.monitor == nil {
		e.monitor = NewMonitor()
	}
	return e.monitor, nil
}

// markFinalized records that ref's finalizer has run. It returns false if
// it had already been marked.
func (r *ObjectRegistry) markFinalized(ref Reference) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok || e.finalized {
		return false
	}
	e.finalized = true
	return true
}

// IsFinalized reports whether ref's finalizer has run.
func (r *ObjectRegistry) IsFinalized(ref Reference) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ref]
	return ok && e.finalized
}

// snapshot copies the handle table for use during a collection.
func (r *ObjectRegistry) snapshot() map[Reference]registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Reference]registryEntry, len(r.entries))
	for ref, e := range r.entries {
		out[ref] = *e
	}
	return out
}
