package vm

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Cheney collection
// ---------------------------------------------------------------------------

// CollectionStats records one completed collection.
type CollectionStats struct {
	Sequence    uint64
	BytesBefore int
	BytesAfter  int
	LiveObjects int
	Released    int
	Finalizable int
	Duration    time.Duration
	Timestamp   time.Time
}

// Reclaimed returns the bytes freed by the collection.
func (s *CollectionStats) Reclaimed() int { return s.BytesBefore - s.BytesAfter }

// relocation is the in-progress state of one copy pass. Registry updates
// are staged in moves and only published when the pass completes.
type relocation struct {
	c           *Collector
	entries     map[Reference]registryEntry
	moves       map[Reference]Address
	forwarded   []int // from-space headers carrying a forwarding address
	base        int
	scan        int
	alloc       int
	limit       int
	finalizable []Reference
}

// Collect copies the live graph into the idle semispace and makes it the
// active one. Every other thread must be paused; the caller is responsible
// for the safepoint (see VM.TryDoGarbageCollection).
//
// On ErrOutOfMemory the heap and registry are left exactly as they were.
func (c *Collector) Collect() (*CollectionStats, error) {
	if !c.collecting.CompareAndSwap(false, true) {
		return nil, invalidState("collection already in progress")
	}
	defer c.collecting.Store(false)

	c.mu.RLock()
	rs := c.roots
	c.mu.RUnlock()

	var roots []Reference
	if rs != nil {
		if !rs.AllThreadsPaused() {
			return nil, invalidState("collection requested while threads are running")
		}
		roots = rs.GetRoots()
	}

	stats, err := c.collectLocked(roots)
	if err != nil {
		return nil, err
	}
	c.notifyObservers(stats)
	return stats, nil
}

func (c *Collector) collectLocked(roots []Reference) (*CollectionStats, error) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	roots = append(roots, c.recent...)
	roots = append(roots, c.finalizeQueue...)
	before := c.allocPtr - c.active

	target := c.half
	if c.active != 0 {
		target = 0
	}
	rel, err := c.relocate(roots, target, target+c.half)
	if err != nil {
		c.log.Errorf("collection aborted: %v", err)
		return nil, err
	}

	released := c.registry.Relocate(rel.moves)
	c.active = target
	c.allocPtr = rel.alloc
	c.allocations = 0
	c.allocFailed = false
	c.finalizeQueue = append(c.finalizeQueue, rel.finalizable...)

	stats := &CollectionStats{
		Sequence:    c.collections.Add(1),
		BytesBefore: before,
		BytesAfter:  rel.alloc - target,
		LiveObjects: len(rel.moves),
		Released:    len(released),
		Finalizable: len(rel.finalizable),
		Duration:    time.Since(start),
		Timestamp:   start,
	}
	c.lastStats.Store(stats)
	c.log.Infof("collection #%d: %s -> %s, %d live, %d released, %d to finalize in %s",
		stats.Sequence, humanize.IBytes(uint64(stats.BytesBefore)), humanize.IBytes(uint64(stats.BytesAfter)),
		stats.LiveObjects, stats.Released, stats.Finalizable, stats.Duration)
	return stats, nil
}

// relocate copies everything reachable from roots into [base, limit).
// Unreachable objects whose class has a finalizer are copied as well so
// that their finalizer can still see them; they are reported in
// finalizable. On failure every forwarding address is cleared.
func (c *Collector) relocate(roots []Reference, base, limit int) (*relocation, error) {
	r := &relocation{
		c:       c,
		entries: c.registry.snapshot(),
		moves:   make(map[Reference]Address),
		base:    base,
		scan:    base,
		alloc:   base,
		limit:   limit,
	}
	if err := r.run(roots); err != nil {
		r.rollback()
		return nil, err
	}
	return r, nil
}

func (r *relocation) run(roots []Reference) error {
	for _, ref := range roots {
		if err := r.evacuate(ref); err != nil {
			return err
		}
	}
	if err := r.scanToAlloc(); err != nil {
		return err
	}

	candidates := make([]Reference, 0)
	for ref, e := range r.entries {
		if _, live := r.moves[ref]; live || e.kind != HeapObject || e.finalized {
			continue
		}
		class := r.c.classAtLocked(int(e.addr))
		if class != nil && class.HasFinalizer() {
			candidates = append(candidates, ref)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for _, ref := range candidates {
		if _, live := r.moves[ref]; live {
			// Reached from an earlier candidate; it is still only
			// finalizer-reachable.
			r.finalizable = append(r.finalizable, ref)
			continue
		}
		if err := r.evacuate(ref); err != nil {
			return err
		}
		r.finalizable = append(r.finalizable, ref)
	}
	return r.scanToAlloc()
}

// evacuate copies ref's block into to-space unless it already has a
// forwarding address.
func (r *relocation) evacuate(ref Reference) error {
	if ref.IsNull() {
		return nil
	}
	if _, done := r.moves[ref]; done {
		return nil
	}
	e, ok := r.entries[ref]
	if !ok {
		r.c.log.Warningf("dangling handle %d found during collection", ref)
		return nil
	}
	c := r.c
	hdr := int(e.addr) - headerSize
	_, size, fwd := c.readHeader(hdr)
	if fwd != 0 {
		r.moves[ref] = fwd
		return nil
	}
	total := headerSize + size
	if r.alloc+total > r.limit {
		return errors.Wrapf(ErrOutOfMemory, "live set exceeds the %d bytes available for copying", r.limit-r.base)
	}
	copy(c.pool[r.alloc:r.alloc+total], c.pool[hdr:hdr+total])
	c.setForward(r.alloc, 0)
	to := Address(r.alloc + headerSize)
	c.setForward(hdr, to)
	r.forwarded = append(r.forwarded, hdr)
	r.moves[ref] = to
	r.alloc += total
	return nil
}

// scanToAlloc advances the scan pointer over copied blocks, evacuating
// their referents, until it meets the allocation pointer. Fields hold
// handles, so the copies need no rewriting.
func (r *relocation) scanToAlloc() error {
	c := r.c
	var err error
	for r.scan < r.alloc && err == nil {
		kind, size, _ := c.readHeader(r.scan)
		c.eachReference(r.scan+headerSize, kind, size, func(ref Reference) {
			if err == nil {
				err = r.evacuate(ref)
			}
		})
		r.scan += headerSize + size
	}
	return err
}

func (r *relocation) rollback() {
	for _, hdr := range r.forwarded {
		r.c.setForward(hdr, 0)
	}
	r.forwarded = nil
	r.moves = nil
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// PendingFinalizers returns the number of objects queued for finalization.
func (c *Collector) PendingFinalizers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.finalizeQueue)
}

// RunFinalizers runs the queued finalizers on state. Each object is
// finalized at most once and released by a later collection.
func (c *Collector) RunFinalizers(state *State) int {
	c.mu.Lock()
	queue := c.finalizeQueue
	c.finalizeQueue = nil
	c.mu.Unlock()

	n := 0
	for _, ref := range queue {
		if c.finalize(state, ref) {
			n++
		}
	}
	return n
}

// RunAllFinalizers finalizes every live object whose class declares a
// finalizer and which has not been finalized yet. Used at shutdown.
func (c *Collector) RunAllFinalizers(state *State) int {
	n := c.RunFinalizers(state)
	for _, ref := range c.registry.Handles() {
		if kind, err := c.registry.Kind(ref); err != nil || kind != HeapObject {
			continue
		}
		if c.finalize(state, ref) {
			n++
		}
	}
	return n
}

func (c *Collector) finalize(state *State, ref Reference) bool {
	class, err := c.ClassOf(ref)
	if err != nil || class == nil || !class.HasFinalizer() {
		return false
	}
	if !c.registry.markFinalized(ref) {
		return false
	}
	if state == nil {
		c.log.Warningf("no thread to run finalizer of %s@%d", class.Name, ref)
		return false
	}
	if err := state.invokeFinalizer(ref, class); err != nil {
		c.log.Warningf("finalizer of %s@%d failed: %v", class.Name, ref, err)
	}
	return true
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Collections returns the number of completed collections.
func (c *Collector) Collections() uint64 { return c.collections.Load() }

// LastStats returns the most recent collection's statistics, or nil.
func (c *Collector) LastStats() *CollectionStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CollectionStats)
}

// OnCollection registers fn to be called after every completed collection.
func (c *Collector) OnCollection(fn func(*CollectionStats)) {
	c.observersMu.Lock()
	c.observers = append(c.observers, fn)
	c.observersMu.Unlock()
}

func (c *Collector) notifyObservers(stats *CollectionStats) {
	c.observersMu.Lock()
	obs := make([]func(*CollectionStats), len(c.observers))
	copy(obs, c.observers)
	c.observersMu.Unlock()
	for _, fn := range obs {
		fn(stats)
	}
}
