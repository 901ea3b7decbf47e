package vm

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap layout
// ---------------------------------------------------------------------------
//
// The heap is one byte pool split into two equal semispaces. Every block is
//
//	[kind u8][pad x3][size u32][forward u32] payload...
//
// and an Address is the offset of the payload within the pool. Object
// payloads are a class id followed by 9-byte slots (kind u8, bits u64).
// Array payloads are an element type, a u32 length and packed elements.
// References inside the heap are handles, so moving a block never requires
// rewriting the fields of other blocks.

// Address is the pool offset of a block's payload.
type Address uint32

// HeapKind tags a heap block.
type HeapKind uint8

const (
	HeapInvalid HeapKind = iota
	HeapObject
	HeapArray
	HeapBytes
)

func (k HeapKind) String() string {
	switch k {
	case HeapObject:
		return "object"
	case HeapArray:
		return "array"
	case HeapBytes:
		return "bytes"
	}
	return "invalid"
}

const (
	headerSize   = 12
	hdrSizeOff   = 4
	hdrFwdOff    = 8
	slotSize     = 9
	objectPrefix = 4
	arrayPrefix  = 5

	minHeapSize = 4 * 1024
	// Addresses and block sizes are 32-bit pool offsets.
	maxHeapSize = math.MaxUint32
)

var le = binary.LittleEndian

// RootSource supplies the collector with roots and the safepoint check.
// The ThreadManager is the production implementation.
type RootSource interface {
	GetRoots() []Reference
	AllThreadsPaused() bool
}

// CollectorConfig sizes the heap and tunes the collection trigger.
type CollectorConfig struct {
	HeapSize          int // total bytes, split into two semispaces
	CollectThreshold  int // percent of a semispace; below this free space a collection is due
	MinAllocations    int // allocations since the last collection before the threshold applies
	RecentAllocations int // capacity of the recent-allocation root list
}

// DefaultCollectorConfig returns the stock collector settings.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		HeapSize:          16 * 1024 * 1024,
		CollectThreshold:  10,
		MinAllocations:    100,
		RecentAllocations: 100,
	}
}

// Collector owns the semispace heap. It bump-allocates from the active
// semispace and reclaims space by copying the live graph into the other one.
type Collector struct {
	cfg CollectorConfig

	// mu serializes allocation and collection and guards every read or
	// write of pool bytes.
	mu          sync.RWMutex
	pool        []byte
	half        int
	active      int
	allocPtr    int
	allocations int
	allocFailed bool

	collecting atomic.Bool

	registry *ObjectRegistry
	roots    RootSource
	classes  *classTable

	recent        []Reference // newest first
	finalizeQueue []Reference

	collections atomic.Uint64
	lastStats   atomic.Value // *CollectionStats
	observersMu sync.Mutex
	observers   []func(*CollectionStats)

	log commonlog.Logger
}

// NewCollector creates a collector over a fresh pool.
func NewCollector(cfg CollectorConfig, registry *ObjectRegistry, roots RootSource) (*Collector, error) {
	def := DefaultCollectorConfig()
	if cfg.HeapSize == 0 {
		cfg.HeapSize = def.HeapSize
	}
	if cfg.HeapSize < minHeapSize {
		return nil, invalidArgument("heap size %d is below the minimum of %d bytes", cfg.HeapSize, minHeapSize)
	}
	if uint64(cfg.HeapSize) > maxHeapSize {
		return nil, invalidArgument("heap size %d exceeds the maximum of %d bytes", cfg.HeapSize, uint64(maxHeapSize))
	}
	if cfg.CollectThreshold <= 0 {
		cfg.CollectThreshold = def.CollectThreshold
	}
	if cfg.MinAllocations < 0 {
		cfg.MinAllocations = 0
	}
	if cfg.RecentAllocations < 0 {
		cfg.RecentAllocations = 0
	}
	if registry == nil {
		registry = NewObjectRegistry()
	}
	half := cfg.HeapSize / 2
	return &Collector{
		cfg:      cfg,
		pool:     make([]byte, half*2),
		half:     half,
		registry: registry,
		roots:    roots,
		classes:  newClassTable(),
		log:      commonlog.GetLogger("jvmx.gc"),
	}, nil
}

// SetRootSource installs the root provider. Used when the thread manager
// is created after the collector.
func (c *Collector) SetRootSource(roots RootSource) {
	c.mu.Lock()
	c.roots = roots
	c.mu.Unlock()
}

// Registry returns the handle table the collector maintains.
func (c *Collector) Registry() *ObjectRegistry { return c.registry }

// ---------------------------------------------------------------------------
// Geometry and trigger
// ---------------------------------------------------------------------------

// GetHeapSize returns the total pool size, both semispaces included.
func (c *Collector) GetHeapSize() int { return len(c.pool) }

// SemispaceSize returns the capacity of one semispace.
func (c *Collector) SemispaceSize() int { return c.half }

// UsedBytes returns the bytes allocated in the active semispace.
func (c *Collector) UsedBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allocPtr - c.active
}

// FreeBytes returns the bytes left in the active semispace.
func (c *Collector) FreeBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freeLocked()
}

func (c *Collector) freeLocked() int {
	return c.active + c.half - c.allocPtr
}

// AllocationCount returns the allocations since the last collection.
func (c *Collector) AllocationCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allocations
}

// IsCollecting reports whether a collection is running.
func (c *Collector) IsCollecting() bool { return c.collecting.Load() }

// MustCollect reports whether a collection is due: an allocation has
// failed, or free space is under the threshold after enough allocations.
// It is false while a collection is running.
func (c *Collector) MustCollect() bool {
	if c.collecting.Load() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.allocFailed {
		return true
	}
	return c.freeLocked()*100 < c.half*c.cfg.CollectThreshold &&
		c.allocations >= c.cfg.MinAllocations
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (c *Collector) allocateLocked(kind HeapKind, size int) (Address, error) {
	if size < 0 {
		return 0, invalidArgument("negative allocation size %d", size)
	}
	total := headerSize + size
	if c.allocPtr+total > c.active+c.half {
		c.allocFailed = true
		return 0, errors.Wrapf(ErrOutOfMemory, "cannot allocate %d bytes, %d free", total, c.freeLocked())
	}
	hdr := c.allocPtr
	clear(c.pool[hdr : hdr+total])
	c.writeHeader(hdr, kind, size)
	c.allocPtr += total
	c.allocations++
	return Address(hdr + headerSize), nil
}

// AllocateBytes allocates an opaque byte block. Byte blocks are never
// scanned for references.
func (c *Collector) AllocateBytes(size int) (Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, err := c.allocateLocked(HeapBytes, size)
	if err != nil {
		return NullReference, err
	}
	return c.registry.Add(addr, HeapBytes), nil
}

// AllocateObject allocates an instance of class with every field at its
// default value. The block size comes from the class's field layout.
func (c *Collector) AllocateObject(class *Class) (Reference, error) {
	if class == nil {
		return NullReference, invalidArgument("allocate object of nil class")
	}
	layout := class.InstanceFields()
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, err := c.allocateLocked(HeapObject, objectPrefix+len(layout)*slotSize)
	if err != nil {
		return NullReference, err
	}
	p := int(addr)
	le.PutUint32(c.pool[p:], c.classes.id(class))
	for i, f := range layout {
		c.writeSlot(p+objectPrefix+i*slotSize, FieldType(f.Descriptor).DefaultValue())
	}
	return c.registry.Add(addr, HeapObject), nil
}

// AllocateArray allocates a zeroed array of length elements.
func (c *Collector) AllocateArray(t ArrayType, length int) (Reference, error) {
	if !t.IsValid() {
		return NullReference, invalidArgument("unknown array type %d", t)
	}
	if length < 0 {
		return NullReference, invalidArgument("negative array length %d", length)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, err := c.allocateLocked(HeapArray, arrayPrefix+length*t.ElementSize())
	if err != nil {
		return NullReference, err
	}
	p := int(addr)
	c.pool[p] = byte(t)
	le.PutUint32(c.pool[p+1:], uint32(length))
	return c.registry.Add(addr, HeapArray), nil
}

// AddRecentAllocation keeps ref alive across collections until it falls
// off the bounded recent list. Every State allocation is recorded here, so
// an object survives until its creator has rooted it.
func (c *Collector) AddRecentAllocation(ref Reference) {
	if ref.IsNull() || c.cfg.RecentAllocations == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recent) >= c.cfg.RecentAllocations {
		c.recent = c.recent[:c.cfg.RecentAllocations-1]
	}
	c.recent = append([]Reference{ref}, c.recent...)
}

// RecentAllocations returns the recent list, newest first.
func (c *Collector) RecentAllocations() []Reference {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Reference(nil), c.recent...)
}

// ---------------------------------------------------------------------------
// Header and slot encoding
// ---------------------------------------------------------------------------

func (c *Collector) writeHeader(hdr int, kind HeapKind, size int) {
	c.pool[hdr] = byte(kind)
	le.PutUint32(c.pool[hdr+hdrSizeOff:], uint32(size))
	le.PutUint32(c.pool[hdr+hdrFwdOff:], 0)
}

func (c *Collector) readHeader(hdr int) (HeapKind, int, Address) {
	return HeapKind(c.pool[hdr]),
		int(le.Uint32(c.pool[hdr+hdrSizeOff:])),
		Address(le.Uint32(c.pool[hdr+hdrFwdOff:]))
}

func (c *Collector) setForward(hdr int, to Address) {
	le.PutUint32(c.pool[hdr+hdrFwdOff:], uint32(to))
}

func (c *Collector) writeSlot(off int, v Value) {
	c.pool[off] = byte(v.Kind())
	le.PutUint64(c.pool[off+1:], v.Bits())
}

func (c *Collector) readSlot(off int) Value {
	return fromBits(Kind(c.pool[off]), le.Uint64(c.pool[off+1:]))
}

func (c *Collector) writeElement(off int, t ArrayType, v Value) {
	switch t.ElementSize() {
	case 1:
		c.pool[off] = byte(v.Bits())
	case 2:
		le.PutUint16(c.pool[off:], uint16(v.Bits()))
	case 4:
		le.PutUint32(c.pool[off:], uint32(v.Bits()))
	case 8:
		le.PutUint64(c.pool[off:], v.Bits())
	}
}

func (c *Collector) readElement(off int, t ArrayType) Value {
	switch t {
	case ArrayBoolean:
		return Bool(c.pool[off] != 0)
	case ArrayByte:
		return Byte(int8(c.pool[off]))
	case ArrayChar:
		return Char(le.Uint16(c.pool[off:]))
	case ArrayShort:
		return Short(int16(le.Uint16(c.pool[off:])))
	case ArrayInt:
		return Int(int32(le.Uint32(c.pool[off:])))
	case ArrayFloat:
		return Float(math.Float32frombits(le.Uint32(c.pool[off:])))
	case ArrayLong:
		return Long(int64(le.Uint64(c.pool[off:])))
	case ArrayDouble:
		return Double(math.Float64frombits(le.Uint64(c.pool[off:])))
	case ArrayReference:
		return Ref(Reference(le.Uint32(c.pool[off:])))
	}
	return Value{}
}

// ---------------------------------------------------------------------------
// Class ids stored in object payloads
// ---------------------------------------------------------------------------

type classTable struct {
	mu   sync.RWMutex
	byID []*Class // index 0 unused
	ids  map[*Class]uint32
}

func newClassTable() *classTable {
	return &classTable{byID: []*Class{nil}, ids: make(map[*Class]uint32)}
}

func (t *classTable) id(c *Class) uint32 {
	t.mu.RLock()
	id, ok := t.ids[c]
	t.mu.RUnlock()
	if ok {
		return id
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[c]; ok {
		return id
	}
	id = uint32(len(t.byID))
	t.byID = append(t.byID, c)
	t.ids[c] = id
	return id
}

func (t *classTable) class(id uint32) *Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || int(id) >= len(t.byID) {
		return nil
	}
	return t.byID[id]
}
