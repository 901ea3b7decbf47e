package vm

// ---------------------------------------------------------------------------
// Field, element and byte access through handles
// ---------------------------------------------------------------------------

// resolveLocked returns the payload offset of ref, checking its kind.
// The caller holds c.mu.
func (c *Collector) resolveLocked(ref Reference, want HeapKind) (int, error) {
	if ref.IsNull() {
		return 0, invalidArgument("null reference")
	}
	addr, err := c.registry.Address(ref)
	if err != nil {
		return 0, err
	}
	kind, _, _ := c.readHeader(int(addr) - headerSize)
	if want != HeapInvalid && kind != want {
		return 0, invalidArgument("handle %d is %s, not %s", ref, kind, want)
	}
	return int(addr), nil
}

// ClassOf returns the class of an object.
func (c *Collector) ClassOf(ref Reference) (*Class, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, err := c.resolveLocked(ref, HeapObject)
	if err != nil {
		return nil, err
	}
	return c.classAtLocked(p), nil
}

func (c *Collector) classAtLocked(p int) *Class {
	return c.classes.class(le.Uint32(c.pool[p:]))
}

func (c *Collector) fieldOffsetLocked(ref Reference, index int) (int, *Class, error) {
	p, err := c.resolveLocked(ref, HeapObject)
	if err != nil {
		return 0, nil, err
	}
	class := c.classAtLocked(p)
	if index < 0 || class == nil || index >= len(class.InstanceFields()) {
		return 0, nil, outOfBounds("field index %d", index)
	}
	return p + objectPrefix + index*slotSize, class, nil
}

// GetField reads instance field index of an object.
func (c *Collector) GetField(ref Reference, index int) (Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	off, _, err := c.fieldOffsetLocked(ref, index)
	if err != nil {
		return Value{}, err
	}
	return c.readSlot(off), nil
}

// SetField writes instance field index of an object, converting integer
// values to the declared field type.
func (c *Collector) SetField(ref Reference, index int, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, class, err := c.fieldOffsetLocked(ref, index)
	if err != nil {
		return err
	}
	stored, err := coerceToField(FieldType(class.InstanceFields()[index].Descriptor), v)
	if err != nil {
		return err
	}
	c.writeSlot(off, stored)
	return nil
}

// GetFieldByName reads an instance field by name.
func (c *Collector) GetFieldByName(ref Reference, name string) (Value, error) {
	class, err := c.ClassOf(ref)
	if err != nil {
		return Value{}, err
	}
	idx := class.FieldIndex(name)
	if idx < 0 {
		return Value{}, invalidArgument("no field %s.%s", class.Name, name)
	}
	return c.GetField(ref, idx)
}

// SetFieldByName writes an instance field by name.
func (c *Collector) SetFieldByName(ref Reference, name string, v Value) error {
	class, err := c.ClassOf(ref)
	if err != nil {
		return err
	}
	idx := class.FieldIndex(name)
	if idx < 0 {
		return invalidArgument("no field %s.%s", class.Name, name)
	}
	return c.SetField(ref, idx, v)
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func (c *Collector) arrayLocked(ref Reference) (int, ArrayType, int, error) {
	p, err := c.resolveLocked(ref, HeapArray)
	if err != nil {
		return 0, 0, 0, err
	}
	return p, ArrayType(c.pool[p]), int(le.Uint32(c.pool[p+1:])), nil
}

// ArrayLength returns the element count of an array.
func (c *Collector) ArrayLength(ref Reference) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, _, n, err := c.arrayLocked(ref)
	return n, err
}

// ArrayElementType returns the element type of an array.
func (c *Collector) ArrayElementType(ref Reference) (ArrayType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, t, _, err := c.arrayLocked(ref)
	return t, err
}

// ArrayGet reads element i.
func (c *Collector) ArrayGet(ref Reference, i int) (Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, t, n, err := c.arrayLocked(ref)
	if err != nil {
		return Value{}, err
	}
	if i < 0 || i >= n {
		return Value{}, outOfBounds("array index %d, length %d", i, n)
	}
	return c.readElement(p+arrayPrefix+i*t.ElementSize(), t), nil
}

// ArraySet writes element i. Integer-compatible arrays narrow any integer
// value to their element type; other arrays require an exact kind match.
func (c *Collector) ArraySet(ref Reference, i int, v Value) error {
	if !v.IsValid() {
		return invalidArgument("cannot store an invalid value")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, t, n, err := c.arrayLocked(ref)
	if err != nil {
		return err
	}
	if i < 0 || i >= n {
		return outOfBounds("array index %d, length %d", i, n)
	}
	want := t.ElementKind()
	switch {
	case v.Kind() == want:
	case want.IsIntegerCompatible() && v.IsIntegerCompatible():
		if v, err = NarrowTo(v, want); err != nil {
			return err
		}
	default:
		return unsupported("cannot store %s into %s array", v.Kind(), want)
	}
	c.writeElement(p+arrayPrefix+i*t.ElementSize(), t, v)
	return nil
}

// ---------------------------------------------------------------------------
// Byte blocks
// ---------------------------------------------------------------------------

// ReadBytes returns a copy of a byte block's contents.
func (c *Collector) ReadBytes(ref Reference) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, err := c.resolveLocked(ref, HeapBytes)
	if err != nil {
		return nil, err
	}
	_, size, _ := c.readHeader(p - headerSize)
	return append([]byte(nil), c.pool[p:p+size]...), nil
}

// WriteBytes copies data into a byte block at offset.
func (c *Collector) WriteBytes(ref Reference, offset int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.resolveLocked(ref, HeapBytes)
	if err != nil {
		return err
	}
	_, size, _ := c.readHeader(p - headerSize)
	if offset < 0 || offset+len(data) > size {
		return outOfBounds("write of %d bytes at %d into block of %d", len(data), offset, size)
	}
	copy(c.pool[p+offset:], data)
	return nil
}

// ---------------------------------------------------------------------------
// Heap walking
// ---------------------------------------------------------------------------

// ObjectInfo describes one registered heap block.
type ObjectInfo struct {
	Handle     Reference
	Kind       HeapKind
	Address    Address
	Size       int
	Class      string    // objects only
	ArrayType  ArrayType // arrays only
	Length     int       // arrays only
	References []Reference
}

// Objects describes every registered block, ordered by handle.
func (c *Collector) Objects() []ObjectInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.registry.snapshot()
	out := make([]ObjectInfo, 0, len(entries))
	for _, ref := range c.registry.Handles() {
		e, ok := entries[ref]
		if !ok {
			continue
		}
		p := int(e.addr)
		_, size, _ := c.readHeader(p - headerSize)
		info := ObjectInfo{Handle: ref, Kind: e.kind, Address: e.addr, Size: size}
		switch e.kind {
		case HeapObject:
			if class := c.classAtLocked(p); class != nil {
				info.Class = class.Name
			}
		case HeapArray:
			info.ArrayType = ArrayType(c.pool[p])
			info.Length = int(le.Uint32(c.pool[p+1:]))
		}
		c.eachReference(p, e.kind, size, func(r Reference) { info.References = append(info.References, r) })
		out = append(out, info)
	}
	return out
}

// eachReference calls fn for every non-null handle stored in the block at
// payload offset p.
func (c *Collector) eachReference(p int, kind HeapKind, size int, fn func(Reference)) {
	switch kind {
	case HeapObject:
		for off := p + objectPrefix; off+slotSize <= p+size; off += slotSize {
			if Kind(c.pool[off]) == KindReference {
				if r := Reference(le.Uint64(c.pool[off+1:])); !r.IsNull() {
					fn(r)
				}
			}
		}
	case HeapArray:
		if ArrayType(c.pool[p]) != ArrayReference {
			return
		}
		n := int(le.Uint32(c.pool[p+1:]))
		for i := 0; i < n; i++ {
			if r := Reference(le.Uint32(c.pool[p+arrayPrefix+i*4:])); !r.IsNull() {
				fn(r)
			}
		}
	}
}
