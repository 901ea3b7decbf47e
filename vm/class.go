package vm

import (
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Class metadata
// ---------------------------------------------------------------------------

// AccessFlags are the class-file access flags of a method.
type AccessFlags uint16

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSynchronized AccessFlags = 0x0020
	AccNative       AccessFlags = 0x0100
	AccAbstract     AccessFlags = 0x0400
)

const (
	finalizeMethodName = "finalize"
	finalizeMethodType = "()V"
	objectClassName    = "java/lang/Object"
)

// LocalVariable is one LocalVariableTable entry.
type LocalVariable struct {
	Index      int
	Name       string
	Descriptor string
	StartPC    uint32
	Length     uint32
}

// MethodInfo is the resolved metadata of a method. Code and StackMap are
// opaque to the core and handed back to the execution engine.
type MethodInfo struct {
	Class              *Class
	Name               string
	Descriptor         string
	Flags              AccessFlags
	MaxLocals          int
	MaxStack           int
	Code               []byte
	StackMap           []byte
	LocalVariableTable []LocalVariable

	parseOnce sync.Once
	parsed    *MethodDescriptor
	parseErr  error
}

func (m *MethodInfo) IsStatic() bool       { return m.Flags&AccStatic != 0 }
func (m *MethodInfo) IsSynchronized() bool { return m.Flags&AccSynchronized != 0 }
func (m *MethodInfo) IsNative() bool       { return m.Flags&AccNative != 0 }

// ParsedDescriptor parses the method descriptor once and caches the result.
func (m *MethodInfo) ParsedDescriptor() (*MethodDescriptor, error) {
	m.parseOnce.Do(func() {
		m.parsed, m.parseErr = ParseMethodDescriptor(m.Descriptor)
	})
	return m.parsed, m.parseErr
}

// localVariableAt returns the debug entry for slot index, if any.
func (m *MethodInfo) localVariableAt(index int) (LocalVariable, bool) {
	for _, lv := range m.LocalVariableTable {
		if lv.Index == index {
			return lv, true
		}
	}
	return LocalVariable{}, false
}

// FieldInfo describes a declared field.
type FieldInfo struct {
	Name       string
	Descriptor string
	Static     bool
}

// Class is a loaded class: its field layout, methods, static storage and
// initialization monitor.
type Class struct {
	Name    string
	Super   *Class
	Fields  []FieldInfo
	Methods []*MethodInfo

	monitor *Monitor

	layoutOnce sync.Once
	layout     []FieldInfo

	staticsMu sync.RWMutex
	statics   map[string]Value
}

// NewClass creates a class and binds its methods to it. Static fields start
// at their default values.
func NewClass(name string, super *Class, fields []FieldInfo, methods ...*MethodInfo) *Class {
	c := &Class{
		Name:    name,
		Super:   super,
		Fields:  fields,
		Methods: methods,
		monitor: NewMonitor(),
		statics: make(map[string]Value),
	}
	for _, m := range methods {
		m.Class = c
	}
	for _, f := range fields {
		if f.Static {
			c.statics[f.Name] = FieldType(f.Descriptor).DefaultValue()
		}
	}
	return c
}

// Monitor returns the class monitor used by static synchronized methods and
// class initialization.
func (c *Class) Monitor() *Monitor { return c.monitor }

// InstanceFields returns the flattened instance field layout, superclass
// fields first.
func (c *Class) InstanceFields() []FieldInfo {
	c.layoutOnce.Do(func() {
		var layout []FieldInfo
		if c.Super != nil {
			layout = append(layout, c.Super.InstanceFields()...)
		}
		for _, f := range c.Fields {
			if !f.Static {
				layout = append(layout, f)
			}
		}
		c.layout = layout
	})
	return c.layout
}

// FieldIndex returns the slot index of an instance field, or -1. A field
// declared in a subclass shadows one of the same name in a superclass.
func (c *Class) FieldIndex(name string) int {
	layout := c.InstanceFields()
	for i := len(layout) - 1; i >= 0; i-- {
		if layout[i].Name == name {
			return i
		}
	}
	return -1
}

// GetMethod looks up a method declared directly on c.
func (c *Class) GetMethod(name, descriptor string) *MethodInfo {
	for _, m := range c.Methods {
		if m.Name == name && m.Descriptor == descriptor {
			return m
		}
	}
	return nil
}

// ResolveMethod looks up a method on c and then its superclasses.
func (c *Class) ResolveMethod(name, descriptor string) *MethodInfo {
	for k := c; k != nil; k = k.Super {
		if m := k.GetMethod(name, descriptor); m != nil {
			return m
		}
	}
	return nil
}

// HasFinalizer reports whether instances need finalization. The empty
// finalizer inherited from java/lang/Object does not count.
func (c *Class) HasFinalizer() bool {
	m := c.ResolveMethod(finalizeMethodName, finalizeMethodType)
	return m != nil && m.Class.Name != objectClassName
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// GetStatic reads a static field.
func (c *Class) GetStatic(name string) (Value, error) {
	c.staticsMu.RLock()
	defer c.staticsMu.RUnlock()
	v, ok := c.statics[name]
	if !ok {
		return Value{}, invalidArgument("no static field %s.%s", c.Name, name)
	}
	return v, nil
}

// SetStatic writes a static field. Integer-compatible fields narrow the
// stored value to the declared type.
func (c *Class) SetStatic(name string, v Value) error {
	var decl *FieldInfo
	for i := range c.Fields {
		if c.Fields[i].Static && c.Fields[i].Name == name {
			decl = &c.Fields[i]
			break
		}
	}
	if decl == nil {
		return invalidArgument("no static field %s.%s", c.Name, name)
	}
	stored, err := coerceToField(FieldType(decl.Descriptor), v)
	if err != nil {
		return err
	}
	c.staticsMu.Lock()
	c.statics[name] = stored
	c.staticsMu.Unlock()
	return nil
}

// StaticReferences returns the non-null references held in static fields.
func (c *Class) StaticReferences() []Reference {
	c.staticsMu.RLock()
	defer c.staticsMu.RUnlock()
	var refs []Reference
	for _, v := range c.statics {
		if v.IsReference() && !v.IsNull() {
			refs = append(refs, v.Ref())
		}
	}
	return refs
}

// coerceToField converts v for storage into a slot declared as t.
func coerceToField(t FieldType, v Value) (Value, error) {
	if !v.IsValid() {
		return Value{}, invalidArgument("cannot store an invalid value")
	}
	want := t.Kind()
	if v.Kind() == want {
		return v, nil
	}
	if want.IsIntegerCompatible() && v.IsIntegerCompatible() {
		return NarrowTo(v, want)
	}
	return Value{}, unsupported("cannot store %s into %s field", v.Kind(), t)
}

// ---------------------------------------------------------------------------
// ClassLibrary
// ---------------------------------------------------------------------------

// ClassLibrary resolves classes and methods by name. The class-file loader
// lives outside the core and implements this interface.
type ClassLibrary interface {
	FindClass(name string) (*Class, bool)
	LoadClass(name string) (*Class, error)
	GetMethod(class *Class, name, descriptor string) (*MethodInfo, error)
	LoadedClasses() []*Class
}

// MapClassLibrary is an in-memory ClassLibrary holding predefined classes.
type MapClassLibrary struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewMapClassLibrary creates a library containing the given classes and a
// bare java/lang/Object if none was supplied.
func NewMapClassLibrary(classes ...*Class) *MapClassLibrary {
	lib := &MapClassLibrary{classes: make(map[string]*Class)}
	for _, c := range classes {
		lib.Define(c)
	}
	if _, ok := lib.classes[objectClassName]; !ok {
		lib.Define(NewClass(objectClassName, nil, nil,
			&MethodInfo{Name: finalizeMethodName, Descriptor: finalizeMethodType, Flags: AccPublic, MaxLocals: 1}))
	}
	return lib
}

// Define adds or replaces a class.
func (l *MapClassLibrary) Define(c *Class) {
	l.mu.Lock()
	l.classes[c.Name] = c
	l.mu.Unlock()
}

func (l *MapClassLibrary) FindClass(name string) (*Class, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.classes[name]
	return c, ok
}

func (l *MapClassLibrary) LoadClass(name string) (*Class, error) {
	if c, ok := l.FindClass(name); ok {
		return c, nil
	}
	return nil, invalidArgument("class %s not found", name)
}

func (l *MapClassLibrary) GetMethod(class *Class, name, descriptor string) (*MethodInfo, error) {
	if class == nil {
		return nil, invalidArgument("nil class for method %s%s", name, descriptor)
	}
	if m := class.ResolveMethod(name, descriptor); m != nil {
		return m, nil
	}
	return nil, invalidArgument("method %s.%s%s not found", class.Name, name, descriptor)
}

// LoadedClasses returns every class, sorted by name.
func (l *MapClassLibrary) LoadedClasses() []*Class {
	l.mu.RLock()
	out := make([]*Class, 0, len(l.classes))
	for _, c := range l.classes {
		out = append(out, c)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
