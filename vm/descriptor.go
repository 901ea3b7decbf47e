package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Field and method descriptors
// ---------------------------------------------------------------------------

// FieldType is one parsed field descriptor, e.g. "I", "[J" or
// "Ljava/lang/String;".
type FieldType string

// Kind returns the value kind a slot of this type holds.
func (t FieldType) Kind() Kind {
	if t == "" {
		return KindInvalid
	}
	switch t[0] {
	case 'Z':
		return KindBool
	case 'B':
		return KindByte
	case 'C':
		return KindChar
	case 'S':
		return KindShort
	case 'I':
		return KindInt
	case 'F':
		return KindFloat
	case 'J':
		return KindLong
	case 'D':
		return KindDouble
	case 'L', '[':
		return KindReference
	}
	return KindInvalid
}

// Slots returns the number of local-variable slots the type occupies.
func (t FieldType) Slots() int {
	if t.Kind().IsWide() {
		return 2
	}
	return 1
}

// IsArray reports whether t is an array type.
func (t FieldType) IsArray() bool { return strings.HasPrefix(string(t), "[") }

// ClassName returns the internal class name of an object type, or "" for
// primitives and arrays.
func (t FieldType) ClassName() string {
	s := string(t)
	if len(s) > 2 && s[0] == 'L' && s[len(s)-1] == ';' {
		return s[1 : len(s)-1]
	}
	return ""
}

// DefaultValue returns the zero value for a slot of this type.
func (t FieldType) DefaultValue() Value {
	switch t.Kind() {
	case KindBool:
		return Bool(false)
	case KindByte:
		return Byte(0)
	case KindChar:
		return Char(0)
	case KindShort:
		return Short(0)
	case KindInt:
		return Int(0)
	case KindFloat:
		return Float(0)
	case KindLong:
		return Long(0)
	case KindDouble:
		return Double(0)
	}
	return Null
}

// MethodDescriptor is a parsed method descriptor such as "(IJ[B)V".
type MethodDescriptor struct {
	Params []FieldType
	Return FieldType // "V" for void
}

// ParamSlots returns the local-variable slots used by the parameters,
// excluding the receiver.
func (d *MethodDescriptor) ParamSlots() int {
	n := 0
	for _, p := range d.Params {
		n += p.Slots()
	}
	return n
}

// IsVoid reports whether the method returns nothing.
func (d *MethodDescriptor) IsVoid() bool { return d.Return == "V" }

// ParseFieldType parses a single field descriptor.
func ParseFieldType(desc string) (FieldType, error) {
	t, n, err := scanFieldType(desc, 0)
	if err != nil {
		return "", err
	}
	if n != len(desc) {
		return "", invalidArgument("trailing characters in field descriptor %q", desc)
	}
	return t, nil
}

// ParseMethodDescriptor parses a method descriptor.
func ParseMethodDescriptor(desc string) (*MethodDescriptor, error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, invalidArgument("method descriptor %q does not start with '('", desc)
	}
	md := &MethodDescriptor{}
	pos := 1
	for {
		if pos >= len(desc) {
			return nil, invalidArgument("unterminated parameter list in %q", desc)
		}
		if desc[pos] == ')' {
			pos++
			break
		}
		t, next, err := scanFieldType(desc, pos)
		if err != nil {
			return nil, err
		}
		md.Params = append(md.Params, t)
		pos = next
	}

	if pos < len(desc) && desc[pos] == 'V' && pos+1 == len(desc) {
		md.Return = "V"
		return md, nil
	}
	ret, next, err := scanFieldType(desc, pos)
	if err != nil {
		return nil, err
	}
	if next != len(desc) {
		return nil, invalidArgument("trailing characters in method descriptor %q", desc)
	}
	md.Return = ret
	return md, nil
}

func scanFieldType(desc string, pos int) (FieldType, int, error) {
	start := pos
	for pos < len(desc) && desc[pos] == '[' {
		pos++
	}
	if pos >= len(desc) {
		return "", 0, invalidArgument("truncated descriptor %q", desc)
	}
	switch desc[pos] {
	case 'Z', 'B', 'C', 'S', 'I', 'F', 'J', 'D':
		pos++
	case 'L':
		end := strings.IndexByte(desc[pos:], ';')
		if end < 2 {
			return "", 0, invalidArgument("malformed class type in %q", desc)
		}
		pos += end + 1
	default:
		return "", 0, invalidArgument("unknown type character %q in %q", desc[pos], desc)
	}
	return FieldType(desc[start:pos]), pos, nil
}

// ---------------------------------------------------------------------------
// Array element types (newarray atype codes)
// ---------------------------------------------------------------------------

// ArrayType is the element type tag of a heap array.
type ArrayType uint8

const (
	ArrayBoolean   ArrayType = 4
	ArrayChar      ArrayType = 5
	ArrayFloat     ArrayType = 6
	ArrayDouble    ArrayType = 7
	ArrayByte      ArrayType = 8
	ArrayShort     ArrayType = 9
	ArrayInt       ArrayType = 10
	ArrayLong      ArrayType = 11
	ArrayReference ArrayType = 255
)

// ElementKind returns the value kind of the array's elements.
func (t ArrayType) ElementKind() Kind {
	switch t {
	case ArrayBoolean:
		return KindBool
	case ArrayChar:
		return KindChar
	case ArrayFloat:
		return KindFloat
	case ArrayDouble:
		return KindDouble
	case ArrayByte:
		return KindByte
	case ArrayShort:
		return KindShort
	case ArrayInt:
		return KindInt
	case ArrayLong:
		return KindLong
	case ArrayReference:
		return KindReference
	}
	return KindInvalid
}

// ElementSize returns the number of heap bytes per element.
func (t ArrayType) ElementSize() int {
	switch t {
	case ArrayBoolean, ArrayByte:
		return 1
	case ArrayChar, ArrayShort:
		return 2
	case ArrayFloat, ArrayInt, ArrayReference:
		return 4
	case ArrayDouble, ArrayLong:
		return 8
	}
	return 0
}

// IsValid reports whether t is a known element type.
func (t ArrayType) IsValid() bool { return t.ElementKind() != KindInvalid }

// ArrayTypeOf returns the element type for an array descriptor's component,
// e.g. "I" or "Ljava/lang/Object;".
func ArrayTypeOf(component FieldType) ArrayType {
	switch component.Kind() {
	case KindBool:
		return ArrayBoolean
	case KindByte:
		return ArrayByte
	case KindChar:
		return ArrayChar
	case KindShort:
		return ArrayShort
	case KindInt:
		return ArrayInt
	case KindFloat:
		return ArrayFloat
	case KindLong:
		return ArrayLong
	case KindDouble:
		return ArrayDouble
	}
	return ArrayReference
}
