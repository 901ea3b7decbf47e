package vm

import (
	"fmt"
	"math"
)

// Kind identifies the Java type carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindByte
	KindChar
	KindShort
	KindInt
	KindFloat
	KindLong
	KindDouble
	KindReference
	KindReturnAddress
)

var kindNames = [...]string{
	KindInvalid:       "invalid",
	KindBool:          "boolean",
	KindByte:          "byte",
	KindChar:          "char",
	KindShort:         "short",
	KindInt:           "int",
	KindFloat:         "float",
	KindLong:          "long",
	KindDouble:        "double",
	KindReference:     "reference",
	KindReturnAddress: "returnAddress",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsIntegerCompatible reports whether values of this kind widen to int.
func (k Kind) IsIntegerCompatible() bool {
	switch k {
	case KindBool, KindByte, KindChar, KindShort, KindInt:
		return true
	}
	return false
}

// IsWide reports whether the kind occupies two local-variable slots.
func (k Kind) IsWide() bool {
	return k == KindLong || k == KindDouble
}

// Reference is a handle into the ObjectRegistry. Its numeric value never
// changes across a collection.
type Reference uint32

// NullReference is the reserved handle that denotes null.
const NullReference Reference = 0

// IsNull reports whether r is the null handle.
func (r Reference) IsNull() bool { return r == NullReference }

// ---------------------------------------------------------------------------
// Value: a tagged Java value
// ---------------------------------------------------------------------------

// Value is a Java value tagged with its Kind. Integral kinds are stored
// sign-extended (char zero-extended), floats as their IEEE bits and
// references as their handle.
type Value struct {
	kind Kind
	bits uint64
}

// Null is the null reference value.
var Null = Value{kind: KindReference}

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func Byte(v int8) Value      { return Value{kind: KindByte, bits: uint64(int64(v))} }
func Char(v uint16) Value    { return Value{kind: KindChar, bits: uint64(v)} }
func Short(v int16) Value    { return Value{kind: KindShort, bits: uint64(int64(v))} }
func Int(v int32) Value      { return Value{kind: KindInt, bits: uint64(int64(v))} }
func Long(v int64) Value     { return Value{kind: KindLong, bits: uint64(v)} }
func Float(v float32) Value  { return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))} }
func Double(v float64) Value { return Value{kind: KindDouble, bits: math.Float64bits(v)} }

// Ref wraps a handle as a reference value.
func Ref(r Reference) Value { return Value{kind: KindReference, bits: uint64(r)} }

// ReturnAddress wraps a jsr return address.
func ReturnAddress(pc uint32) Value { return Value{kind: KindReturnAddress, bits: uint64(pc)} }

func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v carries a type. The zero Value is invalid.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) IsReference() bool { return v.kind == KindReference }

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool { return v.kind == KindReference && v.bits == 0 }

func (v Value) IsIntegerCompatible() bool { return v.kind.IsIntegerCompatible() }

func (v Value) IsWide() bool { return v.kind.IsWide() }

// Ref returns the handle of a reference value, or NullReference for any
// other kind.
func (v Value) Ref() Reference {
	if v.kind != KindReference {
		return NullReference
	}
	return Reference(v.bits)
}

func (v Value) AsBool() bool            { return v.bits != 0 }
func (v Value) AsByte() int8            { return int8(v.bits) }
func (v Value) AsChar() uint16          { return uint16(v.bits) }
func (v Value) AsShort() int16          { return int16(v.bits) }
func (v Value) AsInt() int32            { return int32(v.bits) }
func (v Value) AsLong() int64           { return int64(v.bits) }
func (v Value) AsFloat() float32        { return math.Float32frombits(uint32(v.bits)) }
func (v Value) AsDouble() float64       { return math.Float64frombits(v.bits) }
func (v Value) AsReturnAddress() uint32 { return uint32(v.bits) }

// Bits returns the raw payload. Used by the heap encoder.
func (v Value) Bits() uint64 { return v.bits }

// fromBits rebuilds a value read back from the heap.
func fromBits(k Kind, bits uint64) Value { return Value{kind: k, bits: bits} }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.AsBool())
	case KindByte:
		return fmt.Sprintf("%d", v.AsByte())
	case KindChar:
		return fmt.Sprintf("'\\u%04x'", v.AsChar())
	case KindShort:
		return fmt.Sprintf("%d", v.AsShort())
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindLong:
		return fmt.Sprintf("%dL", v.AsLong())
	case KindFloat:
		return fmt.Sprintf("%gf", v.AsFloat())
	case KindDouble:
		return fmt.Sprintf("%g", v.AsDouble())
	case KindReference:
		if v.IsNull() {
			return "null"
		}
		return fmt.Sprintf("@%d", v.bits)
	case KindReturnAddress:
		return fmt.Sprintf("ret:%d", v.bits)
	}
	return "<invalid>"
}

// ---------------------------------------------------------------------------
// Integer conversions
// ---------------------------------------------------------------------------

// WidenToInt converts an integer-compatible value to int. Booleans widen to
// 0 or 1, chars zero-extend, bytes and shorts sign-extend.
func WidenToInt(v Value) (Value, error) {
	if !v.kind.IsIntegerCompatible() {
		return Value{}, unsupported("cannot widen %s to int", v.kind)
	}
	if v.kind == KindBool {
		if v.AsBool() {
			return Int(1), nil
		}
		return Int(0), nil
	}
	return Int(int32(v.bits)), nil
}

// NarrowTo converts an integer-compatible value to the integer kind k.
// Out-of-range values truncate to the low-order bits; boolean is true for
// any non-zero int.
func NarrowTo(v Value, k Kind) (Value, error) {
	if !k.IsIntegerCompatible() {
		return Value{}, unsupported("cannot narrow to %s", k)
	}
	wide, err := WidenToInt(v)
	if err != nil {
		return Value{}, err
	}
	i := wide.AsInt()
	switch k {
	case KindBool:
		return Bool(i != 0), nil
	case KindByte:
		return Byte(int8(i)), nil
	case KindChar:
		return Char(uint16(i)), nil
	case KindShort:
		return Short(int16(i)), nil
	}
	return wide, nil
}
