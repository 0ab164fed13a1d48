package vm

import (
	"fmt"
	"math"
	"strconv"
)

// ValueType discriminates the variants of a Value.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUInt8
	TypeUInt16
	TypeUInt32
	TypeUInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeObject
	TypeArray
	TypeFunction
	TypeClosure
)

var typeNames = [...]string{
	TypeNull:     "null",
	TypeBool:     "bool",
	TypeInt8:     "int8",
	TypeInt16:    "int16",
	TypeInt32:    "int32",
	TypeInt64:    "int64",
	TypeUInt8:    "uint8",
	TypeUInt16:   "uint16",
	TypeUInt32:   "uint32",
	TypeUInt64:   "uint64",
	TypeFloat32:  "float32",
	TypeFloat64:  "float64",
	TypeString:   "string",
	TypeObject:   "object",
	TypeArray:    "array",
	TypeFunction: "function",
	TypeClosure:  "closure",
}

func (t ValueType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Value is a runtime value. Scalars live inline in bits; heap variants hold
// a typed reference in ref (string, *Object, *Prototype, *Function,
// *Closure). The tag and payload are only set together by the From*
// constructors, so a Value can never carry a payload of another variant.
type Value struct {
	typ  ValueType
	bits uint64
	ref  any
}

// Null is the zero Value.
var Null = Value{}

// Pre-built booleans.
var (
	True  = Value{typ: TypeBool, bits: 1}
	False = Value{typ: TypeBool}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromInt creates an Int64 value.
func FromInt(n int64) Value { return Value{typ: TypeInt64, bits: uint64(n)} }
func FromInt8(n int8) Value { return Value{typ: TypeInt8, bits: uint64(int64(n))} }
func FromInt16(n int16) Value { return Value{typ: TypeInt16, bits: uint64(int64(n))} }
func FromInt32(n int32) Value { return Value{typ: TypeInt32, bits: uint64(int64(n))} }

// FromUInt creates a UInt64 value.
func FromUInt(n uint64) Value { return Value{typ: TypeUInt64, bits: n} }
func FromUInt8(n uint8) Value { return Value{typ: TypeUInt8, bits: uint64(n)} }
func FromUInt16(n uint16) Value { return Value{typ: TypeUInt16, bits: uint64(n)} }
func FromUInt32(n uint32) Value { return Value{typ: TypeUInt32, bits: uint64(n)} }

// FromFloat creates a Float64 value.
func FromFloat(f float64) Value { return Value{typ: TypeFloat64, bits: math.Float64bits(f)} }

func FromFloat32(f float32) Value {
	return Value{typ: TypeFloat32, bits: math.Float64bits(float64(f))}
}

func FromString(s string) Value { return Value{typ: TypeString, ref: s} }

// FromObject wraps a plain object or struct instance.
func FromObject(o *Object) Value {
	if o == nil {
		return Null
	}
	if o.Internal == ObjectArray {
		return Value{typ: TypeArray, ref: o}
	}
	return Value{typ: TypeObject, ref: o}
}

// FromPrototype wraps a prototype. Prototypes are objects.
func FromPrototype(p *Prototype) Value {
	if p == nil {
		return Null
	}
	return Value{typ: TypeObject, ref: p}
}

func FromFunction(f *Function) Value {
	if f == nil {
		return Null
	}
	return Value{typ: TypeFunction, ref: f}
}

func FromClosure(c *Closure) Value {
	if c == nil {
		return Null
	}
	return Value{typ: TypeClosure, ref: c}
}

// FromNative wraps a Go function as a callable native closure.
func FromNative(name string, fn NativeFunc) Value {
	return FromClosure(&Closure{Native: &Native{Name: name, Fn: fn}})
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

func (v Value) Type() ValueType { return v.typ }

func (v Value) IsNull() bool { return v.typ == TypeNull }
func (v Value) IsBool() bool { return v.typ == TypeBool }

// IsSignedInt reports Int8 through Int64.
func (v Value) IsSignedInt() bool { return v.typ >= TypeInt8 && v.typ <= TypeInt64 }

// IsUnsignedInt reports UInt8 through UInt64.
func (v Value) IsUnsignedInt() bool { return v.typ >= TypeUInt8 && v.typ <= TypeUInt64 }

// IsInt reports any integer variant.
func (v Value) IsInt() bool { return v.typ >= TypeInt8 && v.typ <= TypeUInt64 }
func (v Value) IsFloat() bool { return v.typ == TypeFloat32 || v.typ == TypeFloat64 }
func (v Value) IsNumber() bool { return v.typ >= TypeInt8 && v.typ <= TypeFloat64 }
func (v Value) IsString() bool { return v.typ == TypeString }
func (v Value) IsObject() bool { return v.typ == TypeObject }
func (v Value) IsArray() bool { return v.typ == TypeArray }

// IsContainer reports objects and arrays.
func (v Value) IsContainer() bool { return v.typ == TypeObject || v.typ == TypeArray }

func (v Value) IsFunction() bool { return v.typ == TypeFunction }
func (v Value) IsClosure() bool { return v.typ == TypeClosure }

// IsHeap reports whether the value references a heap object the collector
// must be told about.
func (v Value) IsHeap() bool { return v.typ >= TypeObject }

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Bool returns the payload of a Bool value.
func (v Value) Bool() bool {
	if v.typ != TypeBool {
		panic("Value.Bool: not a bool")
	}
	return v.bits != 0
}

// Int returns any integer variant as int64. Unsigned values are
// reinterpreted.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	return int64(v.bits)
}

// UInt returns any integer variant as uint64.
func (v Value) UInt() uint64 {
	if !v.IsInt() {
		panic("Value.UInt: not an integer")
	}
	return v.bits
}

// Float returns any numeric variant as float64.
func (v Value) Float() float64 {
	switch {
	case v.IsFloat():
		return math.Float64frombits(v.bits)
	case v.IsSignedInt():
		return float64(int64(v.bits))
	case v.IsUnsignedInt():
		return float64(v.bits)
	}
	panic("Value.Float: not a number")
}

// Str returns the payload of a String value.
func (v Value) Str() string {
	if v.typ != TypeString {
		panic("Value.Str: not a string")
	}
	return v.ref.(string)
}

// Object returns the object behind an Object or Array value.
func (v Value) Object() *Object {
	switch r := v.ref.(type) {
	case *Object:
		if v.typ == TypeObject || v.typ == TypeArray {
			return r
		}
	case *Prototype:
		if v.typ == TypeObject {
			return &r.Object
		}
	}
	panic("Value.Object: not an object")
}

// Prototype returns the prototype if v wraps one.
func (v Value) Prototype() (*Prototype, bool) {
	if v.typ != TypeObject {
		return nil, false
	}
	p, ok := v.ref.(*Prototype)
	return p, ok
}

func (v Value) Function() *Function {
	if v.typ != TypeFunction {
		panic("Value.Function: not a function")
	}
	return v.ref.(*Function)
}

func (v Value) Closure() *Closure {
	if v.typ != TypeClosure {
		panic("Value.Closure: not a closure")
	}
	return v.ref.(*Closure)
}

// ---------------------------------------------------------------------------
// Equality and keys
// ---------------------------------------------------------------------------

// RawEqual compares values without consulting meta methods. Numbers compare
// by numeric value across variants; strings by content; heap values by
// identity.
func RawEqual(a, b Value) bool {
	switch {
	case a.IsNumber() && b.IsNumber():
		if a.IsFloat() || b.IsFloat() {
			return a.Float() == b.Float()
		}
		if a.IsSignedInt() && b.IsUnsignedInt() {
			return a.Int() >= 0 && uint64(a.Int()) == b.UInt()
		}
		if a.IsUnsignedInt() && b.IsSignedInt() {
			return b.Int() >= 0 && uint64(b.Int()) == a.UInt()
		}
		return a.bits == b.bits
	case a.typ != b.typ:
		return false
	case a.typ == TypeNull:
		return true
	case a.typ == TypeBool:
		return a.bits == b.bits
	case a.typ == TypeString:
		return a.ref.(string) == b.ref.(string)
	}
	return a.ref == b.ref
}

// key normalizes v for use as a field-map key: every integer variant maps
// to Int64 so that obj[1] and obj[int8(1)] name the same field.
func (v Value) key() Value {
	switch {
	case v.IsInt():
		return Value{typ: TypeInt64, bits: v.bits}
	case v.typ == TypeFloat32:
		return Value{typ: TypeFloat64, bits: v.bits}
	}
	return v
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// String renders the value for diagnostics and the built-in TO_STRING
// coercion.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		if v.bits != 0 {
			return "true"
		}
		return "false"
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(int64(v.bits), 10)
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return strconv.FormatUint(v.bits, 10)
	case TypeFloat32:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 32)
	case TypeFloat64:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	case TypeString:
		return v.ref.(string)
	case TypeObject:
		if p, ok := v.ref.(*Prototype); ok {
			return "<prototype " + p.Name + ">"
		}
		o := v.ref.(*Object)
		if o.Prototype != nil {
			return "<" + o.Prototype.Name + " object>"
		}
		return "<object>"
	case TypeArray:
		return fmt.Sprintf("<array %d>", v.ref.(*Object).Len())
	case TypeFunction:
		return "<function " + v.ref.(*Function).Name + ">"
	case TypeClosure:
		return "<closure " + v.ref.(*Closure).Name() + ">"
	}
	return "<invalid>"
}
