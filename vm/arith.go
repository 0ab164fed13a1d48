package vm

import (
	"math"
	"math/bits"
)

// Arithmetic, bitwise and comparison semantics. Operators are identified by
// their meta tag so the generic forms can fall through to meta dispatch
// with the same value.

// ---------------------------------------------------------------------------
// Integer power
// ---------------------------------------------------------------------------

// uintPower computes base**exp by repeated squaring. Any overflow yields 0.
func uintPower(base, exp uint64) uint64 {
	result := uint64(1)
	for exp > 0 {
		if exp&1 == 1 {
			hi, lo := bits.Mul64(result, base)
			if hi != 0 {
				return 0
			}
			result = lo
		}
		exp >>= 1
		if exp > 0 {
			hi, lo := bits.Mul64(base, base)
			if hi != 0 {
				return 0
			}
			base = lo
		}
	}
	return result
}

// powSigned is POW for signed operands. Negative bases and a zero base with
// a non-positive exponent are domain errors; a negative exponent truncates
// to 0 unless the base is 1. Results beyond int64 saturate to 0.
func powSigned(base, exp int64) (int64, error) {
	switch {
	case base < 0:
		return 0, newError(KindRuntime, ErrPowerDomain, "negative base %d for integer power", base)
	case base == 0 && exp <= 0:
		return 0, newError(KindRuntime, ErrPowerDomain, "zero base with exponent %d", exp)
	case exp < 0:
		if base == 1 {
			return 1, nil
		}
		return 0, nil
	}
	r := uintPower(uint64(base), uint64(exp))
	if r > math.MaxInt64 {
		return 0, nil
	}
	return int64(r), nil
}

func powUnsigned(base, exp uint64) (uint64, error) {
	if base == 0 && exp == 0 {
		return 0, newError(KindRuntime, ErrPowerDomain, "zero to the power of zero")
	}
	return uintPower(base, exp), nil
}

// ---------------------------------------------------------------------------
// Typed kernels
// ---------------------------------------------------------------------------

func arithInt(tag MetaTag, x, y int64) (int64, error) {
	switch tag {
	case MetaAdd:
		return x + y, nil
	case MetaSub:
		return x - y, nil
	case MetaMul:
		return x * y, nil
	case MetaDiv:
		if y == 0 {
			return 0, newError(KindRuntime, ErrDivideByZero, "")
		}
		return x / y, nil
	case MetaMod:
		if y == 0 {
			return 0, newError(KindRuntime, ErrModuloByZero, "")
		}
		return x % y, nil
	case MetaPow:
		return powSigned(x, y)
	case MetaShiftLeft:
		return x << (uint64(y) & 63), nil
	case MetaShiftRight:
		return x >> (uint64(y) & 63), nil
	case MetaBitAnd:
		return x & y, nil
	case MetaBitOr:
		return x | y, nil
	case MetaBitXor:
		return x ^ y, nil
	}
	return 0, newError(KindInternal, ErrUnknownOpcode, "no integer form of %s", tag)
}

func arithUInt(tag MetaTag, x, y uint64) (uint64, error) {
	switch tag {
	case MetaAdd:
		return x + y, nil
	case MetaSub:
		return x - y, nil
	case MetaMul:
		return x * y, nil
	case MetaDiv:
		if y == 0 {
			return 0, newError(KindRuntime, ErrDivideByZero, "")
		}
		return x / y, nil
	case MetaMod:
		if y == 0 {
			return 0, newError(KindRuntime, ErrModuloByZero, "")
		}
		return x % y, nil
	case MetaPow:
		return powUnsigned(x, y)
	case MetaShiftLeft:
		return x << (y & 63), nil
	case MetaShiftRight:
		return x >> (y & 63), nil
	case MetaBitAnd:
		return x & y, nil
	case MetaBitOr:
		return x | y, nil
	case MetaBitXor:
		return x ^ y, nil
	}
	return 0, newError(KindInternal, ErrUnknownOpcode, "no unsigned form of %s", tag)
}

// arithFloat follows IEEE 754: division by zero yields an infinity or NaN.
func arithFloat(tag MetaTag, x, y float64) (float64, bool) {
	switch tag {
	case MetaAdd:
		return x + y, true
	case MetaSub:
		return x - y, true
	case MetaMul:
		return x * y, true
	case MetaDiv:
		return x / y, true
	case MetaMod:
		return math.Mod(x, y), true
	case MetaPow:
		return math.Pow(x, y), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Generic and typed entry points
// ---------------------------------------------------------------------------

// numeric applies tag to two numbers with promotion: any float operand
// selects float arithmetic, two unsigned operands unsigned arithmetic, and
// anything else signed arithmetic. ok is false for float bit operations.
func numeric(tag MetaTag, a, b Value) (v Value, ok bool, err error) {
	switch {
	case a.IsFloat() || b.IsFloat():
		f, fits := arithFloat(tag, a.Float(), b.Float())
		if !fits {
			return Null, false, nil
		}
		return FromFloat(f), true, nil
	case a.IsUnsignedInt() && b.IsUnsignedInt():
		u, err := arithUInt(tag, a.UInt(), b.UInt())
		return FromUInt(u), true, err
	}
	n, err := arithInt(tag, a.Int(), b.Int())
	return FromInt(n), true, err
}

// arith is the generic form of a binary operator: numbers promote, ADD
// concatenates two strings, and everything else consults the left
// operand's meta table, yielding Null when there is no handler.
func (s *State) arith(tag MetaTag, a, b Value) (Value, error) {
	switch {
	case a.IsNumber() && b.IsNumber():
		v, ok, err := numeric(tag, a, b)
		if ok {
			return v, err
		}
	case tag == MetaAdd && a.IsString() && b.IsString():
		return FromString(a.Str() + b.Str()), nil
	}
	if r, ok := s.tryMetaBinary(tag, a, b); ok {
		return r, nil
	}
	return Null, nil
}

// arithSigned is the fast form for signed integer operands.
func (s *State) arithSigned(tag MetaTag, a, b Value) (Value, error) {
	if a.IsInt() && b.IsInt() {
		n, err := arithInt(tag, a.Int(), b.Int())
		return FromInt(n), err
	}
	return s.arith(tag, a, b)
}

// arithUnsigned is the fast form for unsigned integer operands.
func (s *State) arithUnsigned(tag MetaTag, a, b Value) (Value, error) {
	if a.IsInt() && b.IsInt() {
		u, err := arithUInt(tag, a.UInt(), b.UInt())
		return FromUInt(u), err
	}
	return s.arith(tag, a, b)
}

// arithFloating is the fast form for float operands.
func (s *State) arithFloating(tag MetaTag, a, b Value) (Value, error) {
	if a.IsNumber() && b.IsNumber() {
		if f, ok := arithFloat(tag, a.Float(), b.Float()); ok {
			return FromFloat(f), nil
		}
	}
	return s.arith(tag, a, b)
}

// bitwise applies a bit operator to the raw 64-bit patterns. The result
// keeps the signedness of the left operand.
func (s *State) bitwise(tag MetaTag, a, b Value) (Value, error) {
	if !a.IsInt() || !b.IsInt() {
		if r, ok := s.tryMetaBinary(tag, a, b); ok {
			return r, nil
		}
		return Null, nil
	}
	u, err := arithUInt(tag, a.UInt(), b.UInt())
	if a.IsSignedInt() {
		return FromInt(int64(u)), err
	}
	return FromUInt(u), err
}

func (s *State) negate(a Value) Value {
	switch {
	case a.IsSignedInt():
		return FromInt(-a.Int())
	case a.IsUnsignedInt():
		return FromInt(-int64(a.UInt()))
	case a.IsFloat():
		return FromFloat(-a.Float())
	}
	if r, ok := s.tryMetaUnary(MetaNeg, a); ok {
		return r
	}
	return Null
}

func (s *State) bitNot(a Value) Value {
	switch {
	case a.IsSignedInt():
		return FromInt(^a.Int())
	case a.IsUnsignedInt():
		return FromUInt(^a.UInt())
	}
	if r, ok := s.tryMetaUnary(MetaBitNot, a); ok {
		return r
	}
	return Null
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// Ordering relations.
type relation uint8

const (
	relGreater relation = iota
	relLess
	relGreaterEqual
	relLessEqual
)

func (r relation) holds(c int) bool {
	switch r {
	case relGreater:
		return c > 0
	case relLess:
		return c < 0
	case relGreaterEqual:
		return c >= 0
	}
	return c <= 0
}

// numKind selects the typed comparison.
type numKind uint8

const (
	numSigned numKind = iota
	numUnsigned
	numFloat
)

func cmp[T int64 | uint64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// compare evaluates a typed ordering. Operands that do not fit the kind go
// through the COMPARE meta method, whose integer result is compared to 0;
// without one the result is Null.
func (s *State) compare(kind numKind, rel relation, a, b Value) Value {
	switch kind {
	case numSigned:
		if a.IsInt() && b.IsInt() {
			return FromBool(rel.holds(cmp(a.Int(), b.Int())))
		}
	case numUnsigned:
		if a.IsInt() && b.IsInt() {
			return FromBool(rel.holds(cmp(a.UInt(), b.UInt())))
		}
	case numFloat:
		if a.IsNumber() && b.IsNumber() {
			x, y := a.Float(), b.Float()
			if math.IsNaN(x) || math.IsNaN(y) {
				return False
			}
			return FromBool(rel.holds(cmp(x, y)))
		}
	}
	if r, ok := s.tryMetaBinary(MetaCompare, a, b); ok {
		if r.IsInt() {
			return FromBool(rel.holds(cmp(r.Int(), 0)))
		}
		log.Debugf("state %s: COMPARE returned %s, not an integer", s.ID, r.Type())
		return False
	}
	return Null
}

// equal is LOGICAL_EQUAL: objects with a COMPARE handler are equal when it
// returns 0, everything else compares raw.
func (s *State) equal(a, b Value) bool {
	if a.IsContainer() {
		if r, ok := s.tryMetaBinary(MetaCompare, a, b); ok && r.IsInt() {
			return r.Int() == 0
		}
	}
	return RawEqual(a, b)
}
