package vm

import (
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Built-in coercions
// ---------------------------------------------------------------------------

// Truthy applies the built-in truthiness rules: null is false, bools pass
// through, numbers are true when non-zero, strings when non-empty, and
// every other value is true.
func Truthy(v Value) bool {
	switch {
	case v.typ == TypeNull:
		return false
	case v.typ == TypeBool:
		return v.bits != 0
	case v.IsInt():
		return v.bits != 0
	case v.IsFloat():
		return v.Float() != 0
	case v.typ == TypeString:
		return len(v.ref.(string)) > 0
	}
	return true
}

// CoerceInt applies the built-in integer conversion.
func CoerceInt(v Value) int64 {
	switch {
	case v.typ == TypeBool:
		if v.bits != 0 {
			return 1
		}
		return 0
	case v.IsInt():
		return int64(v.bits)
	case v.IsFloat():
		return floatToInt(v.Float())
	case v.typ == TypeString:
		return parseInt(v.ref.(string))
	}
	return 0
}

// CoerceUInt applies the built-in unsigned conversion.
func CoerceUInt(v Value) uint64 {
	switch {
	case v.IsFloat():
		f := v.Float()
		if f <= 0 || math.IsNaN(f) {
			return 0
		}
		if f >= math.MaxUint64 {
			return math.MaxUint64
		}
		return uint64(f)
	case v.typ == TypeString:
		s := strings.TrimSpace(v.ref.(string))
		if n, err := strconv.ParseUint(s, 0, 64); err == nil {
			return n
		}
		return uint64(parseInt(s))
	}
	return uint64(CoerceInt(v))
}

// CoerceFloat applies the built-in float conversion.
func CoerceFloat(v Value) float64 {
	switch {
	case v.typ == TypeBool:
		if v.bits != 0 {
			return 1
		}
		return 0
	case v.IsNumber():
		return v.Float()
	case v.typ == TypeString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.ref.(string)), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func floatToInt(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatToInt(f)
	}
	return 0
}

// hasFastConversion reports whether v converts without consulting meta
// methods.
func hasFastConversion(v Value) bool {
	return v.typ <= TypeString
}

// ---------------------------------------------------------------------------
// Conversions with meta fallback
// ---------------------------------------------------------------------------

// isTrue is Truthy with the TO_BOOL meta method consulted for objects. A
// handler returning a non-bool yields true.
func (s *State) isTrue(v Value) bool {
	if hasFastConversion(v) {
		return Truthy(v)
	}
	if r, ok := s.tryMetaUnary(MetaToBool, v); ok {
		if r.IsBool() {
			return r.Bool()
		}
		return true
	}
	return Truthy(v)
}

func (s *State) toInt(v Value) Value {
	if !hasFastConversion(v) {
		if r, ok := s.tryMetaUnary(MetaToInt, v); ok {
			if r.IsSignedInt() {
				return r
			}
			return FromInt(0)
		}
	}
	return FromInt(CoerceInt(v))
}

func (s *State) toUInt(v Value) Value {
	if !hasFastConversion(v) {
		if r, ok := s.tryMetaUnary(MetaToUInt, v); ok {
			if r.IsUnsignedInt() {
				return r
			}
			return FromUInt(0)
		}
	}
	return FromUInt(CoerceUInt(v))
}

func (s *State) toFloat(v Value) Value {
	if !hasFastConversion(v) {
		if r, ok := s.tryMetaUnary(MetaToFloat, v); ok {
			if r.IsFloat() {
				return r
			}
			return FromFloat(0)
		}
	}
	return FromFloat(CoerceFloat(v))
}

// ToString converts v using its TO_STRING meta method when it has one.
func (s *State) ToString(v Value) string {
	if v.typ == TypeString {
		return v.ref.(string)
	}
	if !hasFastConversion(v) {
		if r, ok := s.tryMetaUnary(MetaToString, v); ok && r.IsString() {
			return r.Str()
		}
	}
	return v.String()
}
