package vm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// withMeta returns an object whose prototype maps tag to fn.
func withMeta(tag MetaTag, fn NativeFunc) Value {
	p := NewPrototype("Meta"+tag.String(), KindClass)
	p.SetMeta(tag, FromNative(tag.String(), fn))
	return FromObject(NewObject(p))
}

func constant(v Value) NativeFunc {
	return func(*State, []Value) (Value, error) { return v, nil }
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func TestArithmeticMeta(t *testing.T) {
	s := newTestState(t)
	obj := withMeta(MetaAdd, func(s *State, args []Value) (Value, error) {
		// (self, other)
		return FromInt(args[1].Int() + 6), nil
	})
	if got := callFn(t, s, binaryFn(OpAdd), obj, FromInt(1)); got.Int() != 7 {
		t.Errorf("obj + 1 = %v, want 7", got)
	}
	if got := callFn(t, s, binaryFn(OpAdd), FromObject(NewObject(nil)), FromInt(1)); !got.IsNull() {
		t.Errorf("plain object + 1 = %v, want null", got)
	}
	// Only the left operand's handler is consulted.
	if got := callFn(t, s, binaryFn(OpAdd), FromInt(1), obj); !got.IsNull() {
		t.Errorf("1 + obj = %v, want null", got)
	}
}

func TestBytecodeMetaHandler(t *testing.T) {
	// The handler is itself a VM function returning its second argument.
	second := NewFunctionBuilder("second", 2).SetStackSize(2)
	second.Return(1)
	p := NewPrototype("Sub", KindClass)
	p.SetMeta(MetaSub, FromFunction(second.Build()))
	obj := FromObject(NewObject(p))

	s := newTestState(t)
	if got := callFn(t, s, binaryFn(OpSub), obj, FromString("x")); got.Str() != "x" {
		t.Errorf("obj - x = %v, want x", got)
	}
}

func TestMetaCallPreservesCallerRegisters(t *testing.T) {
	obj := withMeta(MetaMul, func(s *State, args []Value) (Value, error) {
		// Run enough bytecode to dirty the stack above the caller.
		r, err := s.Call(context.Background(), FromFunction(incFn()), FromInt(99))
		if err != nil {
			return Null, err
		}
		return r[0], nil
	})
	b := NewFunctionBuilder("keep", 2).SetStackSize(3)
	b.Emit2(OpMul, 2, 0, 1)
	b.Emit2(OpFunctionReturn, 3, 0, 0)

	r, err := newTestState(t).Call(context.Background(), FromFunction(b.Build()), obj, FromInt(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !RawEqual(r[0], obj) || r[1].Int() != 4 || r[2].Int() != 100 {
		t.Errorf("keep() = %v, want [obj 4 100]", r)
	}
}

func TestNegateTypeMeta(t *testing.T) {
	s := newTestState(t)
	s.SetTypeMeta(TypeString, MetaTable{
		MetaNeg: FromNative("neg", func(s *State, args []Value) (Value, error) {
			return FromString("-" + args[0].Str()), nil
		}),
	})
	if got := callFn(t, s, unaryFn(OpNeg), FromString("a")); got.Str() != "-a" {
		t.Errorf("-\"a\" = %v, want -a", got)
	}
	if got := callFn(t, s, unaryFn(OpNeg), True); !got.IsNull() {
		t.Errorf("-true = %v, want null", got)
	}
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func TestToBoolMeta(t *testing.T) {
	s := newTestState(t)
	tests := []struct {
		result Value
		want   bool
	}{
		{False, false},
		{True, true},
		{FromInt(0), true}, // non-bool results count as true
		{Null, true},
	}
	for _, tt := range tests {
		obj := withMeta(MetaToBool, constant(tt.result))
		if got := callFn(t, s, unaryFn(OpToBool), obj); got.Bool() != tt.want {
			t.Errorf("TO_BOOL with handler returning %v = %v, want %t", tt.result, got, tt.want)
		}
	}
}

func TestNumericConversionMeta(t *testing.T) {
	s := newTestState(t)
	tests := []struct {
		op     Opcode
		tag    MetaTag
		result Value
		want   Value
	}{
		{OpToInt, MetaToInt, FromInt(5), FromInt(5)},
		{OpToInt, MetaToInt, FromString("5"), FromInt(0)},
		{OpToUInt, MetaToUInt, FromUInt(6), FromUInt(6)},
		{OpToUInt, MetaToUInt, FromInt(6), FromUInt(0)},
		{OpToFloat, MetaToFloat, FromFloat(1.5), FromFloat(1.5)},
		{OpToFloat, MetaToFloat, True, FromFloat(0)},
	}
	for _, tt := range tests {
		obj := withMeta(tt.tag, constant(tt.result))
		got := callFn(t, s, unaryFn(tt.op), obj)
		if got.Type() != tt.want.Type() || !RawEqual(got, tt.want) {
			t.Errorf("%s with handler returning %v = %v, want %v", tt.op.Name(), tt.result, got, tt.want)
		}
	}
}

func TestToStringMeta(t *testing.T) {
	s := newTestState(t)
	obj := withMeta(MetaToString, constant(FromString("custom")))
	if got := callFn(t, s, unaryFn(OpToString), obj); got.Str() != "custom" {
		t.Errorf("TO_STRING = %v, want custom", got)
	}
	// A non-string result falls back to the default rendering.
	odd := withMeta(MetaToString, constant(FromInt(1)))
	if got := callFn(t, s, unaryFn(OpToString), odd); got.Str() != odd.String() {
		t.Errorf("TO_STRING = %v, want %s", got, odd)
	}
}

// ---------------------------------------------------------------------------
// Comparison and equality
// ---------------------------------------------------------------------------

func TestCompareMeta(t *testing.T) {
	s := newTestState(t)
	less := withMeta(MetaCompare, constant(FromInt(-1)))
	tests := []struct {
		op   Opcode
		want bool
	}{
		{OpLogicalLessSigned, true},
		{OpLogicalLessEqualFloat, true},
		{OpLogicalGreaterUnsigned, false},
		{OpLogicalGreaterEqualSigned, false},
	}
	for _, tt := range tests {
		got := callFn(t, s, binaryFn(tt.op), less, FromInt(0))
		if !got.IsBool() || got.Bool() != tt.want {
			t.Errorf("%s = %v, want %t", tt.op.Name(), got, tt.want)
		}
	}

	weird := withMeta(MetaCompare, constant(FromString("?")))
	if got := callFn(t, s, binaryFn(OpLogicalLessSigned), weird, FromInt(0)); !RawEqual(got, False) {
		t.Errorf("non-integer COMPARE result = %v, want false", got)
	}
	if got := callFn(t, s, binaryFn(OpLogicalLessSigned), FromObject(NewObject(nil)), FromInt(0)); !got.IsNull() {
		t.Errorf("comparison without COMPARE = %v, want null", got)
	}
}

func TestEqualityMeta(t *testing.T) {
	s := newTestState(t)
	same := withMeta(MetaCompare, constant(FromInt(0)))
	if got := callFn(t, s, binaryFn(OpLogicalEqual), same, FromInt(42)); !got.Bool() {
		t.Errorf("EQUAL with COMPARE 0 = %v, want true", got)
	}
	if got := callFn(t, s, binaryFn(OpLogicalNotEqual), same, FromInt(42)); got.Bool() {
		t.Errorf("NOT_EQUAL with COMPARE 0 = %v, want false", got)
	}
	plain := FromObject(NewObject(nil))
	if got := callFn(t, s, binaryFn(OpLogicalEqual), plain, plain); !got.Bool() {
		t.Errorf("object == itself = %v, want true", got)
	}
}

// ---------------------------------------------------------------------------
// Getter / setter
// ---------------------------------------------------------------------------

func getTableFn() *Function {
	b := NewFunctionBuilder("get", 2).SetStackSize(3)
	b.Emit2(OpGetTable, 2, 0, 1)
	b.Return(2)
	return b.Build()
}

func setTableFn() *Function {
	b := NewFunctionBuilder("set", 3).SetStackSize(3)
	b.Emit2(OpSetTable, 0, 1, 2)
	b.Return(0)
	return b.Build()
}

func TestGetterMeta(t *testing.T) {
	s := newTestState(t)
	obj := withMeta(MetaGetter, func(s *State, args []Value) (Value, error) {
		return FromString("computed " + args[1].Str()), nil
	})
	obj.Object().SetString("real", FromInt(1))

	if got := callFn(t, s, getTableFn(), obj, FromString("real")); got.Int() != 1 {
		t.Errorf("obj.real = %v, want 1", got)
	}
	if got := callFn(t, s, getTableFn(), obj, FromString("v")); got.Str() != "computed v" {
		t.Errorf("obj.v = %v, want computed v", got)
	}
	if got := callFn(t, s, getTableFn(), FromInt(1), FromString("v")); !got.IsNull() {
		t.Errorf("int.v = %v, want null", got)
	}
}

func TestSetterMeta(t *testing.T) {
	s := newTestState(t)
	var seen []string
	obj := withMeta(MetaSetter, func(s *State, args []Value) (Value, error) {
		seen = append(seen, fmt.Sprintf("%s=%s", args[1], args[2]))
		return Null, nil
	})
	obj.Object().SetString("known", FromInt(0))

	callFn(t, s, setTableFn(), obj, FromString("known"), FromInt(1))
	callFn(t, s, setTableFn(), obj, FromString("fresh"), FromInt(2))

	if v, _ := obj.Object().GetString("known"); v.Int() != 1 {
		t.Errorf("existing key = %v, want 1", v)
	}
	if obj.Object().Has(FromString("fresh")) {
		t.Errorf("SETTER did not intercept the new key")
	}
	if len(seen) != 1 || seen[0] != "fresh=2" {
		t.Errorf("SETTER calls = %v, want [fresh=2]", seen)
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func TestMetaFailureDegrades(t *testing.T) {
	s := newTestState(t)
	obj := withMeta(MetaAdd, func(*State, []Value) (Value, error) {
		return Null, errors.New("handler broke")
	})
	got := callFn(t, s, binaryFn(OpAdd), obj, FromInt(1))
	if !got.IsNull() {
		t.Errorf("failed ADD = %v, want null", got)
	}
	if s.Status() != StatusFine {
		t.Errorf("status = %s after degraded meta call", s.Status())
	}
}

func TestMetaCancellationPropagates(t *testing.T) {
	obj := withMeta(MetaAdd, func(*State, []Value) (Value, error) {
		return Null, newError(KindRuntime, ErrCancelled, "")
	})
	re := callErr(t, newTestState(t), binaryFn(OpAdd), obj, FromInt(1))
	if !errors.Is(re, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", re)
	}
}

func TestMetaRecursionBounded(t *testing.T) {
	// A TO_STRING handler that stringifies itself recurses until the
	// native depth limit stops it; the outer conversion degrades.
	var obj Value
	obj = withMeta(MetaToString, func(s *State, args []Value) (Value, error) {
		return FromString(s.ToString(obj)), nil
	})
	s := NewState(Config{StackSize: 64, MaxNativeDepth: 10})
	got := callFn(t, s, unaryFn(OpToString), obj)
	if !got.IsString() {
		t.Errorf("TO_STRING = %v, want a string", got)
	}
}

func TestMetaTagNames(t *testing.T) {
	for _, name := range []string{"ADD", "TO_STRUCT", "CLOSE"} {
		tag, ok := ParseMetaTag(name)
		if !ok || tag.String() != name {
			t.Errorf("ParseMetaTag(%q) = %v, %t", name, tag, ok)
		}
	}
	if _, ok := ParseMetaTag("NOPE"); ok {
		t.Errorf("ParseMetaTag accepted an unknown name")
	}
}
