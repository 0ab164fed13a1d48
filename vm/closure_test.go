package vm

import (
	"context"
	"errors"
	"testing"
)

// counterFn builds a closure body that increments capture 0 and returns
// the new value.
func counterFn(cv ClosureVar) *Function {
	b := NewFunctionBuilder("counter", 0).SetStackSize(2)
	b.AddClosureVar(cv)
	b.Emit1(OpGetUpval, 0, 0)
	b.LoadConst(1, FromInt(1))
	b.Emit2(OpAddInt, 0, 0, 1)
	b.Emit1(OpSetUpval, 0, 0)
	b.Return(0)
	return b.Build()
}

// ---------------------------------------------------------------------------
// Capture kinds
// ---------------------------------------------------------------------------

func TestClosureOutlivesFrame(t *testing.T) {
	mk := NewFunctionBuilder("makeCounter", 0).SetStackSize(2)
	mk.LoadConst(0, FromInt(0))
	k := mk.AddConstant(FromFunction(counterFn(ClosureVar{Name: "n", InStack: true, Index: 0})))
	mk.Emit2(OpCreateClosure, 1, k, 1)
	mk.Return(1)

	s := newTestState(t)
	c := callFn(t, s, mk.Build())
	if !c.IsClosure() {
		t.Fatalf("makeCounter() = %v, want a closure", c)
	}
	if c.Closure().Upvalues[0].IsOpen() {
		t.Errorf("upvalue still open after its frame returned")
	}
	for want := int64(1); want <= 2; want++ {
		r, err := s.Call(context.Background(), c)
		if err != nil {
			t.Fatalf("counter: %v", err)
		}
		if r[0].Int() != want {
			t.Errorf("counter() = %v, want %d", r[0], want)
		}
	}
}

// sharedOuter builds a function that creates a counter over R0, calls it
// twice and returns (R0, last result).
func sharedOuter(cv ClosureVar) *Function {
	b := NewFunctionBuilder("outer", 0).SetStackSize(4)
	b.LoadConst(0, FromInt(0))
	k := b.AddConstant(FromFunction(counterFn(cv)))
	b.Emit2(OpCreateClosure, 1, k, 1)
	b.Emit2(OpFunctionCall, 2, 1, 0)
	b.Emit2(OpFunctionCall, 2, 1, 0)
	b.Emit1(OpGetStack, 1, 2)
	b.Emit2(OpFunctionReturn, 2, 0, 0)
	return b.Build()
}

func TestInStackCaptureAliasesRegister(t *testing.T) {
	tests := []struct {
		name      string
		cv        ClosureVar
		reg, last int64
	}{
		{"in-stack", ClosureVar{Name: "n", InStack: true, Index: 0}, 2, 2},
		{"boxed", ClosureVar{Name: "n", Index: 0}, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := newTestState(t).Call(context.Background(), FromFunction(sharedOuter(tt.cv)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(r) != 2 {
				t.Fatalf("got %d results, want 2", len(r))
			}
			if r[0].Int() != tt.reg || r[1].Int() != tt.last {
				t.Errorf("outer() = (%v, %v), want (%d, %d)", r[0], r[1], tt.reg, tt.last)
			}
		})
	}
}

func TestCaptureFromEnclosingSharesUpvalue(t *testing.T) {
	// inner writes 9 through an upvalue inherited from mid, which captured
	// top's R0 in place.
	inner := NewFunctionBuilder("inner", 0).SetStackSize(1)
	inner.AddClosureVar(ClosureVar{Name: "x", FromEnclosing: true, Index: 0})
	inner.LoadConst(0, FromInt(9))
	inner.Emit1(OpSetUpval, 0, 0)
	inner.Return(0)

	mid := NewFunctionBuilder("mid", 0).SetStackSize(1)
	mid.AddClosureVar(ClosureVar{Name: "x", InStack: true, Index: 0})
	ki := mid.AddConstant(FromFunction(inner.Build()))
	mid.Emit2(OpCreateClosure, 0, ki, 1)
	mid.Emit2(OpFunctionCall, 0, 0, 0)
	mid.Return(0)

	top := NewFunctionBuilder("top", 0).SetStackSize(3)
	top.LoadConst(0, FromInt(5))
	km := top.AddConstant(FromFunction(mid.Build()))
	top.Emit2(OpCreateClosure, 1, km, 1)
	top.Emit2(OpFunctionCall, 2, 1, 0)
	top.Return(0)

	if got := callFn(t, newTestState(t), top.Build()); got.Int() != 9 {
		t.Errorf("top() = %v, want 9", got)
	}
}

func TestUpvalueIndexOutOfRange(t *testing.T) {
	for _, op := range []Opcode{OpGetUpval, OpSetUpval} {
		b := NewFunctionBuilder("noCaptures", 0).SetStackSize(1)
		b.Emit1(op, 0, 2)
		re := callErr(t, newTestState(t), b.Build())
		if !errors.Is(re, ErrUpvalueIndex) {
			t.Errorf("%s: error = %v, want ErrUpvalueIndex", op.Name(), re)
		}
	}
}

// capturingFn builds f() which stores "seen" in R1, creates a closure over
// inner with one capture described by cv, and returns what inner reads
// from that capture.
func capturingFn(cv ClosureVar) *Function {
	ib := NewFunctionBuilder("inner", 0).SetStackSize(1)
	ib.AddClosureVar(cv)
	ib.Emit1(OpGetUpval, 0, 0)
	ib.Return(0)

	b := NewFunctionBuilder("capturing", 0).SetStackSize(3)
	b.LoadConst(1, FromString("seen"))
	k := b.AddConstant(FromFunction(ib.Build()))
	b.Emit2(OpCreateClosure, 2, k, 1)
	b.Emit2(OpFunctionCall, 0, 2, 0)
	b.Return(0)
	return b.Build()
}

func TestCaptureOutsideFrame(t *testing.T) {
	tests := []struct {
		name string
		cv   ClosureVar
	}{
		{"far past the stack", ClosureVar{Name: "x", InStack: true, Index: 5000}},
		{"just past the frame", ClosureVar{Name: "x", InStack: true, Index: 3}},
		{"negative register", ClosureVar{Name: "x", InStack: true, Index: -1}},
		{"missing enclosing upvalue", ClosureVar{Name: "x", FromEnclosing: true, Index: 3}},
	}
	for _, tt := range tests {
		s := newTestState(t)
		re := callErr(t, s, capturingFn(tt.cv))
		if !errors.Is(re, ErrUpvalueIndex) || re.Kind != KindInternal {
			t.Errorf("%s: error = %v (%s), want internal ErrUpvalueIndex", tt.name, re, re.Kind)
		}
		if s.Depth() != 0 || s.Stack().Top() != 0 {
			t.Errorf("%s: failed call left depth %d top %d", tt.name, s.Depth(), s.Stack().Top())
		}
	}

	got := callFn(t, newTestState(t), capturingFn(ClosureVar{Name: "x", InStack: true, Index: 1}))
	if !got.IsString() || got.Str() != "seen" {
		t.Errorf("capture of register 1 = %v, want seen", got)
	}
}

func TestCreateClosureRequiresFunctionConstant(t *testing.T) {
	b := NewFunctionBuilder("badClosure", 0).SetStackSize(1)
	k := b.AddConstant(FromInt(1))
	b.Emit2(OpCreateClosure, 0, k, 0)
	re := callErr(t, newTestState(t), b.Build())
	if !errors.Is(re, ErrConstantIndex) {
		t.Errorf("error = %v, want ErrConstantIndex", re)
	}
}

// ---------------------------------------------------------------------------
// To-be-closed registers
// ---------------------------------------------------------------------------

type closeLog struct {
	calls int
	err   Value
}

// resourceFn builds f(res) which marks R0 to be closed through a native
// and then either returns or throws res.
func resourceFn(throw bool) *Function {
	mark := FromNative("markClose", func(s *State, args []Value) (Value, error) {
		s.MarkToBeClosed(int(args[0].Int()))
		return Null, nil
	})
	b := NewFunctionBuilder("useResource", 1).SetStackSize(4)
	k := b.AddConstant(mark)
	b.Emit1(OpGetConstant, 1, k)
	b.LoadConst(2, FromInt(0))
	b.Emit2(OpFunctionCall, 3, 1, 1)
	if throw {
		b.Emit0(OpThrow, 0)
	}
	b.Return(0)
	return b.Build()
}

func newResource(l *closeLog) Value {
	p := NewPrototype("Resource", KindClass)
	p.SetMeta(MetaClose, FromNative("close", func(s *State, args []Value) (Value, error) {
		l.calls++
		l.err = args[1]
		return Null, nil
	}))
	return FromObject(NewObject(p))
}

func TestToBeClosedOnReturn(t *testing.T) {
	var l closeLog
	res := newResource(&l)
	callFn(t, newTestState(t), resourceFn(false), res)
	if l.calls != 1 {
		t.Fatalf("CLOSE ran %d times, want 1", l.calls)
	}
	if !l.err.IsNull() {
		t.Errorf("CLOSE error argument = %v, want null", l.err)
	}
}

func TestToBeClosedOnError(t *testing.T) {
	var l closeLog
	res := newResource(&l)
	s := newTestState(t)
	re := callErr(t, s, resourceFn(true), res)
	if !errors.Is(re, ErrThrown) {
		t.Errorf("error = %v, want ErrThrown", re)
	}
	if l.calls != 1 {
		t.Fatalf("CLOSE ran %d times, want 1", l.calls)
	}
	if !RawEqual(l.err, res) {
		t.Errorf("CLOSE error argument = %v, want the thrown value", l.err)
	}
}
