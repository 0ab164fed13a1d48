package vm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// spinFn builds an infinite loop: JUMP -1.
func spinFn() *Function {
	b := NewFunctionBuilder("spin", 0).SetStackSize(1)
	b.Emit1(OpJump, 0, -1)
	return b.Build()
}

func TestNewStateDefaults(t *testing.T) {
	s := NewState(Config{})
	if s.Config() != DefaultConfig() {
		t.Errorf("Config() = %+v, want defaults %+v", s.Config(), DefaultConfig())
	}
	if s.Status() != StatusFine || s.Err() != nil || s.Depth() != 0 {
		t.Errorf("fresh state: status %s err %v depth %d", s.Status(), s.Err(), s.Depth())
	}
	if s.Stack().Len() != DefaultConfig().StackSize {
		t.Errorf("stack = %d slots, want %d", s.Stack().Len(), DefaultConfig().StackSize)
	}
	if NewState(Config{}).ID == s.ID {
		t.Errorf("two states share an ID")
	}
}

func TestConfigPartialDefaults(t *testing.T) {
	s := NewState(Config{MaxCallDepth: 5, Trace: true})
	cfg := s.Config()
	if cfg.MaxCallDepth != 5 || !cfg.Trace {
		t.Errorf("explicit fields lost: %+v", cfg)
	}
	if cfg.StackSize != DefaultConfig().StackSize || cfg.MaxNativeDepth != DefaultConfig().MaxNativeDepth {
		t.Errorf("zero fields not defaulted: %+v", cfg)
	}
}

func TestTraceDoesNotChangeResults(t *testing.T) {
	s := NewState(Config{StackSize: 64, Trace: true})
	if got := callFn(t, s, countdownFn(true), FromInt(3)); got.Str() != "done" {
		t.Errorf("traced countdown = %v, want done", got)
	}
}

func TestHookInstallAndRemove(t *testing.T) {
	s := newTestState(t)
	var ops []string
	s.SetHook(func(s *State, ci *CallInfo, in Instruction) {
		ops = append(ops, in.Op().Name())
	})
	callFn(t, s, incFn(), FromInt(1))
	want := []string{"GET_CONSTANT", "ADD_INT", "FUNCTION_RETURN"}
	if len(ops) != len(want) {
		t.Fatalf("hooked ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, ops[i], want[i])
		}
	}

	s.SetHook(nil)
	ops = nil
	callFn(t, s, incFn(), FromInt(1))
	if len(ops) != 0 {
		t.Errorf("removed hook still ran: %v", ops)
	}
}

func TestHookSkipsItsOwnCalls(t *testing.T) {
	s := newTestState(t)
	runs := 0
	var nested []Value
	s.SetHook(func(s *State, ci *CallInfo, in Instruction) {
		runs++
		if ci.Status&CallAllowHook == 0 {
			t.Errorf("hook ran in a frame without ALLOW_HOOK: %s", ci.Status)
		}
		r, err := s.Call(context.Background(), FromFunction(incFn()), FromInt(10))
		if err != nil {
			t.Errorf("call from hook: %v", err)
			return
		}
		nested = append(nested, r...)
	})

	if got := callFn(t, s, incFn(), FromInt(1)); got.Int() != 2 {
		t.Errorf("inc(1) = %v, want 2", got)
	}
	if runs != 3 {
		t.Errorf("hook ran %d times, want once per instruction of inc", runs)
	}
	if len(nested) != 3 || nested[0].Int() != 11 {
		t.Errorf("calls from the hook returned %v, want three 11s", nested)
	}

	// Hooks resume for calls made after the hook returned.
	runs = 0
	callFn(t, s, incFn(), FromInt(1))
	if runs != 3 {
		t.Errorf("second run: hook ran %d times, want 3", runs)
	}
}

func TestInterruptFromHook(t *testing.T) {
	s := newTestState(t)
	steps := 0
	s.SetHook(func(s *State, ci *CallInfo, in Instruction) {
		steps++
		if steps == 100 {
			s.Interrupt()
		}
	})
	re := callErr(t, s, spinFn())
	if !errors.Is(re, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", re)
	}
	if steps < 100 || steps > 102 {
		t.Errorf("interrupt observed after %d steps", steps)
	}
}

func TestContextDeadlineStopsLoop(t *testing.T) {
	s := newTestState(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Call(ctx, FromFunction(spinFn()))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	// A later call on the same state is not affected by the stale interrupt.
	if got := callFn(t, s, incFn(), FromInt(1)); got.Int() != 2 {
		t.Errorf("inc(1) after cancellation = %v, want 2", got)
	}
}

func TestCancelledContextBeforeExecute(t *testing.T) {
	s := newTestState(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Call(ctx, FromFunction(incFn()), FromInt(1)); !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
	if s.Depth() != 0 || s.Stack().Top() != 0 {
		t.Errorf("abandoned call left depth %d top %d", s.Depth(), s.Stack().Top())
	}
}

func TestInterruptIsCatchable(t *testing.T) {
	b := NewFunctionBuilder("guardedSpin", 0).SetStackSize(1)
	catch := b.NewLabel()
	b.EmitJump(OpTry, 0, catch)
	top := b.NewLabel()
	b.Mark(top)
	b.EmitJump(OpJump, 0, top)
	b.Mark(catch)
	end := b.NewLabel()
	b.EmitJump(OpCatch, 0, end)
	b.Mark(end)
	b.Return(0)

	s := newTestState(t)
	steps := 0
	s.SetHook(func(s *State, ci *CallInfo, in Instruction) {
		if steps++; steps == 10 {
			s.Interrupt()
		}
	})
	got := callFn(t, s, b.Build())
	if !got.IsString() {
		t.Errorf("caught = %v, want the cancellation message", got)
	}
}

func TestGlobalsAndPrototypes(t *testing.T) {
	s := newTestState(t)
	s.SetGlobal("answer", FromInt(42))
	p := NewPrototype("Thing", KindClass)
	s.RegisterPrototype(p)

	if v, ok := s.Global().GetString("answer"); !ok || v.Int() != 42 {
		t.Errorf("global answer = %v, %t", v, ok)
	}
	v, _ := s.Global().GetString("Thing")
	if got, ok := v.Prototype(); !ok || got != p {
		t.Errorf("global Thing = %v", v)
	}
}

func TestThreadStatusString(t *testing.T) {
	if StatusMemoryError.String() != "memory error" {
		t.Errorf("StatusMemoryError = %q", StatusMemoryError.String())
	}
	if ThreadStatus(99).String() != "status(99)" {
		t.Errorf("ThreadStatus(99) = %q", ThreadStatus(99).String())
	}
}
