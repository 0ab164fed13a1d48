package vm

import (
	"testing"
)

func TestProfilerCountsInvocations(t *testing.T) {
	s := newTestState(t)
	p := NewProfiler()
	p.HotThreshold = 5
	p.Attach(s)

	inc := incFn()
	for i := 0; i < 4; i++ {
		callFn(t, s, inc, FromInt(1))
	}
	profile := p.Profile(inc)
	if profile == nil {
		t.Fatal("Profile should exist after invocation")
	}
	if profile.Invocations != 4 || profile.Instructions != 12 {
		t.Errorf("inc profile = %d invocations, %d instructions, want 4 and 12",
			profile.Invocations, profile.Instructions)
	}
	if p.IsHot(inc) {
		t.Error("inc should not be hot below the threshold")
	}

	callFn(t, s, inc, FromInt(1))
	if !p.IsHot(inc) {
		t.Error("inc should become hot at the threshold")
	}
}

func TestProfilerOnHotFiresOnce(t *testing.T) {
	s := newTestState(t)
	p := NewProfiler()
	p.HotThreshold = 2
	var hot []string
	p.OnHot = func(fp *FunctionProfile) { hot = append(hot, fp.Function.Name) }
	p.Attach(s)

	inc := incFn()
	for i := 0; i < 5; i++ {
		callFn(t, s, inc, FromInt(1))
	}
	if len(hot) != 1 || hot[0] != inc.Name {
		t.Errorf("OnHot calls = %v, want one for %s", hot, inc.Name)
	}
}

func TestProfilerTailCallsCountAsInvocations(t *testing.T) {
	s := newTestState(t)
	p := NewProfiler()
	p.Attach(s)

	fn := countdownFn(true)
	callFn(t, s, fn, FromInt(9))
	if got := p.Profile(fn).Invocations; got != 10 {
		t.Errorf("countdown(9) invocations = %d, want 10", got)
	}
	if got := p.OpcodeCount(OpFunctionTailCall); got != 9 {
		t.Errorf("tail calls = %d, want 9", got)
	}
}

func TestProfilerStatsAndTop(t *testing.T) {
	s := newTestState(t)
	p := NewProfiler()
	p.Attach(s)

	inc := incFn()
	outer := callerOf("outer", inc)
	callFn(t, s, outer, FromInt(1))
	callFn(t, s, inc, FromInt(1))

	stats := p.Stats()
	if stats.Functions != 2 || stats.Invocations != 3 || stats.HotFunctions != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Instructions != p.Profile(inc).Instructions+p.Profile(outer).Instructions {
		t.Errorf("instruction total %d does not add up", stats.Instructions)
	}

	top := p.TopFunctions(1)
	if len(top) != 1 {
		t.Fatalf("TopFunctions(1) = %d entries", len(top))
	}
	if all := p.TopFunctions(10); len(all) != 2 || all[0].Instructions < all[1].Instructions {
		t.Errorf("TopFunctions(10) not ordered")
	}

	p.Reset()
	if p.Stats() != (ProfilerStats{}) || p.OpcodeCount(OpAddInt) != 0 {
		t.Errorf("Reset left data behind: %+v", p.Stats())
	}
}
