package vm

import (
	"context"
)

// ---------------------------------------------------------------------------
// Stack growth
// ---------------------------------------------------------------------------

// growStack makes slots [0, need) addressable.
func (s *State) growStack(need int) error {
	old := s.stack.Len()
	grown, ok := s.stack.ensure(need)
	if !ok {
		return newError(KindMemory, ErrStackLimit, "value stack limit exceeded (%d slots)", s.stack.max)
	}
	if grown {
		s.gc.Resize(s.stack, old*valueSize, s.stack.Len()*valueSize)
		log.Debugf("state %s: stack grown %d -> %d slots", s.ID, old, s.stack.Len())
	}
	return nil
}

// pushArgs writes fn and args starting at slot and moves the stack top past
// them.
func (s *State) pushArgs(slot int, fn Value, args []Value) error {
	if err := s.growStack(slot + 1 + len(args)); err != nil {
		return err
	}
	s.stack.slots[slot] = fn
	copy(s.stack.slots[slot+1:], args)
	s.stack.top = slot + 1 + len(args)
	return nil
}

// callSlot returns the first slot a re-entrant call may use without
// clobbering the running frame.
func (s *State) callSlot() int {
	slot := s.stack.top
	if s.ci >= 0 && s.frames[s.ci].Top > slot {
		slot = s.frames[s.ci].Top
	}
	return slot
}

// ---------------------------------------------------------------------------
// Calling convention
// ---------------------------------------------------------------------------

// resolveCallee turns the value at slot into a closure. Bare functions are
// wrapped without captures; objects with a CALL meta method get the handler
// inserted in front of the arguments, so nargs may grow by one.
func (s *State) resolveCallee(slot, nargs int) (*Closure, int, error) {
	fn := s.stack.slots[slot]
	if fn.IsContainer() {
		meta, ok := s.lookupMeta(fn, MetaCall)
		if !ok || !(meta.IsClosure() || meta.IsFunction()) {
			return nil, nargs, newError(KindRuntime, ErrNotCallable, "attempt to call %s", fn)
		}
		if err := s.growStack(slot + nargs + 2); err != nil {
			return nil, nargs, err
		}
		copy(s.stack.slots[slot+1:slot+nargs+2], s.stack.slots[slot:slot+nargs+1])
		s.stack.slots[slot] = meta
		nargs++
		if s.stack.top < slot+1+nargs {
			s.stack.top = slot + 1 + nargs
		}
		fn = meta
	}
	switch fn.typ {
	case TypeClosure:
		return fn.Closure(), nargs, nil
	case TypeFunction:
		c := NewClosure(fn.Function(), 0)
		s.gc.Allocate(c, closureSize)
		s.stack.slots[slot] = FromClosure(c)
		return c, nargs, nil
	}
	return nil, nargs, newError(KindRuntime, ErrNotCallable, "attempt to call a %s value", fn.Type())
}

// prepareFrame lays out registers for a call of c whose callee sits at
// base with nargs arguments after it: missing parameters become Null,
// variadic extras are moved aside, and the rest of the frame is cleared.
func (s *State) prepareFrame(c *Closure, base, nargs int) (top int, varargs []Value, err error) {
	f := c.Function
	if f.ParamCount < 0 || f.StackSize < 0 {
		return 0, nil, newError(KindInternal, ErrMalformedFunction, "%s has %d params and %d registers", f.Name, f.ParamCount, f.StackSize)
	}
	top = base + 1 + f.FrameSize()
	end := top
	if base+1+nargs > end {
		end = base + 1 + nargs
	}
	if err := s.growStack(end); err != nil {
		return 0, nil, err
	}
	keep := nargs
	if keep > f.ParamCount {
		if f.Variadic {
			varargs = append([]Value(nil), s.stack.slots[base+1+f.ParamCount:base+1+nargs]...)
		}
		keep = f.ParamCount
	}
	s.stack.clear(base+1+keep, end)
	return top, varargs, nil
}

// precall starts a call of the value at slot with nargs arguments. A VM
// callee gets a new frame and entered is true; the caller's dispatch loop
// then continues in that frame. A native callee runs to completion here.
// dest is the caller register receiving the first result; a negative dest
// collects the results in s.results instead.
func (s *State) precall(slot, nargs, dest int, flags CallStatus) (entered bool, err error) {
	c, nargs, err := s.resolveCallee(slot, nargs)
	if err != nil {
		return false, err
	}
	if c.IsNative() {
		return false, s.callNative(c, slot, nargs, dest, flags)
	}
	if s.ci+2 > s.config.MaxCallDepth {
		return false, newError(KindRuntime, ErrStackOverflow, "call depth exceeded (%d frames)", s.config.MaxCallDepth)
	}
	top, varargs, err := s.prepareFrame(c, slot, nargs)
	if err != nil {
		return false, err
	}
	if !s.inHook {
		flags |= CallAllowHook
	}
	s.pushFrame(CallInfo{
		Closure:   c,
		Base:      slot,
		Top:       top,
		Status:    flags,
		ExtraArgs: len(varargs),
		Varargs:   varargs,
		Dest:      dest,
	})
	s.stack.top = top
	return true, nil
}

// callNative runs a native closure synchronously in its own frame.
func (s *State) callNative(c *Closure, slot, nargs, dest int, flags CallStatus) error {
	if s.nativeDepth >= s.config.MaxNativeDepth {
		return newError(KindRuntime, ErrStackOverflow, "native call depth exceeded (%d)", s.config.MaxNativeDepth)
	}
	args := append([]Value(nil), s.stack.slots[slot+1:slot+1+nargs]...)
	s.pushFrame(CallInfo{
		Closure: c,
		Base:    slot,
		Top:     slot + 1 + nargs,
		Status:  flags | CallNative,
		Dest:    dest,
	})
	s.stack.top = slot + 1 + nargs

	s.nativeDepth++
	r, err := c.Native.Fn(s, args)
	s.nativeDepth--

	s.popFrame()
	if err != nil {
		return err
	}
	s.deliver(dest, []Value{r})
	return nil
}

// deliver hands results to the frame that is now current.
func (s *State) deliver(dest int, results []Value) {
	if dest < 0 {
		s.results = results
		return
	}
	v := Null
	if len(results) > 0 {
		v = results[0]
	}
	ci := &s.frames[s.ci]
	s.setRegister(ci.Base, ci.Top, dest, v)
}

// postcall finishes the running VM frame: upvalues and to-be-closed slots
// are closed, the frame's handlers dropped, and the first result written
// to the caller. It reports true when the frame was entered by an Execute
// caller, whose dispatch loop must then stop.
func (s *State) postcall(results []Value) bool {
	s.closeFrame(s.frames[s.ci].Base+1, nil)
	s.unwindHandlersToFrame(s.ci - 1)

	ci := &s.frames[s.ci]
	dest, base := ci.Dest, ci.Base
	created := ci.Status&CallCreateFrame != 0
	s.popFrame()

	if created {
		s.results = results
		s.stack.top = base
		return true
	}
	s.stack.top = s.frames[s.ci].Top
	s.deliver(dest, results)
	return false
}

// tailcall replaces the running frame with a call of the value at slot.
// The frame's upvalues are closed, the callee and its arguments slide
// down to the frame's base, and the same CallInfo is re-initialised, so
// tail recursion runs in constant frame space. It reports true when the
// loop must stop (a native tail callee returned from a created frame).
func (s *State) tailcall(slot, nargs int) (stop bool, err error) {
	c, nargs, err := s.resolveCallee(slot, nargs)
	if err != nil {
		return false, err
	}
	if c.IsNative() {
		// Natives run in place; their result becomes this frame's result.
		if err := s.callNative(c, slot, nargs, -1, 0); err != nil {
			return false, err
		}
		return s.postcall(s.results), nil
	}

	s.closeFrame(s.frames[s.ci].Base+1, nil)
	s.unwindHandlersToFrame(s.ci - 1)

	ci := &s.frames[s.ci]
	base := ci.Base
	copy(s.stack.slots[base:], s.stack.slots[slot:slot+1+nargs])
	top, varargs, err := s.prepareFrame(c, base, nargs)
	if err != nil {
		return false, err
	}
	ci = &s.frames[s.ci]
	ci.Closure = c
	ci.Top = top
	ci.PC = 0
	ci.Status = ci.Status&(CallCreateFrame|CallAllowHook) | CallTail
	ci.ExtraArgs = len(varargs)
	ci.Varargs = varargs
	s.stack.top = top
	if s.config.Trace {
		log.Debugf("state %s: tail call %s reuses frame %d", s.ID, c.Name(), s.ci)
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// PrepareCall pushes fn and args above the running frame and enters the
// callee without executing it. Execute then runs it to completion. A
// native callee completes immediately.
func (s *State) PrepareCall(fn Value, args ...Value) error {
	slot := s.callSlot()
	if err := s.pushArgs(slot, fn, args); err != nil {
		return err
	}
	entered, err := s.precall(slot, len(args), -1, CallCreateFrame)
	if err != nil {
		s.stack.top = slot
		return err
	}
	s.prepared = true
	s.entry = noFrame
	if entered {
		s.entry = s.ci
	}
	return nil
}

// Execute runs the frame prepared by PrepareCall until it returns or an
// error escapes every TRY handler. The results are also kept in Results.
func (s *State) Execute(ctx context.Context) ([]Value, error) {
	if !s.prepared {
		return nil, newError(KindInternal, ErrNotPrepared, "")
	}
	s.prepared = false
	if err := ctx.Err(); err != nil {
		s.abandonPrepared()
		return nil, newError(KindRuntime, ErrCancelled, "%v", err)
	}
	prev := s.ctx
	s.ctx = ctx
	defer func() { s.ctx = prev }()
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, s.Interrupt)
		defer func() {
			if !stop() {
				s.interrupted.Store(false)
			}
		}()
	}

	if s.entry == noFrame {
		return s.results, nil
	}
	entry := s.entry
	s.entry = noFrame
	if err := s.run(entry); err != nil {
		log.Warningf("state %s: uncaught error: %v", s.ID, err)
		s.clearError()
		return nil, err
	}
	return s.results, nil
}

// abandonPrepared discards a prepared frame that will not run.
func (s *State) abandonPrepared() {
	if s.entry == noFrame {
		return
	}
	base := s.frames[s.entry].Base
	for s.ci >= s.entry {
		s.popFrame()
	}
	s.stack.top = base
	s.entry = noFrame
}

// Call calls fn with args and returns its results. It may be used both on
// an idle State and from a native function running inside one; the
// caller's frame, stack top and status are left as they were.
func (s *State) Call(ctx context.Context, fn Value, args ...Value) ([]Value, error) {
	var results []Value
	err := s.reentrant(func() error {
		prepared, entry := s.prepared, s.entry
		defer func() { s.prepared, s.entry = prepared, entry }()
		if err := s.PrepareCall(fn, args...); err != nil {
			return err
		}
		r, err := s.Execute(ctx)
		results = r
		return err
	})
	return results, err
}
