package vm

// ---------------------------------------------------------------------------
// Upvalue: a captured variable
// ---------------------------------------------------------------------------

// Upvalue is a closure's captured variable. While open it refers to a live
// stack slot by index, so stack reallocation never invalidates it; once the
// owning frame exits it is closed and holds its own copy.
type Upvalue struct {
	stack *Stack // non-nil while open
	index int    // absolute slot while open
	value Value  // storage once closed
	next  *Upvalue
}

// NewBoxedUpvalue returns a closed upvalue holding v.
func NewBoxedUpvalue(v Value) *Upvalue {
	return &Upvalue{value: v}
}

// IsOpen reports whether the upvalue still aliases a stack slot.
func (u *Upvalue) IsOpen() bool {
	return u.stack != nil
}

// Get reads the captured value.
func (u *Upvalue) Get() Value {
	if u.stack != nil {
		return u.stack.slots[u.index]
	}
	return u.value
}

// Set writes the captured value.
func (u *Upvalue) Set(v Value) {
	if u.stack != nil {
		u.stack.slots[u.index] = v
		return
	}
	u.value = v
}

func (u *Upvalue) close() {
	u.value = u.stack.slots[u.index]
	u.stack = nil
	u.next = nil
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// Closure pairs a function template (or a native function) with its
// captures.
type Closure struct {
	Function *Function
	Native   *Native
	Upvalues []*Upvalue
}

// NewClosure creates a closure over fn with room for n captures.
func NewClosure(fn *Function, n int) *Closure {
	c := &Closure{Function: fn}
	if n > 0 {
		c.Upvalues = make([]*Upvalue, n)
	}
	return c
}

// IsNative reports whether the closure wraps a Go function.
func (c *Closure) IsNative() bool {
	return c.Native != nil
}

// Name returns the wrapped function's name.
func (c *Closure) Name() string {
	switch {
	case c.Native != nil:
		return c.Native.Name
	case c.Function != nil:
		return c.Function.Name
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Open upvalue list
// ---------------------------------------------------------------------------

// findUpvalue returns the open upvalue for slot, creating it if needed. The
// open list is sorted by descending slot so closing can stop early.
func (s *State) findUpvalue(slot int) *Upvalue {
	var prev *Upvalue
	u := s.openUpvalues
	for u != nil && u.index > slot {
		prev = u
		u = u.next
	}
	if u != nil && u.index == slot {
		return u
	}
	nu := &Upvalue{stack: s.stack, index: slot, next: u}
	if prev == nil {
		s.openUpvalues = nu
	} else {
		prev.next = nu
	}
	s.gc.Allocate(nu, upvalueSize)
	return nu
}

// closeUpvalues closes every open upvalue at or above level.
func (s *State) closeUpvalues(level int) {
	for s.openUpvalues != nil && s.openUpvalues.index >= level {
		u := s.openUpvalues
		s.openUpvalues = u.next
		u.close()
	}
}

// ---------------------------------------------------------------------------
// To-be-closed slots
// ---------------------------------------------------------------------------

// MarkToBeClosed registers register reg of the innermost VM frame, so a
// native can mark a register of its caller. When the frame exits, normally
// or by unwinding, the CLOSE meta method of the slot's value is called with
// the value and the pending error (or null).
func (s *State) MarkToBeClosed(reg int) {
	ci := s.ci
	for ci >= 0 && !s.frames[ci].IsVM() {
		ci = s.frames[ci].Prev
	}
	if ci < 0 {
		return
	}
	slot := s.frames[ci].Base + 1 + reg
	if n := len(s.tbc); n > 0 && s.tbc[n-1] >= slot {
		return
	}
	s.tbc = append(s.tbc, slot)
}

// closeFrame closes upvalues at or above level and runs pending CLOSE
// handlers for slots in that range, innermost first.
func (s *State) closeFrame(level int, pending error) {
	s.closeUpvalues(level)
	for n := len(s.tbc); n > 0 && s.tbc[n-1] >= level; n = len(s.tbc) {
		slot := s.tbc[n-1]
		s.tbc = s.tbc[:n-1]
		v := s.stack.slots[slot]
		fn, ok := s.lookupMeta(v, MetaClose)
		if !ok {
			continue
		}
		errVal := Null
		if pending != nil {
			errVal = errorValue(pending)
		}
		if _, err := s.callMeta(fn, v, errVal); err != nil {
			log.Debugf("state %s: CLOSE handler failed: %v", s.ID, err)
		}
	}
}
