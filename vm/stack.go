package vm

// ---------------------------------------------------------------------------
// Stack: growable value slots shared by every frame
// ---------------------------------------------------------------------------

// Stack holds the value slots of all active frames. Slots are addressed by
// absolute index; frames address registers relative to their base.
type Stack struct {
	slots []Value
	top   int // first free slot
	max   int // hard ceiling on len(slots)
}

func newStack(initial, max int) *Stack {
	if initial <= 0 {
		initial = 256
	}
	if max < initial {
		max = initial
	}
	return &Stack{slots: make([]Value, initial), max: max}
}

// Len returns the current capacity in slots.
func (st *Stack) Len() int {
	return len(st.slots)
}

// Top returns the first free slot.
func (st *Stack) Top() int {
	return st.top
}

// Slot returns the value at an absolute index.
func (st *Stack) Slot(i int) Value {
	return st.slots[i]
}

// ensure grows the stack so that slot need-1 is addressable. It reports
// false when that would exceed the ceiling. Growth doubles, clamped to max.
func (st *Stack) ensure(need int) (grown bool, ok bool) {
	if need <= len(st.slots) {
		return false, true
	}
	if need > st.max {
		return false, false
	}
	n := len(st.slots) * 2
	for n < need {
		n *= 2
	}
	if n > st.max {
		n = st.max
	}
	slots := make([]Value, n)
	copy(slots, st.slots)
	st.slots = slots
	return true, true
}

// clear nulls slots in [from, to) so stale references do not survive a
// frame.
func (st *Stack) clear(from, to int) {
	if to > len(st.slots) {
		to = len(st.slots)
	}
	for i := from; i < to; i++ {
		st.slots[i] = Null
	}
}
