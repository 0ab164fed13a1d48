package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Function: immutable compiled template
// ---------------------------------------------------------------------------

// LocalVar describes a local variable's register and live range.
type LocalVar struct {
	Name    string
	Slot    int
	StartPC int
	EndPC   int
}

// ClosureVar describes one capture of a closure created from the function.
//
// InStack captures share the enclosing frame's register Index through an
// open upvalue. Otherwise the register's current value is boxed at
// creation time, or, with FromEnclosing, the enclosing closure's own
// upvalue Index is shared.
type ClosureVar struct {
	Name          string
	InStack       bool
	FromEnclosing bool
	Index         int
}

// Function is a compiled function template. It is produced by the front end
// and never mutated by the engine; any number of closures may share it.
type Function struct {
	Name         string
	Module       string
	Instructions []Instruction
	Constants    []Value
	Locals       []LocalVar
	ClosureVars  []ClosureVar
	Children     []*Function
	ParamCount   int
	Variadic     bool
	StackSize    int
}

// FrameSize returns the number of registers a frame of f needs.
func (f *Function) FrameSize() int {
	if f.StackSize > f.ParamCount {
		return f.StackSize
	}
	return f.ParamCount
}

// Check reports a malformed function: negative counts, negative capture
// indexes, or locals outside the frame.
func (f *Function) Check() error {
	if f.ParamCount < 0 || f.StackSize < 0 {
		return fmt.Errorf("%s: %d params, %d registers: %w", f.Name, f.ParamCount, f.StackSize, ErrMalformedFunction)
	}
	for i, cv := range f.ClosureVars {
		if cv.Index < 0 {
			return fmt.Errorf("%s: capture %d has index %d: %w", f.Name, i, cv.Index, ErrMalformedFunction)
		}
	}
	for _, l := range f.Locals {
		if l.Slot < 0 || l.Slot >= f.FrameSize() || l.StartPC < 0 || l.EndPC < l.StartPC {
			return fmt.Errorf("%s: local %s in register %d: %w", f.Name, l.Name, l.Slot, ErrMalformedFunction)
		}
	}
	return nil
}

// LocalName returns the name of the local bound to slot at pc, if any.
func (f *Function) LocalName(slot, pc int) string {
	for _, l := range f.Locals {
		if l.Slot == slot && pc >= l.StartPC && pc < l.EndPC {
			return l.Name
		}
	}
	return ""
}

// Walk visits f and every nested child, depth first.
func (f *Function) Walk(fn func(*Function)) {
	fn(f)
	for _, c := range f.Children {
		c.Walk(fn)
	}
}

// Disassemble renders the function and its children in a readable listing.
func (f *Function) Disassemble() string {
	var sb strings.Builder
	f.disassemble(&sb, "")
	return sb.String()
}

func (f *Function) disassemble(sb *strings.Builder, indent string) {
	name := f.Name
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Fprintf(sb, "%sfunction %s (params=%d variadic=%t stack=%d)\n",
		indent, name, f.ParamCount, f.Variadic, f.StackSize)
	for i, in := range f.Instructions {
		line := fmt.Sprintf("%s  %04d  %s", indent, i, in)
		switch in.Op() {
		case OpJump, OpJumpIf, OpTry, OpCatch:
			line += fmt.Sprintf(" (-> %04d)", i+1+int(in.Wide()))
		case OpGetConstant:
			if k := int(in.Wide()); k >= 0 && k < len(f.Constants) {
				line += fmt.Sprintf(" ; %s", f.Constants[k])
			}
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if len(f.Constants) > 0 {
		fmt.Fprintf(sb, "%s  constants:\n", indent)
		for i, k := range f.Constants {
			fmt.Fprintf(sb, "%s    [%d] %s %s\n", indent, i, k.Type(), k)
		}
	}
	for _, c := range f.Children {
		c.disassemble(sb, indent+"  ")
	}
}

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// NativeFunc is a Go function callable from scripts. It runs synchronously
// inside the calling instruction and may re-enter the interpreter through
// State.Call.
type NativeFunc func(s *State, args []Value) (Value, error)

// Native names a NativeFunc.
type Native struct {
	Name string
	Fn   NativeFunc
}
