package vm

// ---------------------------------------------------------------------------
// FunctionBuilder: helper for constructing functions by hand
// ---------------------------------------------------------------------------

// FunctionBuilder assembles a Function. Front ends and tests use it to
// emit instructions, intern constants and resolve jump labels.
type FunctionBuilder struct {
	fn *Function
}

// NewFunctionBuilder creates a builder for a function with the given
// parameter count.
func NewFunctionBuilder(name string, params int) *FunctionBuilder {
	return &FunctionBuilder{fn: &Function{Name: name, ParamCount: params, StackSize: params}}
}

// SetStackSize sets the number of registers the function uses.
func (b *FunctionBuilder) SetStackSize(n int) *FunctionBuilder {
	b.fn.StackSize = n
	return b
}

// SetVariadic marks the function as accepting extra arguments.
func (b *FunctionBuilder) SetVariadic(v bool) *FunctionBuilder {
	b.fn.Variadic = v
	return b
}

// SetModule records the owning module name.
func (b *FunctionBuilder) SetModule(name string) *FunctionBuilder {
	b.fn.Module = name
	return b
}

// AddConstant appends a constant and returns its index.
func (b *FunctionBuilder) AddConstant(v Value) int {
	idx := len(b.fn.Constants)
	b.fn.Constants = append(b.fn.Constants, v)
	return idx
}

// AddChild appends a nested function and returns its index.
func (b *FunctionBuilder) AddChild(child *Function) int {
	idx := len(b.fn.Children)
	b.fn.Children = append(b.fn.Children, child)
	return idx
}

// AddClosureVar declares a capture and returns its upvalue index.
func (b *FunctionBuilder) AddClosureVar(cv ClosureVar) int {
	idx := len(b.fn.ClosureVars)
	b.fn.ClosureVars = append(b.fn.ClosureVars, cv)
	return idx
}

// AddLocal records a named local over [start, end).
func (b *FunctionBuilder) AddLocal(name string, slot, start, end int) {
	b.fn.Locals = append(b.fn.Locals, LocalVar{Name: name, Slot: slot, StartPC: start, EndPC: end})
}

// Len returns the number of emitted instructions.
func (b *FunctionBuilder) Len() int {
	return len(b.fn.Instructions)
}

// Emit appends a raw instruction and returns its index.
func (b *FunctionBuilder) Emit(in Instruction) int {
	b.fn.Instructions = append(b.fn.Instructions, in)
	return len(b.fn.Instructions) - 1
}

// Emit0 appends an extra-only instruction.
func (b *FunctionBuilder) Emit0(op Opcode, extra int) int {
	return b.Emit(Make0(op, uint16(extra)))
}

// Emit1 appends an instruction with a signed 32-bit operand.
func (b *FunctionBuilder) Emit1(op Opcode, extra int, wide int) int {
	return b.Emit(Make1(op, uint16(extra), int32(wide)))
}

// Emit2 appends an instruction with two 16-bit operands.
func (b *FunctionBuilder) Emit2(op Opcode, extra, a, bb int) int {
	return b.Emit(Make2(op, uint16(extra), uint16(a), uint16(bb)))
}

// LoadConst interns v and emits GET_CONSTANT into dest.
func (b *FunctionBuilder) LoadConst(dest int, v Value) int {
	return b.Emit1(OpGetConstant, dest, b.AddConstant(v))
}

// Return emits FUNCTION_RETURN of one value from reg.
func (b *FunctionBuilder) Return(reg int) int {
	return b.Emit2(OpFunctionReturn, 1, reg, 0)
}

// Build finalizes and returns the function.
func (b *FunctionBuilder) Build() *Function {
	return b.fn
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be placed yet.
type Label struct {
	resolved bool
	position int   // target instruction index once resolved
	refs     []int // instructions waiting for the target
}

// NewLabel creates an unresolved label.
func (b *FunctionBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the next instruction index and patches every
// forward reference.
func (b *FunctionBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.fn.Instructions)
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

// EmitJump emits a jump-shaped instruction (JUMP, JUMP_IF, TRY, CATCH)
// targeting label. Offsets are relative to the instruction after the jump.
func (b *FunctionBuilder) EmitJump(op Opcode, extra int, label *Label) int {
	idx := b.Emit1(op, extra, 0)
	if label.resolved {
		b.patch(idx, label.position)
	} else {
		label.refs = append(label.refs, idx)
	}
	return idx
}

func (b *FunctionBuilder) patch(at, target int) {
	in := b.fn.Instructions[at]
	b.fn.Instructions[at] = Make1(in.Op(), in.Extra(), int32(target-(at+1)))
}
