package vm

// ---------------------------------------------------------------------------
// Continuations
// ---------------------------------------------------------------------------

// continuation tells the dispatch loop what to do after an instruction.
type continuation uint8

const (
	contNext   continuation = iota // fetch the next instruction of the current frame
	contSwitch                     // a callee frame was entered
	contReturn                     // the frame returned to a VM parent
	contStop                       // the entry frame returned
)

func (c continuation) String() string {
	switch c {
	case contNext:
		return "next"
	case contSwitch:
		return "switch"
	case contReturn:
		return "return"
	}
	return "stop"
}

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

func (s *State) register(base, top, r int) Value {
	if r == ReturnRegister {
		return s.ret
	}
	i := base + 1 + r
	if r < 0 || i >= top {
		s.raise(newError(KindInternal, ErrRegisterIndex, "register r%d outside frame", r))
		return Null
	}
	return s.stack.slots[i]
}

func (s *State) setRegister(base, top, r int, v Value) {
	if r == ReturnRegister {
		s.ret = v
		return
	}
	i := base + 1 + r
	if r < 0 || i >= top {
		s.raise(newError(KindInternal, ErrRegisterIndex, "register r%d outside frame", r))
		return
	}
	s.stack.slots[i] = v
}

// upvalue returns capture idx of the running closure.
func (s *State) upvalue(c *Closure, idx int) (*Upvalue, error) {
	if idx < 0 || idx >= len(c.Upvalues) || c.Upvalues[idx] == nil {
		return nil, newError(KindInternal, ErrUpvalueIndex, "upvalue %d out of range (%d captures)", idx, len(c.Upvalues))
	}
	return c.Upvalues[idx], nil
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes from the current frame until frame entry returns. Calls into
// VM functions do not recurse: they push a frame and the loop continues in
// it. A pending error unwinds to the nearest TRY handler at or above entry;
// when there is none, the frames down to entry are discarded and the error
// is returned with the thread status still set.
func (s *State) run(entry int) error {
	for {
		if s.status != StatusFine && !s.handling {
			if s.unwind(entry) {
				continue
			}
			return s.err
		}

		ci := &s.frames[s.ci]
		fn := ci.Closure.Function
		if ci.PC < 0 || ci.PC >= len(fn.Instructions) {
			// Falling off the end returns nothing.
			if s.postcall(nil) {
				return s.stopped()
			}
			continue
		}
		in := fn.Instructions[ci.PC]

		if s.trap.Load() {
			if !s.handleTrap(ci, in) {
				continue
			}
			ci = &s.frames[s.ci]
		}
		ci.PC++
		if s.config.Trace {
			log.Debugf("%s %04d  %s", fn.Name, ci.PC-1, in)
		}

		if s.dispatch(in) == contStop {
			return s.stopped()
		}
	}
}

// stopped reports an error raised while the entry frame was being closed.
func (s *State) stopped() error {
	if s.status != StatusFine && !s.handling {
		return s.err
	}
	return nil
}

// dispatch executes one instruction of the current frame. The frame's PC
// has already been advanced past it. Errors are raised on the state and
// observed by run at the next boundary.
func (s *State) dispatch(in Instruction) continuation {
	ci := &s.frames[s.ci]
	base, top := ci.Base, ci.Top
	cl := ci.Closure
	fn := cl.Function
	ops := Decode(in)

	get := func(r int) Value { return s.register(base, top, r) }
	set := func(r int, v Value) { s.setRegister(base, top, r, v) }
	konst := func(k int) (Value, bool) {
		if k < 0 || k >= len(fn.Constants) {
			s.raise(newError(KindInternal, ErrConstantIndex, "constant %d out of range (%d constants)", k, len(fn.Constants)))
			return Null, false
		}
		return fn.Constants[k], true
	}
	binary := func(f func(a, b Value) (Value, error)) {
		v, err := f(get(ops.A), get(ops.B))
		if err != nil {
			s.raise(err)
			return
		}
		set(ops.Extra, v)
	}

	switch op := in.Op(); op {
	// --- Registers and constants ---
	case OpGetStack:
		set(ops.Extra, copyValue(get(ops.Wide)))

	case OpSetStack:
		set(ops.Wide, copyValue(get(ops.Extra)))

	case OpGetConstant:
		if k, ok := konst(ops.Wide); ok {
			set(ops.Extra, k)
		}

	case OpSetConstant:
		s.raise(newError(KindInternal, ErrImmutableConstant, "SET_CONSTANT %d in %s", ops.Wide, fn.Name))

	case OpGetUpval, OpGetClosure:
		u, err := s.upvalue(cl, ops.Wide)
		if err != nil {
			s.raise(err)
			break
		}
		set(ops.Extra, u.Get())

	case OpSetUpval, OpSetClosure:
		u, err := s.upvalue(cl, ops.Wide)
		if err != nil {
			s.raise(err)
			break
		}
		v := get(ops.Extra)
		u.Set(v)
		s.barrier(u, v)

	case OpGetTable:
		set(ops.Extra, s.getTable(get(ops.A), get(ops.B)))

	case OpSetTable:
		s.setTable(get(ops.Extra), get(ops.A), get(ops.B))

	case OpGetGlobal:
		set(ops.Extra, FromObject(s.global))

	// --- Conversions ---
	case OpToBool:
		set(ops.Extra, FromBool(s.isTrue(get(ops.A))))

	case OpToInt:
		set(ops.Extra, s.toInt(get(ops.A)))

	case OpToUInt:
		set(ops.Extra, s.toUInt(get(ops.A)))

	case OpToFloat:
		set(ops.Extra, s.toFloat(get(ops.A)))

	case OpToString:
		set(ops.Extra, FromString(s.ToString(get(ops.A))))

	case OpToStruct, OpToObject:
		name, ok := konst(ops.B)
		if !ok {
			break
		}
		tag := MetaToStruct
		if op == OpToObject {
			tag = MetaToObject
		}
		set(ops.Extra, s.materialize(tag, get(ops.A), name))

	// --- Arithmetic ---
	case OpAdd:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaAdd, a, b) })
	case OpAddInt:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaAdd, a, b) })
	case OpAddFloat:
		binary(func(a, b Value) (Value, error) { return s.arithFloating(MetaAdd, a, b) })
	case OpAddString:
		binary(func(a, b Value) (Value, error) { return FromString(s.ToString(a) + s.ToString(b)), nil })
	case OpSub:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaSub, a, b) })
	case OpSubInt:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaSub, a, b) })
	case OpSubFloat:
		binary(func(a, b Value) (Value, error) { return s.arithFloating(MetaSub, a, b) })
	case OpMul:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaMul, a, b) })
	case OpMulSigned:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaMul, a, b) })
	case OpMulUnsigned:
		binary(func(a, b Value) (Value, error) { return s.arithUnsigned(MetaMul, a, b) })
	case OpMulFloat:
		binary(func(a, b Value) (Value, error) { return s.arithFloating(MetaMul, a, b) })
	case OpNeg:
		set(ops.Extra, s.negate(get(ops.A)))
	case OpDiv:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaDiv, a, b) })
	case OpDivSigned:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaDiv, a, b) })
	case OpDivUnsigned:
		binary(func(a, b Value) (Value, error) { return s.arithUnsigned(MetaDiv, a, b) })
	case OpDivFloat:
		binary(func(a, b Value) (Value, error) { return s.arithFloating(MetaDiv, a, b) })
	case OpMod:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaMod, a, b) })
	case OpModSigned:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaMod, a, b) })
	case OpModUnsigned:
		binary(func(a, b Value) (Value, error) { return s.arithUnsigned(MetaMod, a, b) })
	case OpModFloat:
		binary(func(a, b Value) (Value, error) { return s.arithFloating(MetaMod, a, b) })
	case OpPow:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaPow, a, b) })
	case OpPowSigned:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaPow, a, b) })
	case OpPowUnsigned:
		binary(func(a, b Value) (Value, error) { return s.arithUnsigned(MetaPow, a, b) })
	case OpPowFloat:
		binary(func(a, b Value) (Value, error) { return s.arithFloating(MetaPow, a, b) })
	case OpShiftLeft:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaShiftLeft, a, b) })
	case OpShiftLeftInt:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaShiftLeft, a, b) })
	case OpShiftRight:
		binary(func(a, b Value) (Value, error) { return s.arith(MetaShiftRight, a, b) })
	case OpShiftRightInt:
		binary(func(a, b Value) (Value, error) { return s.arithSigned(MetaShiftRight, a, b) })

	// --- Logic and comparison ---
	case OpLogicalNot:
		set(ops.Extra, FromBool(!s.isTrue(get(ops.A))))
	case OpLogicalAnd:
		set(ops.Extra, FromBool(s.isTrue(get(ops.A)) && s.isTrue(get(ops.B))))
	case OpLogicalOr:
		set(ops.Extra, FromBool(s.isTrue(get(ops.A)) || s.isTrue(get(ops.B))))
	case OpLogicalEqual:
		set(ops.Extra, FromBool(s.equal(get(ops.A), get(ops.B))))
	case OpLogicalNotEqual:
		set(ops.Extra, FromBool(!s.equal(get(ops.A), get(ops.B))))

	case OpLogicalGreaterSigned, OpLogicalGreaterUnsigned, OpLogicalGreaterFloat,
		OpLogicalLessSigned, OpLogicalLessUnsigned, OpLogicalLessFloat,
		OpLogicalGreaterEqualSigned, OpLogicalGreaterEqualUnsigned, OpLogicalGreaterEqualFloat,
		OpLogicalLessEqualSigned, OpLogicalLessEqualUnsigned, OpLogicalLessEqualFloat:
		// Twelve opcodes laid out as four relations of three kinds.
		n := int(op - OpLogicalGreaterSigned)
		set(ops.Extra, s.compare(numKind(n%3), relation(n/3), get(ops.A), get(ops.B)))

	// --- Bitwise ---
	case OpBitwiseNot:
		set(ops.Extra, s.bitNot(get(ops.A)))
	case OpBitwiseAnd:
		binary(func(a, b Value) (Value, error) { return s.bitwise(MetaBitAnd, a, b) })
	case OpBitwiseOr:
		binary(func(a, b Value) (Value, error) { return s.bitwise(MetaBitOr, a, b) })
	case OpBitwiseXor:
		binary(func(a, b Value) (Value, error) { return s.bitwise(MetaBitXor, a, b) })
	case OpBitwiseShiftLeft:
		binary(func(a, b Value) (Value, error) { return s.bitwise(MetaShiftLeft, a, b) })
	case OpBitwiseShiftRight:
		binary(func(a, b Value) (Value, error) { return s.bitwise(MetaShiftRight, a, b) })

	// --- Calls ---
	case OpFunctionCall:
		slot := base + 1 + ops.A
		if slot+ops.B >= top {
			s.raise(newError(KindInternal, ErrRegisterIndex, "call window r%d+%d outside frame", ops.A, ops.B))
			break
		}
		s.stack.top = slot + 1 + ops.B
		entered, err := s.precall(slot, ops.B, ops.Extra, 0)
		if err != nil {
			s.stack.top = top
			s.raise(err)
			break
		}
		if entered {
			return contSwitch
		}
		s.stack.top = top

	case OpFunctionTailCall:
		slot := base + 1 + ops.A
		if slot+ops.B >= top {
			s.raise(newError(KindInternal, ErrRegisterIndex, "call window r%d+%d outside frame", ops.A, ops.B))
			break
		}
		s.stack.top = slot + 1 + ops.B
		stop, err := s.tailcall(slot, ops.B)
		if err != nil {
			s.stack.top = top
			s.raise(err)
			break
		}
		if stop {
			return contStop
		}
		return contSwitch

	case OpFunctionReturn:
		var results []Value
		if ops.A == ReturnRegister {
			if ops.Extra > 0 {
				results = append(results, s.ret)
			}
		} else {
			for i := 0; i < ops.Extra; i++ {
				results = append(results, get(ops.A+i))
			}
		}
		if ops.B != 0 {
			results = append(results, ci.Varargs...)
		}
		if s.postcall(results) {
			return contStop
		}
		return contReturn

	case OpGetSubFunction:
		child := s.subFunction(ci, ops.Wide)
		if child == nil {
			s.raise(newError(KindInternal, ErrConstantIndex, "sub-function %d out of range", ops.Wide))
			break
		}
		c := NewClosure(child, 0)
		s.gc.Allocate(c, closureSize)
		set(ops.Extra, FromClosure(c))

	// --- Control flow ---
	case OpJump:
		ci.PC += ops.Wide

	case OpJumpIf:
		if s.isTrue(get(ops.Extra)) {
			s.frames[s.ci].PC += ops.Wide
		}

	// --- Creation ---
	case OpCreateClosure:
		k, ok := konst(ops.A)
		if !ok {
			break
		}
		if !k.IsFunction() {
			s.raise(newError(KindInternal, ErrConstantIndex, "constant %d is a %s, not a function", ops.A, k.Type()))
			break
		}
		c, err := s.newClosure(k.Function(), ops.B, base, cl)
		if err != nil {
			s.raise(err)
			break
		}
		set(ops.Extra, FromClosure(c))

	case OpCreateObject:
		o := NewObject(nil)
		s.gc.Allocate(o, objectSize)
		set(ops.Extra, FromObject(o))

	case OpCreateArray:
		elems := make([]Value, ops.B)
		for i := range elems {
			elems[i] = copyValue(get(ops.A + i))
		}
		a := NewArray(elems)
		s.gc.Allocate(a, objectSize+len(elems)*valueSize)
		set(ops.Extra, FromObject(a))

	// --- Exceptions ---
	case OpTry:
		s.pushHandler(ci.PC + ops.Wide)

	case OpThrow:
		v := get(ops.Extra)
		err := newError(KindException, ErrThrown, "uncaught exception: %s", s.ToString(v))
		err.Value = v
		s.raise(err)

	case OpCatch:
		if s.handling {
			v := errorValue(s.err)
			s.clearError()
			set(ops.Extra, v)
			break
		}
		s.popHandler()
		s.frames[s.ci].PC += ops.Wide

	default:
		s.raise(newError(KindInternal, ErrUnknownOpcode, "unknown opcode 0x%04X", uint16(op)))
	}
	return contNext
}

// subFunction resolves GET_SUB_FUNCTION: children are indexed in the
// calling frame's function, falling back to the running function when the
// caller is not a VM frame or has no such child.
func (s *State) subFunction(ci *CallInfo, idx int) *Function {
	if ci.Prev >= 0 {
		if parent := s.frames[ci.Prev].Function(); parent != nil && idx >= 0 && idx < len(parent.Children) {
			return parent.Children[idx]
		}
	}
	if fn := ci.Function(); idx >= 0 && idx < len(fn.Children) {
		return fn.Children[idx]
	}
	return nil
}

// newClosure creates a closure over f with n captures described by f's
// closure variables, relative to the frame at base running encl. Shared
// captures must name a register of that frame or an upvalue of encl.
func (s *State) newClosure(f *Function, n, base int, encl *Closure) (*Closure, error) {
	top := s.frames[s.ci].Top
	for i := 0; i < n && i < len(f.ClosureVars); i++ {
		cv := f.ClosureVars[i]
		switch {
		case cv.InStack && (cv.Index < 0 || base+1+cv.Index >= top):
			return nil, newError(KindInternal, ErrUpvalueIndex, "%s captures register %d outside the frame", f.Name, cv.Index)
		case cv.FromEnclosing && (cv.Index < 0 || cv.Index >= len(encl.Upvalues)):
			return nil, newError(KindInternal, ErrUpvalueIndex, "%s captures upvalue %d (%d available)", f.Name, cv.Index, len(encl.Upvalues))
		}
	}

	c := NewClosure(f, n)
	s.gc.Allocate(c, closureSize)
	for i := 0; i < n; i++ {
		var cv ClosureVar
		if i < len(f.ClosureVars) {
			cv = f.ClosureVars[i]
		} else {
			cv = ClosureVar{Index: -1}
		}
		var u *Upvalue
		switch {
		case cv.InStack:
			u = s.findUpvalue(base + 1 + cv.Index)
		case cv.FromEnclosing:
			u = encl.Upvalues[cv.Index]
		default:
			v := Null
			if cv.Index >= 0 && base+1+cv.Index < top {
				v = copyValue(s.stack.slots[base+1+cv.Index])
			}
			u = NewBoxedUpvalue(v)
			s.gc.Allocate(u, upvalueSize)
		}
		c.Upvalues[i] = u
		s.barrier(c, u.Get())
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Table access
// ---------------------------------------------------------------------------

// getTable reads obj[key]. Misses consult the GETTER meta method, then the
// prototype's members. Non-containers without a GETTER yield Null.
func (s *State) getTable(obj, key Value) Value {
	if !obj.IsContainer() {
		if r, ok := s.tryMetaBinary(MetaGetter, obj, key); ok {
			return r
		}
		return Null
	}
	o := obj.Object()
	if v, ok := o.Get(key); ok {
		return v
	}
	if r, ok := s.tryMetaBinary(MetaGetter, obj, key); ok {
		return r
	}
	if o.Prototype != nil {
		if v, ok := o.Prototype.LookupMember(key); ok {
			return v
		}
	}
	return Null
}

// setTable writes obj[key] = v. Writes to absent keys go to the SETTER meta
// method when there is one. Writes to non-containers are ignored.
func (s *State) setTable(obj, key, v Value) {
	if !obj.IsContainer() {
		if fn, ok := s.lookupMeta(obj, MetaSetter); ok {
			if _, err := s.callMeta(fn, obj, key, v); err != nil {
				s.metaFailure(err)
			}
			return
		}
		log.Debugf("state %s: SETTABLE on %s ignored", s.ID, obj.Type())
		return
	}
	o := obj.Object()
	if !o.Has(key) {
		if fn, ok := s.lookupMeta(obj, MetaSetter); ok {
			if _, err := s.callMeta(fn, obj, key, v); err != nil {
				s.metaFailure(err)
			}
			return
		}
	}
	old := o.Len()
	if o.Internal == ObjectArray && key.IsInt() && key.Int() >= int64(old) && key.Int() >= int64(s.config.MaxArrayLength) {
		s.raise(newError(KindMemory, ErrArrayLimit, "array index %d past the %d element limit", key.Int(), s.config.MaxArrayLength))
		return
	}
	if !o.Set(key, copyValue(v)) {
		log.Debugf("state %s: SETTABLE key %s rejected by %s", s.ID, key, obj.Type())
		return
	}
	if n := o.Len(); n != old {
		s.gc.Resize(o, old*valueSize, n*valueSize)
	}
	s.barrier(o, v)
}
