package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op    Opcode
		name  string
		shape Shape
	}{
		{OpGetStack, "GET_STACK", ShapeExtraWide},
		{OpGetConstant, "GET_CONSTANT", ShapeExtraWide},
		{OpGetUpval, "GETUPVAL", ShapeExtraWide},
		{OpGetTable, "GETTABLE", ShapeExtraAB},
		{OpGetGlobal, "GET_GLOBAL", ShapeExtra},
		{OpToBool, "TO_BOOL", ShapeExtraA},
		{OpToStruct, "TO_STRUCT", ShapeExtraAB},
		{OpAddInt, "ADD_INT", ShapeExtraAB},
		{OpNeg, "NEG", ShapeExtraA},
		{OpLogicalLessEqualFloat, "LOGICAL_LESS_EQUAL_FLOAT", ShapeExtraAB},
		{OpBitwiseShiftRight, "BITWISE_SHIFT_RIGHT", ShapeExtraAB},
		{OpFunctionCall, "FUNCTION_CALL", ShapeExtraAB},
		{OpJump, "JUMP", ShapeWide},
		{OpJumpIf, "JUMP_IF", ShapeExtraWide},
		{OpCreateObject, "CREATE_OBJECT", ShapeExtra},
		{OpTry, "TRY", ShapeWide},
		{OpCatch, "CATCH", ShapeExtraWide},
	}

	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("Opcode(0x%02X).Info().Name = %q, want %q", uint16(tt.op), info.Name, tt.name)
		}
		if info.Shape != tt.shape {
			t.Errorf("%s shape = %d, want %d", tt.name, info.Shape, tt.shape)
		}
		if !tt.op.Valid() {
			t.Errorf("%s.Valid() = false", tt.name)
		}
	}
}

func TestOpcodeUnknown(t *testing.T) {
	op := Opcode(0x7F)
	if op.Valid() {
		t.Errorf("Opcode(0x7F).Valid() = true, want false")
	}
	if got := op.Name(); got != "UNKNOWN_7F" {
		t.Errorf("Opcode(0x7F).Name() = %q, want UNKNOWN_7F", got)
	}
	if got := Opcode(0x1234).String(); !strings.HasPrefix(got, "UNKNOWN_") {
		t.Errorf("Opcode(0x1234).String() = %q", got)
	}
}

func TestComparisonOpcodeLayout(t *testing.T) {
	// The dispatcher derives kind and relation from the offset.
	if OpLogicalLessEqualFloat-OpLogicalGreaterSigned != 11 {
		t.Fatalf("comparison opcodes are not contiguous")
	}
	n := int(OpLogicalGreaterEqualUnsigned - OpLogicalGreaterSigned)
	if numKind(n%3) != numUnsigned || relation(n/3) != relGreaterEqual {
		t.Errorf("GREATER_EQUAL_UNSIGNED decodes to kind %d relation %d", n%3, n/3)
	}
}

// ---------------------------------------------------------------------------
// Instruction encoding tests
// ---------------------------------------------------------------------------

func TestMakeAndDecode(t *testing.T) {
	in := Make2(OpAdd, 3, 4, 5)
	if in.Op() != OpAdd {
		t.Errorf("Op() = %s, want ADD", in.Op())
	}
	ops := Decode(in)
	if ops.Extra != 3 || ops.A != 4 || ops.B != 5 {
		t.Errorf("Decode(ADD 3 4 5) = %+v", ops)
	}
	if ops.Wide != 0 {
		t.Errorf("Decode(ADD).Wide = %d, want 0 for ExtraAB shape", ops.Wide)
	}
}

func TestWideOperandSigned(t *testing.T) {
	for _, wide := range []int32{0, 1, -1, 32767, -32768, 1 << 30, -(1 << 30)} {
		in := Make1(OpJumpIf, 7, wide)
		ops := Decode(in)
		if ops.Wide != int(wide) {
			t.Errorf("Decode(JUMP_IF %d).Wide = %d", wide, ops.Wide)
		}
		if ops.Extra != 7 {
			t.Errorf("Decode(JUMP_IF).Extra = %d, want 7", ops.Extra)
		}
	}
}

func TestDecodeIgnoresUnusedFields(t *testing.T) {
	// JUMP has no extra field even if bits are set there.
	in := Make1(OpJump, 99, -4)
	ops := Decode(in)
	if ops.Extra != 0 || ops.Wide != -4 {
		t.Errorf("Decode(JUMP) = %+v, want Extra 0 Wide -4", ops)
	}
}

func TestReturnRegisterSentinel(t *testing.T) {
	in := Make2(OpAddInt, ReturnRegister, 0, 1)
	if in.Extra() != ReturnRegister {
		t.Errorf("Extra() = %d, want %d", in.Extra(), ReturnRegister)
	}
	if got := in.String(); got != "ADD_INT ret 0 1" {
		t.Errorf("String() = %q", got)
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		in   Instruction
		want string
	}{
		{Make1(OpGetConstant, 2, 5), "GET_CONSTANT r2 5"},
		{Make1(OpJump, 0, -3), "JUMP -3"},
		{Make0(OpCreateObject, 1), "CREATE_OBJECT r1"},
		{Make2(OpToInt, 0, 1, 0), "TO_INT r0 r1"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
