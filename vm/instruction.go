package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction.
type Opcode uint16

// Register and constant access
const (
	OpGetStack    Opcode = 0x00 // R[extra] = R[wide]
	OpSetStack    Opcode = 0x01 // R[wide] = R[extra]
	OpGetConstant Opcode = 0x02 // R[extra] = K[wide]
	OpSetConstant Opcode = 0x03 // rejected, constant pools are immutable
	OpGetClosure  Opcode = 0x04 // R[extra] = boxed capture[wide]
	OpSetClosure  Opcode = 0x05 // boxed capture[wide] = R[extra]
	OpGetUpval    Opcode = 0x06 // R[extra] = upvalue[wide]
	OpSetUpval    Opcode = 0x07 // upvalue[wide] = R[extra]
	OpGetTable    Opcode = 0x08 // R[extra] = R[A][R[B]]
	OpSetTable    Opcode = 0x09 // R[extra][R[A]] = R[B]
	OpGetGlobal   Opcode = 0x0A // R[extra] = global object
)

// Conversions
const (
	OpToBool   Opcode = 0x10 // R[extra] = bool(R[A])
	OpToInt    Opcode = 0x11 // R[extra] = int(R[A])
	OpToUInt   Opcode = 0x12 // R[extra] = uint(R[A])
	OpToFloat  Opcode = 0x13 // R[extra] = float(R[A])
	OpToString Opcode = 0x14 // R[extra] = string(R[A])
	OpToStruct Opcode = 0x15 // R[extra] = struct K[B](R[A])
	OpToObject Opcode = 0x16 // R[extra] = class K[B](R[A])
)

// Arithmetic
const (
	OpAdd           Opcode = 0x20 // generic +
	OpAddInt        Opcode = 0x21 // signed +
	OpAddFloat      Opcode = 0x22 // float +
	OpAddString     Opcode = 0x23 // string concatenation
	OpSub           Opcode = 0x24 // generic -
	OpSubInt        Opcode = 0x25 // signed -
	OpSubFloat      Opcode = 0x26 // float -
	OpMul           Opcode = 0x27 // generic *
	OpMulSigned     Opcode = 0x28 // signed *
	OpMulUnsigned   Opcode = 0x29 // unsigned *
	OpMulFloat      Opcode = 0x2A // float *
	OpNeg           Opcode = 0x2B // unary -
	OpDiv           Opcode = 0x2C // generic /
	OpDivSigned     Opcode = 0x2D // signed /
	OpDivUnsigned   Opcode = 0x2E // unsigned /
	OpDivFloat      Opcode = 0x2F // float /
	OpMod           Opcode = 0x30 // generic %
	OpModSigned     Opcode = 0x31 // signed %
	OpModUnsigned   Opcode = 0x32 // unsigned %
	OpModFloat      Opcode = 0x33 // float %
	OpPow           Opcode = 0x34 // generic **
	OpPowSigned     Opcode = 0x35 // signed **
	OpPowUnsigned   Opcode = 0x36 // unsigned **
	OpPowFloat      Opcode = 0x37 // float **
	OpShiftLeft     Opcode = 0x38 // generic <<
	OpShiftLeftInt  Opcode = 0x39 // signed <<
	OpShiftRight    Opcode = 0x3A // generic >>
	OpShiftRightInt Opcode = 0x3B // arithmetic >>
)

// Logic and comparison
const (
	OpLogicalNot      Opcode = 0x40 // !R[A]
	OpLogicalAnd      Opcode = 0x41 // R[A] && R[B]
	OpLogicalOr       Opcode = 0x42 // R[A] || R[B]
	OpLogicalEqual    Opcode = 0x43 // R[A] == R[B]
	OpLogicalNotEqual Opcode = 0x44 // R[A] != R[B]

	OpLogicalGreaterSigned   Opcode = 0x45
	OpLogicalGreaterUnsigned Opcode = 0x46
	OpLogicalGreaterFloat    Opcode = 0x47
	OpLogicalLessSigned      Opcode = 0x48
	OpLogicalLessUnsigned    Opcode = 0x49
	OpLogicalLessFloat       Opcode = 0x4A

	OpLogicalGreaterEqualSigned   Opcode = 0x4B
	OpLogicalGreaterEqualUnsigned Opcode = 0x4C
	OpLogicalGreaterEqualFloat    Opcode = 0x4D
	OpLogicalLessEqualSigned      Opcode = 0x4E
	OpLogicalLessEqualUnsigned    Opcode = 0x4F
	OpLogicalLessEqualFloat       Opcode = 0x50
)

// Bitwise
const (
	OpBitwiseNot        Opcode = 0x58 // ^R[A]
	OpBitwiseAnd        Opcode = 0x59 // R[A] & R[B]
	OpBitwiseOr         Opcode = 0x5A // R[A] | R[B]
	OpBitwiseXor        Opcode = 0x5B // R[A] ^ R[B]
	OpBitwiseShiftLeft  Opcode = 0x5C // unsigned <<
	OpBitwiseShiftRight Opcode = 0x5D // logical >>
)

// Calls and control flow
const (
	OpFunctionCall     Opcode = 0x60 // R[extra] = R[A](R[A+1..A+B])
	OpFunctionTailCall Opcode = 0x61 // return R[A](R[A+1..A+B]), reusing the frame
	OpFunctionReturn   Opcode = 0x62 // return extra values from R[A]
	OpGetSubFunction   Opcode = 0x63 // R[extra] = closure(parent.Children[wide])
	OpJump             Opcode = 0x64 // pc += wide
	OpJumpIf           Opcode = 0x65 // if R[extra] { pc += wide }
)

// Creation
const (
	OpCreateClosure Opcode = 0x70 // R[extra] = closure(K[A], B captures)
	OpCreateObject  Opcode = 0x71 // R[extra] = {}
	OpCreateArray   Opcode = 0x72 // R[extra] = [R[A]..R[A+B-1]]
)

// Exceptions
const (
	OpTry   Opcode = 0x78 // install handler, catch at pc+wide
	OpThrow Opcode = 0x79 // raise R[extra]
	OpCatch Opcode = 0x7A // R[extra] = caught error, or skip wide when not unwinding
)

// opcodeCount bounds the dense metadata table.
const opcodeCount = 0x80

// ReturnRegister is the extra-field sentinel addressing the return cell.
const ReturnRegister = 0xFFFF

// ---------------------------------------------------------------------------
// Operand layout
// ---------------------------------------------------------------------------

// Shape describes which operand fields an opcode reads.
type Shape uint8

const (
	ShapeNone      Shape = iota // no operands
	ShapeExtra                  // extra only
	ShapeWide                   // signed 32-bit only
	ShapeExtraWide              // extra + signed 32-bit
	ShapeExtraA                 // extra + one 16-bit
	ShapeExtraAB                // extra + two 16-bit
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name  string // human-readable name
	Shape Shape  // operand layout
}

// opcodeTable maps opcodes to their metadata. Unassigned entries have an
// empty name.
var opcodeTable = [opcodeCount]OpcodeInfo{
	OpGetStack:    {"GET_STACK", ShapeExtraWide},
	OpSetStack:    {"SET_STACK", ShapeExtraWide},
	OpGetConstant: {"GET_CONSTANT", ShapeExtraWide},
	OpSetConstant: {"SET_CONSTANT", ShapeExtraWide},
	OpGetClosure:  {"GET_CLOSURE", ShapeExtraWide},
	OpSetClosure:  {"SET_CLOSURE", ShapeExtraWide},
	OpGetUpval:    {"GETUPVAL", ShapeExtraWide},
	OpSetUpval:    {"SETUPVAL", ShapeExtraWide},
	OpGetTable:    {"GETTABLE", ShapeExtraAB},
	OpSetTable:    {"SETTABLE", ShapeExtraAB},
	OpGetGlobal:   {"GET_GLOBAL", ShapeExtra},

	OpToBool:   {"TO_BOOL", ShapeExtraA},
	OpToInt:    {"TO_INT", ShapeExtraA},
	OpToUInt:   {"TO_UINT", ShapeExtraA},
	OpToFloat:  {"TO_FLOAT", ShapeExtraA},
	OpToString: {"TO_STRING", ShapeExtraA},
	OpToStruct: {"TO_STRUCT", ShapeExtraAB},
	OpToObject: {"TO_OBJECT", ShapeExtraAB},

	OpAdd:           {"ADD", ShapeExtraAB},
	OpAddInt:        {"ADD_INT", ShapeExtraAB},
	OpAddFloat:      {"ADD_FLOAT", ShapeExtraAB},
	OpAddString:     {"ADD_STRING", ShapeExtraAB},
	OpSub:           {"SUB", ShapeExtraAB},
	OpSubInt:        {"SUB_INT", ShapeExtraAB},
	OpSubFloat:      {"SUB_FLOAT", ShapeExtraAB},
	OpMul:           {"MUL", ShapeExtraAB},
	OpMulSigned:     {"MUL_SIGNED", ShapeExtraAB},
	OpMulUnsigned:   {"MUL_UNSIGNED", ShapeExtraAB},
	OpMulFloat:      {"MUL_FLOAT", ShapeExtraAB},
	OpNeg:           {"NEG", ShapeExtraA},
	OpDiv:           {"DIV", ShapeExtraAB},
	OpDivSigned:     {"DIV_SIGNED", ShapeExtraAB},
	OpDivUnsigned:   {"DIV_UNSIGNED", ShapeExtraAB},
	OpDivFloat:      {"DIV_FLOAT", ShapeExtraAB},
	OpMod:           {"MOD", ShapeExtraAB},
	OpModSigned:     {"MOD_SIGNED", ShapeExtraAB},
	OpModUnsigned:   {"MOD_UNSIGNED", ShapeExtraAB},
	OpModFloat:      {"MOD_FLOAT", ShapeExtraAB},
	OpPow:           {"POW", ShapeExtraAB},
	OpPowSigned:     {"POW_SIGNED", ShapeExtraAB},
	OpPowUnsigned:   {"POW_UNSIGNED", ShapeExtraAB},
	OpPowFloat:      {"POW_FLOAT", ShapeExtraAB},
	OpShiftLeft:     {"SHIFT_LEFT", ShapeExtraAB},
	OpShiftLeftInt:  {"SHIFT_LEFT_INT", ShapeExtraAB},
	OpShiftRight:    {"SHIFT_RIGHT", ShapeExtraAB},
	OpShiftRightInt: {"SHIFT_RIGHT_INT", ShapeExtraAB},

	OpLogicalNot:      {"LOGICAL_NOT", ShapeExtraA},
	OpLogicalAnd:      {"LOGICAL_AND", ShapeExtraAB},
	OpLogicalOr:       {"LOGICAL_OR", ShapeExtraAB},
	OpLogicalEqual:    {"LOGICAL_EQUAL", ShapeExtraAB},
	OpLogicalNotEqual: {"LOGICAL_NOT_EQUAL", ShapeExtraAB},

	OpLogicalGreaterSigned:        {"LOGICAL_GREATER_SIGNED", ShapeExtraAB},
	OpLogicalGreaterUnsigned:      {"LOGICAL_GREATER_UNSIGNED", ShapeExtraAB},
	OpLogicalGreaterFloat:         {"LOGICAL_GREATER_FLOAT", ShapeExtraAB},
	OpLogicalLessSigned:           {"LOGICAL_LESS_SIGNED", ShapeExtraAB},
	OpLogicalLessUnsigned:         {"LOGICAL_LESS_UNSIGNED", ShapeExtraAB},
	OpLogicalLessFloat:            {"LOGICAL_LESS_FLOAT", ShapeExtraAB},
	OpLogicalGreaterEqualSigned:   {"LOGICAL_GREATER_EQUAL_SIGNED", ShapeExtraAB},
	OpLogicalGreaterEqualUnsigned: {"LOGICAL_GREATER_EQUAL_UNSIGNED", ShapeExtraAB},
	OpLogicalGreaterEqualFloat:    {"LOGICAL_GREATER_EQUAL_FLOAT", ShapeExtraAB},
	OpLogicalLessEqualSigned:      {"LOGICAL_LESS_EQUAL_SIGNED", ShapeExtraAB},
	OpLogicalLessEqualUnsigned:    {"LOGICAL_LESS_EQUAL_UNSIGNED", ShapeExtraAB},
	OpLogicalLessEqualFloat:       {"LOGICAL_LESS_EQUAL_FLOAT", ShapeExtraAB},

	OpBitwiseNot:        {"BITWISE_NOT", ShapeExtraA},
	OpBitwiseAnd:        {"BITWISE_AND", ShapeExtraAB},
	OpBitwiseOr:         {"BITWISE_OR", ShapeExtraAB},
	OpBitwiseXor:        {"BITWISE_XOR", ShapeExtraAB},
	OpBitwiseShiftLeft:  {"BITWISE_SHIFT_LEFT", ShapeExtraAB},
	OpBitwiseShiftRight: {"BITWISE_SHIFT_RIGHT", ShapeExtraAB},

	OpFunctionCall:     {"FUNCTION_CALL", ShapeExtraAB},
	OpFunctionTailCall: {"FUNCTION_TAIL_CALL", ShapeExtraAB},
	OpFunctionReturn:   {"FUNCTION_RETURN", ShapeExtraAB},
	OpGetSubFunction:   {"GET_SUB_FUNCTION", ShapeExtraWide},
	OpJump:             {"JUMP", ShapeWide},
	OpJumpIf:           {"JUMP_IF", ShapeExtraWide},

	OpCreateClosure: {"CREATE_CLOSURE", ShapeExtraAB},
	OpCreateObject:  {"CREATE_OBJECT", ShapeExtra},
	OpCreateArray:   {"CREATE_ARRAY", ShapeExtraAB},

	OpTry:   {"TRY", ShapeWide},
	OpThrow: {"THROW", ShapeExtra},
	OpCatch: {"CATCH", ShapeExtraWide},
}

// Info returns metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if int(op) < len(opcodeTable) && opcodeTable[op].Name != "" {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", uint16(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	return int(op) < len(opcodeTable) && opcodeTable[op].Name != ""
}

// Name returns the opcode's name.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction: packed 64-bit word
// ---------------------------------------------------------------------------

// Instruction packs an opcode (bits 0-15), the extra field (bits 16-31) and
// a 32-bit operand union (bits 32-63) read as one int32 or two uint16s.
type Instruction uint64

// Make0 builds an instruction with only the extra field.
func Make0(op Opcode, extra uint16) Instruction {
	return Instruction(uint64(op) | uint64(extra)<<16)
}

// Make1 builds an instruction with a signed 32-bit operand.
func Make1(op Opcode, extra uint16, wide int32) Instruction {
	return Make0(op, extra) | Instruction(uint64(uint32(wide))<<32)
}

// Make2 builds an instruction with two 16-bit operands.
func Make2(op Opcode, extra, a, b uint16) Instruction {
	return Make0(op, extra) | Instruction(uint64(a)<<32|uint64(b)<<48)
}

// Op returns the opcode.
func (in Instruction) Op() Opcode { return Opcode(in & 0xFFFF) }

// Extra returns the extra (destination) field.
func (in Instruction) Extra() uint16 { return uint16(in >> 16) }

// A returns the first 16-bit operand.
func (in Instruction) A() uint16 { return uint16(in >> 32) }

// B returns the second 16-bit operand.
func (in Instruction) B() uint16 { return uint16(in >> 48) }

// Wide returns the operand union as a signed 32-bit value.
func (in Instruction) Wide() int32 { return int32(uint32(in >> 32)) }

// Operands is the decoded operand record handed to every handler.
type Operands struct {
	Extra int
	A, B  int
	Wide  int
}

// Decode reads the operand fields the opcode's shape declares. Fields the
// shape does not use are zero.
func Decode(in Instruction) Operands {
	var ops Operands
	op := in.Op()
	if int(op) >= len(opcodeTable) {
		return ops
	}
	switch opcodeTable[op].Shape {
	case ShapeExtra:
		ops.Extra = int(in.Extra())
	case ShapeWide:
		ops.Wide = int(in.Wide())
	case ShapeExtraWide:
		ops.Extra = int(in.Extra())
		ops.Wide = int(in.Wide())
	case ShapeExtraA:
		ops.Extra = int(in.Extra())
		ops.A = int(in.A())
	case ShapeExtraAB:
		ops.Extra = int(in.Extra())
		ops.A = int(in.A())
		ops.B = int(in.B())
	}
	return ops
}

// String disassembles a single instruction.
func (in Instruction) String() string {
	op := in.Op()
	info := op.Info()
	ops := Decode(in)
	switch info.Shape {
	case ShapeExtra:
		return fmt.Sprintf("%s %s", info.Name, regName(ops.Extra))
	case ShapeWide:
		return fmt.Sprintf("%s %+d", info.Name, ops.Wide)
	case ShapeExtraWide:
		return fmt.Sprintf("%s %s %d", info.Name, regName(ops.Extra), ops.Wide)
	case ShapeExtraA:
		return fmt.Sprintf("%s %s r%d", info.Name, regName(ops.Extra), ops.A)
	case ShapeExtraAB:
		return fmt.Sprintf("%s %s %d %d", info.Name, regName(ops.Extra), ops.A, ops.B)
	}
	return info.Name
}

func regName(r int) string {
	if r == ReturnRegister {
		return "ret"
	}
	return fmt.Sprintf("r%d", r)
}
