package bytecode

import "fmt"

// Opcode identifies a register-machine instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Moves and constant loads (0x00-0x0F)
	// ========================================================================

	OpMove      Opcode = 0x00 // R[A] = R[B]
	OpLoadConst Opcode = 0x01 // R[A] = K[Bx]
	OpLoadNil   Opcode = 0x02 // R[A] = nil
	OpLoadBool  Opcode = 0x03 // R[A] = (B != 0)
	OpLoadInt   Opcode = 0x04 // R[A] = sBx (small immediate integer)

	// ========================================================================
	// Globals (0x10-0x1F)
	// ========================================================================

	OpGetGlobal Opcode = 0x10 // R[A] = Globals[K[Bx]]; K[Bx] must be a string
	OpSetGlobal Opcode = 0x11 // Globals[K[Bx]] = R[A]

	// ========================================================================
	// Arithmetic (0x20-0x2F)
	//
	// Integer arithmetic operates on 48-bit signed integers and wraps
	// modulo 2^48. Mixed integer/float operands promote to float64.
	// ========================================================================

	OpAdd Opcode = 0x20 // R[A] = R[B] + R[C]
	OpSub Opcode = 0x21 // R[A] = R[B] - R[C]
	OpMul Opcode = 0x22 // R[A] = R[B] * R[C]
	OpDiv Opcode = 0x23 // R[A] = R[B] / R[C]; integer division by zero raises
	OpMod Opcode = 0x24 // R[A] = R[B] % R[C]; integer modulo by zero raises
	OpNeg Opcode = 0x25 // R[A] = -R[B]

	// ========================================================================
	// Comparison and logic (0x30-0x3F)
	// ========================================================================

	OpEq  Opcode = 0x30 // R[A] = R[B] == R[C]
	OpNe  Opcode = 0x31 // R[A] = R[B] != R[C]
	OpLt  Opcode = 0x32 // R[A] = R[B] < R[C] (numeric or string)
	OpLe  Opcode = 0x33 // R[A] = R[B] <= R[C]
	OpNot Opcode = 0x34 // R[A] = not truthy(R[B])

	// ========================================================================
	// Strings (0x40-0x4F)
	// ========================================================================

	OpConcat Opcode = 0x40 // R[A] = R[B] .. R[C] (both strings)
	OpLen    Opcode = 0x41 // R[A] = #R[B] (string or table length)

	// ========================================================================
	// Tables (0x50-0x5F)
	// ========================================================================

	OpNewTable Opcode = 0x50 // R[A] = {} (B = array size hint, C = hash hint)
	OpGetIndex Opcode = 0x51 // R[A] = R[B][R[C]]
	OpSetIndex Opcode = 0x52 // R[A][R[B]] = R[C]
	OpIterNext Opcode = 0x53 // advance iteration over R[A]; see interpreter

	// ========================================================================
	// Closures and upvalues (0x60-0x6F)
	// ========================================================================

	OpClosure   Opcode = 0x60 // R[A] = closure of Protos[Bx], per its descriptors
	OpGetUpval  Opcode = 0x61 // R[A] = Upvalues[B]
	OpSetUpval  Opcode = 0x62 // Upvalues[B] = R[A]
	OpCloseUpvs Opcode = 0x63 // close open upvalues aliasing registers >= A

	// ========================================================================
	// Control flow (0x70-0x7F)
	// ========================================================================

	OpJump        Opcode = 0x70 // pc += sBx
	OpJumpIfFalse Opcode = 0x71 // if not truthy(R[A]): pc += sBx
	OpJumpIfTrue  Opcode = 0x72 // if truthy(R[A]): pc += sBx

	// ========================================================================
	// Calls (0x80-0x8F)
	// ========================================================================

	OpCall     Opcode = 0x80 // call R[A] with args R[A+1..A+B]; C results at R[A..]
	OpTailCall Opcode = 0x81 // tail call R[A] with args R[A+1..A+B]; reuses frame
	OpProtCall Opcode = 0x82 // protected call; R[A] = ok, results/error follow
	OpReturn   Opcode = 0x83 // return R[A..A+B-1]

	// ========================================================================
	// Errors (0xF0-0xFF)
	// ========================================================================

	OpRaise Opcode = 0xF0 // raise R[A] as a runtime error
)

// OperandMode describes how an instruction's operand fields are laid out.
type OperandMode uint8

const (
	// ModeABC uses three 8-bit register/immediate fields.
	ModeABC OperandMode = iota

	// ModeABx uses an 8-bit A field and an unsigned 16-bit Bx field.
	ModeABx

	// ModeAsBx uses an 8-bit A field and a signed 16-bit sBx field.
	ModeAsBx
)

// OpcodeInfo provides metadata about each opcode for validation,
// disassembly and the verifier.
type OpcodeInfo struct {
	Name string      // Human-readable name
	Mode OperandMode // Operand field layout

	// Which fields name registers (checked against MaxRegs by the verifier).
	// For ModeABx/ModeAsBx only RegA is meaningful.
	RegA, RegB, RegC bool
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpMove:      {"MOVE", ModeABC, true, true, false},
	OpLoadConst: {"LOADK", ModeABx, true, false, false},
	OpLoadNil:   {"LOADNIL", ModeABC, true, false, false},
	OpLoadBool:  {"LOADBOOL", ModeABC, true, false, false},
	OpLoadInt:   {"LOADINT", ModeAsBx, true, false, false},

	OpGetGlobal: {"GETGLOBAL", ModeABx, true, false, false},
	OpSetGlobal: {"SETGLOBAL", ModeABx, true, false, false},

	OpAdd: {"ADD", ModeABC, true, true, true},
	OpSub: {"SUB", ModeABC, true, true, true},
	OpMul: {"MUL", ModeABC, true, true, true},
	OpDiv: {"DIV", ModeABC, true, true, true},
	OpMod: {"MOD", ModeABC, true, true, true},
	OpNeg: {"NEG", ModeABC, true, true, false},

	OpEq:  {"EQ", ModeABC, true, true, true},
	OpNe:  {"NE", ModeABC, true, true, true},
	OpLt:  {"LT", ModeABC, true, true, true},
	OpLe:  {"LE", ModeABC, true, true, true},
	OpNot: {"NOT", ModeABC, true, true, false},

	OpConcat: {"CONCAT", ModeABC, true, true, true},
	OpLen:    {"LEN", ModeABC, true, true, false},

	OpNewTable: {"NEWTABLE", ModeABC, true, false, false},
	OpGetIndex: {"GETINDEX", ModeABC, true, true, true},
	OpSetIndex: {"SETINDEX", ModeABC, true, true, true},
	OpIterNext: {"ITERNEXT", ModeAsBx, true, false, false},

	OpClosure:   {"CLOSURE", ModeABx, true, false, false},
	OpGetUpval:  {"GETUPVAL", ModeABC, true, false, false},
	OpSetUpval:  {"SETUPVAL", ModeABC, true, false, false},
	OpCloseUpvs: {"CLOSEUPVS", ModeABC, true, false, false},

	OpJump:        {"JUMP", ModeAsBx, false, false, false},
	OpJumpIfFalse: {"JUMPFALSE", ModeAsBx, true, false, false},
	OpJumpIfTrue:  {"JUMPTRUE", ModeAsBx, true, false, false},

	OpCall:     {"CALL", ModeABC, true, false, false},
	OpTailCall: {"TAILCALL", ModeABC, true, false, false},
	OpProtCall: {"PROTCALL", ModeABC, true, false, false},
	OpReturn:   {"RETURN", ModeABC, true, false, false},

	OpRaise: {"RAISE", ModeABC, true, false, false},
}

// GetOpcodeInfo returns metadata for an opcode. Returns a zero OpcodeInfo
// with an UNKNOWN name if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}, false
	}
	return info, true
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	info, _ := GetOpcodeInfo(op)
	return info.Name
}

// IsJump returns true if this opcode transfers control by a signed offset.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpJumpIfTrue || op == OpIterNext
}

// AllOpcodes returns all defined opcodes. Useful for testing that every
// opcode has metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Instruction is a fixed-width 32-bit instruction word:
//
//	bits 24-31: opcode
//	bits 16-23: A
//	bits  8-15: B
//	bits  0-7:  C
//
// ABx instructions use bits 0-15 as an unsigned 16-bit Bx field; AsBx
// instructions interpret the same bits as signed (excess-32768 is not
// used; the field is plain two's complement).
type Instruction uint32

// MakeABC builds an ABC-mode instruction.
func MakeABC(op Opcode, a, b, c uint8) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(b)<<8 | uint32(c))
}

// MakeABx builds an ABx-mode instruction.
func MakeABx(op Opcode, a uint8, bx uint16) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(bx))
}

// MakeAsBx builds an AsBx-mode instruction with a signed 16-bit offset.
func MakeAsBx(op Opcode, a uint8, sbx int16) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(uint16(sbx)))
}

// Op returns the instruction's opcode.
func (i Instruction) Op() Opcode { return Opcode(i >> 24) }

// A returns the 8-bit A field.
func (i Instruction) A() uint8 { return uint8(i >> 16) }

// B returns the 8-bit B field.
func (i Instruction) B() uint8 { return uint8(i >> 8) }

// C returns the 8-bit C field.
func (i Instruction) C() uint8 { return uint8(i) }

// Bx returns the unsigned 16-bit Bx field.
func (i Instruction) Bx() uint16 { return uint16(i) }

// SBx returns the signed 16-bit sBx field.
func (i Instruction) SBx() int16 { return int16(uint16(i)) }
