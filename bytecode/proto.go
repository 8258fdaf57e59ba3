package bytecode

import "fmt"

// FormatVersion is the current artifact format version.
// Increment when making incompatible changes to the format.
const FormatVersion uint8 = 1

// Magic bytes for serialized artifacts: "LOON".
var Magic = []byte{'L', 'O', 'O', 'N'}

// MaxRegisters is the largest register window a prototype may declare.
// Register operands are 8-bit; the top of the range is reserved so the
// call protocol can always address the slot above the window.
const MaxRegisters = 250

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// ConstKind identifies the type of a constant-pool entry.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
)

// String returns a human-readable name for ConstKind.
func (k ConstKind) String() string {
	switch k {
	case ConstNil:
		return "nil"
	case ConstBool:
		return "bool"
	case ConstInt:
		return "int"
	case ConstFloat:
		return "float"
	case ConstString:
		return "string"
	default:
		return fmt.Sprintf("ConstKind(%d)", uint8(k))
	}
}

// Const is a constant-pool entry. Only the field matching Kind is
// meaningful; the rest stay zero so canonical CBOR encoding is stable.
type Const struct {
	Kind  ConstKind `cbor:"k"`
	Bool  bool      `cbor:"b,omitempty"`
	Int   int64     `cbor:"i,omitempty"`
	Float float64   `cbor:"f,omitempty"`
	Str   string    `cbor:"s,omitempty"`
}

// NilConst returns the nil constant.
func NilConst() Const { return Const{Kind: ConstNil} }

// BoolConst returns a boolean constant.
func BoolConst(b bool) Const { return Const{Kind: ConstBool, Bool: b} }

// IntConst returns an integer constant.
func IntConst(n int64) Const { return Const{Kind: ConstInt, Int: n} }

// FloatConst returns a float constant.
func FloatConst(f float64) Const { return Const{Kind: ConstFloat, Float: f} }

// StringConst returns a string constant.
func StringConst(s string) Const { return Const{Kind: ConstString, Str: s} }

// ---------------------------------------------------------------------------
// Upvalue descriptors
// ---------------------------------------------------------------------------

// UpvalSource indicates where a captured variable originates in the
// enclosing function.
type UpvalSource uint8

const (
	// UpvalLocal captures a register of the enclosing function. The cell
	// aliases the live stack slot until the enclosing frame exits.
	UpvalLocal UpvalSource = 0

	// UpvalParent captures an upvalue of the enclosing function, sharing
	// its cell.
	UpvalParent UpvalSource = 1
)

// String returns a human-readable name for UpvalSource.
func (s UpvalSource) String() string {
	switch s {
	case UpvalLocal:
		return "local"
	case UpvalParent:
		return "parent"
	default:
		return fmt.Sprintf("UpvalSource(%d)", uint8(s))
	}
}

// UpvalDesc describes one captured variable of a prototype.
type UpvalDesc struct {
	Source UpvalSource `cbor:"src"`
	Index  uint8       `cbor:"idx"` // register or parent-upvalue index
	Name   string      `cbor:"name,omitempty"`
}

// ---------------------------------------------------------------------------
// Prototypes and artifacts
// ---------------------------------------------------------------------------

// Proto is a single function prototype: its instruction sequence,
// constant pool, upvalue descriptors and register requirements. Protos
// are immutable after a successful Verify and are shared by every
// closure created from them.
type Proto struct {
	Name      string        `cbor:"name,omitempty"` // diagnostic label
	NumParams uint8         `cbor:"params"`
	MaxRegs   uint8         `cbor:"regs"`
	Code      []Instruction `cbor:"code"`
	Consts    []Const       `cbor:"consts,omitempty"`
	Upvals    []UpvalDesc   `cbor:"upvals,omitempty"`

	// SubProtos references the artifact prototype table; OpClosure's Bx
	// field indexes into this slice.
	SubProtos []uint32 `cbor:"subs,omitempty"`

	// Lines optionally maps each instruction to a source line. Either
	// empty or the same length as Code.
	Lines []int32 `cbor:"lines,omitempty"`
}

// LineAt returns the source line for the instruction at pc, or 0 when no
// debug table is present.
func (p *Proto) LineAt(pc int) int32 {
	if pc < 0 || pc >= len(p.Lines) {
		return 0
	}
	return p.Lines[pc]
}

// Artifact is a validated unit of loadable bytecode: a flat table of
// prototypes plus the index of the entry prototype. Artifacts are
// treated as untrusted input until Verify has passed.
type Artifact struct {
	Protos []*Proto `cbor:"protos"`
	Main   uint32   `cbor:"main"`
}

// MainProto returns the entry prototype. Valid only after Verify.
func (a *Artifact) MainProto() *Proto {
	return a.Protos[a.Main]
}
