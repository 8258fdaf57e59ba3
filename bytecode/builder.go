package bytecode

import (
	"fmt"
	"math"
)

// Builder assembles artifacts programmatically. It is the API a host (or
// an external compiler front-end) uses to produce loadable bytecode
// without hand-packing instruction words. Build output always passes
// through Verify, so a successful Build yields an executable artifact.
type Builder struct {
	protos []*FuncBuilder
}

// NewBuilder creates an empty artifact builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Func starts a new function prototype. numParams arrive in registers
// 0..numParams-1; maxRegs is the window size the function may address.
func (b *Builder) Func(name string, numParams, maxRegs uint8) *FuncBuilder {
	fb := &FuncBuilder{
		builder: b,
		index:   uint32(len(b.protos)),
		proto: &Proto{
			Name:      name,
			NumParams: numParams,
			MaxRegs:   maxRegs,
		},
	}
	b.protos = append(b.protos, fb)
	return fb
}

// Build resolves all labels, assembles the prototype table with main as
// the entry point, and verifies the result.
func (b *Builder) Build(main *FuncBuilder) (*Artifact, error) {
	protos := make([]*Proto, len(b.protos))
	for i, fb := range b.protos {
		if err := fb.resolve(); err != nil {
			return nil, err
		}
		protos[i] = fb.proto
	}
	a := &Artifact{Protos: protos, Main: main.index}
	if err := Verify(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Label marks a code position for forward or backward jumps.
type Label struct {
	id    int
	bound bool
	pc    int
}

type fixup struct {
	pc    int // instruction to patch
	label int // label id
}

// FuncBuilder accumulates code for a single prototype.
type FuncBuilder struct {
	builder *Builder
	index   uint32
	proto   *Proto
	labels  []*Label
	fixups  []fixup
}

// Index returns the prototype's position in the artifact table.
func (f *FuncBuilder) Index() uint32 { return f.index }

// Const interns a constant in the pool and returns its index.
func (f *FuncBuilder) Const(c Const) uint16 {
	for i, existing := range f.proto.Consts {
		if existing == c {
			return uint16(i)
		}
	}
	if len(f.proto.Consts) > math.MaxUint16 {
		panic("bytecode: constant pool overflow")
	}
	f.proto.Consts = append(f.proto.Consts, c)
	return uint16(len(f.proto.Consts) - 1)
}

// Upvalue appends an upvalue descriptor and returns its index.
func (f *FuncBuilder) Upvalue(src UpvalSource, index uint8, name string) uint8 {
	f.proto.Upvals = append(f.proto.Upvals, UpvalDesc{Source: src, Index: index, Name: name})
	return uint8(len(f.proto.Upvals) - 1)
}

// SubProto registers a nested prototype reference and returns the Bx
// operand to use with OpClosure.
func (f *FuncBuilder) SubProto(child *FuncBuilder) uint16 {
	f.proto.SubProtos = append(f.proto.SubProtos, child.index)
	return uint16(len(f.proto.SubProtos) - 1)
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// Emit appends a raw instruction and returns its pc.
func (f *FuncBuilder) Emit(inst Instruction) int {
	f.proto.Code = append(f.proto.Code, inst)
	return len(f.proto.Code) - 1
}

// EmitABC appends an ABC-mode instruction.
func (f *FuncBuilder) EmitABC(op Opcode, a, b, c uint8) int {
	return f.Emit(MakeABC(op, a, b, c))
}

// EmitABx appends an ABx-mode instruction.
func (f *FuncBuilder) EmitABx(op Opcode, a uint8, bx uint16) int {
	return f.Emit(MakeABx(op, a, bx))
}

// EmitAsBx appends an AsBx-mode instruction with an explicit offset.
func (f *FuncBuilder) EmitAsBx(op Opcode, a uint8, sbx int16) int {
	return f.Emit(MakeAsBx(op, a, sbx))
}

// LoadConst emits R[a] = c, interning the constant.
func (f *FuncBuilder) LoadConst(a uint8, c Const) int {
	return f.EmitABx(OpLoadConst, a, f.Const(c))
}

// GetGlobal emits R[a] = Globals[name].
func (f *FuncBuilder) GetGlobal(a uint8, name string) int {
	return f.EmitABx(OpGetGlobal, a, f.Const(StringConst(name)))
}

// SetGlobal emits Globals[name] = R[a].
func (f *FuncBuilder) SetGlobal(a uint8, name string) int {
	return f.EmitABx(OpSetGlobal, a, f.Const(StringConst(name)))
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// NewLabel creates an unbound label.
func (f *FuncBuilder) NewLabel() *Label {
	l := &Label{id: len(f.labels)}
	f.labels = append(f.labels, l)
	return l
}

// Bind attaches a label to the next instruction to be emitted.
func (f *FuncBuilder) Bind(l *Label) {
	l.bound = true
	l.pc = len(f.proto.Code)
}

// Jump emits op (one of the jump opcodes) targeting a label; the offset
// is patched during Build. The A field carries the condition register
// for conditional jumps and is ignored by OpJump.
func (f *FuncBuilder) Jump(op Opcode, a uint8, l *Label) int {
	pc := f.EmitAsBx(op, a, 0)
	f.fixups = append(f.fixups, fixup{pc: pc, label: l.id})
	return pc
}

// resolve patches all label fixups into final signed offsets.
func (f *FuncBuilder) resolve() error {
	for _, fx := range f.fixups {
		l := f.labels[fx.label]
		if !l.bound {
			return fmt.Errorf("bytecode: proto %q: jump at pc %d targets unbound label", f.proto.Name, fx.pc)
		}
		delta := l.pc - (fx.pc + 1)
		if delta < math.MinInt16 || delta > math.MaxInt16 {
			return fmt.Errorf("bytecode: proto %q: jump at pc %d exceeds 16-bit range", f.proto.Name, fx.pc)
		}
		old := f.proto.Code[fx.pc]
		f.proto.Code[fx.pc] = MakeAsBx(old.Op(), old.A(), int16(delta))
	}
	return nil
}
