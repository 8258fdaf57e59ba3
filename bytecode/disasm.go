package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders an artifact as a human-readable listing, one
// prototype per section. Intended for debugging and golden tests.
func Disassemble(a *Artifact) string {
	var sb strings.Builder
	for i, p := range a.Protos {
		marker := ""
		if uint32(i) == a.Main {
			marker = " (main)"
		}
		name := p.Name
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&sb, "proto %d: %s%s  params=%d regs=%d upvals=%d\n",
			i, name, marker, p.NumParams, p.MaxRegs, len(p.Upvals))
		for pc, inst := range p.Code {
			sb.WriteString(disasmInst(p, pc, inst))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func disasmInst(p *Proto, pc int, inst Instruction) string {
	op := inst.Op()
	info, known := GetOpcodeInfo(op)

	var operands string
	if !known {
		operands = fmt.Sprintf("raw=0x%08X", uint32(inst))
	} else {
		switch info.Mode {
		case ModeABC:
			operands = fmt.Sprintf("%-4d %-4d %d", inst.A(), inst.B(), inst.C())
		case ModeABx:
			operands = fmt.Sprintf("%-4d %d", inst.A(), inst.Bx())
		case ModeAsBx:
			operands = fmt.Sprintf("%-4d %d", inst.A(), inst.SBx())
		}
	}

	line := fmt.Sprintf("  %04d  %-10s %s", pc, info.Name, operands)

	// Append resolved annotations where they help a reader.
	switch op {
	case OpLoadConst, OpGetGlobal, OpSetGlobal:
		if bx := int(inst.Bx()); bx < len(p.Consts) {
			line += "  ; " + constString(p.Consts[bx])
		}
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpIterNext:
		line += fmt.Sprintf("  ; -> %04d", pc+1+int(inst.SBx()))
	case OpClosure:
		if bx := int(inst.Bx()); bx < len(p.SubProtos) {
			line += fmt.Sprintf("  ; proto %d", p.SubProtos[bx])
		}
	}
	return line
}

func constString(c Const) string {
	switch c.Kind {
	case ConstNil:
		return "nil"
	case ConstBool:
		return fmt.Sprintf("%v", c.Bool)
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstFloat:
		return fmt.Sprintf("%g", c.Float)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	default:
		return fmt.Sprintf("const(%d)", c.Kind)
	}
}
