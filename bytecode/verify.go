package bytecode

import (
	"errors"
	"fmt"
)

// ErrMalformed is the sentinel for every load-time validation failure.
// Errors returned by Verify unwrap to it.
var ErrMalformed = errors.New("bytecode: malformed artifact")

// VerifyError describes a single validation failure with enough context
// to locate the offending instruction.
type VerifyError struct {
	ProtoIndex int    // index into the artifact prototype table
	PC         int    // instruction index, or -1 for prototype-level faults
	Msg        string
}

func (e *VerifyError) Error() string {
	if e.PC < 0 {
		return fmt.Sprintf("proto %d: %s", e.ProtoIndex, e.Msg)
	}
	return fmt.Sprintf("proto %d pc %d: %s", e.ProtoIndex, e.PC, e.Msg)
}

func (e *VerifyError) Unwrap() error { return ErrMalformed }

func failProto(proto int, format string, args ...any) error {
	return &VerifyError{ProtoIndex: proto, PC: -1, Msg: fmt.Sprintf(format, args...)}
}

func failInst(proto, pc int, format string, args ...any) error {
	return &VerifyError{ProtoIndex: proto, PC: pc, Msg: fmt.Sprintf(format, args...)}
}

// Verify validates an untrusted artifact before any of it executes:
// operand ranges, jump-target bounds, constant and upvalue indexes,
// nested-prototype references and arity consistency. A nil return means
// every instruction the interpreter can reach decodes to an operation
// whose operands are in range, so the dispatch loop never re-checks.
func Verify(a *Artifact) error {
	if a == nil {
		return failProto(-1, "nil artifact")
	}
	if len(a.Protos) == 0 {
		return failProto(-1, "empty prototype table")
	}
	if int(a.Main) >= len(a.Protos) {
		return failProto(-1, "main index %d out of range (%d prototypes)", a.Main, len(a.Protos))
	}
	for i, p := range a.Protos {
		if err := verifyProto(a, i, p); err != nil {
			return err
		}
	}
	return nil
}

func verifyProto(a *Artifact, idx int, p *Proto) error {
	if p == nil {
		return failProto(idx, "nil prototype")
	}
	if p.MaxRegs == 0 || p.MaxRegs > MaxRegisters {
		return failProto(idx, "register count %d outside 1..%d", p.MaxRegs, MaxRegisters)
	}
	if p.NumParams > p.MaxRegs {
		return failProto(idx, "arity %d exceeds register count %d", p.NumParams, p.MaxRegs)
	}
	if len(p.Code) == 0 {
		return failProto(idx, "empty code")
	}
	if len(p.Lines) != 0 && len(p.Lines) != len(p.Code) {
		return failProto(idx, "line table length %d does not match code length %d", len(p.Lines), len(p.Code))
	}
	for _, sub := range p.SubProtos {
		if int(sub) >= len(a.Protos) {
			return failProto(idx, "nested prototype reference %d out of range", sub)
		}
	}

	regs := int(p.MaxRegs)
	for pc, inst := range p.Code {
		op := inst.Op()
		info, ok := GetOpcodeInfo(op)
		if !ok {
			return failInst(idx, pc, "unknown opcode 0x%02X", byte(op))
		}

		// Generic register-field checks.
		if info.RegA && int(inst.A()) >= regs {
			return failInst(idx, pc, "%s: register A=%d out of range (max %d)", info.Name, inst.A(), regs)
		}
		if info.Mode == ModeABC {
			if info.RegB && int(inst.B()) >= regs {
				return failInst(idx, pc, "%s: register B=%d out of range (max %d)", info.Name, inst.B(), regs)
			}
			if info.RegC && int(inst.C()) >= regs {
				return failInst(idx, pc, "%s: register C=%d out of range (max %d)", info.Name, inst.C(), regs)
			}
		}

		// Per-opcode structural checks.
		switch op {
		case OpLoadConst:
			if int(inst.Bx()) >= len(p.Consts) {
				return failInst(idx, pc, "constant %d out of range (%d constants)", inst.Bx(), len(p.Consts))
			}

		case OpGetGlobal, OpSetGlobal:
			bx := int(inst.Bx())
			if bx >= len(p.Consts) {
				return failInst(idx, pc, "global name constant %d out of range", bx)
			}
			if p.Consts[bx].Kind != ConstString {
				return failInst(idx, pc, "global name constant %d is %s, want string", bx, p.Consts[bx].Kind)
			}

		case OpClosure:
			bx := int(inst.Bx())
			if bx >= len(p.SubProtos) {
				return failInst(idx, pc, "closure prototype %d out of range (%d nested)", bx, len(p.SubProtos))
			}
			sub := a.Protos[p.SubProtos[bx]]
			if sub == nil {
				return failInst(idx, pc, "closure references nil prototype")
			}
			for ui, uv := range sub.Upvals {
				switch uv.Source {
				case UpvalLocal:
					if int(uv.Index) >= regs {
						return failInst(idx, pc, "upvalue %d captures register %d out of parent range %d", ui, uv.Index, regs)
					}
				case UpvalParent:
					if int(uv.Index) >= len(p.Upvals) {
						return failInst(idx, pc, "upvalue %d references parent upvalue %d of %d", ui, uv.Index, len(p.Upvals))
					}
				default:
					return failInst(idx, pc, "upvalue %d has unknown source %d", ui, uv.Source)
				}
			}

		case OpGetUpval, OpSetUpval:
			if int(inst.B()) >= len(p.Upvals) {
				return failInst(idx, pc, "upvalue %d out of range (%d upvalues)", inst.B(), len(p.Upvals))
			}

		case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpIterNext:
			target := pc + 1 + int(inst.SBx())
			if target < 0 || target >= len(p.Code) {
				return failInst(idx, pc, "jump target %d out of range (code length %d)", target, len(p.Code))
			}
			if op == OpIterNext && int(inst.A())+3 >= regs {
				return failInst(idx, pc, "iteration window R[%d..%d] exceeds register count %d", inst.A(), int(inst.A())+3, regs)
			}

		case OpCall:
			a0, b, c := int(inst.A()), int(inst.B()), int(inst.C())
			if a0+b >= regs {
				return failInst(idx, pc, "call arguments R[%d..%d] exceed register count %d", a0+1, a0+b, regs)
			}
			if a0+c > regs {
				return failInst(idx, pc, "call results R[%d..%d] exceed register count %d", a0, a0+c-1, regs)
			}

		case OpTailCall:
			a0, b := int(inst.A()), int(inst.B())
			if a0+b >= regs {
				return failInst(idx, pc, "tail call arguments R[%d..%d] exceed register count %d", a0+1, a0+b, regs)
			}

		case OpProtCall:
			a0, b, c := int(inst.A()), int(inst.B()), int(inst.C())
			if a0+1+b >= regs {
				return failInst(idx, pc, "protected call arguments exceed register count %d", regs)
			}
			if a0+1+c > regs {
				return failInst(idx, pc, "protected call results exceed register count %d", regs)
			}

		case OpReturn:
			a0, b := int(inst.A()), int(inst.B())
			if a0+b > regs {
				return failInst(idx, pc, "return values R[%d..%d] exceed register count %d", a0, a0+b-1, regs)
			}
		}
	}

	// The dispatch loop advances pc unconditionally after non-jump
	// instructions, so the final instruction must not fall through.
	last := p.Code[len(p.Code)-1].Op()
	switch last {
	case OpReturn, OpTailCall, OpRaise, OpJump:
	default:
		return failInst(idx, len(p.Code)-1, "code may fall off the end (last instruction %s)", last)
	}
	return nil
}
