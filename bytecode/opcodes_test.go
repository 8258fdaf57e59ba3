package bytecode

import "testing"

func TestEveryOpcodeHasInfo(t *testing.T) {
	for _, op := range AllOpcodes() {
		info, ok := GetOpcodeInfo(op)
		if !ok {
			t.Errorf("opcode 0x%02X has no metadata", byte(op))
		}
		if info.Name == "" {
			t.Errorf("opcode 0x%02X has empty name", byte(op))
		}
	}
}

func TestUnknownOpcode(t *testing.T) {
	if _, ok := GetOpcodeInfo(Opcode(0xEE)); ok {
		t.Fatal("expected 0xEE to be unknown")
	}
}

func TestInstructionFieldsABC(t *testing.T) {
	inst := MakeABC(OpAdd, 1, 2, 3)
	if inst.Op() != OpAdd {
		t.Errorf("Op() = %s, want ADD", inst.Op())
	}
	if inst.A() != 1 || inst.B() != 2 || inst.C() != 3 {
		t.Errorf("fields = (%d, %d, %d), want (1, 2, 3)", inst.A(), inst.B(), inst.C())
	}
}

func TestInstructionFieldsABx(t *testing.T) {
	inst := MakeABx(OpLoadConst, 7, 40000)
	if inst.A() != 7 {
		t.Errorf("A() = %d, want 7", inst.A())
	}
	if inst.Bx() != 40000 {
		t.Errorf("Bx() = %d, want 40000", inst.Bx())
	}
}

func TestInstructionFieldsAsBx(t *testing.T) {
	for _, sbx := range []int16{-32768, -1, 0, 1, 32767} {
		inst := MakeAsBx(OpJump, 0, sbx)
		if inst.SBx() != sbx {
			t.Errorf("SBx() = %d, want %d", inst.SBx(), sbx)
		}
	}
}

func TestIsJump(t *testing.T) {
	jumps := []Opcode{OpJump, OpJumpIfFalse, OpJumpIfTrue, OpIterNext}
	for _, op := range jumps {
		if !op.IsJump() {
			t.Errorf("%s should be a jump", op)
		}
	}
	if OpCall.IsJump() {
		t.Error("CALL should not be a jump")
	}
}
