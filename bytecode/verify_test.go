package bytecode

import (
	"errors"
	"testing"
)

// minimalProto returns a proto that just returns no values.
func minimalProto() *Proto {
	return &Proto{
		MaxRegs: 4,
		Code:    []Instruction{MakeABC(OpReturn, 0, 0, 0)},
	}
}

func artifactOf(protos ...*Proto) *Artifact {
	return &Artifact{Protos: protos, Main: 0}
}

func TestVerifyMinimal(t *testing.T) {
	if err := Verify(artifactOf(minimalProto())); err != nil {
		t.Fatalf("minimal artifact rejected: %v", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	cases := []struct {
		name string
		a    *Artifact
	}{
		{"nil artifact", nil},
		{"empty proto table", &Artifact{}},
		{"main out of range", &Artifact{Protos: []*Proto{minimalProto()}, Main: 3}},
		{"nil proto", artifactOf(nil)},
		{"zero registers", artifactOf(&Proto{MaxRegs: 0, Code: []Instruction{MakeABC(OpReturn, 0, 0, 0)}})},
		{"too many registers", artifactOf(&Proto{MaxRegs: 255, Code: []Instruction{MakeABC(OpReturn, 0, 0, 0)}})},
		{"arity over registers", artifactOf(&Proto{NumParams: 5, MaxRegs: 4, Code: []Instruction{MakeABC(OpReturn, 0, 0, 0)}})},
		{"empty code", artifactOf(&Proto{MaxRegs: 4})},
		{"line table mismatch", artifactOf(&Proto{
			MaxRegs: 4,
			Code:    []Instruction{MakeABC(OpReturn, 0, 0, 0)},
			Lines:   []int32{1, 2},
		})},
		{"unknown opcode", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABC(Opcode(0xEE), 0, 0, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"register A out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABC(OpMove, 10, 0, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"register B out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABC(OpAdd, 0, 9, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"constant out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABx(OpLoadConst, 0, 2),
				MakeABC(OpReturn, 0, 0, 0),
			},
			Consts: []Const{IntConst(1)},
		})},
		{"global name not a string", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABx(OpGetGlobal, 0, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
			Consts: []Const{IntConst(1)},
		})},
		{"jump target before code", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeAsBx(OpJump, 0, -5),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"jump target past code", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeAsBx(OpJump, 0, 7),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"closure proto out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABx(OpClosure, 0, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"nested reference out of range", artifactOf(&Proto{
			MaxRegs:   4,
			SubProtos: []uint32{9},
			Code:      []Instruction{MakeABC(OpReturn, 0, 0, 0)},
		})},
		{"upvalue index out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABC(OpGetUpval, 0, 0, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"iteration window out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeAsBx(OpIterNext, 2, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"call arguments out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABC(OpCall, 2, 3, 0),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"call results out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code: []Instruction{
				MakeABC(OpCall, 2, 0, 3),
				MakeABC(OpReturn, 0, 0, 0),
			},
		})},
		{"return window out of range", artifactOf(&Proto{
			MaxRegs: 4,
			Code:    []Instruction{MakeABC(OpReturn, 2, 3, 0)},
		})},
		{"fall off the end", artifactOf(&Proto{
			MaxRegs: 4,
			Code:    []Instruction{MakeABC(OpMove, 0, 1, 0)},
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify(tc.a)
			if err == nil {
				t.Fatal("expected verification failure")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("error %v does not unwrap to ErrMalformed", err)
			}
		})
	}
}

func TestVerifyClosureCaptures(t *testing.T) {
	// A child capturing parent register 2 verifies against a parent with
	// 4 registers but not against one with 2.
	child := &Proto{
		MaxRegs: 2,
		Upvals:  []UpvalDesc{{Source: UpvalLocal, Index: 2}},
		Code: []Instruction{
			MakeABC(OpGetUpval, 0, 0, 0),
			MakeABC(OpReturn, 0, 1, 0),
		},
	}
	parent := &Proto{
		MaxRegs:   4,
		SubProtos: []uint32{1},
		Code: []Instruction{
			MakeABx(OpClosure, 0, 0),
			MakeABC(OpReturn, 0, 1, 0),
		},
	}
	if err := Verify(&Artifact{Protos: []*Proto{parent, child}, Main: 0}); err != nil {
		t.Fatalf("valid capture rejected: %v", err)
	}

	parent.MaxRegs = 2
	err := Verify(&Artifact{Protos: []*Proto{parent, child}, Main: 0})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("capture past parent window accepted: %v", err)
	}
}

func TestVerifyErrorLocation(t *testing.T) {
	a := artifactOf(&Proto{
		MaxRegs: 4,
		Code: []Instruction{
			MakeABC(OpMove, 0, 0, 0),
			MakeAsBx(OpJump, 0, 100),
			MakeABC(OpReturn, 0, 0, 0),
		},
	})
	err := Verify(a)
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VerifyError, got %v", err)
	}
	if ve.ProtoIndex != 0 || ve.PC != 1 {
		t.Errorf("error located at proto %d pc %d, want proto 0 pc 1", ve.ProtoIndex, ve.PC)
	}
}
