package vm

import (
	"errors"
	"testing"

	"github.com/naerbnic/loon/bytecode"
)

// newTestVM creates an instance that is closed when the test ends.
func newTestVM(t *testing.T, cfg Config) *VM {
	t.Helper()
	instance, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { instance.Close() })
	return instance
}

// loadFunc builds an artifact from fb's builder and loads it.
func loadFunc(t *testing.T, instance *VM, b *bytecode.Builder, main *bytecode.FuncBuilder) *FuncHandle {
	t.Helper()
	artifact, err := b.Build(main)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h, err := instance.LoadArtifact(artifact)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return h
}

// returnConstProgram builds a program returning the given constant.
func returnConstProgram(c bytecode.Const) (*bytecode.Builder, *bytecode.FuncBuilder) {
	b := bytecode.NewBuilder()
	f := b.Func("main", 0, 4)
	f.LoadConst(0, c)
	f.EmitABC(bytecode.OpReturn, 0, 1, 0)
	return b, f
}

func TestCallReturnsConstant(t *testing.T) {
	instance := newTestVM(t, Config{})
	b, f := returnConstProgram(bytecode.IntConst(42))
	h := loadFunc(t, instance, b, f)

	res, err := instance.Call(h, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(res) != 1 || !res[0].IsInt() || res[0].Int() != 42 {
		t.Fatalf("result = %v, want [42]", res)
	}
}

func TestCallPassesArguments(t *testing.T) {
	b := bytecode.NewBuilder()
	f := b.Func("add", 2, 4)
	f.EmitABC(bytecode.OpAdd, 0, 0, 1)
	f.EmitABC(bytecode.OpReturn, 0, 1, 0)

	instance := newTestVM(t, Config{})
	h := loadFunc(t, instance, b, f)

	res, err := instance.Call(h, []Value{FromInt(19), FromInt(23)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res[0].Int() != 42 {
		t.Fatalf("add(19, 23) = %d", res[0].Int())
	}
}

func TestCallMissingArgumentsAreNil(t *testing.T) {
	b := bytecode.NewBuilder()
	f := b.Func("first", 2, 4)
	f.EmitABC(bytecode.OpReturn, 1, 1, 0)

	instance := newTestVM(t, Config{})
	h := loadFunc(t, instance, b, f)

	res, err := instance.Call(h, []Value{FromInt(1)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res[0].IsNil() {
		t.Fatalf("missing parameter read as %v, want nil", res[0])
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	instance := newTestVM(t, Config{})
	if _, err := instance.Load([]byte("not bytecode at all")); !errors.Is(err, ErrMalformedBytecode) {
		t.Fatalf("got %v, want ErrMalformedBytecode", err)
	}
}

func TestLoadRejectsEntryWithUpvalues(t *testing.T) {
	instance := newTestVM(t, Config{})
	artifact := &bytecode.Artifact{
		Protos: []*bytecode.Proto{
			{
				MaxRegs:   4,
				SubProtos: []uint32{1},
				Code: []bytecode.Instruction{
					bytecode.MakeABx(bytecode.OpClosure, 0, 0),
					bytecode.MakeABC(bytecode.OpReturn, 0, 0, 0),
				},
			},
			{
				MaxRegs: 4,
				Upvals:  []bytecode.UpvalDesc{{Source: bytecode.UpvalLocal, Index: 0}},
				Code: []bytecode.Instruction{
					bytecode.MakeABC(bytecode.OpReturn, 0, 0, 0),
				},
			},
		},
		Main: 1,
	}
	if _, err := instance.LoadArtifact(artifact); !errors.Is(err, ErrMalformedBytecode) {
		t.Fatalf("entry with upvalues accepted: %v", err)
	}
}

func TestStaleHandleAfterClose(t *testing.T) {
	instance, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, f := returnConstProgram(bytecode.IntConst(1))
	h := loadFunc(t, instance, b, f)

	if err := instance.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := instance.Call(h, nil); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("call after close: %v, want ErrStaleHandle", err)
	}
	if _, err := instance.NewString("x"); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("construction after close: %v, want ErrStaleHandle", err)
	}
	// Close is idempotent.
	if err := instance.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestForeignHandleRejected(t *testing.T) {
	a := newTestVM(t, Config{})
	b := newTestVM(t, Config{})

	builder, f := returnConstProgram(bytecode.IntConst(1))
	h := loadFunc(t, a, builder, f)

	if _, err := b.Call(h, nil); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("foreign handle accepted: %v", err)
	}
}

func TestGlobalsAcrossHostAndScript(t *testing.T) {
	instance := newTestVM(t, Config{})
	if err := instance.SetGlobal("answer", FromInt(42)); err != nil {
		t.Fatalf("set global: %v", err)
	}

	b := bytecode.NewBuilder()
	f := b.Func("main", 0, 4)
	f.GetGlobal(0, "answer")
	f.EmitABC(bytecode.OpReturn, 0, 1, 0)
	h := loadFunc(t, instance, b, f)

	res, err := instance.Call(h, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res[0].Int() != 42 {
		t.Fatalf("script read global %v, want 42", res[0])
	}

	got, err := instance.GetGlobal("answer")
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if got.Int() != 42 {
		t.Fatalf("host read global %v, want 42", got)
	}

	absent, err := instance.GetGlobal("never-set")
	if err != nil {
		t.Fatalf("get absent global: %v", err)
	}
	if !absent.IsNil() {
		t.Fatalf("absent global = %v, want nil", absent)
	}
}

func TestHostTableAccess(t *testing.T) {
	instance := newTestVM(t, Config{})
	table, err := instance.NewTable()
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	instance.KeepAlive(table)
	defer instance.ReleaseKeepAlive(table)

	for i := int64(0); i < 5; i++ {
		if err := instance.TableSet(table, FromInt(i), FromInt(i*i)); err != nil {
			t.Fatalf("table set: %v", err)
		}
	}
	n, err := instance.TableLen(table)
	if err != nil {
		t.Fatalf("table len: %v", err)
	}
	if n != 5 {
		t.Fatalf("table len = %d, want 5", n)
	}
	v, err := instance.TableGet(table, FromInt(3))
	if err != nil {
		t.Fatalf("table get: %v", err)
	}
	if v.Int() != 9 {
		t.Fatalf("t[3] = %v, want 9", v)
	}

	if err := instance.TableSet(table, Nil, FromInt(1)); !errors.Is(err, ErrTypeError) {
		t.Fatalf("nil key accepted: %v", err)
	}
	if _, err := instance.TableGet(FromInt(7), FromInt(0)); !errors.Is(err, ErrTypeError) {
		t.Fatalf("indexing a number: %v, want ErrTypeError", err)
	}
}

func TestSharedAllocatorMetersBothInstances(t *testing.T) {
	shared := NewSharedAllocator(64 << 10)
	a := newTestVM(t, Config{Allocator: shared})
	b := newTestVM(t, Config{Allocator: shared})

	if a.MemoryCeiling() != 64<<10 || b.MemoryCeiling() != 64<<10 {
		t.Fatal("shared ceiling not visible to both instances")
	}
	before := shared.Used()
	if _, err := a.NewString("instance a contributes"); err != nil {
		t.Fatalf("alloc on a: %v", err)
	}
	if _, err := b.NewString("instance b contributes"); err != nil {
		t.Fatalf("alloc on b: %v", err)
	}
	if shared.Used() <= before {
		t.Error("allocations did not charge the shared allocator")
	}
}
