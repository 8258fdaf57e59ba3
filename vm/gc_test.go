package vm

import (
	"errors"
	"testing"

	"github.com/naerbnic/loon/bytecode"
)

// churnProgram allocates count tables, discarding each immediately.
func churnProgram(count int64) (*bytecode.Builder, *bytecode.FuncBuilder) {
	b := bytecode.NewBuilder()
	f := b.Func("churn", 0, 8)
	top := f.NewLabel()
	done := f.NewLabel()
	f.LoadConst(0, bytecode.IntConst(count))
	f.EmitAsBx(bytecode.OpLoadInt, 1, 0)
	f.Bind(top)
	f.EmitABC(bytecode.OpLe, 2, 0, 1)
	f.Jump(bytecode.OpJumpIfTrue, 2, done)
	f.EmitABC(bytecode.OpNewTable, 3, 0, 0)
	f.EmitAsBx(bytecode.OpLoadInt, 2, 1)
	f.EmitABC(bytecode.OpSub, 0, 0, 2)
	f.Jump(bytecode.OpJump, 0, top)
	f.Bind(done)
	f.EmitABC(bytecode.OpReturn, 0, 1, 0)
	return b, f
}

func TestCollectorReclaimsGarbage(t *testing.T) {
	// 20000 discarded tables need ~2.5 MiB cumulative; a 256 KiB ceiling
	// only works if the collector reclaims along the way.
	instance := newTestVM(t, Config{MemoryCeiling: 256 << 10})
	b, f := churnProgram(20000)
	h := loadFunc(t, instance, b, f)
	if _, err := instance.Call(h, nil); err != nil {
		t.Fatalf("churn failed under ceiling: %v", err)
	}
	if instance.Stats().ObjectsSwept == 0 {
		t.Error("no objects swept during churn")
	}
}

func TestAllocationPacesCollector(t *testing.T) {
	// Straight-line allocation, no loops or calls: allocation itself is
	// a safe point, so the cycle both starts and advances without the
	// last-resort synchronous pass.
	b := bytecode.NewBuilder()
	f := b.Func("straight", 0, 2)
	for i := 0; i < 2000; i++ {
		f.EmitABC(bytecode.OpNewTable, 0, 0, 0)
	}
	f.EmitABC(bytecode.OpReturn, 0, 1, 0)

	instance := newTestVM(t, Config{MemoryCeiling: 64 << 10})
	h := loadFunc(t, instance, b, f)
	if _, err := instance.Call(h, nil); err != nil {
		t.Fatalf("straight-line churn failed: %v", err)
	}
	st := instance.Stats()
	if st.ObjectsSwept == 0 {
		t.Error("no objects swept during straight-line allocation")
	}
	if st.FullCycles != 0 {
		t.Errorf("FullCycles = %d, want 0 with incremental pacing", st.FullCycles)
	}
}

func TestMemoryCeilingStopsLiveGrowth(t *testing.T) {
	// Tables stored into a rooted global table cannot be reclaimed, so
	// unbounded growth must hit the ceiling.
	b := bytecode.NewBuilder()
	f := b.Func("grow", 0, 8)
	top := f.NewLabel()
	f.EmitABC(bytecode.OpNewTable, 0, 0, 0)
	f.SetGlobal(0, "keep")
	f.EmitAsBx(bytecode.OpLoadInt, 1, 0)
	f.EmitAsBx(bytecode.OpLoadInt, 3, 1)
	f.Bind(top)
	f.EmitABC(bytecode.OpNewTable, 2, 0, 0)
	f.EmitABC(bytecode.OpSetIndex, 0, 1, 2)
	f.EmitABC(bytecode.OpAdd, 1, 1, 3)
	f.Jump(bytecode.OpJump, 0, top)

	instance := newTestVM(t, Config{MemoryCeiling: 256 << 10})
	h := loadFunc(t, instance, b, f)
	_, err := instance.Call(h, nil)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
	var re *ResourceError
	if !errors.As(err, &re) || re.Kind != ResourceMemory {
		t.Fatalf("got %v, want memory exhaustion", err)
	}

	// The instance stays usable after a budget failure.
	b2, f2 := returnConstProgram(bytecode.IntConst(1))
	h2 := loadFunc(t, instance, b2, f2)
	if _, err := instance.Call(h2, nil); err != nil {
		t.Fatalf("instance unusable after memory error: %v", err)
	}
}

func TestRootedValuesSurviveCollection(t *testing.T) {
	instance := newTestVM(t, Config{})
	table, err := instance.NewTable()
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	instance.KeepAlive(table)
	defer instance.ReleaseKeepAlive(table)

	key, err := instance.NewString("payload")
	if err != nil {
		t.Fatalf("new string: %v", err)
	}
	if err := instance.TableSet(table, key, FromInt(99)); err != nil {
		t.Fatalf("table set: %v", err)
	}

	instance.Collect()
	instance.Collect()

	// The key string is reachable only through the pinned table; if the
	// collector dropped it, the interned lookup would miss.
	key2, err := instance.NewString("payload")
	if err != nil {
		t.Fatalf("re-intern: %v", err)
	}
	if key2 != key {
		t.Fatal("table-reachable string was collected")
	}
	v, err := instance.TableGet(table, key2)
	if err != nil {
		t.Fatalf("table get: %v", err)
	}
	if v.Int() != 99 {
		t.Fatalf("entry = %v, want 99", v)
	}
}

func TestPinnedStringSurvives(t *testing.T) {
	instance := newTestVM(t, Config{})
	s, err := instance.NewString("pinned content")
	if err != nil {
		t.Fatalf("new string: %v", err)
	}
	instance.KeepAlive(s)
	instance.Collect()
	again, err := instance.NewString("pinned content")
	if err != nil {
		t.Fatalf("re-intern: %v", err)
	}
	if again != s {
		t.Fatal("pinned string was collected")
	}
	instance.ReleaseKeepAlive(s)
}

func TestInternHitDuringSweepResurrects(t *testing.T) {
	instance := newTestVM(t, Config{})
	if _, err := instance.NewString("doomed"); err != nil {
		t.Fatalf("new string: %v", err)
	}

	// Drive a cycle into sweeping with the string unreferenced, so it
	// sits white on the allocation list awaiting the cursor.
	h := instance.heap
	h.startCycle()
	h.step(1 << 20)
	if h.phase != phaseSweeping {
		t.Fatalf("phase = %d, want sweeping", h.phase)
	}

	// Recreating the content mid-sweep hits the intern table; the
	// returned object must survive the rest of the sweep.
	s, err := instance.NewString("doomed")
	if err != nil {
		t.Fatalf("re-intern: %v", err)
	}
	instance.KeepAlive(s)
	defer instance.ReleaseKeepAlive(s)
	for h.phase != phaseIdle {
		h.step(1 << 20)
	}

	if got, ok := h.interns["doomed"]; !ok || got != s.Object() {
		t.Fatal("re-interned string was swept mid-cycle")
	}
	again, err := instance.NewString("doomed")
	if err != nil {
		t.Fatalf("intern after sweep: %v", err)
	}
	if again != s {
		t.Fatal("intern identity lost across the sweep")
	}
}

func TestTableEntryKeepsObjectAlive(t *testing.T) {
	instance := newTestVM(t, Config{})
	table, err := instance.NewTable()
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	instance.KeepAlive(table)
	defer instance.ReleaseKeepAlive(table)

	runs := 0
	ud, err := instance.NewUserData("resource", nil, 64, func(any) { runs++ })
	if err != nil {
		t.Fatalf("new userdata: %v", err)
	}
	instance.KeepAlive(ud)
	key, err := instance.NewString("slot")
	if err != nil {
		t.Fatalf("new string: %v", err)
	}
	if err := instance.TableSet(table, key, ud); err != nil {
		t.Fatalf("table set: %v", err)
	}
	instance.ReleaseKeepAlive(ud)

	// Reachable only through the pinned table's entry: must survive.
	instance.Collect()
	if runs != 0 {
		t.Fatal("finalizer ran while the entry still held the object")
	}

	// Overwriting the entry drops the last reference.
	if err := instance.TableSet(table, key, Nil); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	instance.Collect()
	if runs != 1 {
		t.Fatalf("finalizer ran %d times after overwrite, want 1", runs)
	}
	instance.Collect()
	if runs != 1 {
		t.Fatal("finalizer ran again on a later cycle")
	}
}

func TestFinalizerRunsOnCollect(t *testing.T) {
	instance := newTestVM(t, Config{})
	ran := 0
	_, err := instance.NewUserData("resource", "payload", 64, func(data any) {
		if data != "payload" {
			t.Errorf("finalizer data = %v", data)
		}
		ran++
	})
	if err != nil {
		t.Fatalf("new userdata: %v", err)
	}

	instance.Collect()
	if ran != 1 {
		t.Fatalf("finalizer ran %d times, want 1", ran)
	}
	instance.Collect()
	if ran != 1 {
		t.Fatal("finalizer ran again on a later cycle")
	}
	if instance.Stats().Finalizers != 1 {
		t.Errorf("Finalizers stat = %d, want 1", instance.Stats().Finalizers)
	}
}

func TestCloseRunsFinalizers(t *testing.T) {
	instance, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ran := false
	ud, err := instance.NewUserData("resource", nil, 64, func(any) { ran = true })
	if err != nil {
		t.Fatalf("new userdata: %v", err)
	}
	instance.KeepAlive(ud)

	if err := instance.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ran {
		t.Fatal("finalizer did not run at close despite the pin")
	}
}

func TestPanickingFinalizerIsContained(t *testing.T) {
	instance := newTestVM(t, Config{})
	_, err := instance.NewUserData("angry", nil, 64, func(any) { panic("finalizer bug") })
	if err != nil {
		t.Fatalf("new userdata: %v", err)
	}
	// Must not propagate out of the collection.
	instance.Collect()
	if instance.Stats().Finalizers != 1 {
		t.Errorf("Finalizers stat = %d, want 1", instance.Stats().Finalizers)
	}
}

func TestResultsIdenticalUnderCollectorPressure(t *testing.T) {
	// The same program must compute the same value regardless of
	// collector pacing.
	run := func(cfg Config) Value {
		instance := newTestVM(t, cfg)
		b, f := fibProgram()
		h := loadFunc(t, instance, b, f)
		res, err := instance.Call(h, []Value{FromInt(18)})
		if err != nil {
			t.Fatalf("fib under %+v: %v", cfg, err)
		}
		return res[0]
	}

	baseline := run(Config{})
	aggressive := run(Config{
		MemoryCeiling:     128 << 10,
		GCTriggerFraction: 0.05,
		GCStepWork:        1,
	})
	if baseline != aggressive {
		t.Fatalf("results diverge under collector pressure: %v vs %v", baseline, aggressive)
	}
	if baseline.Int() != 2584 {
		t.Fatalf("fib(18) = %d, want 2584", baseline.Int())
	}
}

// fibProgram builds naive recursive fib(n) through a global binding.
func fibProgram() (*bytecode.Builder, *bytecode.FuncBuilder) {
	b := bytecode.NewBuilder()
	main := b.Func("main", 1, 4)
	fib := b.Func("fib", 1, 8)

	base := fib.NewLabel()
	fib.EmitAsBx(bytecode.OpLoadInt, 1, 2)
	fib.EmitABC(bytecode.OpLt, 2, 0, 1)
	fib.Jump(bytecode.OpJumpIfTrue, 2, base)
	fib.GetGlobal(1, "fib")
	fib.EmitAsBx(bytecode.OpLoadInt, 3, 1)
	fib.EmitABC(bytecode.OpSub, 2, 0, 3)
	fib.EmitABC(bytecode.OpCall, 1, 1, 1)
	fib.GetGlobal(2, "fib")
	fib.EmitAsBx(bytecode.OpLoadInt, 4, 2)
	fib.EmitABC(bytecode.OpSub, 3, 0, 4)
	fib.EmitABC(bytecode.OpCall, 2, 1, 1)
	fib.EmitABC(bytecode.OpAdd, 0, 1, 2)
	fib.Bind(base)
	fib.EmitABC(bytecode.OpReturn, 0, 1, 0)

	main.EmitABx(bytecode.OpClosure, 1, main.SubProto(fib))
	main.SetGlobal(1, "fib")
	main.EmitABC(bytecode.OpMove, 2, 0, 0)
	main.EmitABC(bytecode.OpCall, 1, 1, 1)
	main.EmitABC(bytecode.OpReturn, 1, 1, 0)
	return b, main
}
