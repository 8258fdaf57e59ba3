package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("loon.gc")

// ---------------------------------------------------------------------------
// Incremental tri-color mark/sweep collector
// ---------------------------------------------------------------------------

// gcPhase is the collector's state machine position:
// Idle -> MarkRoots -> Marking -> Sweeping -> Idle.
type gcPhase uint8

const (
	phaseIdle gcPhase = iota
	phaseMarkRoots
	phaseMarking
	phaseSweeping
)

// GCStats holds counters from collector activity, exposed to hosts for
// observability. Collector timing affects these counters only, never
// observable computation results.
type GCStats struct {
	Cycles       uint64        // completed incremental cycles
	FullCycles   uint64        // synchronous full passes (host request or OOM last resort)
	ObjectsSwept uint64        // total objects reclaimed
	BytesFreed   int64         // total bytes returned to the allocator
	Finalizers   uint64        // userdata finalizers run
	LastPause    time.Duration // duration of the most recent collector step
	MaxPause     time.Duration // longest collector step observed
}

// Default collector tuning. TriggerFraction is the share of the memory
// ceiling that arms a cycle; StepWork is the number of objects processed
// per incremental step at a safe point.
const (
	DefaultGCTriggerFraction = 0.7
	DefaultGCStepWork        = 64

	// allocHeuristic arms a cycle after this many allocations even when
	// the byte threshold has not been crossed, so long-lived instances
	// with small objects still collect.
	allocHeuristic = 4096
)

// heap owns every object of one instance: the allocation list the
// sweeper walks, the string intern table, and the collector state.
type heap struct {
	vm    *VM
	alloc Allocator

	objects *Object            // allocation list; also keeps boxed pointers Go-visible
	interns map[string]*Object // content -> string object; entries die with their object

	phase       gcPhase
	gray        []*Object
	sweepCursor **Object
	allocsSince int
	stepping    bool

	triggerFraction float64
	stepWork        int

	stats GCStats
}

func newHeap(vm *VM, alloc Allocator, triggerFraction float64, stepWork int) *heap {
	if triggerFraction <= 0 || triggerFraction >= 1 {
		triggerFraction = DefaultGCTriggerFraction
	}
	if stepWork <= 0 {
		stepWork = DefaultGCStepWork
	}
	return &heap{
		vm:              vm,
		alloc:           alloc,
		interns:         make(map[string]*Object),
		triggerFraction: triggerFraction,
		stepWork:        stepWork,
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Approximate byte charges per object shape. The allocator meters these
// against the ceiling; exact malloc sizes are not observable in Go.
const (
	objectBaseSize = 64
	tableBaseSize  = 128
	tableEntrySize = 32
	upvalueSize    = 80
	closureBase    = 96
	upvalRefSize   = 8
)

// allocObject reserves size bytes and links a new object into the heap.
// Before failing with a memory error, one synchronous full mark-sweep
// pass is attempted as a last resort.
//
// Callers must root the returned object (store it into a register, a
// table, the pin set, or the open-upvalue list) before the next
// allocation, or an interleaved collection may reclaim it.
func (h *heap) allocObject(kind ObjectKind, size int64) (*Object, error) {
	// Allocation is a safe point, so straight-line allocation bursts
	// pace the collector too, not just loops and calls.
	h.safePoint()
	if err := h.alloc.Reserve(size); err != nil {
		h.collectFull()
		if err := h.alloc.Reserve(size); err != nil {
			return nil, err
		}
	}
	obj := &Object{Kind: kind, size: size}
	if h.phase != phaseIdle {
		// Mid-cycle allocations are born black so the running cycle can
		// neither miss nor sweep them; the next cycle re-examines them.
		obj.color = colorBlack
	}
	obj.next = h.objects
	h.objects = obj
	h.allocsSince++
	return obj, nil
}

// reserveExtra charges growth (table entries, string bytes) to an
// already-live object.
func (h *heap) reserveExtra(obj *Object, n int64) error {
	if err := h.alloc.Reserve(n); err != nil {
		h.collectFull()
		if err := h.alloc.Reserve(n); err != nil {
			return err
		}
	}
	obj.size += n
	return nil
}

// newString returns the interned string object for s, allocating one if
// needed. Interning makes string equality a Value comparison.
func (h *heap) newString(s string) (*Object, error) {
	if obj, ok := h.interns[s]; ok {
		// A hit during sweeping can be a dying string whose content is
		// being recreated; resurrect it before the cursor frees it.
		// (Entries are removed as their object is freed, so a hit is
		// always still on the allocation list.)
		if h.phase == phaseSweeping && obj.color == colorWhite {
			obj.color = colorBlack
		}
		return obj, nil
	}
	obj, err := h.allocObject(KindString, objectBaseSize+int64(len(s)))
	if err != nil {
		return nil, err
	}
	obj.Str = s
	h.interns[s] = obj
	return obj, nil
}

func (h *heap) newTable(arrayHint, hashHint int) (*Object, error) {
	size := int64(tableBaseSize) + int64(arrayHint+hashHint)*tableEntrySize
	obj, err := h.allocObject(KindTable, size)
	if err != nil {
		return nil, err
	}
	obj.Table = NewTable(arrayHint, hashHint)
	return obj, nil
}

func (h *heap) newUpvalue(stackIndex int) (*Object, error) {
	obj, err := h.allocObject(KindUpvalue, upvalueSize)
	if err != nil {
		return nil, err
	}
	obj.Upvalue = &Upvalue{Open: true, Index: stackIndex}
	return obj, nil
}

func (h *heap) newClosure(c *Closure) (*Object, error) {
	size := int64(closureBase) + int64(len(c.Upvals))*upvalRefSize
	obj, err := h.allocObject(KindClosure, size)
	if err != nil {
		return nil, err
	}
	obj.Closure = c
	return obj, nil
}

func (h *heap) newUserData(u *UserData, payloadSize int64) (*Object, error) {
	obj, err := h.allocObject(KindUserData, objectBaseSize+payloadSize)
	if err != nil {
		return nil, err
	}
	obj.UserData = u
	return obj, nil
}

func (h *heap) newHostFunc(f *HostFunc) (*Object, error) {
	obj, err := h.allocObject(KindHostFunc, objectBaseSize)
	if err != nil {
		return nil, err
	}
	obj.HostFunc = f
	return obj, nil
}

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// barrier preserves the no-black-to-white invariant: storing a heap
// reference into a black object re-grays the stored object so the
// marker revisits it.
func (h *heap) barrier(parent *Object, stored Value) {
	if h.phase != phaseMarking && h.phase != phaseMarkRoots {
		return
	}
	if parent.color != colorBlack || !stored.IsObject() {
		return
	}
	child := stored.Object()
	if child.color == colorWhite {
		child.color = colorGray
		h.gray = append(h.gray, child)
	}
}

// ---------------------------------------------------------------------------
// Collection driving
// ---------------------------------------------------------------------------

// safePoint runs bounded collector work. It runs at allocation, backward
// jumps, and call/return; it is never invoked mid-instruction.
func (h *heap) safePoint() {
	// A finalizer running inside a sweep step may allocate; collector
	// work must not nest or the sweep cursor is corrupted.
	if h.stepping {
		return
	}
	if h.phase == phaseIdle {
		if !h.shouldStart() {
			return
		}
		h.startCycle()
		return
	}
	h.step(h.stepWork)
}

func (h *heap) shouldStart() bool {
	if h.allocsSince >= allocHeuristic {
		return true
	}
	ceiling := h.alloc.Ceiling()
	if ceiling <= 0 {
		return false
	}
	return float64(h.alloc.Used()) >= h.triggerFraction*float64(ceiling)
}

// collectFull runs one synchronous mark-sweep pass to completion,
// finishing any in-flight incremental cycle first.
func (h *heap) collectFull() {
	if h.stepping {
		return
	}
	start := time.Now()
	if h.phase == phaseIdle {
		h.startCycle()
	}
	for h.phase != phaseIdle {
		h.step(1 << 20)
	}
	h.stats.FullCycles++
	h.observePause(time.Since(start))
}

// startCycle whitens the heap and grays the roots.
func (h *heap) startCycle() {
	start := time.Now()
	h.phase = phaseMarkRoots
	for obj := h.objects; obj != nil; obj = obj.next {
		obj.color = colorWhite
	}
	h.gray = h.gray[:0]
	h.markRoots()
	h.phase = phaseMarking
	h.allocsSince = 0
	h.observePause(time.Since(start))
}

// step advances the current phase by at most work units.
func (h *heap) step(work int) {
	start := time.Now()
	h.stepping = true
	switch h.phase {
	case phaseMarking:
		h.markStep(work)
	case phaseSweeping:
		h.sweepStep(work)
	}
	h.stepping = false
	h.observePause(time.Since(start))
}

func (h *heap) observePause(d time.Duration) {
	h.stats.LastPause = d
	if d > h.stats.MaxPause {
		h.stats.MaxPause = d
	}
}

// markRoots grays every root: live stack slots of all frames, the
// globals table, host-pinned objects, open upvalues, and the closures
// of active frames.
func (h *heap) markRoots() {
	vm := h.vm
	for i := 0; i < vm.stackTop(); i++ {
		h.markValue(vm.stack[i])
	}
	if vm.globals != nil {
		h.markObject(vm.globals)
	}
	for obj := range vm.pinned {
		h.markObject(obj)
	}
	for _, uv := range vm.openUpvals {
		h.markObject(uv)
	}
	for i := range vm.frames {
		if cl := vm.frames[i].closure; cl != nil {
			h.markObject(cl)
		}
	}
}

func (h *heap) markValue(v Value) {
	if v.IsObject() {
		h.markObject(v.Object())
	}
}

func (h *heap) markObject(obj *Object) {
	if obj.color == colorWhite {
		obj.color = colorGray
		h.gray = append(h.gray, obj)
	}
}

// markStep blackens up to work gray objects, tracing their children.
// When the gray set drains, the roots are rescanned once (the mutator
// may have moved references onto the stack since MarkRoots) and, if
// still empty, sweeping begins.
func (h *heap) markStep(work int) {
	for work > 0 && len(h.gray) > 0 {
		obj := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		obj.color = colorBlack
		h.traceChildren(obj)
		work--
	}
	if len(h.gray) > 0 {
		return
	}

	// Atomic finish: rescan roots and drain to completion.
	h.markRoots()
	for len(h.gray) > 0 {
		obj := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		obj.color = colorBlack
		h.traceChildren(obj)
	}
	h.phase = phaseSweeping
	h.sweepCursor = &h.objects
}

func (h *heap) traceChildren(obj *Object) {
	switch obj.Kind {
	case KindTable:
		t := obj.Table
		for _, v := range t.array {
			h.markValue(v)
		}
		for _, e := range t.entries {
			if !e.dead {
				h.markValue(e.key)
				h.markValue(e.val)
			}
		}
	case KindClosure:
		for _, uv := range obj.Closure.Upvals {
			h.markObject(uv)
		}
	case KindUpvalue:
		uv := obj.Upvalue
		if uv.Open {
			// The aliased stack slot is a root; nothing to trace here.
			return
		}
		h.markValue(uv.Closed)
	case KindString, KindUserData, KindHostFunc:
		// No heap children.
	}
}

// sweepStep reclaims up to work white objects, unlinking them from the
// allocation list and returning their bytes. Surviving objects keep
// their color; the next cycle whitens the whole list.
func (h *heap) sweepStep(work int) {
	cursor := h.sweepCursor
	for work > 0 && *cursor != nil {
		obj := *cursor
		if obj.color == colorWhite {
			*cursor = obj.next
			h.free(obj)
		} else {
			cursor = &obj.next
		}
		work--
	}
	h.sweepCursor = cursor
	if *cursor == nil {
		h.sweepCursor = nil
		h.phase = phaseIdle
		h.stats.Cycles++
	}
}

// free finalizes and releases one unreachable object.
func (h *heap) free(obj *Object) {
	if obj.Kind == KindString {
		if h.interns[obj.Str] == obj {
			delete(h.interns, obj.Str)
		}
	}
	if obj.Kind == KindUserData {
		h.runFinalizer(obj.UserData)
	}
	obj.next = nil
	h.alloc.Release(obj.size)
	h.stats.ObjectsSwept++
	h.stats.BytesFreed += obj.size
}

// runFinalizer invokes a userdata finalizer exactly once, before the
// object's bytes are released. A finalizer failure is logged and never
// surfaced as a script-visible error. Within one sweep, finalizers run
// synchronously in reverse allocation order (the allocation list is
// newest-first and sweeping follows it); the order is deterministic
// across runs.
func (h *heap) runFinalizer(u *UserData) {
	if u.Finalizer == nil || u.finalized {
		return
	}
	u.finalized = true
	h.stats.Finalizers++
	defer func() {
		if r := recover(); r != nil {
			gcLog.Errorf("userdata finalizer panic (type %s): %v", u.TypeName, r)
		}
	}()
	u.Finalizer(u.Data)
}
