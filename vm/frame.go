package vm

import "github.com/naerbnic/loon/bytecode"

// ---------------------------------------------------------------------------
// Call frames and the value stack
// ---------------------------------------------------------------------------

// frame is one activation on the explicit, heap-resident frame stack.
// Driving dispatch off this stack instead of native Go recursion means
// script recursion depth is bounded only by the configured limit, not
// by the host's goroutine stack.
//
// A frame owns the register window stack[base : base+proto.MaxRegs).
// Windows of caller and callee do not overlap: the callee's window
// starts at the caller's first argument slot, whose ownership transfers
// for the duration of the call.
type frame struct {
	closure *Object         // KindClosure; GC root while the frame is live
	proto   *bytecode.Proto // closure's prototype, cached for dispatch
	base    int             // absolute stack index of R[0]
	pc      int

	// Return protocol: where the caller wants results.
	retBase int // absolute stack index results are copied to
	want    int // result count; -1 = all (host entry frames)

	// Protected-call boundary. When set, an error unwinding through
	// this frame stops here: retBase receives the ok flag, then want
	// error-or-result slots follow.
	protected bool
}

// stackTop returns the first stack index not owned by any live frame.
// Marking treats everything below it as a root. Windows nest but a
// callee's can end below its caller's, so the answer is the maximum
// extent over all frames, not the top frame's.
func (vm *VM) stackTop() int {
	top := 0
	for i := range vm.frames {
		if end := vm.frames[i].base + int(vm.frames[i].proto.MaxRegs); end > top {
			top = end
		}
	}
	return top
}

// growStack ensures the value stack covers indexes [0, top), filling
// fresh slots with nil. Open upvalues store absolute indexes, so
// reallocation is transparent to them.
func (vm *VM) growStack(top int) {
	for len(vm.stack) < top {
		vm.stack = append(vm.stack, Nil)
	}
}

// clearRange nils stack slots [from, to); fresh frames must not see
// stale values from earlier activations.
func (vm *VM) clearRange(from, to int) {
	for i := from; i < to; i++ {
		vm.stack[i] = Nil
	}
}

// ---------------------------------------------------------------------------
// Open upvalues
// ---------------------------------------------------------------------------

// findOrCreateUpvalue returns the open upvalue cell aliasing the given
// absolute stack slot, creating one if no closure captured it yet. All
// closures capturing the same live slot share one cell, which is what
// makes mutation through any of them visible to the others.
func (vm *VM) findOrCreateUpvalue(stackIndex int) (*Object, error) {
	for _, uv := range vm.openUpvals {
		if uv.Upvalue.Index == stackIndex {
			return uv, nil
		}
	}
	uv, err := vm.heap.newUpvalue(stackIndex)
	if err != nil {
		return nil, err
	}
	// The open-upvalue list is a GC root, so the cell is safely
	// reachable from here on.
	vm.openUpvals = append(vm.openUpvals, uv)
	return uv, nil
}

// closeUpvalues closes every open upvalue aliasing a stack slot at or
// above from: the slot's current value is copied into the cell, which
// detaches from the stack. Called at frame exit and by OpCloseUpvs when
// a capturing scope ends mid-frame. Each cell is closed exactly once;
// closed cells are no longer on the open list.
func (vm *VM) closeUpvalues(from int) {
	kept := vm.openUpvals[:0]
	for _, uv := range vm.openUpvals {
		u := uv.Upvalue
		if u.Index < from {
			kept = append(kept, uv)
			continue
		}
		val := vm.stack[u.Index]
		u.Open = false
		u.Index = -1
		u.Closed = val
		vm.heap.barrier(uv, val)
	}
	vm.openUpvals = kept
}

// upvalueGet reads through a cell: the live stack slot while open, the
// owned copy once closed.
func (vm *VM) upvalueGet(uv *Object) Value {
	u := uv.Upvalue
	if u.Open {
		return vm.stack[u.Index]
	}
	return u.Closed
}

// upvalueSet writes through a cell.
func (vm *VM) upvalueSet(uv *Object, val Value) {
	u := uv.Upvalue
	if u.Open {
		vm.stack[u.Index] = val
		return
	}
	u.Closed = val
	vm.heap.barrier(uv, val)
}
