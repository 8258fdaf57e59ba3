package vm

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/naerbnic/loon/bytecode"
)

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes frames until the stack shrinks back to stopDepth,
// returning the values produced by the frame at stopDepth. The verifier
// has already bounds-checked every operand, so dispatch reads registers
// and constants without re-checking; only dynamic properties (operand
// types, callability, budgets) are checked here.
//
// Collector safe points sit at calls, returns and backward jumps, so a
// loop that neither calls nor allocates still reaches the collector
// once per iteration.
func (vm *VM) run(stopDepth int) (results []Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			// A panic past the verifier means engine state is no longer
			// trustworthy. Surface it as fatal and stop the instance.
			vm.broken = true
			vm.frames = vm.frames[:stopDepth]
			results, err = nil, internalErrorf("engine panic: %v", r)
		}
	}()

	for {
		f := &vm.frames[len(vm.frames)-1]
		inst := f.proto.Code[f.pc]
		f.pc++

		if cerr := vm.gov.chargeStep(); cerr != nil {
			if done, res, uerr := vm.fail(cerr, stopDepth); done {
				return res, uerr
			}
			continue
		}

		base := f.base
		switch op := inst.Op(); op {

		// Moves and loads
		case bytecode.OpMove:
			vm.stack[base+int(inst.A())] = vm.stack[base+int(inst.B())]

		case bytecode.OpLoadConst:
			meta := vm.protoMeta[f.proto]
			vm.stack[base+int(inst.A())] = meta.consts[inst.Bx()]

		case bytecode.OpLoadNil:
			vm.stack[base+int(inst.A())] = Nil

		case bytecode.OpLoadBool:
			vm.stack[base+int(inst.A())] = FromBool(inst.B() != 0)

		case bytecode.OpLoadInt:
			vm.stack[base+int(inst.A())] = FromInt(int64(inst.SBx()))

		// Globals
		case bytecode.OpGetGlobal:
			meta := vm.protoMeta[f.proto]
			key := meta.consts[inst.Bx()]
			vm.stack[base+int(inst.A())] = vm.globals.Table.Get(key)

		case bytecode.OpSetGlobal:
			meta := vm.protoMeta[f.proto]
			key := meta.consts[inst.Bx()]
			val := vm.stack[base+int(inst.A())]
			if serr := vm.tableSet(vm.globals, key, val); serr != nil {
				if done, res, uerr := vm.fail(serr, stopDepth); done {
					return res, uerr
				}
				continue
			}

		// Arithmetic
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			b := vm.stack[base+int(inst.B())]
			c := vm.stack[base+int(inst.C())]
			v, aerr := arith(op, b, c)
			if aerr != nil {
				if done, res, uerr := vm.fail(aerr, stopDepth); done {
					return res, uerr
				}
				continue
			}
			vm.stack[base+int(inst.A())] = v

		case bytecode.OpNeg:
			b := vm.stack[base+int(inst.B())]
			switch {
			case b.IsInt():
				vm.stack[base+int(inst.A())] = FromInt(-b.Int())
			case b.IsFloat():
				vm.stack[base+int(inst.A())] = FromFloat64(-b.Float64())
			default:
				if done, res, uerr := vm.fail(typeErrorf("cannot negate %s", TypeName(b)), stopDepth); done {
					return res, uerr
				}
				continue
			}

		// Comparison and logic
		case bytecode.OpEq:
			b := vm.stack[base+int(inst.B())]
			c := vm.stack[base+int(inst.C())]
			vm.stack[base+int(inst.A())] = FromBool(valuesEqual(b, c))

		case bytecode.OpNe:
			b := vm.stack[base+int(inst.B())]
			c := vm.stack[base+int(inst.C())]
			vm.stack[base+int(inst.A())] = FromBool(!valuesEqual(b, c))

		case bytecode.OpLt, bytecode.OpLe:
			b := vm.stack[base+int(inst.B())]
			c := vm.stack[base+int(inst.C())]
			v, cerr := order(op, b, c)
			if cerr != nil {
				if done, res, uerr := vm.fail(cerr, stopDepth); done {
					return res, uerr
				}
				continue
			}
			vm.stack[base+int(inst.A())] = v

		case bytecode.OpNot:
			b := vm.stack[base+int(inst.B())]
			vm.stack[base+int(inst.A())] = FromBool(!b.IsTruthy())

		// Strings
		case bytecode.OpConcat:
			b := vm.stack[base+int(inst.B())]
			c := vm.stack[base+int(inst.C())]
			if !isString(b) || !isString(c) {
				if done, res, uerr := vm.fail(typeErrorf("cannot concatenate %s and %s", TypeName(b), TypeName(c)), stopDepth); done {
					return res, uerr
				}
				continue
			}
			obj, serr := vm.heap.newString(b.Object().Str + c.Object().Str)
			if serr != nil {
				if done, res, uerr := vm.fail(serr, stopDepth); done {
					return res, uerr
				}
				continue
			}
			vm.stack[base+int(inst.A())] = FromObject(obj)

		case bytecode.OpLen:
			b := vm.stack[base+int(inst.B())]
			switch {
			case isString(b):
				vm.stack[base+int(inst.A())] = FromInt(int64(len(b.Object().Str)))
			case isTable(b):
				vm.stack[base+int(inst.A())] = FromInt(b.Object().Table.Len())
			default:
				if done, res, uerr := vm.fail(typeErrorf("cannot take length of %s", TypeName(b)), stopDepth); done {
					return res, uerr
				}
				continue
			}

		// Tables
		case bytecode.OpNewTable:
			obj, terr := vm.heap.newTable(int(inst.B()), int(inst.C()))
			if terr != nil {
				if done, res, uerr := vm.fail(terr, stopDepth); done {
					return res, uerr
				}
				continue
			}
			vm.stack[base+int(inst.A())] = FromObject(obj)

		case bytecode.OpGetIndex:
			b := vm.stack[base+int(inst.B())]
			if !isTable(b) {
				if done, res, uerr := vm.fail(typeErrorf("cannot index %s", TypeName(b)), stopDepth); done {
					return res, uerr
				}
				continue
			}
			key := vm.stack[base+int(inst.C())]
			vm.stack[base+int(inst.A())] = b.Object().Table.Get(key)

		case bytecode.OpSetIndex:
			a := vm.stack[base+int(inst.A())]
			if !isTable(a) {
				if done, res, uerr := vm.fail(typeErrorf("cannot index %s", TypeName(a)), stopDepth); done {
					return res, uerr
				}
				continue
			}
			key := vm.stack[base+int(inst.B())]
			val := vm.stack[base+int(inst.C())]
			if serr := vm.tableSet(a.Object(), key, val); serr != nil {
				if done, res, uerr := vm.fail(serr, stopDepth); done {
					return res, uerr
				}
				continue
			}

		case bytecode.OpIterNext:
			a := int(inst.A())
			t := vm.stack[base+a]
			if !isTable(t) {
				if done, res, uerr := vm.fail(typeErrorf("cannot iterate %s", TypeName(t)), stopDepth); done {
					return res, uerr
				}
				continue
			}
			cursor := vm.stack[base+a+1]
			if !cursor.IsInt() {
				if done, res, uerr := vm.fail(typeErrorf("iteration cursor is %s", TypeName(cursor)), stopDepth); done {
					return res, uerr
				}
				continue
			}
			key, val, next, ok := t.Object().Table.Next(cursor.Int())
			if !ok {
				f.pc += int(inst.SBx())
				if inst.SBx() < 0 {
					vm.heap.safePoint()
				}
				continue
			}
			vm.stack[base+a+1] = FromInt(next)
			vm.stack[base+a+2] = key
			vm.stack[base+a+3] = val

		// Closures and upvalues
		case bytecode.OpClosure:
			meta := vm.protoMeta[f.proto]
			sub := meta.subs[inst.Bx()]
			obj, cerr := vm.makeClosure(f, sub)
			if cerr != nil {
				if done, res, uerr := vm.fail(cerr, stopDepth); done {
					return res, uerr
				}
				continue
			}
			vm.stack[base+int(inst.A())] = FromObject(obj)

		case bytecode.OpGetUpval:
			uv := f.closure.Closure.Upvals[inst.B()]
			vm.stack[base+int(inst.A())] = vm.upvalueGet(uv)

		case bytecode.OpSetUpval:
			uv := f.closure.Closure.Upvals[inst.B()]
			vm.upvalueSet(uv, vm.stack[base+int(inst.A())])

		case bytecode.OpCloseUpvs:
			vm.closeUpvalues(base + int(inst.A()))

		// Control flow
		case bytecode.OpJump:
			f.pc += int(inst.SBx())
			if inst.SBx() < 0 {
				vm.heap.safePoint()
			}

		case bytecode.OpJumpIfFalse:
			if !vm.stack[base+int(inst.A())].IsTruthy() {
				f.pc += int(inst.SBx())
				if inst.SBx() < 0 {
					vm.heap.safePoint()
				}
			}

		case bytecode.OpJumpIfTrue:
			if vm.stack[base+int(inst.A())].IsTruthy() {
				f.pc += int(inst.SBx())
				if inst.SBx() < 0 {
					vm.heap.safePoint()
				}
			}

		// Calls
		case bytecode.OpCall:
			vm.heap.safePoint()
			a, b, c := int(inst.A()), int(inst.B()), int(inst.C())
			cerr := vm.doCall(base+a, b, base+a, c, false)
			if cerr != nil {
				if done, res, uerr := vm.fail(cerr, stopDepth); done {
					return res, uerr
				}
			}

		case bytecode.OpProtCall:
			vm.heap.safePoint()
			a, b, c := int(inst.A()), int(inst.B()), int(inst.C())
			cerr := vm.doCall(base+a+1, b, base+a+1, c, true)
			if cerr != nil {
				// Failures before a callee frame exists (non-callable
				// target) are still absorbed at this boundary.
				if isCatchable(cerr) {
					cerr = vm.deliverCaught(base+a+1, c, cerr)
				}
				if cerr != nil {
					if done, res, uerr := vm.fail(cerr, stopDepth); done {
						return res, uerr
					}
				}
			}

		case bytecode.OpTailCall:
			vm.heap.safePoint()
			a, b := int(inst.A()), int(inst.B())
			done, res, terr := vm.doTailCall(base+a, b, stopDepth)
			if done {
				return res, terr
			}

		case bytecode.OpReturn:
			vm.heap.safePoint()
			a, b := int(inst.A()), int(inst.B())
			done, res, rerr := vm.doReturn(base+a, b, stopDepth)
			if done {
				return res, rerr
			}

		// Errors
		case bytecode.OpRaise:
			v := vm.stack[base+int(inst.A())]
			rerr := &RuntimeError{Value: v, Message: renderValue(v)}
			if done, res, uerr := vm.fail(rerr, stopDepth); done {
				return res, uerr
			}

		default:
			// Unreachable after Verify.
			vm.broken = true
			vm.frames = vm.frames[:stopDepth]
			return nil, internalErrorf("undecodable opcode 0x%02X at pc %d", byte(op), f.pc-1)
		}
	}
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// doCall invokes the value at calleeIdx with nargs arguments already in
// place at calleeIdx+1. Results go to retBase; want is the expected
// count. Protected calls additionally receive an ok flag at retBase-1
// and become an error boundary for the frames above.
func (vm *VM) doCall(calleeIdx, nargs, retBase, want int, protected bool) error {
	callee := vm.stack[calleeIdx]
	if !callee.IsCallable() {
		return typeErrorf("cannot call %s", TypeName(callee))
	}
	obj := callee.Object()

	if obj.Kind == KindHostFunc {
		return vm.invokeHost(obj.HostFunc, calleeIdx, nargs, retBase, want, protected)
	}

	if err := vm.gov.checkDepth(len(vm.frames) + 1); err != nil {
		return err
	}
	return vm.pushFrame(obj, calleeIdx+1, nargs, retBase, want, protected)
}

// pushFrame activates a closure with its window starting at newBase,
// where nargs arguments are already placed.
func (vm *VM) pushFrame(closure *Object, newBase, nargs, retBase, want int, protected bool) error {
	proto := closure.Closure.Proto
	vm.growStack(newBase + int(proto.MaxRegs))

	// Missing parameters read as nil; surplus arguments are dropped so
	// the callee starts from a clean window either way.
	from := nargs
	if p := int(proto.NumParams); p < from {
		from = p
	}
	vm.clearRange(newBase+from, newBase+int(proto.MaxRegs))

	vm.frames = append(vm.frames, frame{
		closure:   closure,
		proto:     proto,
		base:      newBase,
		retBase:   retBase,
		want:      want,
		protected: protected,
	})
	return nil
}

// doTailCall replaces the current frame with a call to the value at
// calleeIdx, preserving the caller's return protocol. Stack depth does
// not grow, which is what makes tail recursion run in constant space.
func (vm *VM) doTailCall(calleeIdx, nargs, stopDepth int) (bool, []Value, error) {
	callee := vm.stack[calleeIdx]
	if !callee.IsCallable() {
		return vm.fail(typeErrorf("cannot call %s", TypeName(callee)), stopDepth)
	}
	obj := callee.Object()

	if obj.Kind == KindHostFunc {
		// A tail call to a host function is a call followed by a return
		// of its results. The host may reenter the engine, so the frame
		// is re-read afterwards rather than held across the call.
		args := make([]Value, nargs)
		copy(args, vm.stack[calleeIdx+1:calleeIdx+1+nargs])
		res, err := vm.callHostFunc(obj.HostFunc, args)
		if err != nil {
			return vm.fail(err, stopDepth)
		}
		first := vm.frames[len(vm.frames)-1].base
		vm.closeUpvalues(first)
		n := len(res)
		vm.growStack(first + n)
		copy(vm.stack[first:first+n], res)
		return vm.doReturn(first, n, stopDepth)
	}

	f := &vm.frames[len(vm.frames)-1]
	vm.closeUpvalues(f.base)
	proto := obj.Closure.Proto
	copy(vm.stack[f.base:f.base+nargs], vm.stack[calleeIdx+1:calleeIdx+1+nargs])
	vm.growStack(f.base + int(proto.MaxRegs))
	from := nargs
	if p := int(proto.NumParams); p < from {
		from = p
	}
	vm.clearRange(f.base+from, f.base+int(proto.MaxRegs))

	f.closure = obj
	f.proto = proto
	f.pc = 0
	return false, nil, nil
}

// doReturn pops the current frame, delivering n results starting at
// absolute index first. When the popped frame is the invocation entry
// frame the results are handed back to run's caller.
func (vm *VM) doReturn(first, n, stopDepth int) (bool, []Value, error) {
	f := vm.frames[len(vm.frames)-1]
	vm.closeUpvalues(f.base)
	vm.frames = vm.frames[:len(vm.frames)-1]

	if f.want < 0 {
		// Entry frame: all results go to the host.
		out := make([]Value, n)
		copy(out, vm.stack[first:first+n])
		return true, out, nil
	}

	ret := f.retBase
	if f.protected {
		vm.stack[ret-1] = True
	}
	k := f.want
	if n < k {
		k = n
	}
	copy(vm.stack[ret:ret+k], vm.stack[first:first+k])
	for i := k; i < f.want; i++ {
		vm.stack[ret+i] = Nil
	}

	if len(vm.frames) == stopDepth {
		// The entry frame always has want < 0, so reaching stopDepth here
		// means frame bookkeeping went wrong.
		vm.broken = true
		return true, nil, internalErrorf("return past invocation boundary")
	}
	return false, nil, nil
}

// callHostFunc runs a host callback under the depth budget.
func (vm *VM) callHostFunc(hf *HostFunc, args []Value) ([]Value, error) {
	if err := vm.gov.checkDepth(len(vm.frames) + 1); err != nil {
		return nil, err
	}
	res, err := hf.Fn(&CallContext{vm: vm}, args)
	if err != nil {
		return nil, wrapHostError(hf.Name, err)
	}
	return res, nil
}

// invokeHost performs a direct (frameless) host call for OpCall and
// OpProtCall. Since no frame is pushed, the protected-call contract is
// applied here rather than in the unwinder.
func (vm *VM) invokeHost(hf *HostFunc, calleeIdx, nargs, retBase, want int, protected bool) error {
	args := make([]Value, nargs)
	copy(args, vm.stack[calleeIdx+1:calleeIdx+1+nargs])

	res, err := vm.callHostFunc(hf, args)
	if err != nil {
		if !protected || !isCatchable(err) {
			return err
		}
		vm.stack[retBase-1] = False
		if want > 0 {
			ev, verr := vm.errorValue(err)
			if verr != nil {
				return verr
			}
			vm.stack[retBase] = ev
			vm.clearRange(retBase+1, retBase+want)
		}
		return nil
	}

	if protected {
		vm.stack[retBase-1] = True
	}
	k := want
	if len(res) < k {
		k = len(res)
	}
	copy(vm.stack[retBase:retBase+k], res[:k])
	vm.clearRange(retBase+k, retBase+want)
	return nil
}

// ---------------------------------------------------------------------------
// Error propagation
// ---------------------------------------------------------------------------

// isCatchable reports whether a protected call may absorb err. Budget
// exhaustion and internal faults always propagate to the host; a script
// cannot trap its way past the sandbox.
func isCatchable(err error) bool {
	return errors.Is(err, ErrRuntime) || errors.Is(err, ErrTypeError)
}

// wrapHostError normalizes an error returned by a host function. Errors
// already in the failure taxonomy keep their classification; anything
// else becomes a script-catchable runtime error.
func wrapHostError(name string, err error) error {
	switch {
	case errors.Is(err, ErrRuntime),
		errors.Is(err, ErrTypeError),
		errors.Is(err, ErrResourceExhausted),
		errors.Is(err, ErrInternal),
		errors.Is(err, ErrStaleHandle),
		errors.Is(err, ErrMalformedBytecode):
		return err
	default:
		return &RuntimeError{Value: Nil, Message: name + ": " + err.Error()}
	}
}

// fail unwinds err toward the nearest protected frame above stopDepth.
// It returns done=true when the error escapes the invocation, with the
// frame stack restored to stopDepth; done=false means a protected frame
// absorbed the error and dispatch resumes in its caller.
func (vm *VM) fail(err error, stopDepth int) (bool, []Value, error) {
	catchable := isCatchable(err)
	for len(vm.frames) > stopDepth {
		f := vm.frames[len(vm.frames)-1]
		vm.closeUpvalues(f.base)
		vm.frames = vm.frames[:len(vm.frames)-1]

		if !catchable || !f.protected {
			continue
		}
		vm.stack[f.retBase-1] = False
		if f.want > 0 {
			ev, verr := vm.errorValue(err)
			if verr != nil {
				// Could not materialize the error value (memory budget).
				// The replacement error is not catchable; keep unwinding.
				err = verr
				catchable = false
				continue
			}
			vm.stack[f.retBase] = ev
			vm.clearRange(f.retBase+1, f.retBase+f.want)
		}
		return false, nil, nil
	}
	if errors.Is(err, ErrInternal) {
		vm.broken = true
	}
	return true, nil, err
}

// deliverCaught writes the protected-call failure protocol (ok flag,
// error value, nil padding) at a boundary whose callee frame was never
// pushed. Returns a non-nil error only when the error value itself
// could not be allocated.
func (vm *VM) deliverCaught(retBase, want int, err error) error {
	vm.stack[retBase-1] = False
	if want > 0 {
		ev, verr := vm.errorValue(err)
		if verr != nil {
			return verr
		}
		vm.stack[retBase] = ev
		vm.clearRange(retBase+1, retBase+want)
	}
	return nil
}

// errorValue materializes a caught error as a script value: the raised
// value for runtime errors, a message string otherwise.
func (vm *VM) errorValue(err error) (Value, error) {
	var re *RuntimeError
	if errors.As(err, &re) && !re.Value.IsNil() {
		return re.Value, nil
	}
	msg := err.Error()
	if re != nil {
		msg = re.Message
	}
	obj, aerr := vm.heap.newString(msg)
	if aerr != nil {
		return Nil, aerr
	}
	return FromObject(obj), nil
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// arith evaluates a binary arithmetic opcode. Integer pairs stay in the
// wrapping 48-bit domain; any float operand promotes both to float64.
func arith(op bytecode.Opcode, b, c Value) (Value, error) {
	if b.IsInt() && c.IsInt() {
		x, y := b.Int(), c.Int()
		switch op {
		case bytecode.OpAdd:
			return FromInt(x + y), nil
		case bytecode.OpSub:
			return FromInt(x - y), nil
		case bytecode.OpMul:
			return FromInt(x * y), nil
		case bytecode.OpDiv:
			if y == 0 {
				return Nil, &RuntimeError{Value: Nil, Message: "integer division by zero"}
			}
			return FromInt(x / y), nil
		case bytecode.OpMod:
			if y == 0 {
				return Nil, &RuntimeError{Value: Nil, Message: "integer modulo by zero"}
			}
			return FromInt(x % y), nil
		}
	}
	if !b.IsNumber() || !c.IsNumber() {
		return Nil, typeErrorf("cannot apply %s to %s and %s", op, TypeName(b), TypeName(c))
	}
	x, y := b.asFloat(), c.asFloat()
	switch op {
	case bytecode.OpAdd:
		return FromFloat64(x + y), nil
	case bytecode.OpSub:
		return FromFloat64(x - y), nil
	case bytecode.OpMul:
		return FromFloat64(x * y), nil
	case bytecode.OpDiv:
		return FromFloat64(x / y), nil
	case bytecode.OpMod:
		return FromFloat64(math.Mod(x, y)), nil
	}
	return Nil, internalErrorf("arith: unexpected opcode %s", op)
}

// valuesEqual implements OpEq. Interned strings and identical boxes
// compare by bits; mixed int/float pairs compare numerically; NaN never
// equals anything, itself included.
func valuesEqual(b, c Value) bool {
	if b.IsFloat() && math.IsNaN(b.Float64()) {
		return false
	}
	if c.IsFloat() && math.IsNaN(c.Float64()) {
		return false
	}
	if b == c {
		return true
	}
	if b.IsNumber() && c.IsNumber() {
		return b.asFloat() == c.asFloat()
	}
	return false
}

// order implements OpLt and OpLe over numbers and strings.
func order(op bytecode.Opcode, b, c Value) (Value, error) {
	if b.IsNumber() && c.IsNumber() {
		if b.IsInt() && c.IsInt() {
			x, y := b.Int(), c.Int()
			if op == bytecode.OpLt {
				return FromBool(x < y), nil
			}
			return FromBool(x <= y), nil
		}
		x, y := b.asFloat(), c.asFloat()
		if op == bytecode.OpLt {
			return FromBool(x < y), nil
		}
		return FromBool(x <= y), nil
	}
	if isString(b) && isString(c) {
		x, y := b.Object().Str, c.Object().Str
		if op == bytecode.OpLt {
			return FromBool(x < y), nil
		}
		return FromBool(x <= y), nil
	}
	return Nil, typeErrorf("cannot compare %s and %s", TypeName(b), TypeName(c))
}

func isString(v Value) bool {
	return v.IsObject() && v.Object().Kind == KindString
}

func isTable(v Value) bool {
	return v.IsObject() && v.Object().Kind == KindTable
}

// tableSet stores into a table object under the mutation rules: nil and
// NaN keys are rejected, new entries are charged to the allocator, and
// the write barrier covers both key and value.
func (vm *VM) tableSet(tobj *Object, key, val Value) error {
	if key.IsNil() {
		return typeErrorf("table key is nil")
	}
	if key.IsFloat() && math.IsNaN(key.Float64()) {
		return typeErrorf("table key is NaN")
	}
	t := tobj.Table
	if !val.IsNil() && t.Get(key).IsNil() {
		if err := vm.heap.reserveExtra(tobj, tableEntrySize); err != nil {
			return err
		}
	}
	t.Set(key, val)
	vm.heap.barrier(tobj, key)
	vm.heap.barrier(tobj, val)
	return nil
}

// makeClosure instantiates a nested prototype, resolving its upvalue
// descriptors against the defining frame. Freshly created cells are
// registered on the open list before the closure allocation, keeping
// everything rooted throughout.
func (vm *VM) makeClosure(f *frame, sub *bytecode.Proto) (*Object, error) {
	cells := make([]*Object, len(sub.Upvals))
	for i, desc := range sub.Upvals {
		switch desc.Source {
		case bytecode.UpvalLocal:
			uv, err := vm.findOrCreateUpvalue(f.base + int(desc.Index))
			if err != nil {
				return nil, err
			}
			cells[i] = uv
		case bytecode.UpvalParent:
			cells[i] = f.closure.Closure.Upvals[desc.Index]
		}
	}
	obj, err := vm.heap.newClosure(&Closure{Proto: sub, Upvals: cells})
	if err != nil {
		return nil, err
	}
	for _, uv := range cells {
		vm.heap.barrier(obj, FromObject(uv))
	}
	return obj, nil
}

// renderValue produces the diagnostic rendering used in runtime error
// messages. It never allocates on the managed heap.
func renderValue(v Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.IsBool():
		return strconv.FormatBool(v.Bool())
	case v.IsInt():
		return strconv.FormatInt(v.Int(), 10)
	case v.IsFloat():
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case v.IsObject():
		o := v.Object()
		if o.Kind == KindString {
			return o.Str
		}
		return fmt.Sprintf("<%s>", o.Kind)
	default:
		return "<unknown>"
	}
}
