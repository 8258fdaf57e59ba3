package vm

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/naerbnic/loon/bytecode"
)

var vmLog = commonlog.GetLogger("loon.vm")

// Default sandbox limits, applied when Config leaves them zero.
const (
	DefaultMemoryCeiling = 16 << 20 // 16 MiB
	DefaultMaxCallDepth  = 200
)

// Config carries the construction-time parameters of an instance. The
// zero value gives a standalone instance with default limits and an
// unlimited step budget.
type Config struct {
	// Allocator meters heap memory. Nil means a private
	// TrackingAllocator with MemoryCeiling is created; pass a
	// SharedAllocator to meter several instances against one ceiling.
	Allocator Allocator

	// MemoryCeiling is the byte ceiling for the private allocator.
	// Ignored when Allocator is set.
	MemoryCeiling int64

	// StepBudget bounds instructions per top-level Call; 0 = unlimited.
	// Overridable per call with WithStepBudget.
	StepBudget uint64

	// MaxCallDepth bounds the frame stack.
	MaxCallDepth int

	// GCTriggerFraction is the share of the ceiling at which a
	// collection cycle is armed; GCStepWork the objects processed per
	// incremental step. Zero values select the defaults.
	GCTriggerFraction float64
	GCStepWork        int
}

// VM is a single execution instance: one heap, one value stack, one
// globals table. An instance confines itself to one goroutine at a
// time; hosts running several instances give each its own, sharing at
// most an Allocator.
type VM struct {
	heap   *heap
	cfg    Config
	gov    governor

	stack      []Value
	frames     []frame
	globals    *Object
	openUpvals []*Object
	pinned     map[*Object]int

	// gen tags handles; Close bumps it, invalidating them all.
	gen       uint32
	protoMeta map[*bytecode.Proto]*protoMeta

	closed bool
	broken bool
}

// protoMeta caches the per-prototype state dispatch needs: the constant
// pool decoded to Values (string constants interned and pinned for the
// instance's lifetime) and nested prototype references resolved.
type protoMeta struct {
	consts []Value
	subs   []*bytecode.Proto
}

// New creates an instance.
func New(cfg Config) (*VM, error) {
	if cfg.MemoryCeiling <= 0 {
		cfg.MemoryCeiling = DefaultMemoryCeiling
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = NewTrackingAllocator(cfg.MemoryCeiling)
	}

	vm := &VM{
		cfg:       cfg,
		pinned:    make(map[*Object]int),
		protoMeta: make(map[*bytecode.Proto]*protoMeta),
	}
	vm.heap = newHeap(vm, alloc, cfg.GCTriggerFraction, cfg.GCStepWork)
	vm.gov.reset(cfg.StepBudget, cfg.MaxCallDepth)

	globals, err := vm.heap.newTable(0, 16)
	if err != nil {
		return nil, err
	}
	vm.globals = globals
	return vm, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// FuncHandle identifies a loaded entry function. Handles are tagged
// with the instance generation; after Close every outstanding handle
// fails with ErrStaleHandle instead of touching freed state.
type FuncHandle struct {
	vm    *VM
	gen   uint32
	proto *bytecode.Proto
}

// Load deserializes, validates and prepares a bytecode artifact,
// returning a handle to its entry function. The input is untrusted;
// nothing from it executes or is cached before validation passes.
func (vm *VM) Load(data []byte) (*FuncHandle, error) {
	if err := vm.usable(); err != nil {
		return nil, err
	}
	artifact, err := bytecode.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedBytecode, err)
	}
	return vm.LoadArtifact(artifact)
}

// LoadArtifact prepares an already-decoded artifact, validating it
// first. Artifacts produced by bytecode.Builder arrive pre-verified but
// are re-checked; verification is cheap relative to preparation.
func (vm *VM) LoadArtifact(artifact *bytecode.Artifact) (*FuncHandle, error) {
	if err := vm.usable(); err != nil {
		return nil, err
	}
	if err := bytecode.Verify(artifact); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedBytecode, err)
	}
	main := artifact.MainProto()
	if len(main.Upvals) != 0 {
		return nil, fmt.Errorf("%w: entry prototype captures %d upvalues", ErrMalformedBytecode, len(main.Upvals))
	}
	for _, p := range artifact.Protos {
		if err := vm.buildMeta(artifact, p); err != nil {
			return nil, err
		}
	}
	vmLog.Debugf("loaded artifact: %d prototypes, entry %q", len(artifact.Protos), main.Name)
	return &FuncHandle{vm: vm, gen: vm.gen, proto: main}, nil
}

// buildMeta interns the constant pool and resolves nested prototype
// references. Interned constant strings are pinned so collector cycles
// between calls cannot reclaim them.
func (vm *VM) buildMeta(artifact *bytecode.Artifact, p *bytecode.Proto) error {
	if _, ok := vm.protoMeta[p]; ok {
		return nil
	}
	meta := &protoMeta{
		consts: make([]Value, len(p.Consts)),
		subs:   make([]*bytecode.Proto, len(p.SubProtos)),
	}
	for i, k := range p.Consts {
		switch k.Kind {
		case bytecode.ConstNil:
			meta.consts[i] = Nil
		case bytecode.ConstBool:
			meta.consts[i] = FromBool(k.Bool)
		case bytecode.ConstInt:
			meta.consts[i] = FromInt(k.Int)
		case bytecode.ConstFloat:
			meta.consts[i] = FromFloat64(k.Float)
		case bytecode.ConstString:
			obj, err := vm.heap.newString(k.Str)
			if err != nil {
				return err
			}
			vm.pinObject(obj)
			meta.consts[i] = FromObject(obj)
		}
	}
	for i, sub := range p.SubProtos {
		meta.subs[i] = artifact.Protos[sub]
	}
	vm.protoMeta[p] = meta
	return nil
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// CallOption adjusts a single top-level invocation.
type CallOption func(*callOptions)

type callOptions struct {
	stepBudget uint64
	hasBudget  bool
}

// WithStepBudget overrides the configured step budget for one call.
func WithStepBudget(n uint64) CallOption {
	return func(o *callOptions) {
		o.stepBudget = n
		o.hasBudget = true
	}
}

// Call invokes a loaded function with the given arguments and returns
// its results. Missing parameters read as nil; surplus arguments are
// dropped.
//
// Returned result values belong to the instance heap and stay valid
// until the next Call or Collect; hosts holding them longer must
// KeepAlive them. A failing call leaves the instance usable unless the
// error unwraps to ErrInternal.
//
// Calling from inside a host function reenters the engine: the nested
// invocation shares the outer call's step and depth budgets.
func (vm *VM) Call(h *FuncHandle, args []Value, opts ...CallOption) ([]Value, error) {
	if err := vm.usable(); err != nil {
		return nil, err
	}
	if h == nil || h.vm != vm || h.gen != vm.gen {
		return nil, ErrStaleHandle
	}

	topLevel := len(vm.frames) == 0
	if topLevel {
		var o callOptions
		for _, opt := range opts {
			opt(&o)
		}
		budget := vm.cfg.StepBudget
		if o.hasBudget {
			budget = o.stepBudget
		}
		vm.gov.reset(budget, vm.cfg.MaxCallDepth)
	}
	if err := vm.gov.checkDepth(len(vm.frames) + 1); err != nil {
		return nil, err
	}

	// Each invocation gets a fresh closure so entry functions follow the
	// same frame protocol as nested calls. Entry prototypes carry no
	// upvalues (enforced at load), so the closure is just the pairing.
	clObj, err := vm.heap.newClosure(&Closure{Proto: h.proto})
	if err != nil {
		return nil, err
	}

	base := vm.stackTop()
	nargs := len(args)
	if nargs > int(h.proto.MaxRegs) {
		nargs = int(h.proto.MaxRegs)
	}
	vm.growStack(base + int(h.proto.MaxRegs))
	copy(vm.stack[base:base+nargs], args[:nargs])

	stopDepth := len(vm.frames)
	if err := vm.pushFrame(clObj, base, nargs, base, -1, false); err != nil {
		return nil, err
	}
	return vm.run(stopDepth)
}

// usable rejects operations on closed or faulted instances.
func (vm *VM) usable() error {
	if vm.closed {
		return fmt.Errorf("%w: instance closed", ErrStaleHandle)
	}
	if vm.broken {
		return fmt.Errorf("%w: instance stopped after internal fault", ErrInternal)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Globals and host functions
// ---------------------------------------------------------------------------

// RegisterHostFunc exposes a Go function to scripts as the global name.
func (vm *VM) RegisterHostFunc(name string, fn HostFuncImpl) error {
	if err := vm.usable(); err != nil {
		return err
	}
	key, err := vm.heap.newString(name)
	if err != nil {
		return err
	}
	vm.pinObject(key)
	defer vm.unpinObject(key)

	hfObj, err := vm.heap.newHostFunc(&HostFunc{Name: name, Fn: fn})
	if err != nil {
		return err
	}
	vm.pinObject(hfObj)
	defer vm.unpinObject(hfObj)

	return vm.tableSet(vm.globals, FromObject(key), FromObject(hfObj))
}

// SetGlobal stores a value under a global name.
func (vm *VM) SetGlobal(name string, v Value) error {
	if err := vm.usable(); err != nil {
		return err
	}
	key, err := vm.heap.newString(name)
	if err != nil {
		return err
	}
	vm.pinObject(key)
	defer vm.unpinObject(key)
	if v.IsObject() {
		vm.pinObject(v.Object())
		defer vm.unpinObject(v.Object())
	}
	return vm.tableSet(vm.globals, FromObject(key), v)
}

// GetGlobal returns the value under a global name, or Nil.
func (vm *VM) GetGlobal(name string) (Value, error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	// An absent intern entry means no string with this content exists,
	// so no table can hold it as a key.
	obj, ok := vm.heap.interns[name]
	if !ok {
		return Nil, nil
	}
	return vm.globals.Table.Get(FromObject(obj)), nil
}

// ---------------------------------------------------------------------------
// Value construction
// ---------------------------------------------------------------------------

// NewString creates (or reuses) the interned string value for s. Like
// Call results, the value stays valid until the next Call or Collect
// unless kept alive.
func (vm *VM) NewString(s string) (Value, error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	obj, err := vm.heap.newString(s)
	if err != nil {
		return Nil, err
	}
	return FromObject(obj), nil
}

// NewTable creates an empty table value.
func (vm *VM) NewTable() (Value, error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	obj, err := vm.heap.newTable(0, 0)
	if err != nil {
		return Nil, err
	}
	return FromObject(obj), nil
}

// NewUserData wraps an opaque host payload. payloadSize is the byte
// count charged against the memory ceiling for the wrapped data; the
// finalizer, if any, runs exactly once when the collector reclaims the
// object or the instance closes.
func (vm *VM) NewUserData(typeName string, data any, payloadSize int64, finalizer func(any)) (Value, error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	obj, err := vm.heap.newUserData(&UserData{
		TypeName:  typeName,
		Data:      data,
		Finalizer: finalizer,
	}, payloadSize)
	if err != nil {
		return Nil, err
	}
	return FromObject(obj), nil
}

// TableSet stores val under key in a table value, applying the same
// mutation rules as the engine (nil and NaN keys rejected, growth
// charged against the ceiling).
func (vm *VM) TableSet(table, key, val Value) error {
	if err := vm.usable(); err != nil {
		return err
	}
	if !isTable(table) {
		return typeErrorf("cannot index %s", TypeName(table))
	}
	return vm.tableSet(table.Object(), key, val)
}

// TableGet returns the value under key in a table value, or Nil.
func (vm *VM) TableGet(table, key Value) (Value, error) {
	if err := vm.usable(); err != nil {
		return Nil, err
	}
	if !isTable(table) {
		return Nil, typeErrorf("cannot index %s", TypeName(table))
	}
	return table.Object().Table.Get(key), nil
}

// TableLen returns the dense-prefix length of a table value.
func (vm *VM) TableLen(table Value) (int64, error) {
	if err := vm.usable(); err != nil {
		return 0, err
	}
	if !isTable(table) {
		return 0, typeErrorf("cannot take length of %s", TypeName(table))
	}
	return table.Object().Table.Len(), nil
}

// ---------------------------------------------------------------------------
// Lifetime management
// ---------------------------------------------------------------------------

// KeepAlive pins a value's object against collection until a matching
// ReleaseKeepAlive. Pins nest.
func (vm *VM) KeepAlive(v Value) {
	if v.IsObject() {
		vm.pinObject(v.Object())
	}
}

// ReleaseKeepAlive drops one pin.
func (vm *VM) ReleaseKeepAlive(v Value) {
	if v.IsObject() {
		vm.unpinObject(v.Object())
	}
}

func (vm *VM) pinObject(o *Object) {
	vm.pinned[o]++
}

func (vm *VM) unpinObject(o *Object) {
	if n := vm.pinned[o]; n > 1 {
		vm.pinned[o] = n - 1
	} else {
		delete(vm.pinned, o)
	}
}

// Collect runs a full synchronous collection cycle.
func (vm *VM) Collect() {
	if vm.closed {
		return
	}
	vm.heap.collectFull()
}

// Stats returns collector counters.
func (vm *VM) Stats() GCStats {
	return vm.heap.stats
}

// MemoryUsed returns bytes currently charged against the allocator.
func (vm *VM) MemoryUsed() int64 { return vm.heap.alloc.Used() }

// MemoryCeiling returns the configured byte ceiling.
func (vm *VM) MemoryCeiling() int64 { return vm.heap.alloc.Ceiling() }

// Close invalidates all handles, runs the finalizers of every live
// userdata deterministically, and returns the heap's bytes to the
// allocator. Close is idempotent; every operation after it fails with
// ErrStaleHandle.
func (vm *VM) Close() error {
	if vm.closed {
		return nil
	}
	vm.gen++
	vm.frames = nil
	vm.stack = nil
	vm.openUpvals = nil
	vm.globals = nil
	vm.pinned = make(map[*Object]int)
	vm.protoMeta = make(map[*bytecode.Proto]*protoMeta)

	// With every root dropped the full cycle reclaims the entire heap,
	// running remaining finalizers in reverse allocation order.
	vm.heap.collectFull()
	vm.closed = true
	vmLog.Debugf("instance closed: %d objects swept over lifetime", vm.heap.stats.ObjectsSwept)
	return nil
}
