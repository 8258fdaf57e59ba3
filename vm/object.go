package vm

import (
	"fmt"

	"github.com/naerbnic/loon/bytecode"
)

// ObjectKind identifies the payload carried by a heap object.
type ObjectKind uint8

const (
	KindString ObjectKind = iota
	KindTable
	KindClosure
	KindUpvalue
	KindUserData
	KindHostFunc
)

// String returns a human-readable name for ObjectKind.
func (k ObjectKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindTable:
		return "table"
	case KindClosure:
		return "closure"
	case KindUpvalue:
		return "upvalue"
	case KindUserData:
		return "userdata"
	case KindHostFunc:
		return "hostfunc"
	default:
		return fmt.Sprintf("ObjectKind(%d)", uint8(k))
	}
}

// gcColor is the tri-color mark state of a heap object.
type gcColor uint8

const (
	colorWhite gcColor = iota // not yet reached; collectable at sweep
	colorGray                 // reached, children not yet traced
	colorBlack                // reached, children traced
)

// Object is the header shared by every heap allocation. Exactly one of
// the payload fields matching Kind is set. Objects are linked into the
// heap's allocation list, which both drives sweeping and keeps boxed
// pointers visible to Go's own collector.
type Object struct {
	Kind  ObjectKind
	color gcColor
	next  *Object // heap allocation list
	size  int64   // bytes charged to the allocator

	Str      string
	Table    *Table
	Closure  *Closure
	Upvalue  *Upvalue
	UserData *UserData
	HostFunc *HostFunc
}

// Closure pairs an immutable function prototype with its captured
// upvalue cells. Prototypes belong to the loaded artifact and are not
// heap-managed; only the cells are traced.
type Closure struct {
	Proto  *bytecode.Proto
	Upvals []*Object // KindUpvalue objects
}

// Upvalue is the indirection cell for a captured variable. While the
// defining frame is live the cell is open and aliases the absolute
// stack slot Index; when that frame exits (or the scope is explicitly
// closed) the current value is copied into Closed and the cell detaches
// from the stack. A cell is closed at most once.
type Upvalue struct {
	Open   bool
	Index  int   // absolute value-stack index while open
	Closed Value // owned value once closed
}

// UserData wraps an opaque host payload. The optional finalizer runs
// exactly once, during the sweep that reclaims the object, before its
// bytes are returned to the allocator.
type UserData struct {
	TypeName  string
	Data      any
	Finalizer func(data any)
	finalized bool
}

// HostFunc is a host-registered callback exposed to scripts as a
// callable value.
type HostFunc struct {
	Name string
	Fn   HostFuncImpl
}

// IsCallable reports whether a value can be the target of a call
// instruction: a closure or a host function.
func (v Value) IsCallable() bool {
	if !v.IsObject() {
		return false
	}
	k := v.Object().Kind
	return k == KindClosure || k == KindHostFunc
}

// TypeName returns the script-visible type name of a value, used in
// TypeError messages.
func TypeName(v Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.IsBool():
		return "boolean"
	case v.IsInt(), v.IsFloat():
		return "number"
	case v.IsObject():
		o := v.Object()
		if o.Kind == KindHostFunc {
			return "function"
		}
		if o.Kind == KindClosure {
			return "function"
		}
		return o.Kind.String()
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

// Table is an associative mapping with an optional dense array part for
// small non-negative integer keys. The hash part keeps insertion order
// so iteration is deterministic regardless of collector timing.
type Table struct {
	array   []Value // dense part, keys 0..len(array)-1
	entries []tableEntry
	index   map[Value]int // key -> position in entries
}

type tableEntry struct {
	key  Value
	val  Value
	dead bool
}

// maxArrayIndex bounds how far the dense part will grow to satisfy a
// single out-of-range store; larger keys go to the hash part.
const maxArrayIndex = 1 << 20

// NewTable creates a table with the given capacity hints.
func NewTable(arrayHint, hashHint int) *Table {
	t := &Table{}
	if arrayHint > 0 {
		t.array = make([]Value, 0, arrayHint)
	}
	if hashHint > 0 {
		t.entries = make([]tableEntry, 0, hashHint)
		t.index = make(map[Value]int, hashHint)
	}
	return t
}

// normalizeKey folds integral floats onto integer keys so t[1] and
// t[1.0] address the same slot.
func normalizeKey(key Value) Value {
	if key.IsFloat() {
		f := key.Float64()
		if n := int64(f); float64(n) == f && n <= MaxInt && n >= MinInt {
			return FromInt(n)
		}
	}
	return key
}

// Get returns the value stored under key, or Nil.
func (t *Table) Get(key Value) Value {
	key = normalizeKey(key)
	if key.IsInt() {
		if n := key.Int(); n >= 0 && n < int64(len(t.array)) {
			return t.array[n]
		}
	}
	if t.index == nil {
		return Nil
	}
	if pos, ok := t.index[key]; ok && !t.entries[pos].dead {
		return t.entries[pos].val
	}
	return Nil
}

// Set stores val under key. Storing Nil removes the entry. The caller
// is responsible for the GC write barrier and for rejecting Nil keys.
func (t *Table) Set(key, val Value) {
	key = normalizeKey(key)
	if key.IsInt() {
		n := key.Int()
		if n >= 0 && n < int64(len(t.array)) {
			t.array[n] = val
			return
		}
		// Extend the dense part only for the append case.
		if n == int64(len(t.array)) && n < maxArrayIndex && !val.IsNil() {
			t.array = append(t.array, val)
			t.migrateFromHash()
			return
		}
	}
	if val.IsNil() {
		if t.index != nil {
			if pos, ok := t.index[key]; ok {
				t.entries[pos].dead = true
				t.entries[pos].val = Nil
				delete(t.index, key)
			}
		}
		return
	}
	if t.index == nil {
		t.index = make(map[Value]int)
	}
	if pos, ok := t.index[key]; ok {
		t.entries[pos].val = val
		return
	}
	t.entries = append(t.entries, tableEntry{key: key, val: val})
	t.index[key] = len(t.entries) - 1
}

// migrateFromHash moves hash entries that became contiguous with the
// dense part after an append.
func (t *Table) migrateFromHash() {
	if t.index == nil {
		return
	}
	for {
		key := FromInt(int64(len(t.array)))
		pos, ok := t.index[key]
		if !ok || t.entries[pos].dead {
			return
		}
		t.array = append(t.array, t.entries[pos].val)
		t.entries[pos].dead = true
		t.entries[pos].val = Nil
		delete(t.index, key)
	}
}

// Len returns the length of the dense prefix: the count of consecutive
// non-nil values from index 0.
func (t *Table) Len() int64 {
	for i, v := range t.array {
		if v.IsNil() {
			return int64(i)
		}
	}
	return int64(len(t.array))
}

// Next advances deterministic iteration. cursor 0 starts iteration;
// the returned cursor resumes it. ok is false when exhausted.
// Iteration order is dense part first, then hash entries in insertion
// order; this order is independent of collector activity.
func (t *Table) Next(cursor int64) (key, val Value, next int64, ok bool) {
	for cursor < int64(len(t.array)) {
		if v := t.array[cursor]; !v.IsNil() {
			return FromInt(cursor), v, cursor + 1, true
		}
		cursor++
	}
	for i := cursor - int64(len(t.array)); i < int64(len(t.entries)); i++ {
		e := t.entries[i]
		if !e.dead {
			return e.key, e.val, int64(len(t.array)) + i + 1, true
		}
	}
	return Nil, Nil, 0, false
}
