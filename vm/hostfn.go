package vm

import "fmt"

// ---------------------------------------------------------------------------
// Host callbacks
// ---------------------------------------------------------------------------

// HostFuncImpl is the signature of a host-registered function callable
// from scripts. args are the call arguments; they remain valid for the
// duration of the call. Returned values are copied into the caller's
// registers before the engine resumes.
//
// A returned error that unwraps to one of the failure sentinels keeps
// its classification; any other error is wrapped as a runtime error,
// which protected calls in the script can catch.
type HostFuncImpl func(ctx *CallContext, args []Value) ([]Value, error)

// CallContext is passed to host functions for the duration of one call.
// It must not be retained after the function returns.
type CallContext struct {
	vm *VM
}

// VM returns the instance the call is executing on, for reentrant calls
// and value construction.
func (c *CallContext) VM() *VM { return c.vm }

// Arg returns argument i, or Nil when fewer arguments were passed.
func (c *CallContext) Arg(args []Value, i int) Value {
	if i < 0 || i >= len(args) {
		return Nil
	}
	return args[i]
}

// StringArg returns argument i as a Go string, or a type error naming
// the host function's expectation.
func (c *CallContext) StringArg(args []Value, i int) (string, error) {
	v := c.Arg(args, i)
	if !v.IsObject() || v.Object().Kind != KindString {
		return "", typeErrorf("argument %d: expected string, got %s", i, TypeName(v))
	}
	return v.Object().Str, nil
}

// IntArg returns argument i as an int64, accepting integral floats.
func (c *CallContext) IntArg(args []Value, i int) (int64, error) {
	v := c.Arg(args, i)
	switch {
	case v.IsInt():
		return v.Int(), nil
	case v.IsFloat():
		f := v.Float64()
		if n := int64(f); float64(n) == f {
			return n, nil
		}
		return 0, typeErrorf("argument %d: expected integer, got %v", i, f)
	default:
		return 0, typeErrorf("argument %d: expected integer, got %s", i, TypeName(v))
	}
}

// Errorf builds a script-catchable runtime error from a host function.
func (c *CallContext) Errorf(format string, args ...any) error {
	return &RuntimeError{Message: fmt.Sprintf(format, args...), Value: Nil}
}
