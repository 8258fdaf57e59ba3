package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Failure taxonomy
// ---------------------------------------------------------------------------

// Sentinel errors for the host-visible failure taxonomy. Every failure
// returned across the embedding boundary unwraps to exactly one of
// these, so hosts can classify with errors.Is.
var (
	// ErrMalformedBytecode: an artifact failed load-time validation.
	// Fatal to that load only.
	ErrMalformedBytecode = errors.New("malformed bytecode")

	// ErrTypeError: an operation was applied to operands of the wrong
	// type (calling a non-callable, indexing a number, ...).
	ErrTypeError = errors.New("type error")

	// ErrResourceExhausted: a sandbox budget was hit. Recoverable; the
	// instance remains usable for subsequent calls.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrRuntime: a script raised an error value that no protected call
	// caught.
	ErrRuntime = errors.New("runtime error")

	// ErrStaleHandle: the host used a handle invalidated by a newer
	// generation of the instance.
	ErrStaleHandle = errors.New("stale handle")

	// ErrInternal: the collector or engine detected a broken invariant.
	// Fatal; the instance must be closed and never silently continued.
	ErrInternal = errors.New("internal invariant violation")
)

// ResourceKind identifies which budget a ResourceError exhausted.
type ResourceKind uint8

const (
	ResourceMemory ResourceKind = iota
	ResourceSteps
	ResourceStackDepth
)

// String returns a human-readable name for ResourceKind.
func (k ResourceKind) String() string {
	switch k {
	case ResourceMemory:
		return "memory"
	case ResourceSteps:
		return "steps"
	case ResourceStackDepth:
		return "stack depth"
	default:
		return fmt.Sprintf("ResourceKind(%d)", uint8(k))
	}
}

// ResourceError reports which budget was exhausted. It unwraps to
// ErrResourceExhausted.
type ResourceError struct {
	Kind ResourceKind
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource exhausted: %s budget", e.Kind)
}

func (e *ResourceError) Unwrap() error { return ErrResourceExhausted }

// RuntimeError carries a script-raised error value to the host. The
// value belongs to the raising instance's heap; Message is a detached
// rendering that stays valid after the instance is closed.
type RuntimeError struct {
	Value   Value
	Message string
}

func (e *RuntimeError) Error() string {
	return "runtime error: " + e.Message
}

func (e *RuntimeError) Unwrap() error { return ErrRuntime }

// typeErrorf builds an ErrTypeError with a formatted diagnostic.
func typeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeError, fmt.Sprintf(format, args...))
}

// internalErrorf builds an ErrInternal. Callers must mark the instance
// broken before returning it.
func internalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
