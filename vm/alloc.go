package vm

import "sync"

// ---------------------------------------------------------------------------
// Allocator: tracked memory source with a byte ceiling
// ---------------------------------------------------------------------------

// Allocator is the pluggable memory source an instance charges its heap
// against. Reserve is called before any object is created; a request
// that would exceed the ceiling is rejected up front and no partial
// allocation is attempted. Release returns bytes when the collector
// frees an object.
//
// An Allocator shared by multiple instances must synchronize itself;
// the core never locks around allocator calls (see SharedAllocator).
type Allocator interface {
	// Reserve charges n bytes, failing with an error unwrapping to
	// ErrResourceExhausted (memory) if the ceiling would be crossed.
	Reserve(n int64) error

	// Release returns n previously reserved bytes.
	Release(n int64)

	// Used returns the currently reserved byte count.
	Used() int64

	// Ceiling returns the configured byte ceiling.
	Ceiling() int64
}

// TrackingAllocator is the default accounting allocator: a cumulative
// byte counter against a fixed ceiling. It is not safe for concurrent
// use; each instance owns its own, matching the one-instance-one-thread
// execution model.
type TrackingAllocator struct {
	used    int64
	ceiling int64
}

// NewTrackingAllocator creates an allocator with the given byte ceiling.
func NewTrackingAllocator(ceiling int64) *TrackingAllocator {
	return &TrackingAllocator{ceiling: ceiling}
}

// Reserve charges n bytes against the ceiling.
func (a *TrackingAllocator) Reserve(n int64) error {
	if a.used+n > a.ceiling {
		return &ResourceError{Kind: ResourceMemory}
	}
	a.used += n
	return nil
}

// Release returns n bytes.
func (a *TrackingAllocator) Release(n int64) {
	a.used -= n
	if a.used < 0 {
		// Accounting underflow would mean the heap released an object
		// twice; clamp so the counter stays meaningful for diagnostics.
		a.used = 0
	}
}

// Used returns the reserved byte count.
func (a *TrackingAllocator) Used() int64 { return a.used }

// Ceiling returns the byte ceiling.
func (a *TrackingAllocator) Ceiling() int64 { return a.ceiling }

// SharedAllocator meters several instances against one ceiling. It
// synchronizes internally, as required of any collaborator shared
// across instances.
type SharedAllocator struct {
	mu    sync.Mutex
	inner TrackingAllocator
}

// NewSharedAllocator creates a thread-safe allocator with the given
// ceiling, suitable for passing to multiple instances on separate
// goroutines.
func NewSharedAllocator(ceiling int64) *SharedAllocator {
	return &SharedAllocator{inner: TrackingAllocator{ceiling: ceiling}}
}

// Reserve charges n bytes against the shared ceiling.
func (a *SharedAllocator) Reserve(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.Reserve(n)
}

// Release returns n bytes.
func (a *SharedAllocator) Release(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inner.Release(n)
}

// Used returns the reserved byte count.
func (a *SharedAllocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.used
}

// Ceiling returns the byte ceiling.
func (a *SharedAllocator) Ceiling() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.ceiling
}
