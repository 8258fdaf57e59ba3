// Package vm implements the Loon execution engine: a register-machine
// interpreter over NaN-boxed values with an incremental tracing
// collector and hard resource budgets.
//
// Each VM is one isolated instance. Hosts load validated bytecode
// artifacts (package bytecode), obtain generation-tagged function
// handles, and invoke them with Call. All memory a script touches is
// charged against an Allocator ceiling, every dispatched instruction
// against an optional step budget, and every activation against a call
// depth limit, so untrusted code cannot run away with host resources.
//
// An instance is confined to one goroutine at a time. Run several
// instances on separate goroutines to execute scripts concurrently;
// they may share a SharedAllocator to meter a common memory ceiling.
package vm
