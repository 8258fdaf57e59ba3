// Package bytecode defines the artifact format consumed by the Loon VM:
// function prototypes with fixed-width register instructions, constant
// pools, upvalue descriptors and nested-prototype references.
//
// The format is designed for:
//   - Fast decoding (32-bit instruction words, no variable-length operands)
//   - Deterministic serialization (canonical CBOR under a "LOON" header,
//     so artifacts can be content-addressed and cached)
//   - Validation before execution
//
// Artifacts are untrusted input. Verify performs a full structural pass
// at load time (opcode validity, register and constant ranges, jump
// bounds, upvalue resolvability, arity consistency) so the interpreter
// can dispatch without per-instruction bounds checks. Nothing in this
// package executes code; the vm package drives execution.
//
// # Instruction encoding
//
// Each instruction is one 32-bit word: an 8-bit opcode and either three
// 8-bit fields (A, B, C), an 8-bit A plus unsigned 16-bit Bx, or an
// 8-bit A plus signed 16-bit sBx for jump offsets. Registers name slots
// in the calling frame's window; a prototype declares the window size it
// needs in MaxRegs.
//
// # Building artifacts
//
// Builder assembles artifacts programmatically with label-based jump
// patching, for hosts that generate code directly and for tests. An
// external compiler front-end producing the same wire format is the
// expected production source of artifacts.
package bytecode
