// Package vm implements the zr virtual machine execution engine.
//
// This package contains:
//   - Tagged value representation and heap objects
//   - Struct and class prototypes with meta tables
//   - Packed 64-bit instructions and the function builder
//   - Register-based dispatch loop with a non-recursive call trampoline
//   - Closures, upvalues and to-be-closed slots
//   - Try/throw/catch and typed runtime errors
package vm
