// Package proc contains the target-independent half of the debugger:
// breakpoint bookkeeping, memory helpers, instruction decoding and the
// instruction window cache.
//
// The Process interface is implemented by the native package, which
// drives the inferior through ptrace.
package proc
