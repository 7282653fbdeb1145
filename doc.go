// Package patchbay hooks functions and injects data into running
// processes, including the process patchbay runs in, and keeps track of
// every change so it can be undone exactly.
//
// A Framework is created with Start and torn down with Stop. Hooks on the
// same function stack up: the most recent one runs first and can continue
// to the previous one, and the first one can continue to the original
// function. Hooks can be released in any order.
//
// The running process is addressed as procmap.KernelPID. Other processes
// are addressed by PID and patched through /proc/<pid>/mem, which requires
// ptrace access to them.
//
// Limitations:
//   - Remote processes are only supported on Linux
//   - Calling the original of a Go function needs amd64 or arm64
//   - Relies on internal Go APIs that can break at any time
//   - Hooks on inlined functions only affect the calls that were not inlined
package patchbay
