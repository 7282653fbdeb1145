package patchbay

import "syscall"

// Trampolines are mapped into the low 2GB so relocated CALLs keep reaching
// the text segment of a non-PIE binary with a 32-bit displacement.
const map_32bit = syscall.MAP_32BIT
