//go:build !(linux && amd64)

package patchbay

// Only Linux on amd64 can ask for a mapping in the low 2GB. Elsewhere the
// kernel picks the address and far calls are rewritten instead.
const map_32bit = 0
