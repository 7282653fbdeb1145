// Package arch encodes and decodes the redirect instruction sequences used
// to hook code on each supported instruction set.
//
// A redirect written at a given address always has the same footprint, so
// a hook site can be re-pointed any number of times without touching more
// bytes than were captured when it was first patched. The destination is
// an inline literal that sits in one aligned word: re-pointing a site only
// rewrites that word.
package arch

import (
	"errors"
	"runtime"
)

var (
	// ErrMisaligned is returned when an address is not suitably aligned for
	// the instruction mode it is patched in.
	ErrMisaligned = errors.New("address misaligned for instruction mode")

	// ErrOutOfRange is returned when a destination cannot be encoded.
	ErrOutOfRange = errors.New("destination out of range")
)

// Arch describes how to redirect control flow on one instruction set.
type Arch interface {
	// Name is the GOARCH style name of the instruction set.
	Name() string

	// RedirectSize is the footprint in bytes of a redirect written at at.
	RedirectSize(at uintptr) int

	// CodeAddr strips mode bits (the ARM Thumb bit) from a code address.
	CodeAddr(addr uintptr) uintptr

	// Redirect returns the bytes that, written at address at, transfer
	// control to dest.
	Redirect(at, dest uintptr) ([]byte, error)

	// RedirectTarget decodes a redirect previously produced by Redirect.
	RedirectTarget(code []byte, at uintptr) (uintptr, bool)

	// Park returns a branch to itself for address at. A thread reaching it
	// spins until the rest of the site has been rewritten.
	Park(at uintptr) []byte

	// Disassemble renders code located at address at, one instruction
	// per line.
	Disassemble(code []byte, at uintptr) string
}

// Native returns the Arch of the running program, or nil when the
// instruction set is not supported.
func Native() Arch {
	return ByName(runtime.GOARCH)
}

// ByName returns the Arch with the given GOARCH name, or nil.
func ByName(name string) Arch {
	switch name {
	case "amd64":
		return AMD64
	case "arm64":
		return ARM64
	case "arm":
		return ARM
	}
	return nil
}
