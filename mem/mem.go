// Package mem reads and writes the memory of a target address space,
// bypassing the page protection that would normally make code and
// read-only data unwritable.
package mem

import (
	"errors"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/procmap"
)

// ErrNotMapped is returned when part of a range is not mapped in the target.
var ErrNotMapped = errors.New("address not mapped")

// Space is one target address space.
//
// Write must either apply all of data or leave the target unchanged as far
// as it can tell, and it must restore the page protection it found before
// returning.
type Space interface {
	PID() procmap.PID
	Arch() arch.Arch
	Read(addr uintptr, buf []byte) error
	Write(addr uintptr, data []byte) error
}
