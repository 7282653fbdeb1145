//go:build unix

package mem

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pboyd/patchbay/internal/logging"
	"github.com/pboyd/patchbay/internal/logging/logfields"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "mem")

const mprotectRWX = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC

// region is a page aligned range and the protection it had.
type region struct {
	start, end uintptr
	prot       int
}

func (r region) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.start)), r.end-r.start)
}

func pageBounds(addr uintptr, size int) (uintptr, uintptr) {
	pageSize := uintptr(syscall.Getpagesize())

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	start := addr &^ (pageSize - 1)

	// Round up to cover complete pages.
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	return start, end
}

// applyToProtectedMemory makes the pages under [addr, addr+size) writable,
// runs op, and puts the original protection back.
func applyToProtectedMemory(addr uintptr, size int, op func()) error {
	regions, err := protections(addr, size)
	if err != nil {
		return err
	}

	for i, r := range regions {
		err := unix.Mprotect(r.bytes(), mprotectRWX)
		if err != nil {
			restoreProtection(regions[:i])
			return fmt.Errorf("mprotect 0x%x-0x%x: %w", r.start, r.end, err)
		}
	}
	defer restoreProtection(regions)

	op()
	return nil
}

func restoreProtection(regions []region) {
	for _, r := range regions {
		err := unix.Mprotect(r.bytes(), r.prot)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				logfields.Address: fmt.Sprintf("0x%x", r.start),
				logfields.Size:    r.end - r.start,
			}).Error("Unable to restore page protection")
		}
	}
}

func checkReadable(addr uintptr, size int) error {
	regions, err := protections(addr, size)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if r.prot&syscall.PROT_READ == 0 {
			return fmt.Errorf("0x%x is not readable: %w", r.start, ErrNotMapped)
		}
	}
	return nil
}
