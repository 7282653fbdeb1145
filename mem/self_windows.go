//go:build windows

package mem

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const mprotectRWX = windows.PAGE_EXECUTE_READWRITE

func applyToProtectedMemory(addr uintptr, size int, op func()) error {
	pageSize := syscall.Getpagesize()

	// Round address down to page boundary.
	pageStart := addr &^ (uintptr(pageSize) - 1)

	// Round up to cover complete pages.
	regionSize := (int(addr-pageStart) + size + pageSize - 1) &^ (pageSize - 1)

	var oldFlags uint32
	err := windows.VirtualProtect(pageStart, uintptr(regionSize), mprotectRWX, &oldFlags)
	if err != nil {
		return fmt.Errorf("VirtualProtect 0x%x: %w", pageStart, err)
	}
	defer windows.VirtualProtect(pageStart, uintptr(regionSize), oldFlags, &oldFlags)

	op()
	return nil
}

func checkReadable(addr uintptr, size int) error {
	var info windows.MemoryBasicInformation
	err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info))
	if err != nil {
		return fmt.Errorf("VirtualQuery 0x%x: %w", addr, err)
	}
	if info.State != windows.MEM_COMMIT || info.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
		return fmt.Errorf("0x%x: %w", addr, ErrNotMapped)
	}
	return nil
}
