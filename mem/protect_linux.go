package mem

import (
	"fmt"
	"syscall"

	"github.com/prometheus/procfs"
)

// protections reads /proc/self/maps and returns the page protection of
// every page under [addr, addr+size).
func protections(addr uintptr, size int) ([]region, error) {
	self, err := procfs.Self()
	if err != nil {
		return nil, err
	}
	maps, err := self.ProcMaps()
	if err != nil {
		return nil, err
	}

	start, end := pageBounds(addr, size)
	cur := start

	var regions []region
	for _, m := range maps {
		if m.EndAddr <= cur {
			continue
		}
		if m.StartAddr > cur {
			break
		}
		r := region{start: cur, end: min(m.EndAddr, end), prot: protOf(m.Perms)}
		regions = append(regions, r)
		cur = r.end
		if cur >= end {
			break
		}
	}
	if cur < end {
		return nil, fmt.Errorf("0x%x: %w", cur, ErrNotMapped)
	}
	return regions, nil
}

func protOf(perms *procfs.ProcMapPermissions) int {
	prot := syscall.PROT_NONE
	if perms == nil {
		return prot
	}
	if perms.Read {
		prot |= syscall.PROT_READ
	}
	if perms.Write {
		prot |= syscall.PROT_WRITE
	}
	if perms.Execute {
		prot |= syscall.PROT_EXEC
	}
	return prot
}
