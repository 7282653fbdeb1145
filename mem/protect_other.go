//go:build unix && !linux

package mem

import (
	"fmt"
	"runtime"

	"github.com/pboyd/patchbay/status"
)

// protections needs /proc/self/maps. Elsewhere the current protection of a
// page is unknown, and neither restoring it nor telling a mapped page from
// an unmapped one is possible.
func protections(addr uintptr, size int) ([]region, error) {
	return nil, fmt.Errorf("page protection on %s: %w", runtime.GOOS, status.ErrNotImplemented)
}
