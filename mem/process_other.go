//go:build !linux

package mem

import (
	"fmt"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// Options configures access to another process.
type Options struct {
	Freeze     bool
	Arch       arch.Arch
	MountPoint string
}

// OpenProcess is only implemented on Linux.
func OpenProcess(pid procmap.PID, opts Options) (Space, error) {
	return nil, fmt.Errorf("open process %d: %w", pid, status.ErrNotImplemented)
}
