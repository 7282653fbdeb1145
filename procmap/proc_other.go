//go:build !linux

package procmap

import (
	"fmt"

	"github.com/pboyd/patchbay/status"
)

// Proc reads process maps from procfs, which only Linux provides.
type Proc struct{}

func New(opts Options) (*Proc, error) {
	return nil, fmt.Errorf("process registry: %w", status.ErrNotImplemented)
}

func (r *Proc) Close() error { return nil }

func (r *Proc) Modules(pid PID) ([]ModuleInfo, error) {
	return nil, status.ErrNotImplemented
}

func (r *Proc) Module(pid PID, name string) (ModuleInfo, error) {
	return ModuleInfo{}, status.ErrNotImplemented
}

func (r *Proc) ModuleByID(pid PID, id ModuleID) (ModuleInfo, error) {
	return ModuleInfo{}, status.ErrNotImplemented
}

func (r *Proc) IsRestricted(pid PID, addr uintptr, size int) bool { return false }
