// Package procmap tracks the processes patchbay can patch: which modules
// they have loaded and which ranges of their address space must not be
// patched.
package procmap

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pboyd/patchbay/status"
)

// PID identifies a target address space.
type PID int32

// KernelPID addresses the privileged process, the one running patchbay.
const KernelPID PID = 0

// ModuleID identifies a module within one process. IDs are assigned by the
// registry and stay stable for as long as the module stays mapped.
type ModuleID int32

// Range is a half-open address range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Overlaps reports whether r and [addr, addr+size) share a byte.
func (r Range) Overlaps(addr uintptr, size int) bool {
	return addr < r.End && addr+uintptr(size) > r.Start
}

// Options configures a Proc registry.
type Options struct {
	// MountPoint of procfs. Defaults to /proc.
	MountPoint string

	// Restricted lists extra ranges of the privileged process that must
	// not be patched.
	Restricted []Range
}

// Mapping is one contiguous mapping of a module.
type Mapping struct {
	Range
	Offset int64
	Read   bool
	Write  bool
	Exec   bool
}

// ModuleInfo describes a module loaded into a process.
type ModuleInfo struct {
	ID       ModuleID
	Name     string
	Path     string
	Base     uintptr
	End      uintptr
	Mappings []Mapping
}

// Contains reports whether addr falls inside one of the module's mappings.
func (m ModuleInfo) Contains(addr uintptr) bool {
	for _, mp := range m.Mappings {
		if addr >= mp.Start && addr < mp.End {
			return true
		}
	}
	return false
}

func (m ModuleInfo) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x] id=%d", m.Name, m.Base, m.End, m.ID)
}

// Registry is the process registry consumed by the patch store and the
// address resolver.
type Registry interface {
	// Modules lists the modules loaded into pid, ordered by base address.
	Modules(pid PID) ([]ModuleInfo, error)

	// Module finds a module by base name or full path. An empty name
	// selects the main executable.
	Module(pid PID, name string) (ModuleInfo, error)

	// ModuleByID finds a module by the ID the registry assigned to it.
	ModuleByID(pid PID, id ModuleID) (ModuleInfo, error)

	// IsRestricted reports whether [addr, addr+size) touches a region of
	// pid that must not be patched.
	IsRestricted(pid PID, addr uintptr, size int) bool
}

// matchModule finds name among mods. An empty name matches exe.
func matchModule(mods []ModuleInfo, name, exe string) (ModuleInfo, error) {
	if name == "" {
		name = exe
	}
	for _, m := range mods {
		if m.Path == name || m.Name == name {
			return m, nil
		}
	}
	return ModuleInfo{}, fmt.Errorf("module %q: %w", name, status.ErrNotFound)
}

func sortModules(mods []ModuleInfo) {
	sort.Slice(mods, func(i, j int) bool {
		return mods[i].Base < mods[j].Base
	})
}

// moduleName is the name a module is known by.
func moduleName(path string) string {
	return filepath.Base(strings.TrimSuffix(path, " (deleted)"))
}
