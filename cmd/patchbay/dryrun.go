package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pboyd/patchbay"
	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// dryRun stands in for the memory of one module of the target process so
// patches can be resolved and encoded without touching the process.
type dryRun struct {
	mu    lock.Mutex
	mod   procmap.ModuleInfo
	space *mem.Simulated
}

func newDryRun(mod procmap.ModuleInfo) *dryRun {
	return &dryRun{mod: mod}
}

func (d *dryRun) spaceFor(pid procmap.PID) (mem.Space, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a := arch.Native()
	if a == nil {
		return nil, fmt.Errorf("dry run: %w", status.ErrNotImplemented)
	}
	if d.space == nil {
		d.space = mem.NewSimulated(pid, d.mod.Base, int(d.mod.End-d.mod.Base), a)
	}
	if d.space.PID() != pid {
		return nil, fmt.Errorf("dry run covers pid %d, not %d: %w", d.space.PID(), pid, status.ErrNotFound)
	}
	return d.space, nil
}

// report prints what h wrote into the simulated module.
func (d *dryRun) report(w io.Writer, fw *patchbay.Framework, h patch.Handle) error {
	info, err := fw.Lookup(h)
	if err != nil {
		return err
	}

	a := d.space.Arch()
	addr := info.Addr
	if info.Kind == patch.KindHook {
		addr = a.CodeAddr(addr)
	}
	buf := make([]byte, info.Size)
	if err := d.space.Read(addr, buf); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s 0x%x (%s+0x%x): %s\n", info.Kind, addr, d.mod.Name, addr-d.mod.Base, hex.EncodeToString(buf))
	if info.Kind == patch.KindHook {
		fmt.Fprintln(w, a.Disassemble(buf, addr))
	}
	return nil
}

// targetModule finds the module a patch location refers to: the one
// containing addr when it is set, the named one otherwise.
func targetModule(reg procmap.Registry, pid procmap.PID, module string, addr uint64) (procmap.ModuleInfo, error) {
	if addr == 0 {
		return reg.Module(pid, module)
	}

	mods, err := reg.Modules(pid)
	if err != nil {
		return procmap.ModuleInfo{}, err
	}
	for _, m := range mods {
		if uintptr(addr) >= m.Base && uintptr(addr) < m.End {
			return m, nil
		}
	}
	return procmap.ModuleInfo{}, fmt.Errorf("no module at 0x%x: %w", addr, status.ErrNotFound)
}
