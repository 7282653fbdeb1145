package procmap

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/internal/logging"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/status"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "procmap")

// Kernel provided mappings shared with every process. Patching them would
// affect more than the target.
var sharedMappings = map[string]bool{
	"[vvar]":        true,
	"[vvar_vclock]": true,
	"[vdso]":        true,
	"[vsyscall]":    true,
}

type moduleKey struct {
	pid  PID
	path string
}

// Proc is a Registry backed by /proc/<pid>/maps.
type Proc struct {
	fs         procfs.FS
	restricted []Range

	mu     lock.Mutex
	ids    map[moduleKey]ModuleID
	nextID ModuleID
	closed bool

	// started is the start time of each process that has module IDs, to
	// notice a pid being reused.
	started map[PID]uint64
}

// New initializes a registry reading from procfs.
func New(opts Options) (*Proc, error) {
	mount := opts.MountPoint
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("procfs %s: %w", mount, err)
	}

	log.WithField(logfields.Path, mount).Debug("Process registry initialized")

	return &Proc{
		fs:         fs,
		restricted: append([]Range(nil), opts.Restricted...),
		ids:        map[moduleKey]ModuleID{},
		nextID:     1,
		started:    map[PID]uint64{},
	}, nil
}

// Close drops every module ID. The registry cannot be used afterwards.
func (r *Proc) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.ids = nil
	r.started = nil
	return nil
}

// forgetLocked drops the module IDs of pid.
func (r *Proc) forgetLocked(pid PID) {
	for k := range r.ids {
		if k.pid == pid {
			delete(r.ids, k)
		}
	}
	delete(r.started, pid)
}

func (r *Proc) proc(pid PID) (procfs.Proc, error) {
	if pid == KernelPID {
		return r.fs.Self()
	}
	return r.fs.Proc(int(pid))
}

func (r *Proc) maps(pid PID) (procfs.Proc, []*procfs.ProcMap, error) {
	p, err := r.proc(pid)
	if err != nil {
		return procfs.Proc{}, nil, fmt.Errorf("process %d: %w", pid, status.ErrNotFound)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return procfs.Proc{}, nil, fmt.Errorf("process %d maps: %v: %w", pid, err, status.ErrNotFound)
	}
	return p, maps, nil
}

// Modules lists every file backed module mapped into pid.
//
// Module IDs of a process that exited are dropped, and a process that
// reuses a pid gets new ones.
func (r *Proc) Modules(pid PID) ([]ModuleInfo, error) {
	p, maps, err := r.maps(pid)
	if err != nil {
		r.mu.Lock()
		r.forgetLocked(pid)
		r.mu.Unlock()
		return nil, err
	}

	var started uint64
	if stat, err := p.Stat(); err == nil {
		started = stat.Starttime
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("process registry closed: %w", status.ErrSystem)
	}
	if prev, ok := r.started[pid]; ok && prev != started {
		log.WithField(logfields.PID, pid).Debug("Process restarted, dropping module IDs")
		r.forgetLocked(pid)
	}
	r.started[pid] = started

	byPath := map[string]int{}
	var mods []ModuleInfo
	for _, m := range maps {
		if !strings.HasPrefix(m.Pathname, "/") {
			continue
		}

		mp := Mapping{
			Range:  Range{Start: m.StartAddr, End: m.EndAddr},
			Offset: m.Offset,
		}
		if m.Perms != nil {
			mp.Read, mp.Write, mp.Exec = m.Perms.Read, m.Perms.Write, m.Perms.Execute
		}

		i, ok := byPath[m.Pathname]
		if !ok {
			i = len(mods)
			byPath[m.Pathname] = i
			mods = append(mods, ModuleInfo{
				ID:   r.idLocked(pid, m.Pathname),
				Name: moduleName(m.Pathname),
				Path: m.Pathname,
				Base: m.StartAddr,
				End:  m.EndAddr,
			})
		}
		mod := &mods[i]
		mod.Mappings = append(mod.Mappings, mp)
		if mp.Start < mod.Base {
			mod.Base = mp.Start
		}
		if mp.End > mod.End {
			mod.End = mp.End
		}
	}

	sortModules(mods)
	return mods, nil
}

func (r *Proc) idLocked(pid PID, path string) ModuleID {
	k := moduleKey{pid: pid, path: path}
	if id, ok := r.ids[k]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	r.ids[k] = id
	return id
}

// Module finds a module by name. An empty name selects the executable.
func (r *Proc) Module(pid PID, name string) (ModuleInfo, error) {
	mods, err := r.Modules(pid)
	if err != nil {
		return ModuleInfo{}, err
	}

	var exe string
	if name == "" {
		p, err := r.proc(pid)
		if err != nil {
			return ModuleInfo{}, fmt.Errorf("process %d: %w", pid, status.ErrNotFound)
		}
		exe, err = p.Executable()
		if err != nil {
			return ModuleInfo{}, fmt.Errorf("process %d executable: %v: %w", pid, err, status.ErrNotFound)
		}
	}
	return matchModule(mods, name, exe)
}

// ModuleByID finds a module by ID.
func (r *Proc) ModuleByID(pid PID, id ModuleID) (ModuleInfo, error) {
	mods, err := r.Modules(pid)
	if err != nil {
		return ModuleInfo{}, err
	}
	for _, m := range mods {
		if m.ID == id {
			return m, nil
		}
	}
	return ModuleInfo{}, fmt.Errorf("module id %d in process %d: %w", id, pid, status.ErrInvalidModule)
}

// IsRestricted reports whether the range touches a kernel shared mapping
// or, for the privileged process, a configured restricted range.
func (r *Proc) IsRestricted(pid PID, addr uintptr, size int) bool {
	if pid == KernelPID {
		for _, rg := range r.restricted {
			if rg.Overlaps(addr, size) {
				return true
			}
		}
	}

	_, maps, err := r.maps(pid)
	if err != nil {
		// Unknown processes fail later when their memory is opened.
		log.WithError(err).WithFields(logrus.Fields{
			logfields.PID:     pid,
			logfields.Address: fmt.Sprintf("0x%x", addr),
		}).Debug("Unable to read maps for restriction check")
		return false
	}
	for _, m := range maps {
		if !sharedMappings[m.Pathname] {
			continue
		}
		if (Range{Start: m.StartAddr, End: m.EndAddr}).Overlaps(addr, size) {
			return true
		}
	}
	return false
}
