package patchbay

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// HookFunctionAbs hooks the function at addr in pid with the function at
// hook. On ARM, bit 0 of addr selects Thumb mode.
func (fw *Framework) HookFunctionAbs(pid procmap.PID, addr, hook uintptr) (patch.Handle, *patch.Ref, error) {
	h, ref, err := fw.store.Hook(pid, addr, hook)
	if err != nil {
		return 0, nil, err
	}
	fw.logger(pid).WithFields(logrus.Fields{
		logfields.Address: fmt.Sprintf("0x%x", addr),
		logfields.Handle:  h,
	}).Debug("Hooked function")
	return h, ref, nil
}

// HookFunctionExport hooks symbol as exported by module. library, when
// set, is the symbol version the export must carry.
func (fw *Framework) HookFunctionExport(pid procmap.PID, module, library, symbol string, hook uintptr) (patch.Handle, *patch.Ref, error) {
	addr, err := fw.resolver.Export(pid, module, library, symbol)
	if err != nil {
		fw.logger(pid).WithError(err).WithFields(logrus.Fields{
			logfields.Module: module,
			logfields.Symbol: symbol,
		}).Debug("Unable to resolve export")
		return 0, nil, err
	}
	return fw.HookFunctionAbs(pid, addr, hook)
}

// HookFunctionImport hooks the stub through which module calls symbol.
// Only calls made by module are affected. library, when set, is the
// library the symbol must be imported from.
func (fw *Framework) HookFunctionImport(pid procmap.PID, module, library, symbol string, hook uintptr) (patch.Handle, *patch.Ref, error) {
	addr, err := fw.resolver.Import(pid, module, library, symbol)
	if err != nil {
		fw.logger(pid).WithError(err).WithFields(logrus.Fields{
			logfields.Module:  module,
			logfields.Library: library,
			logfields.Symbol:  symbol,
		}).Debug("Unable to find import stub")
		return 0, nil, err
	}
	return fw.HookFunctionAbs(pid, addr, hook)
}

// HookFunctionOffset hooks the code offset bytes into a segment of a
// module. thumb selects Thumb mode on ARM.
func (fw *Framework) HookFunctionOffset(pid procmap.PID, module procmap.ModuleID, segment int, offset uintptr, thumb bool, hook uintptr) (patch.Handle, *patch.Ref, error) {
	addr, err := fw.resolver.Offset(pid, module, segment, offset)
	if err != nil {
		fw.logOffsetFailure(pid, module, segment, offset, err)
		return 0, nil, err
	}
	if thumb {
		addr |= 1
	}
	return fw.HookFunctionAbs(pid, addr, hook)
}

// ReleaseHook removes a hook. Handles of injections are rejected.
func (fw *Framework) ReleaseHook(h patch.Handle) error {
	return fw.store.ReleaseKind(h, patch.KindHook)
}

// InjectAbs overwrites memory at addr in pid with data.
func (fw *Framework) InjectAbs(pid procmap.PID, addr uintptr, data []byte) (patch.Handle, error) {
	h, err := fw.store.Inject(pid, addr, data)
	if err != nil {
		return 0, err
	}
	fw.logger(pid).WithFields(logrus.Fields{
		logfields.Address: fmt.Sprintf("0x%x", addr),
		logfields.Size:    len(data),
		logfields.Handle:  h,
	}).Debug("Injected data")
	return h, nil
}

// InjectData overwrites memory offset bytes into a segment of a module.
func (fw *Framework) InjectData(pid procmap.PID, module procmap.ModuleID, segment int, offset uintptr, data []byte) (patch.Handle, error) {
	addr, err := fw.resolver.Offset(pid, module, segment, offset)
	if err != nil {
		fw.logOffsetFailure(pid, module, segment, offset, err)
		return 0, err
	}
	return fw.InjectAbs(pid, addr, data)
}

// InjectExport overwrites memory offset bytes past symbol as exported by
// module.
func (fw *Framework) InjectExport(pid procmap.PID, module, library, symbol string, offset uintptr, data []byte) (patch.Handle, error) {
	addr, err := fw.resolver.Export(pid, module, library, symbol)
	if err != nil {
		fw.logger(pid).WithError(err).WithFields(logrus.Fields{
			logfields.Module: module,
			logfields.Symbol: symbol,
		}).Debug("Unable to resolve export")
		return 0, err
	}
	return fw.InjectAbs(pid, addr+offset, data)
}

// ReleaseInjection reverts an injection. Handles of hooks are rejected.
func (fw *Framework) ReleaseInjection(h patch.Handle) error {
	return fw.store.ReleaseKind(h, patch.KindInjection)
}

// Lookup describes the patch h refers to.
func (fw *Framework) Lookup(h patch.Handle) (patch.Info, error) {
	return fw.store.Lookup(h)
}

// GetModuleInfo returns the module of pid with the given name. An empty
// name selects the executable.
func (fw *Framework) GetModuleInfo(pid procmap.PID, name string) (procmap.ModuleInfo, error) {
	if fw.Stopped() {
		return procmap.ModuleInfo{}, status.ErrSystem
	}
	return fw.registry.Module(pid, name)
}

// Modules lists the modules loaded into pid.
func (fw *Framework) Modules(pid procmap.PID) ([]procmap.ModuleInfo, error) {
	if fw.Stopped() {
		return nil, status.ErrSystem
	}
	return fw.registry.Modules(pid)
}

func (fw *Framework) logOffsetFailure(pid procmap.PID, module procmap.ModuleID, segment int, offset uintptr, err error) {
	fw.logger(pid).WithError(err).WithFields(logrus.Fields{
		logfields.ModuleID: module,
		logfields.Segment:  segment,
		logfields.Offset:   fmt.Sprintf("0x%x", offset),
	}).Debug("Unable to resolve offset")
}
