package patchbay

import (
	"fmt"
	"plugin"

	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/config"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// PluginLoader loads one plugin into a process.
type PluginLoader interface {
	LoadPlugin(pid procmap.PID, path string, flags int) error
}

// PluginLoaderFunc adapts a function to PluginLoader.
type PluginLoaderFunc func(pid procmap.PID, path string, flags int) error

func (f PluginLoaderFunc) LoadPlugin(pid procmap.PID, path string, flags int) error {
	return f(pid, path, flags)
}

// PluginStartSymbol is the function a Go plugin may export to run once it
// is loaded. It must have the type func(flags int) error.
const PluginStartSymbol = "PatchbayStart"

// GoPluginLoader opens Go plugins into the running process. Go plugins
// cannot be unloaded, and other processes are not supported.
type GoPluginLoader struct{}

func (GoPluginLoader) LoadPlugin(pid procmap.PID, path string, flags int) error {
	if pid != procmap.KernelPID {
		return fmt.Errorf("load %s into pid %d: %w", path, pid, status.ErrNotImplemented)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("load %s: %v: %w", path, err, status.ErrNotFound)
	}

	sym, err := p.Lookup(PluginStartSymbol)
	if err != nil {
		// Plugins without a start function only run their init functions.
		return nil
	}
	start, ok := sym.(func(int) error)
	if !ok {
		return fmt.Errorf("%s in %s has type %T: %w", PluginStartSymbol, path, sym, status.ErrInvalidModule)
	}
	return start(flags)
}

// LoadPluginsForTitle loads every plugin configured for title into pid.
// A plugin that fails to load is logged and skipped. Without a plugin
// configuration status.ErrSystem is returned.
func (fw *Framework) LoadPluginsForTitle(pid procmap.PID, title string, flags int) error {
	if fw.plugins == nil {
		log.Warn("Plugin configuration not loaded")
		return fmt.Errorf("no plugin configuration: %w", status.ErrSystem)
	}
	if fw.Stopped() {
		return status.ErrSystem
	}

	loaded := 0
	err := fw.plugins.ForEachPlugin(title, func(path string) error {
		logger := fw.logger(pid).WithFields(logrus.Fields{
			logfields.Title: title,
			logfields.Path:  path,
		})
		if err := fw.loader.LoadPlugin(pid, path, flags); err != nil {
			logger.WithError(err).Warn("Unable to load plugin")
			return nil
		}
		loaded++
		logger.Info("Loaded plugin")
		return nil
	})
	if err != nil {
		return err
	}

	fw.logger(pid).WithFields(logrus.Fields{
		logfields.Title: title,
		"loaded":        loaded,
	}).Debug("Loaded plugins for title")
	return nil
}

// LoadKernelPlugins loads the plugins of the KERNEL section into the
// running process.
func (fw *Framework) LoadKernelPlugins(flags int) error {
	return fw.LoadPluginsForTitle(procmap.KernelPID, config.SectionKernel, flags)
}
