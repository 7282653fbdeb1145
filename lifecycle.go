package patchbay

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/config"
	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/internal/logging"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/resolve"
	"github.com/pboyd/patchbay/status"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "patchbay")

// Options configures Start. The zero value patches real processes found
// through /proc.
type Options struct {
	// Registry defaults to a procmap.Proc, which Stop closes.
	Registry procmap.Registry

	// Resolver defaults to an ELF resolver over Registry.
	Resolver resolve.Resolver

	// Spaces defaults to the running process for procmap.KernelPID and
	// /proc/<pid>/mem for everything else.
	Spaces patch.SpaceFunc

	// Trampolines defaults to relocating Go functions of the running
	// process where the architecture allows it.
	Trampolines patch.Trampoliner

	// Plugins is the plugin configuration. Without one, loading plugins
	// fails with status.ErrSystem.
	Plugins *config.Plugins

	// Loader defaults to GoPluginLoader.
	Loader PluginLoader

	// Injections are installed into the running process by Start and
	// removed by Stop.
	Injections []config.Injection

	// LoadKernelPlugins loads the KERNEL plugins once Start is done.
	LoadKernelPlugins bool

	// Restricted ranges of the running process, used by the default
	// registry.
	Restricted []procmap.Range

	ProcMount string

	// NoFreeze writes into other processes while their threads keep
	// running. By default every thread is stopped with ptrace for the
	// duration of a write, which needs ptrace permission over the target.
	NoFreeze bool

	Registerer prometheus.Registerer
}

// OptionsFromConfig translates daemon configuration into Options, loading
// the plugin configuration it names.
func OptionsFromConfig(c config.Options) (Options, error) {
	ranges, err := c.RestrictedRanges()
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		Injections:        c.Injections,
		LoadKernelPlugins: c.LoadKernelPlugins,
		Restricted:        ranges,
		ProcMount:         c.ProcMount,
		NoFreeze:          !c.Freeze,
	}
	if c.PluginConfig != "" {
		opts.Plugins, err = config.LoadPlugins(c.PluginConfig)
		if err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// Framework is a running patchbay instance.
type Framework struct {
	registry      procmap.Registry
	closeRegistry func() error
	resolver      resolve.Resolver
	store         *patch.Store
	plugins       *config.Plugins
	loader        PluginLoader
	procMount     string
	freeze        bool

	mu       lock.Mutex
	baseline []patch.Handle
	stopped  bool
}

// Start brings up the process registry and the patch store, then installs
// the baseline injections. If any step fails everything done so far is
// undone and the error is returned.
func Start(opts Options) (*Framework, error) {
	fw := &Framework{
		registry:  opts.Registry,
		resolver:  opts.Resolver,
		plugins:   opts.Plugins,
		loader:    opts.Loader,
		procMount: opts.ProcMount,
		freeze:    !opts.NoFreeze,
	}

	if fw.registry == nil {
		reg, err := procmap.New(procmap.Options{
			MountPoint: opts.ProcMount,
			Restricted: opts.Restricted,
		})
		if err != nil {
			return nil, fmt.Errorf("process registry: %w", err)
		}
		fw.registry = reg
		fw.closeRegistry = reg.Close
	}
	if fw.resolver == nil {
		fw.resolver = resolve.NewELF(fw.registry, nil)
	}
	if fw.loader == nil {
		fw.loader = GoPluginLoader{}
	}

	spaces := opts.Spaces
	if spaces == nil {
		spaces = fw.space
	}
	tramps := opts.Trampolines
	if tramps == nil {
		tramps = newTrampolines()
	}

	store, err := patch.NewStore(patch.Options{
		Spaces:      spaces,
		Registry:    fw.registry,
		Trampolines: tramps,
		Registerer:  opts.Registerer,
	})
	if err != nil {
		fw.closeRegistryQuietly()
		return nil, fmt.Errorf("patch store: %w", err)
	}
	fw.store = store

	for i, in := range opts.Injections {
		h, err := fw.injectBaseline(in)
		if err != nil {
			if terr := fw.store.TeardownAll(); terr != nil {
				log.WithError(terr).Warn("Unable to roll back baseline injections")
			}
			fw.closeRegistryQuietly()
			return nil, fmt.Errorf("baseline injection %d: %w", i, err)
		}
		fw.baseline = append(fw.baseline, h)
	}

	log.WithField("baseline", len(fw.baseline)).Info("Started patchbay")

	if opts.LoadKernelPlugins {
		if err := fw.LoadKernelPlugins(0); err != nil {
			log.WithError(err).Warn("Unable to load kernel plugins")
		}
	}
	return fw, nil
}

func (fw *Framework) injectBaseline(in config.Injection) (patch.Handle, error) {
	data, err := in.Bytes()
	if err != nil {
		return 0, err
	}

	if in.Symbol != "" {
		return fw.InjectExport(procmap.KernelPID, in.Module, "", in.Symbol, uintptr(in.Offset), data)
	}

	mod, err := fw.registry.Module(procmap.KernelPID, in.Module)
	if err != nil {
		return 0, err
	}
	return fw.InjectData(procmap.KernelPID, mod.ID, in.Segment, uintptr(in.Offset), data)
}

func (fw *Framework) space(pid procmap.PID) (mem.Space, error) {
	if pid == procmap.KernelPID {
		return mem.Self(), nil
	}
	return mem.OpenProcess(pid, mem.Options{
		Freeze:     fw.freeze,
		MountPoint: fw.procMount,
	})
}

func (fw *Framework) closeRegistryQuietly() {
	if fw.closeRegistry == nil {
		return
	}
	if err := fw.closeRegistry(); err != nil {
		log.WithError(err).Warn("Unable to close process registry")
	}
}

// Stop removes the baseline injections, reverts every remaining patch and
// closes the process registry. Every handle issued by fw is invalid
// afterwards. Calling Stop again does nothing.
func (fw *Framework) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.stopped {
		return nil
	}
	fw.stopped = true

	var errs []error
	for i := len(fw.baseline) - 1; i >= 0; i-- {
		if err := fw.store.ReleaseKind(fw.baseline[i], patch.KindInjection); err != nil {
			errs = append(errs, err)
		}
	}
	fw.baseline = nil

	remaining := fw.store.Len()
	if err := fw.store.TeardownAll(); err != nil {
		errs = append(errs, err)
	}
	if fw.closeRegistry != nil {
		if err := fw.closeRegistry(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	logger := log.WithField("remaining", remaining)
	if err != nil {
		logger.WithError(err).Warn("Stopped patchbay with errors")
		return fmt.Errorf("%w: %w", status.ErrSystem, err)
	}
	logger.Info("Stopped patchbay")
	return nil
}

// Stopped reports whether Stop has been called.
func (fw *Framework) Stopped() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.stopped
}

func (fw *Framework) logger(pid procmap.PID) *logrus.Entry {
	return log.WithField(logfields.PID, pid)
}
