// Package resolve maps symbolic locators (an exported symbol, an imported
// symbol, a segment offset) to addresses in a target process.
package resolve

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/internal/logging"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// Resolver resolves locators to addresses.
//
// An empty module name selects the process executable. library narrows the
// lookup: for exports it is the symbol version, for imports the library the
// symbol is imported from. It may be empty.
type Resolver interface {
	Export(pid procmap.PID, module, library, symbol string) (uintptr, error)
	Import(pid procmap.PID, module, library, symbol string) (uintptr, error)
	Offset(pid procmap.PID, module procmap.ModuleID, segment int, offset uintptr) (uintptr, error)
}

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "resolve")

// ELF resolves against the ELF images of loaded modules.
type ELF struct {
	registry procmap.Registry
	open     OpenFunc

	mu     lock.Mutex
	images map[string]*image
}

// NewELF returns a resolver that finds modules through registry and reads
// their images with open. A nil open uses OpenImage.
func NewELF(registry procmap.Registry, open OpenFunc) *ELF {
	if open == nil {
		open = OpenImage
	}
	return &ELF{
		registry: registry,
		open:     open,
		images:   map[string]*image{},
	}
}

// Purge drops cached images, for example after a module was replaced.
func (r *ELF) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = map[string]*image{}
}

func (r *ELF) load(pid procmap.PID, mod procmap.ModuleInfo) (*image, error) {
	key := fmt.Sprintf("%d:%s", pid, mod.Path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if img, ok := r.images[key]; ok {
		return img, nil
	}

	f, err := r.open(pid, mod.Path)
	if err != nil {
		return nil, fmt.Errorf("module %s: %v: %w", mod.Name, err, status.ErrInvalidModule)
	}
	defer f.Close()

	img, err := parseImage(f)
	if err != nil {
		return nil, fmt.Errorf("module %s: %v: %w", mod.Name, err, status.ErrInvalidModule)
	}
	r.images[key] = img

	log.WithFields(logrus.Fields{
		logfields.PID:    pid,
		logfields.Module: mod.Name,
		"exports":        len(img.exports),
		"imports":        len(img.imports),
	}).Debug("Loaded module image")
	return img, nil
}

func (r *ELF) module(pid procmap.PID, name string) (procmap.ModuleInfo, *image, error) {
	mod, err := r.registry.Module(pid, name)
	if err != nil {
		return mod, nil, err
	}
	img, err := r.load(pid, mod)
	return mod, img, err
}

// Export returns the address of symbol as defined by module.
func (r *ELF) Export(pid procmap.PID, module, library, symbol string) (uintptr, error) {
	mod, img, err := r.module(pid, module)
	if err != nil {
		return 0, err
	}

	for _, sym := range img.exports[symbol] {
		if library != "" && sym.version != library {
			continue
		}
		return img.bias(mod) + uintptr(sym.value), nil
	}
	return 0, fmt.Errorf("export %s in %s: %w", symbol, mod.Name, status.ErrNotFound)
}

// Import returns the address of the stub module calls symbol through.
func (r *ELF) Import(pid procmap.PID, module, library, symbol string) (uintptr, error) {
	mod, img, err := r.module(pid, module)
	if err != nil {
		return 0, err
	}

	found := false
	for _, imp := range img.imports[symbol] {
		if library != "" && imp.library != library {
			continue
		}
		found = true
		if imp.stub != 0 {
			return img.bias(mod) + uintptr(imp.stub), nil
		}
	}
	if found {
		return 0, fmt.Errorf("import %s in %s: %w", symbol, mod.Name, status.ErrStubNotResolved)
	}
	return 0, fmt.Errorf("import %s in %s: %w", symbol, mod.Name, status.ErrNotFound)
}

// Offset returns the address offset bytes into the segment'th loadable
// segment of the module.
func (r *ELF) Offset(pid procmap.PID, module procmap.ModuleID, segment int, offset uintptr) (uintptr, error) {
	mod, err := r.registry.ModuleByID(pid, module)
	if err != nil {
		return 0, err
	}
	img, err := r.load(pid, mod)
	if err != nil {
		return 0, err
	}

	if segment < 0 || segment >= len(img.segments) {
		return 0, fmt.Errorf("segment %d of %s: %w", segment, mod.Name, status.ErrInvalidArgs)
	}
	seg := img.segments[segment]
	if uint64(offset) >= seg.size {
		return 0, fmt.Errorf("offset 0x%x beyond segment %d of %s: %w", offset, segment, mod.Name, status.ErrInvalidArgs)
	}
	return img.bias(mod) + uintptr(seg.vaddr) + offset, nil
}
