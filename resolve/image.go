package resolve

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pboyd/patchbay/procmap"
)

// OpenFunc opens the ELF image of a module mapped into pid from path.
type OpenFunc func(pid procmap.PID, path string) (*elf.File, error)

// OpenImage opens path as seen by pid, through /proc/<pid>/root so the
// image is found even when pid lives in another mount namespace.
func OpenImage(pid procmap.PID, path string) (*elf.File, error) {
	if pid != procmap.KernelPID {
		f, err := elf.Open(filepath.Join(fmt.Sprintf("/proc/%d/root", pid), path))
		if err == nil {
			return f, nil
		}
	}
	return elf.Open(path)
}

type symbol struct {
	value   uint64
	version string
}

type importStub struct {
	library string
	stub    uint64
}

type segment struct {
	vaddr uint64
	size  uint64
}

// image holds what the resolver needs from an ELF file, with addresses
// relative to the file's own link addresses.
type image struct {
	minVaddr uint64
	segments []segment
	exports  map[string][]symbol
	imports  map[string][]importStub
}

// bias is the difference between where mod is loaded and where the image
// was linked to run.
func (img *image) bias(mod procmap.ModuleInfo) uintptr {
	page := uint64(os.Getpagesize())
	return mod.Base - uintptr(img.minVaddr&^(page-1))
}

func parseImage(f *elf.File) (*image, error) {
	img := &image{
		exports: map[string][]symbol{},
		imports: map[string][]importStub{},
	}

	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		img.segments = append(img.segments, segment{vaddr: p.Vaddr, size: p.Memsz})
		if first || p.Vaddr < img.minVaddr {
			img.minVaddr = p.Vaddr
			first = false
		}
	}
	if len(img.segments) == 0 {
		return nil, errors.New("no loadable segments")
	}

	dynsyms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, s := range dynsyms {
		if s.Section == elf.SHN_UNDEF {
			img.imports[s.Name] = append(img.imports[s.Name], importStub{library: s.Library})
			continue
		}
		img.addExport(s, s.Version)
	}

	// Static symbols cover binaries without a dynamic symbol table.
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, ok := img.exports[s.Name]; ok {
			continue
		}
		img.addExport(s, "")
	}

	err = img.resolveStubs(f, dynsyms)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (img *image) addExport(s elf.Symbol, version string) {
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_GNU_IFUNC:
	default:
		return
	}
	if s.Value == 0 {
		return
	}
	img.exports[s.Name] = append(img.exports[s.Name], symbol{value: s.Value, version: version})
}
