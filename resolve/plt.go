package resolve

import (
	"debug/elf"
	"fmt"
)

// pltLayout describes how a machine lays out its lazy binding stubs.
type pltLayout struct {
	relocs   string
	jumpSlot uint32
	stub     func(f *elf.File, n int) uint64
}

func layoutOf(f *elf.File) (pltLayout, bool) {
	switch f.Machine {
	case elf.EM_X86_64:
		return pltLayout{
			relocs:   ".rela.plt",
			jumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
			stub: func(f *elf.File, n int) uint64 {
				// With IBT the callable stubs live in .plt.sec and
				// .plt only holds the lazy binding trampolines.
				if sec := f.Section(".plt.sec"); sec != nil {
					return sec.Addr + uint64(n)*16
				}
				if plt := f.Section(".plt"); plt != nil {
					return plt.Addr + uint64(n+1)*16
				}
				return 0
			},
		}, true
	case elf.EM_AARCH64:
		return pltLayout{
			relocs:   ".rela.plt",
			jumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
			stub: func(f *elf.File, n int) uint64 {
				if plt := f.Section(".plt"); plt != nil {
					return plt.Addr + 32 + uint64(n)*16
				}
				return 0
			},
		}, true
	case elf.EM_ARM:
		return pltLayout{
			relocs:   ".rel.plt",
			jumpSlot: uint32(elf.R_ARM_JUMP_SLOT),
			stub: func(f *elf.File, n int) uint64 {
				if plt := f.Section(".plt"); plt != nil {
					return plt.Addr + 20 + uint64(n)*12
				}
				return 0
			},
		}, true
	}
	return pltLayout{}, false
}

// resolveStubs fills in the PLT stub of every import with a jump slot.
func (img *image) resolveStubs(f *elf.File, dynsyms []elf.Symbol) error {
	layout, ok := layoutOf(f)
	if !ok {
		return nil
	}
	sec := f.Section(layout.relocs)
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%s: %w", layout.relocs, err)
	}

	entSize := 8
	if f.Class == elf.ELFCLASS64 {
		entSize = 24
	}

	for n := 0; (n+1)*entSize <= len(data); n++ {
		entry := data[n*entSize:]

		var sym, typ uint32
		if f.Class == elf.ELFCLASS64 {
			info := f.ByteOrder.Uint64(entry[8:])
			sym, typ = elf.R_SYM64(info), elf.R_TYPE64(info)
		} else {
			info := f.ByteOrder.Uint32(entry[4:])
			sym, typ = elf.R_SYM32(info), elf.R_TYPE32(info)
		}
		if typ != layout.jumpSlot || sym == 0 || int(sym) > len(dynsyms) {
			continue
		}

		// DynamicSymbols omits the null symbol at index 0.
		ds := dynsyms[sym-1]
		stubs := img.imports[ds.Name]
		for i := range stubs {
			if stubs[i].library == ds.Library && stubs[i].stub == 0 {
				stubs[i].stub = layout.stub(f, n)
				break
			}
		}
	}
	return nil
}
