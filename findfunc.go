//go:build (amd64 || arm64) && (unix || windows)

package patchbay

import (
	"fmt"
	"unsafe"

	"github.com/pboyd/patchbay/status"
)

type funcInfo struct {
	*_func
	datap *moduledata
}

// _func mirrors the head of runtime._func.
type _func struct {
	entryOff uint32 // start pc, as offset from moduledata.text
	nameOff  int32
}

// moduledata mirrors the head of runtime.moduledata. Any change in the
// runtime's field order up to etext must be reflected here.
type moduledata struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr

	// Struct continues, omitting unused fields.
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcCode returns the machine code of the Go function starting at entry,
// including the padding up to the next function.
func funcCode(entry uintptr) ([]byte, error) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, fmt.Errorf("0x%x is not in a Go function: %w", entry, status.ErrNotFound)
	}
	if info.datap.text+uintptr(info.entryOff) != entry {
		return nil, fmt.Errorf("0x%x is not the entry of a Go function: %w", entry, status.ErrInvalidArgs)
	}

	// The function ends where the nearest following function begins.
	off := info.entryOff
	length := uint32(info.datap.etext - entry)
	for _, ft := range info.datap.ftab {
		if ft.entryoff > off && ft.entryoff-off < length {
			length = ft.entryoff - off
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), int(length)), nil
}
