package mem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/procmap"
)

type selfSpace struct{}

// Self returns the address space of the running process.
func Self() Space { return selfSpace{} }

func (selfSpace) PID() procmap.PID { return procmap.KernelPID }

func (selfSpace) Arch() arch.Arch { return arch.Native() }

func (selfSpace) Read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := checkReadable(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)))
	return nil
}

func (selfSpace) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return applyToProtectedMemory(addr, len(data), func() {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
		publish(dst, data)
		cacheflush(dst)
	})
}

// publish copies src over dst one aligned word at a time, each word with a
// single CAS, so a concurrent reader never sees a torn word. The word
// holding the first byte is written last.
//
// Ordering across words is up to the caller: a code site that changes in
// more than one word has to be parked first.
func publish(dst, src []byte) {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(dst)))
	end := addr + uintptr(len(src))
	first := addr &^ 7

	for word := (end - 1) &^ 7; ; word -= 8 {
		lo := max(word, addr)
		hi := min(word+8, end)
		storeWord(word, lo-word, src[lo-addr:hi-addr])
		if word == first {
			return
		}
	}
}

// storeWord replaces the bytes of the aligned word at word starting at off.
func storeWord(word, off uintptr, b []byte) {
	p := (*uint64)(unsafe.Pointer(word))
	var buf [8]byte
	for {
		old := atomic.LoadUint64(p)
		binary.LittleEndian.PutUint64(buf[:], old)
		copy(buf[off:], b)
		if atomic.CompareAndSwapUint64(p, old, binary.LittleEndian.Uint64(buf[:])) {
			return
		}
	}
}
