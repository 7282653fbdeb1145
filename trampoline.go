//go:build (amd64 || arm64) && (unix || windows)

package patchbay

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/pboyd/malloc"
	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// execArena hands out executable memory for relocated code. The arena is
// kept read-only except while code is being written into it.
type execArena struct {
	mu       lock.Mutex
	arena    *malloc.Arena
	protect  func(int) error
	writable bool
}

func (a *execArena) initLocked(size int) error {
	if a.arena != nil {
		return nil
	}

	be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
	a.protect = func(int) error { return nil }
	if pb, ok := be.(malloc.ProtectedArenaBackend); ok {
		a.protect = pb.Protect
	}

	a.arena = malloc.NewArena(uint64(size), malloc.Backend(be))
	if a.arena == nil {
		return errors.New("unable to initialize executable arena")
	}
	a.writable = true
	return nil
}

func (a *execArena) setWritableLocked(w bool) error {
	if a.writable == w {
		return nil
	}
	prot := mprotectRX
	if w {
		prot = mprotectRWX
	}
	err := a.protect(prot)
	if err == nil {
		a.writable = w
	}
	return err
}

// write allocates size bytes and lets fill write code into them. fill
// returns the part of the buffer it used.
func (a *execArena) write(size int, fill func([]byte) ([]byte, error)) (buf, code []byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.initLocked(size)
	if err != nil {
		return nil, nil, err
	}
	err = a.setWritableLocked(true)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if perr := a.setWritableLocked(false); perr != nil && err == nil {
			err = perr
		}
	}()

	buf, err = malloc.MallocSlice[byte](a.arena, size)
	if err != nil {
		return nil, nil, err
	}

	code, err = fill(buf)
	if err == nil && unsafe.SliceData(code) != unsafe.SliceData(buf) {
		err = errors.New("relocated code outgrew its buffer")
	}
	if err != nil {
		malloc.FreeSlice(a.arena, buf)
		return nil, nil, err
	}
	return buf, code, nil
}

func (a *execArena) free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.setWritableLocked(true); err != nil {
		log.WithError(err).Warn("Unable to free trampoline")
		return
	}
	malloc.FreeSlice(a.arena, buf)
	if err := a.setWritableLocked(false); err != nil {
		log.WithError(err).Warn("Unable to protect trampoline arena")
	}
}

// goTrampolines relocates Go functions of the running program so they can
// still be called after their entry has been overwritten by a hook.
type goTrampolines struct {
	arena execArena
}

func newTrampolines() patch.Trampoliner {
	return &goTrampolines{}
}

func (t *goTrampolines) Trampoline(space mem.Space, addr uintptr) (uintptr, func(), error) {
	if space.PID() != procmap.KernelPID {
		return 0, nil, fmt.Errorf("trampoline in pid %d: %w", space.PID(), status.ErrNotImplemented)
	}

	src, err := funcCode(addr)
	if err != nil {
		return 0, nil, err
	}

	// Room for far call stubs and alignment.
	buf, code, err := t.arena.write(len(src)+len(src)/2+64, func(buf []byte) ([]byte, error) {
		return relocateFunc(src, buf)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("relocating 0x%x: %w", addr, err)
	}

	tramp := uintptr(unsafe.Pointer(unsafe.SliceData(code)))
	if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		if asm, err := disassemble(code); err == nil {
			log.WithFields(logrus.Fields{
				logfields.Address: fmt.Sprintf("0x%x", addr),
				logfields.Size:    len(code),
			}).Trace("Relocated function\n" + asm)
		}
	}

	return tramp, func() { t.arena.free(buf) }, nil
}
