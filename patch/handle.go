package patch

import (
	"fmt"

	"github.com/pboyd/patchbay/status"
)

// Handle identifies an installed patch. Handles are always positive.
//
// The low bits index a slot in the store's arena and the high bits carry
// the slot's generation, so a released handle never matches the slot's
// next occupant.
type Handle int32

const (
	slotBits      = 16
	maxSlots      = 1 << slotBits
	maxGeneration = 1<<(31-slotBits) - 1
)

func (h Handle) slot() int { return int(h) & (maxSlots - 1) }

func (h Handle) generation() uint16 { return uint16(h >> slotBits) }

func (h Handle) String() string {
	return fmt.Sprintf("0x%08x", int32(h))
}

type slot struct {
	gen uint16
	rec *record
}

// arena hands out handles. A slot whose generation is used up is retired
// instead of going back on the free list.
type arena struct {
	slots []slot
	free  []int
	live  int
}

func (a *arena) alloc(rec *record) (Handle, error) {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if len(a.slots) == maxSlots {
			return 0, fmt.Errorf("%d patches installed: %w", a.live, status.ErrMemory)
		}
		a.slots = append(a.slots, slot{})
		i = len(a.slots) - 1
	}

	s := &a.slots[i]
	s.gen++
	s.rec = rec
	a.live++

	h := Handle(int32(s.gen)<<slotBits | int32(i))
	rec.handle = h
	return h, nil
}

func (a *arena) get(h Handle) *record {
	if h <= 0 {
		return nil
	}
	i := h.slot()
	if i >= len(a.slots) {
		return nil
	}
	s := a.slots[i]
	if s.rec == nil || s.gen != h.generation() {
		return nil
	}
	return s.rec
}

func (a *arena) release(h Handle) {
	i := h.slot()
	s := &a.slots[i]
	if s.rec == nil || s.gen != h.generation() {
		return
	}
	s.rec = nil
	a.live--
	if s.gen < maxGeneration {
		a.free = append(a.free, i)
	}
}
