package mem

import (
	"fmt"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/procmap"
)

// Simulated is an address space held in a byte slice. It stands in for a
// real process in dry runs and tests, and can be told to fail writes.
type Simulated struct {
	pid  procmap.PID
	arch arch.Arch
	base uintptr

	mu         lock.Mutex
	mem        []byte
	writes     int
	failWrites int
	tear       int
}

// NewSimulated returns a zero filled space of size bytes mapped at base.
func NewSimulated(pid procmap.PID, base uintptr, size int, a arch.Arch) *Simulated {
	return &Simulated{
		pid:  pid,
		arch: a,
		base: base,
		mem:  make([]byte, size),
	}
}

func (s *Simulated) PID() procmap.PID { return s.pid }

func (s *Simulated) Arch() arch.Arch { return s.arch }

func (s *Simulated) slice(addr uintptr, n int) ([]byte, error) {
	if addr < s.base || addr+uintptr(n) > s.base+uintptr(len(s.mem)) || addr+uintptr(n) < addr {
		return nil, fmt.Errorf("0x%x+%d: %w", addr, n, ErrNotMapped)
	}
	off := addr - s.base
	return s.mem[off : off+uintptr(n)], nil
}

func (s *Simulated) Read(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.slice(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (s *Simulated) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites > 0 {
		s.failWrites--
		return fmt.Errorf("simulated write failure at 0x%x", addr)
	}
	dst, err := s.slice(addr, len(data))
	if err != nil {
		return err
	}
	if s.tear > 0 {
		s.tear--
		if s.tear == 0 {
			n := len(data) / 2
			copy(dst, data[:n])
			return fmt.Errorf("simulated short write at 0x%x: %d/%d", addr, n, len(data))
		}
	}
	copy(dst, data)
	s.writes++
	return nil
}

// Fill sets memory without counting as a write.
func (s *Simulated) Fill(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst, err := s.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Bytes returns a copy of n bytes at addr. It panics outside the space.
func (s *Simulated) Bytes(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	if err := s.Read(addr, buf); err != nil {
		panic(err)
	}
	return buf
}

// FailWrites makes the next n writes fail without touching memory.
func (s *Simulated) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// TearWrite lets after writes succeed and makes the next one apply only
// the first half of its data before failing, like a short pwrite.
func (s *Simulated) TearWrite(after int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tear = after + 1
}

// Writes returns the number of successful writes.
func (s *Simulated) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
