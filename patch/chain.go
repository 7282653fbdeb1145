package patch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/status"
)

// entry is one hook in a site's chain. next points at the hook installed
// before this one, or is nil when the next step is the original code. The
// chain never owns anything through next; entries are owned by records.
type entry struct {
	handle Handle
	fn     uintptr
	site   *site
	next   atomic.Pointer[entry]
}

// Ref lets a hook function continue to the next link of its chain.
//
// It stays valid after the hook is released, so a call that was already
// running when the hook went away can still finish.
type Ref struct {
	e *entry
}

// Handle returns the handle of the hook the ref belongs to.
func (r *Ref) Handle() Handle { return r.e.handle }

// Next returns where the hook should continue: the previously installed
// hook, or the original code. For the original the address is the site's
// trampoline, which is 0 when none could be built.
func (r *Ref) Next() (addr uintptr, original bool) {
	if n := r.e.next.Load(); n != nil {
		return n.fn, false
	}
	return r.e.site.trampoline, true
}

// chain returns the site's entries, most recent first.
func (st *site) chain() []*entry {
	var out []*entry
	for e := st.top; e != nil; e = e.next.Load() {
		out = append(out, e)
	}
	return out
}

// current returns the bytes the store last wrote at st.
func (st *site) current(a arch.Arch) ([]byte, error) {
	if st.top == nil {
		return st.original, nil
	}
	return a.Redirect(st.addr, st.top.fn)
}

// rewrite changes the code at st from the bytes in from to the bytes in to,
// so a thread entering the site runs one sequence or the other.
//
// A change confined to one aligned word is written alone. Anything wider
// parks the site on a branch to itself, writes what follows the park and
// then replaces the park. When a write fails the site is put back to from.
func (st *site) rewrite(space mem.Space, from, to []byte) error {
	err := st.write(space, from, to)
	if err == nil {
		return nil
	}
	if rerr := st.write(space, nil, from); rerr != nil {
		return errors.Join(err, fmt.Errorf("restore 0x%x: %w", st.key.addr, rerr))
	}
	return err
}

// write replaces from with to at st. A nil from means the bytes in memory
// are unknown and all of to is written.
func (st *site) write(space mem.Space, from, to []byte) error {
	i, j := 0, len(to)
	if from != nil {
		for i < j && from[i] == to[i] {
			i++
		}
		for j > i && from[j-1] == to[j-1] {
			j--
		}
		if i == j {
			return nil
		}
	}

	at := st.key.addr
	if (at+uintptr(i))&^7 == (at+uintptr(j-1))&^7 {
		return space.Write(at+uintptr(i), to[i:j])
	}

	park := space.Arch().Park(st.addr)
	n := len(park)
	if err := space.Write(at, park); err != nil {
		return err
	}
	if err := space.Write(at+uintptr(n), to[n:]); err != nil {
		return err
	}
	return space.Write(at, to[:n])
}

// push makes e the active hook of st. Memory is written before the chain
// changes, so a failed write leaves the chain as it was.
func (st *site) push(space mem.Space, e *entry) error {
	a := space.Arch()
	from, err := st.current(a)
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
	}
	to, err := a.Redirect(st.addr, e.fn)
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
	}
	err = st.rewrite(space, from, to)
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
	}

	e.next.Store(st.top)
	st.top = e
	st.depth++
	return nil
}

// unlink removes e from st.
//
// Only removing the head touches memory: the redirect is re-pointed at the
// next hook, or the original bytes come back when e was the last one.
// Removing any other entry splices it out of the next pointers.
func (st *site) unlink(space mem.Space, e *entry) error {
	if st.top == e {
		a := space.Arch()
		next := e.next.Load()

		from, err := st.current(a)
		if err != nil {
			return fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
		}
		to := st.original
		if next != nil {
			to, err = a.Redirect(st.addr, next.fn)
			if err != nil {
				return fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
			}
		}

		err = st.rewrite(space, from, to)
		if err != nil {
			return fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
		}

		st.top = next
		st.depth--
		return nil
	}

	for p := st.top; p != nil; p = p.next.Load() {
		if p.next.Load() == e {
			p.next.Store(e.next.Load())
			st.depth--
			return nil
		}
	}
	return fmt.Errorf("hook %v not in chain at 0x%x: %w", e.handle, st.key.addr, status.ErrInvalidHandle)
}
