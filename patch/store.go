// Package patch keeps track of every modification made to a target address
// space so each one can be reverted exactly.
//
// Two kinds of patches exist. An injection overwrites a range with caller
// supplied bytes. A hook replaces the start of a function with a redirect to
// another function; several hooks on the same function form a chain in which
// only the most recent one is live in memory and each hook can continue to
// the one installed before it.
package patch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/internal/logging"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/mem"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// Kind is the kind of a patch.
type Kind uint8

const (
	KindHook Kind = iota + 1
	KindInjection
)

func (k Kind) String() string {
	switch k {
	case KindHook:
		return "hook"
	case KindInjection:
		return "injection"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// SpaceFunc opens the address space of pid.
type SpaceFunc func(pid procmap.PID) (mem.Space, error)

// Restrictor reports address ranges that must never be patched.
// procmap.Registry satisfies it.
type Restrictor interface {
	IsRestricted(pid procmap.PID, addr uintptr, size int) bool
}

// Trampoliner builds a callable copy of the code at addr so hooks can run
// the original after it has been overwritten. free releases the copy.
type Trampoliner interface {
	Trampoline(space mem.Space, addr uintptr) (tramp uintptr, free func(), err error)
}

// Options configures a Store.
type Options struct {
	// Spaces opens target address spaces. Required.
	Spaces SpaceFunc

	// Registry rejects patches in restricted ranges. Optional.
	Registry Restrictor

	// Trampolines builds call-through copies for hook sites. Optional.
	Trampolines Trampoliner

	// Registerer receives the store's metrics. Optional.
	Registerer prometheus.Registerer

	// Logger defaults to the package logger.
	Logger logrus.FieldLogger
}

// Info describes an installed patch.
type Info struct {
	Handle Handle
	PID    procmap.PID
	Addr   uintptr
	Kind   Kind
	Size   int

	// Depth is the position of a hook in its chain, 0 being the live one.
	Depth int
}

type siteKey struct {
	pid  procmap.PID
	addr uintptr
}

// site is one patched location.
type site struct {
	key  siteKey
	addr uintptr
	kind Kind
	size int

	// original holds the bytes found before the first patch.
	original []byte

	// hook sites
	top        *entry
	depth      int
	trampoline uintptr
	free       func()

	// injection sites
	injection *record
}

func (st *site) overlaps(addr uintptr, size int) bool {
	return addr < st.key.addr+uintptr(st.size) && addr+uintptr(size) > st.key.addr
}

type record struct {
	handle Handle
	pid    procmap.PID
	addr   uintptr
	kind   Kind
	site   *site
	entry  *entry
}

// Store is the registry of installed patches.
//
// All operations hold one lock across both the bookkeeping and the memory
// write, so the store never disagrees with memory it controls.
type Store struct {
	spaces      SpaceFunc
	registry    Restrictor
	trampolines Trampoliner
	metrics     *metrics
	log         logrus.FieldLogger

	mu      lock.Mutex
	arena   arena
	sites   map[siteKey]*site
	retired []func()
	closed  bool
}

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "patch")

// NewStore creates an empty store.
func NewStore(opts Options) (*Store, error) {
	if opts.Spaces == nil {
		return nil, fmt.Errorf("no address spaces: %w", status.ErrInvalidArgs)
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log
	}

	return &Store{
		spaces:      opts.Spaces,
		registry:    opts.Registry,
		trampolines: opts.Trampolines,
		metrics:     m,
		log:         logger,
		sites:       map[siteKey]*site{},
	}, nil
}

// Hook redirects the function at addr in pid to fn.
//
// If addr is already hooked the new hook goes in front of the existing ones
// and the returned Ref continues to the previous hook. Otherwise the Ref
// continues to the original function.
func (s *Store) Hook(pid procmap.PID, addr, fn uintptr) (Handle, *Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ref, err := s.hook(pid, addr, fn)
	s.metrics.observe("hook", err)
	if err != nil {
		return 0, nil, fmt.Errorf("hook 0x%x in pid %d: %w", addr, pid, err)
	}
	return h, ref, nil
}

func (s *Store) hook(pid procmap.PID, addr, fn uintptr) (Handle, *Ref, error) {
	if s.closed {
		return 0, nil, status.ErrSystem
	}
	if addr == 0 || fn == 0 {
		return 0, nil, status.ErrInvalidArgs
	}

	space, err := s.spaces(pid)
	if err != nil {
		return 0, nil, err
	}
	a := space.Arch()
	if a == nil {
		return 0, nil, status.ErrNotImplemented
	}
	code := a.CodeAddr(addr)
	size := a.RedirectSize(addr)

	if s.restricted(pid, code, size) {
		return 0, nil, status.ErrRestrictedAddress
	}

	key := siteKey{pid: pid, addr: code}
	st := s.sites[key]
	if st != nil {
		if st.kind != KindHook || st.addr != addr {
			return 0, nil, status.ErrPatchExists
		}
		s.checkLive(space, st)
	} else {
		if s.overlapping(pid, code, size) {
			return 0, nil, status.ErrPatchExists
		}
		st, err = s.newHookSite(space, key, addr, size)
		if err != nil {
			return 0, nil, err
		}
	}

	e := &entry{fn: fn, site: st}
	rec := &record{pid: pid, addr: addr, kind: KindHook, site: st, entry: e}
	h, err := s.arena.alloc(rec)
	if err != nil {
		s.dropEmptySite(st)
		return 0, nil, err
	}
	e.handle = h

	err = st.push(space, e)
	if err != nil {
		s.arena.release(h)
		s.dropEmptySite(st)
		return 0, nil, err
	}
	s.sites[key] = st
	s.metrics.active.WithLabelValues(KindHook.String()).Inc()

	logger := s.log.WithFields(logrus.Fields{
		logfields.PID:     pid,
		logfields.Address: fmt.Sprintf("0x%x", addr),
		logfields.Handle:  h,
		logfields.Depth:   st.depth,
	})
	logger.Debug("Hook installed")
	if l, ok := s.log.(*logrus.Entry); ok && l.Logger.IsLevelEnabled(logrus.TraceLevel) {
		buf := make([]byte, size)
		if space.Read(code, buf) == nil {
			logger.Trace(a.Disassemble(buf, code))
		}
	}

	return h, &Ref{e: e}, nil
}

func (s *Store) newHookSite(space mem.Space, key siteKey, addr uintptr, size int) (*site, error) {
	original := make([]byte, size)
	err := space.Read(key.addr, original)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
	}

	st := &site{
		key:      key,
		addr:     addr,
		kind:     KindHook,
		size:     size,
		original: original,
	}

	if s.trampolines != nil {
		tramp, free, err := s.trampolines.Trampoline(space, addr)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				logfields.PID:     key.pid,
				logfields.Address: fmt.Sprintf("0x%x", addr),
			}).Debug("No trampoline for hook site, original is not callable")
		} else {
			st.trampoline = tramp
			st.free = free
		}
	}
	return st, nil
}

// dropEmptySite frees what a site that never got an entry allocated.
func (s *Store) dropEmptySite(st *site) {
	if st.top != nil {
		return
	}
	if st.free != nil {
		st.free()
		st.free = nil
	}
}

// checkLive logs when the redirect in memory is not the one the store wrote.
func (s *Store) checkLive(space mem.Space, st *site) {
	buf := make([]byte, st.size)
	if err := space.Read(st.key.addr, buf); err != nil {
		return
	}
	target, ok := space.Arch().RedirectTarget(buf, st.addr)
	if !ok || target != st.top.fn {
		s.log.WithFields(logrus.Fields{
			logfields.PID:     st.key.pid,
			logfields.Address: fmt.Sprintf("0x%x", st.key.addr),
		}).Warn("Hook site was modified outside of the patch store")
	}
}

// Inject overwrites memory at addr in pid with data.
func (s *Store) Inject(pid procmap.PID, addr uintptr, data []byte) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.inject(pid, addr, data)
	s.metrics.observe("inject", err)
	if err != nil {
		return 0, fmt.Errorf("inject %d bytes at 0x%x in pid %d: %w", len(data), addr, pid, err)
	}
	return h, nil
}

func (s *Store) inject(pid procmap.PID, addr uintptr, data []byte) (Handle, error) {
	if s.closed {
		return 0, status.ErrSystem
	}
	if addr == 0 || len(data) == 0 {
		return 0, status.ErrInvalidArgs
	}

	space, err := s.spaces(pid)
	if err != nil {
		return 0, err
	}

	if s.restricted(pid, addr, len(data)) {
		return 0, status.ErrRestrictedAddress
	}

	key := siteKey{pid: pid, addr: addr}
	if s.sites[key] != nil || s.overlapping(pid, addr, len(data)) {
		return 0, status.ErrPatchExists
	}

	original := make([]byte, len(data))
	err = space.Read(addr, original)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
	}

	st := &site{
		key:      key,
		addr:     addr,
		kind:     KindInjection,
		size:     len(data),
		original: original,
	}
	rec := &record{pid: pid, addr: addr, kind: KindInjection, site: st}
	h, err := s.arena.alloc(rec)
	if err != nil {
		return 0, err
	}

	err = space.Write(addr, data)
	if err != nil {
		s.arena.release(h)
		if rerr := space.Write(addr, original); rerr != nil {
			s.log.WithError(rerr).WithField(logfields.Address, fmt.Sprintf("0x%x", addr)).
				Warn("Unable to restore memory after failed injection")
		}
		return 0, fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
	}

	st.injection = rec
	s.sites[key] = st
	s.metrics.active.WithLabelValues(KindInjection.String()).Inc()

	s.log.WithFields(logrus.Fields{
		logfields.PID:     pid,
		logfields.Address: fmt.Sprintf("0x%x", addr),
		logfields.Size:    len(data),
		logfields.Handle:  h,
	}).Debug("Injection installed")

	return h, nil
}

// Release reverts the patch identified by h, whatever its kind.
func (s *Store) Release(h Handle) error {
	return s.ReleaseKind(h, 0)
}

// ReleaseKind reverts the patch identified by h if it is of the given kind.
// A handle of another kind is reported as invalid. Kind 0 matches any kind.
func (s *Store) ReleaseKind(h Handle, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.release(h, kind)
	s.metrics.observe("release", err)
	if err != nil {
		return fmt.Errorf("release %v: %w", h, err)
	}
	return nil
}

func (s *Store) release(h Handle, kind Kind) error {
	rec := s.arena.get(h)
	if rec == nil || (kind != 0 && rec.kind != kind) {
		return status.ErrInvalidHandle
	}

	space, err := s.spaces(rec.pid)
	if err != nil {
		return err
	}

	st := rec.site
	switch rec.kind {
	case KindHook:
		err = st.unlink(space, rec.entry)
	case KindInjection:
		err = space.Write(st.key.addr, st.original)
		if err != nil {
			err = fmt.Errorf("%w: %w", status.ErrMutationFailed, err)
		}
	}
	if err != nil {
		return err
	}

	s.forget(rec)

	s.log.WithFields(logrus.Fields{
		logfields.PID:     rec.pid,
		logfields.Address: fmt.Sprintf("0x%x", rec.addr),
		logfields.Handle:  h,
		logfields.Kind:    rec.kind,
	}).Debug("Patch released")
	return nil
}

// forget drops the bookkeeping for rec once memory no longer refers to it.
func (s *Store) forget(rec *record) {
	st := rec.site
	s.arena.release(rec.handle)
	s.metrics.active.WithLabelValues(rec.kind.String()).Dec()

	if rec.kind == KindHook && st.depth > 0 {
		return
	}
	delete(s.sites, st.key)
	if st.free != nil {
		// Released hooks may still be running and calling through.
		s.retired = append(s.retired, st.free)
		st.free = nil
	}
}

// Lookup returns what h refers to.
func (s *Store) Lookup(h Handle) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.arena.get(h)
	if rec == nil {
		return Info{}, fmt.Errorf("lookup %v: %w", h, status.ErrInvalidHandle)
	}

	info := Info{
		Handle: rec.handle,
		PID:    rec.pid,
		Addr:   rec.addr,
		Kind:   rec.kind,
		Size:   rec.site.size,
	}
	if rec.kind == KindHook {
		for i, e := range rec.site.chain() {
			if e == rec.entry {
				info.Depth = i
				break
			}
		}
	}
	return info, nil
}

// Chain lists the hooks at the code address addr of pid, the live one first.
func (s *Store) Chain(pid procmap.PID, addr uintptr) []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.sites[siteKey{pid: pid, addr: addr}]
	if st == nil || st.kind != KindHook {
		return nil
	}

	var out []Handle
	for _, e := range st.chain() {
		out = append(out, e.handle)
	}
	return out
}

// Len returns the number of installed patches.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.live
}

// TeardownAll reverts every patch and closes the store. Hook chains are
// unwound from the innermost hook out. Failures do not stop the teardown;
// they are returned together once everything has been attempted.
//
// Calling TeardownAll again does nothing.
func (s *Store) TeardownAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	sites := make([]*site, 0, len(s.sites))
	for _, st := range s.sites {
		sites = append(sites, st)
	}
	sort.Slice(sites, func(i, j int) bool {
		if sites[i].key.pid != sites[j].key.pid {
			return sites[i].key.pid < sites[j].key.pid
		}
		return sites[i].key.addr < sites[j].key.addr
	})

	var errs []error
	for _, st := range sites {
		if err := s.teardownSite(st); err != nil {
			errs = append(errs, err)
			s.log.WithError(err).WithFields(logrus.Fields{
				logfields.PID:     st.key.pid,
				logfields.Address: fmt.Sprintf("0x%x", st.key.addr),
			}).Warn("Unable to revert patch during teardown")
		}
	}

	for _, free := range s.retired {
		free()
	}
	s.retired = nil

	s.log.WithField("sites", len(sites)).Info("Patch store torn down")

	return errors.Join(errs...)
}

// teardownSite reverts st and forgets it even when memory cannot be
// restored.
func (s *Store) teardownSite(st *site) error {
	var recs []*record
	switch st.kind {
	case KindHook:
		chain := st.chain()
		for i := len(chain) - 1; i >= 0; i-- {
			recs = append(recs, s.arena.get(chain[i].handle))
		}
	case KindInjection:
		recs = append(recs, st.injection)
	}

	space, err := s.spaces(st.key.pid)
	if err == nil {
		for _, rec := range recs {
			if rec.kind == KindHook {
				err = st.unlink(space, rec.entry)
			} else {
				err = space.Write(st.key.addr, st.original)
			}
			if err != nil {
				break
			}
			s.forget(rec)
		}
	}
	if err == nil {
		return nil
	}

	for _, rec := range recs {
		if s.arena.get(rec.handle) == rec {
			s.arena.release(rec.handle)
			s.metrics.active.WithLabelValues(rec.kind.String()).Dec()
		}
	}
	delete(s.sites, st.key)
	if st.free != nil {
		st.free()
		st.free = nil
	}
	return fmt.Errorf("site 0x%x in pid %d: %w", st.key.addr, st.key.pid, err)
}

func (s *Store) restricted(pid procmap.PID, addr uintptr, size int) bool {
	return s.registry != nil && s.registry.IsRestricted(pid, addr, size)
}

// overlapping reports whether [addr, addr+size) shares a byte with a site
// of pid at another address.
func (s *Store) overlapping(pid procmap.PID, addr uintptr, size int) bool {
	for key, st := range s.sites {
		if key.pid == pid && key.addr != addr && st.overlaps(addr, size) {
			return true
		}
	}
	return false
}
