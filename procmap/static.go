package procmap

import (
	"fmt"

	"github.com/pboyd/patchbay/internal/lock"
	"github.com/pboyd/patchbay/status"
)

// Static is a Registry whose contents are declared up front. It describes
// simulated address spaces and is handy in tests.
type Static struct {
	mu         lock.RWMutex
	modules    map[PID][]ModuleInfo
	exe        map[PID]string
	restricted map[PID][]Range
	nextID     ModuleID
}

// NewStatic returns an empty Static registry.
func NewStatic() *Static {
	return &Static{
		modules:    map[PID][]ModuleInfo{},
		exe:        map[PID]string{},
		restricted: map[PID][]Range{},
		nextID:     1,
	}
}

// Add registers a module with pid and returns it with its assigned ID. The
// first module added to a pid is its executable.
func (s *Static) Add(pid PID, m ModuleInfo) ModuleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.nextID
	s.nextID++
	if m.Name == "" {
		m.Name = moduleName(m.Path)
	}
	if len(m.Mappings) == 0 {
		m.Mappings = []Mapping{{Range: Range{Start: m.Base, End: m.End}, Read: true, Exec: true}}
	}
	if _, ok := s.exe[pid]; !ok {
		s.exe[pid] = m.Path
	}
	s.modules[pid] = append(s.modules[pid], m)
	sortModules(s.modules[pid])
	return m
}

// Restrict marks r as restricted in pid.
func (s *Static) Restrict(pid PID, r Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restricted[pid] = append(s.restricted[pid], r)
}

func (s *Static) Modules(pid PID) ([]ModuleInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mods, ok := s.modules[pid]
	if !ok {
		return nil, fmt.Errorf("process %d: %w", pid, status.ErrNotFound)
	}
	return append([]ModuleInfo(nil), mods...), nil
}

func (s *Static) Module(pid PID, name string) (ModuleInfo, error) {
	mods, err := s.Modules(pid)
	if err != nil {
		return ModuleInfo{}, err
	}

	s.mu.RLock()
	exe := s.exe[pid]
	s.mu.RUnlock()
	return matchModule(mods, name, exe)
}

func (s *Static) ModuleByID(pid PID, id ModuleID) (ModuleInfo, error) {
	mods, err := s.Modules(pid)
	if err != nil {
		return ModuleInfo{}, err
	}
	for _, m := range mods {
		if m.ID == id {
			return m, nil
		}
	}
	return ModuleInfo{}, fmt.Errorf("module id %d in process %d: %w", id, pid, status.ErrInvalidModule)
}

func (s *Static) IsRestricted(pid PID, addr uintptr, size int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.restricted[pid] {
		if r.Overlaps(addr, size) {
			return true
		}
	}
	return false
}
