package modulemap

import (
	"math"
	"slices"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
)

// ModuleMap tracks which module section owns every loaded address of every
// monitored process.
//
// Both mappings are persistent: every update stores new roots and leaves the
// previous ones untouched, so Clone is O(1) and clones never observe each
// other's updates. A ModuleMap itself must not be mutated concurrently.
type ModuleMap struct {
	// sorted, non-overlapping sections per pid. Stored slices are never mutated.
	pidToSections *immutable.Map[PidKey, []Section]
	// (pid, section) -> module, kept as one submapping per pid keyed by the
	// section's runtime load base.
	sectionToModule *immutable.Map[PidKey, *immutable.Map[uint64, moduleEntry]]
	kernelStart     uint64

	diag    Diagnostics
	metrics *Metrics // may be nil
}

// moduleEntry is the value of a per-pid module table. The section is kept so
// a lookup by base can be checked against the exact section value.
type moduleEntry struct {
	section Section
	module  *Module
}

type Option func(*ModuleMap)

func WithDiagnostics(d Diagnostics) Option {
	return func(m *ModuleMap) {
		if d != nil {
			m.diag = d
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *ModuleMap) {
		m.metrics = metrics
	}
}

func WithKernelStart(addr uint64) Option {
	return func(m *ModuleMap) {
		m.kernelStart = addr
	}
}

func New(opts ...Option) *ModuleMap {
	m := &ModuleMap{
		pidToSections:   immutable.NewMap[PidKey, []Section](pidHasher{}),
		sectionToModule: immutable.NewMap[PidKey, *immutable.Map[uint64, moduleEntry]](pidHasher{}),
		kernelStart:     math.MaxUint64,
		diag:            NopDiagnostics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newModuleTable() *immutable.Map[uint64, moduleEntry] {
	return immutable.NewMap[uint64, moduleEntry](baseHasher{})
}

func lookupModule(modules *immutable.Map[uint64, moduleEntry], s Section) (*Module, bool) {
	e, ok := modules.Get(s.RuntimeLoadBase)
	if !ok || e.section != s {
		return nil, false
	}
	return e.module, true
}

// tables returns the current section list and module submapping of pid.
func (m *ModuleMap) tables(pid PidKey) ([]Section, *immutable.Map[uint64, moduleEntry], bool) {
	sections, ok := m.pidToSections.Get(pid)
	modules, found := m.sectionToModule.Get(pid)
	if !found {
		modules = newModuleTable()
	}
	return sections, modules, ok
}

func (m *ModuleMap) commit(pid PidKey, sections []Section, modules *immutable.Map[uint64, moduleEntry]) {
	m.pidToSections = m.pidToSections.Set(pid, sections)
	m.sectionToModule = m.sectionToModule.Set(pid, modules)
}

// Add indexes every section of mod under mod.Pid.
//
// A zero sized section, or one whose range runs past the end of the 64-bit
// address space, fails the whole call with ErrInvalidSection and nothing is
// committed. A section overlapping one already indexed for the pid is
// reported to the Diagnostics sink and skipped.
func (m *ModuleMap) Add(mod *Module) error {
	if mod == nil {
		return ErrNilModule
	}
	current, modules, _ := m.tables(mod.Pid)
	sections := slices.Clone(current)

	added := 0
	for _, s := range mod.Sections {
		if s.Size == 0 {
			return errors.Wrapf(ErrInvalidSection, "section %s of module %s has zero size", s, mod)
		}
		if s.Size-1 > math.MaxUint64-s.RuntimeLoadBase {
			return errors.Wrapf(ErrInvalidSection, "section %s of module %s wraps past the end of the address space", s, mod)
		}
		i, found := index(sections, s, CompareSections)
		if found {
			existing := sections[i]
			owner, _ := lookupModule(modules, existing)
			m.metrics.conflict()
			m.diag.SectionConflict(mod.Pid, s, existing, owner)
			continue
		}
		sections = slices.Insert(sections, i, s)
		modules = modules.Set(s.RuntimeLoadBase, moduleEntry{section: s, module: mod})
		added++
	}

	m.commit(mod.Pid, sections, modules)
	m.metrics.added(added)
	return nil
}

// Remove drops the sections of mod that are indexed under mod.Pid. Only the
// exact same section value is removed; absent sections are ignored, and so
// is a nil mod.
func (m *ModuleMap) Remove(mod *Module) {
	if mod == nil {
		return
	}
	current, modules, ok := m.tables(mod.Pid)
	if !ok {
		return
	}
	sections := slices.Clone(current)
	removed := 0
	for _, s := range mod.Sections {
		if s.Size == 0 {
			continue
		}
		i, found := index(sections, s, CompareSections)
		if !found || sections[i] != s {
			continue
		}
		sections = slices.Delete(sections, i, i+1)
		modules = modules.Delete(s.RuntimeLoadBase)
		removed++
	}
	if removed == 0 {
		return
	}
	m.commit(mod.Pid, sections, modules)
	m.metrics.removed(removed)
}

// RemovePid forgets every section and module of pid.
func (m *ModuleMap) RemovePid(pid PidKey) {
	m.pidToSections = m.pidToSections.Delete(pid)
	m.sectionToModule = m.sectionToModule.Delete(pid)
}

func (m *ModuleMap) translatePid(pid PidKey, pc uint64) PidKey {
	if pc >= m.kernelStart {
		return KernelPid
	}
	return pid
}

// Get returns the module mapped at pc in the address space of pid.
// Addresses at or above KernelStart are looked up under KernelPid.
func (m *ModuleMap) Get(pid PidKey, pc uint64) (*Module, error) {
	pid = m.translatePid(pid, pc)
	sections, modules, ok := m.tables(pid)
	if !ok {
		m.metrics.lookup(lookupPidNotFound)
		return nil, errors.Wrapf(ErrPidNotFound, "pid=%d", pid)
	}

	i, found := index(sections, Section{RuntimeLoadBase: pc, Size: 1}, CompareSections)
	if !found {
		m.metrics.lookup(lookupNotMapped)
		return nil, errors.Wrapf(ErrAddressNotMapped, "pid=%d pc=0x%x", pid, pc)
	}
	mod, ok := lookupModule(modules, sections[i])
	if !ok {
		m.metrics.lookup(lookupNotMapped)
		return nil, errors.Wrapf(ErrAddressNotMapped, "pid=%d pc=0x%x: no module for section %s", pid, pc, sections[i])
	}
	m.metrics.lookup(lookupHit)
	return mod, nil
}

// Resolve returns the module mapped at pc together with pc translated into
// the module's native address space.
func (m *ModuleMap) Resolve(pid PidKey, pc uint64) (*Module, uint64, error) {
	mod, err := m.Get(pid, pc)
	if err != nil {
		return nil, 0, err
	}
	native, _ := mod.ToNative(pc)
	return mod, native, nil
}

// Clone returns an independent copy sharing all current structure.
func (m *ModuleMap) Clone() *ModuleMap {
	c := *m
	return &c
}

func (m *ModuleMap) KernelStart() uint64 {
	return m.kernelStart
}

func (m *ModuleMap) SetKernelStart(addr uint64) {
	m.kernelStart = addr
}

// Pids returns the tracked pids in ascending order.
func (m *ModuleMap) Pids() []PidKey {
	pids := make([]PidKey, 0, m.pidToSections.Len())
	itr := m.pidToSections.Iterator()
	for !itr.Done() {
		pid, _, _ := itr.Next()
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Sections returns a copy of the sections indexed for pid, in runtime order.
func (m *ModuleMap) Sections(pid PidKey) []Section {
	sections, _ := m.pidToSections.Get(pid)
	return slices.Clone(sections)
}

func (m *ModuleMap) owner(pid PidKey, s Section) *Module {
	_, modules, _ := m.tables(pid)
	mod, _ := lookupModule(modules, s)
	return mod
}
