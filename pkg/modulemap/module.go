package modulemap

import "fmt"

type PidKey uint64

// KernelPid is the pid under which kernel space sections are indexed.
const KernelPid PidKey = 0

const unknownName = "<unknown>"

// Module is a binary loaded in one process together with its sections,
// in runtime address order.
type Module struct {
	Name     string
	Path     string
	Pid      PidKey
	Sections []Section
}

// NewModule builds a module from a decoded load event. A nil descriptor
// yields the unknown module.
func NewModule(d *ModuleDescriptor) *Module {
	if d == nil {
		return UnknownModule()
	}
	m := &Module{
		Name:     d.Name,
		Path:     d.Path,
		Pid:      d.Pid,
		Sections: make([]Section, 0, len(d.Sections)),
	}
	for _, sd := range d.Sections {
		m.Sections = append(m.Sections, NewSection(sd))
	}
	return m
}

func UnknownModule() *Module {
	return &Module{Name: unknownName, Path: unknownName, Pid: KernelPid}
}

// GetSection returns the first section containing pc.
func (m *Module) GetSection(pc uint64) (Section, bool) {
	for _, s := range m.Sections {
		if s.Contains(pc) {
			return s, true
		}
	}
	return Section{}, false
}

// ToNative translates a runtime address into the module's on-disk address space.
func (m *Module) ToNative(pc uint64) (uint64, bool) {
	s, ok := m.GetSection(pc)
	if !ok {
		return 0, false
	}
	return pc - s.RuntimeLoadBase + s.NativeLoadBase, true
}

// Equal compares modules by path and name. The pid is not part of the identity.
func (m *Module) Equal(other *Module) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Path == other.Path && m.Name == other.Name
}

func (m *Module) String() string {
	return fmt.Sprintf("Module name:%s (%s) pid:%d", m.Name, m.Path, m.Pid)
}
