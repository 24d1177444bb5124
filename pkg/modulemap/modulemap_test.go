package modulemap

import (
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conflict struct {
	pid      PidKey
	section  Section
	existing Section
	owner    *Module
}

type recordingDiagnostics struct {
	conflicts []conflict
}

func (d *recordingDiagnostics) SectionConflict(pid PidKey, section Section, existing Section, owner *Module) {
	d.conflicts = append(d.conflicts, conflict{pid, section, existing, owner})
}

func newModule(name string, pid PidKey, sections ...Section) *Module {
	return &Module{Name: name, Path: "/bin/" + name, Pid: pid, Sections: sections}
}

func text(base, size uint64) Section {
	return Section{Name: ".text", RuntimeLoadBase: base, NativeLoadBase: 0x400000, Size: size, Readable: true, Executable: true}
}

func requireModule(t *testing.T, m *ModuleMap, pid PidKey, pc uint64, expected *Module) {
	t.Helper()
	mod, err := m.Get(pid, pc)
	require.NoError(t, err, "pid=%d pc=0x%x", pid, pc)
	require.Same(t, expected, mod, "pid=%d pc=0x%x", pid, pc)
}

func TestModuleMapGet(t *testing.T) {
	m := New()
	libc := newModule("libc.so", 7, text(0x7000, 0x1000), Section{Name: ".data", RuntimeLoadBase: 0x9000, Size: 0x100})
	app := newModule("app", 7, text(0x1000, 0x100), text(0x3000, 0x100))
	require.NoError(t, m.Add(libc))
	require.NoError(t, m.Add(app))

	for _, pc := range []uint64{0x1000, 0x10ff, 0x3000, 0x3080} {
		requireModule(t, m, 7, pc, app)
	}
	for _, pc := range []uint64{0x7000, 0x7fff, 0x9000, 0x90ff} {
		requireModule(t, m, 7, pc, libc)
	}
	for _, pc := range []uint64{0, 0xfff, 0x1100, 0x2000, 0x8000, 0x9100, math.MaxUint64 - 1} {
		_, err := m.Get(7, pc)
		require.ErrorIs(t, err, ErrAddressNotMapped, "pc=0x%x", pc)
	}

	_, err := m.Get(8, 0x1000)
	require.ErrorIs(t, err, ErrPidNotFound)

	require.Equal(t, []Section{app.Sections[0], app.Sections[1], libc.Sections[0], libc.Sections[1]}, m.Sections(7))
}

func TestModuleMapSectionsSorted(t *testing.T) {
	m := New()
	bases := []uint64{0x9000, 0x1000, 0x5000, 0x3000, 0x7000}
	for i, base := range bases {
		require.NoError(t, m.Add(newModule(fmt.Sprintf("m%d", i), 1, text(base, 0x800))))
	}
	sections := m.Sections(1)
	require.Len(t, sections, len(bases))
	for i := 1; i < len(sections); i++ {
		assert.Equal(t, -1, CompareSections(sections[i-1], sections[i]))
	}
}

func TestModuleMapAddZeroSize(t *testing.T) {
	m := New()
	existing := newModule("existing", 7, text(0x8000, 0x100))
	require.NoError(t, m.Add(existing))
	before := m.Sections(7)

	bad := newModule("bad", 7,
		text(0x1000, 0x100),
		Section{Name: ".bss", RuntimeLoadBase: 0x2000, Size: 0},
		text(0x3000, 0x100),
	)
	err := m.Add(bad)
	require.ErrorIs(t, err, ErrInvalidSection)

	require.Equal(t, before, m.Sections(7))
	_, err = m.Get(7, 0x1000)
	require.ErrorIs(t, err, ErrAddressNotMapped)
	_, err = m.Get(7, 0x3000)
	require.ErrorIs(t, err, ErrAddressNotMapped)
	requireModule(t, m, 7, 0x8000, existing)

	err = m.Add(newModule("bad", 9, Section{Name: ".bss", RuntimeLoadBase: 0x2000}))
	require.ErrorIs(t, err, ErrInvalidSection)
	_, err = m.Get(9, 0x2000)
	require.ErrorIs(t, err, ErrPidNotFound)
}

func TestModuleMapAddAddressSpaceEnd(t *testing.T) {
	for _, tc := range []struct {
		name    string
		section Section
		valid   bool
	}{
		{name: "wraps", section: text(0xfffffffffffff000, 0x2000)},
		{name: "wraps by one", section: text(0xfffffffffffff000, 0x1001)},
		{name: "whole space from two", section: text(2, math.MaxUint64)},
		{name: "ends at the top", section: text(0xfffffffffffff000, 0x1000), valid: true},
		{name: "last byte", section: text(math.MaxUint64, 1), valid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// pc MaxUint64 is always redirected, so index under the kernel pid.
			m := New()
			low := newModule("low", KernelPid, text(0x1000, 0x100))
			require.NoError(t, m.Add(low))

			high := newModule("high", KernelPid, tc.section)
			err := m.Add(high)
			if !tc.valid {
				require.ErrorIs(t, err, ErrInvalidSection)
				require.Equal(t, []Section{low.Sections[0]}, m.Sections(KernelPid))
				requireModule(t, m, KernelPid, 0x1050, low)
				return
			}
			require.NoError(t, err)
			require.Equal(t, []Section{low.Sections[0], tc.section}, m.Sections(KernelPid))
			requireModule(t, m, KernelPid, 0x1050, low)
			requireModule(t, m, KernelPid, math.MaxUint64, high)
			requireModule(t, m, 7, math.MaxUint64, high)
		})
	}
}

func TestModuleMapNilModule(t *testing.T) {
	m := New()
	require.ErrorIs(t, m.Add(nil), ErrNilModule)
	require.Empty(t, m.Pids())

	app := newModule("app", 7, text(0x1000, 0x100))
	require.NoError(t, m.Add(app))
	require.NotPanics(t, func() { m.Remove(nil) })
	requireModule(t, m, 7, 0x1050, app)
}

// Replacing a section by another one at the same base must not leave the
// old owner reachable through the module table.
func TestModuleMapSameBaseReplacement(t *testing.T) {
	m := New()
	small := newModule("small", 7, text(0x1000, 0x100))
	neighbour := newModule("neighbour", 7, text(0x4000, 0x100))
	require.NoError(t, m.Add(small))
	require.NoError(t, m.Add(neighbour))

	m.Remove(small)
	large := newModule("large", 7, text(0x1000, 0x2000))
	require.NoError(t, m.Add(large))
	requireModule(t, m, 7, 0x1050, large)
	requireModule(t, m, 7, 0x2800, large)
	requireModule(t, m, 7, 0x4050, neighbour)
	require.Same(t, large, m.owner(7, large.Sections[0]))
	require.Nil(t, m.owner(7, small.Sections[0]))

	// the same base in another pid is a separate entry
	other := newModule("other", 8, text(0x1000, 0x100))
	require.NoError(t, m.Add(other))
	requireModule(t, m, 8, 0x1050, other)
	requireModule(t, m, 7, 0x1050, large)

	// a removal with a different size at the same base is not a match
	m.Remove(newModule("large", 7, text(0x1000, 0x100)))
	requireModule(t, m, 7, 0x1050, large)
}

func TestModuleMapAddConflict(t *testing.T) {
	diag := &recordingDiagnostics{}
	metrics := NewMetrics(prometheus.NewRegistry())
	m := New(WithDiagnostics(diag), WithMetrics(metrics))

	first := newModule("first", 7, text(0x1000, 0x100))
	second := newModule("second", 7, text(0x10f0, 0x200), text(0x5000, 0x100))
	require.NoError(t, m.Add(first))
	require.NoError(t, m.Add(second))

	requireModule(t, m, 7, 0x10f8, first)
	requireModule(t, m, 7, 0x5050, second)
	_, err := m.Get(7, 0x1200)
	require.ErrorIs(t, err, ErrAddressNotMapped)

	require.Equal(t, []conflict{{
		pid:      7,
		section:  second.Sections[0],
		existing: first.Sections[0],
		owner:    first,
	}}, diag.conflicts)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.SectionConflicts))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.SectionsAdded))
}

func TestModuleMapAddConflictWithinModule(t *testing.T) {
	diag := &recordingDiagnostics{}
	m := New(WithDiagnostics(diag))
	mod := newModule("dup", 3, text(0x1000, 0x100), text(0x1000, 0x100))
	require.NoError(t, m.Add(mod))

	require.Len(t, m.Sections(3), 1)
	require.Len(t, diag.conflicts, 1)
	require.Same(t, mod, diag.conflicts[0].owner)
}

func TestModuleMapReAddSameModule(t *testing.T) {
	diag := &recordingDiagnostics{}
	m := New(WithDiagnostics(diag))
	mod := newModule("app", 7, text(0x1000, 0x100), text(0x2000, 0x100))
	require.NoError(t, m.Add(mod))
	require.NoError(t, m.Add(mod))
	require.Len(t, m.Sections(7), 2)
	require.Len(t, diag.conflicts, 2)
	requireModule(t, m, 7, 0x2000, mod)
}

func TestModuleMapAddEmptyModule(t *testing.T) {
	m := New()
	require.NoError(t, m.Add(newModule("empty", 4)))
	require.Equal(t, []PidKey{4}, m.Pids())

	_, err := m.Get(4, 0x1000)
	require.ErrorIs(t, err, ErrAddressNotMapped)
}

func TestModuleMapRemove(t *testing.T) {
	metrics := NewMetrics(nil)
	m := New(WithMetrics(metrics))
	app := newModule("app", 7, text(0x1000, 0x100), text(0x3000, 0x100))
	lib := newModule("lib", 7, text(0x5000, 0x100))
	require.NoError(t, m.Add(app))
	require.NoError(t, m.Add(lib))

	m.Remove(app)
	_, err := m.Get(7, 0x1050)
	require.ErrorIs(t, err, ErrAddressNotMapped)
	_, err = m.Get(7, 0x3050)
	require.ErrorIs(t, err, ErrAddressNotMapped)
	requireModule(t, m, 7, 0x5050, lib)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.SectionsRemoved))

	// idempotent
	m.Remove(app)
	require.Equal(t, []Section{lib.Sections[0]}, m.Sections(7))

	m.Remove(lib)
	require.Empty(t, m.Sections(7))
	_, err = m.Get(7, 0x5050)
	require.ErrorIs(t, err, ErrAddressNotMapped)
}

func TestModuleMapRemoveRequiresExactSection(t *testing.T) {
	m := New()
	app := newModule("app", 7, text(0x1000, 0x100))
	require.NoError(t, m.Add(app))

	m.Remove(newModule("app", 7, text(0x1010, 0x100)))
	m.Remove(newModule("app", 7, text(0x1000, 0x80)))
	requireModule(t, m, 7, 0x1050, app)
}

func TestModuleMapRemoveUnknownPid(t *testing.T) {
	m := New()
	m.Remove(newModule("app", 42, text(0x1000, 0x100)))
	m.RemovePid(42)
	require.Empty(t, m.Pids())

	_, err := m.Get(42, 0x1000)
	require.ErrorIs(t, err, ErrPidNotFound)
}

func TestModuleMapRemovePid(t *testing.T) {
	m := New()
	app := newModule("app", 7, text(0x1000, 0x100))
	other := newModule("app", 8, text(0x1000, 0x100))
	require.NoError(t, m.Add(app))
	require.NoError(t, m.Add(other))

	m.RemovePid(7)
	for _, pc := range []uint64{0, 0x1000, 0x1050} {
		_, err := m.Get(7, pc)
		require.ErrorIs(t, err, ErrPidNotFound)
	}
	requireModule(t, m, 8, 0x1050, other)
	require.Equal(t, []PidKey{8}, m.Pids())

	// the pid starts from scratch when it is reused
	reused := newModule("reused", 7, text(0x1000, 0x100))
	require.NoError(t, m.Add(reused))
	requireModule(t, m, 7, 0x1050, reused)
}

func TestModuleMapKernelRedirect(t *testing.T) {
	const kernelStart = 0xffff800000000000
	m := New()
	require.Equal(t, uint64(math.MaxUint64), m.KernelStart())
	m.SetKernelStart(kernelStart)
	require.Equal(t, uint64(kernelStart), m.KernelStart())

	kernel := newModule("ntoskrnl.exe", KernelPid, text(0xffff800000001000, 0x1000))
	app := newModule("app", 7, text(0x1000, 0x100))
	require.NoError(t, m.Add(kernel))
	require.NoError(t, m.Add(app))

	for _, pid := range []PidKey{0, 7, 999} {
		requireModule(t, m, pid, 0xffff800000001010, kernel)
	}
	requireModule(t, m, 7, 0x1050, app)

	_, err := m.Get(999, 0x1050)
	require.ErrorIs(t, err, ErrPidNotFound)
	_, err = m.Get(999, 0xffff800000000000)
	require.ErrorIs(t, err, ErrAddressNotMapped)
}

func TestModuleMapKernelRedirectWithoutKernelSections(t *testing.T) {
	m := New(WithKernelStart(0x1000))
	require.NoError(t, m.Add(newModule("app", 7, text(0x1000, 0x100))))

	_, err := m.Get(7, 0x1050)
	require.ErrorIs(t, err, ErrPidNotFound)
	_, err = m.Get(7, 0xfff)
	require.ErrorIs(t, err, ErrAddressNotMapped)
}

func TestModuleMapExampleScenario(t *testing.T) {
	idx := New()
	mod := newModule("M", 7, Section{Name: ".text", RuntimeLoadBase: 0x1000, NativeLoadBase: 0x400000, Size: 0x100})
	require.NoError(t, idx.Add(mod))

	requireModule(t, idx, 7, 0x1050, mod)
	native, ok := mod.ToNative(0x1050)
	require.True(t, ok)
	require.Equal(t, uint64(0x400050), native)

	resolved, native, err := idx.Resolve(7, 0x1050)
	require.NoError(t, err)
	require.Same(t, mod, resolved)
	require.Equal(t, uint64(0x400050), native)

	idx2 := idx.Clone()
	idx.Remove(mod)
	_, err = idx.Get(7, 0x1050)
	require.ErrorIs(t, err, ErrAddressNotMapped)
	requireModule(t, idx2, 7, 0x1050, mod)
}

func TestModuleMapCloneIsolation(t *testing.T) {
	base := New()
	app := newModule("app", 7, text(0x1000, 0x100))
	require.NoError(t, base.Add(app))

	branch := base.Clone()
	lib := newModule("lib", 7, text(0x5000, 0x100))
	require.NoError(t, branch.Add(lib))
	requireModule(t, branch, 7, 0x5050, lib)
	_, err := base.Get(7, 0x5050)
	require.ErrorIs(t, err, ErrAddressNotMapped)

	base.Remove(app)
	requireModule(t, branch, 7, 0x1050, app)

	branch.RemovePid(7)
	_, err = branch.Get(7, 0x1050)
	require.ErrorIs(t, err, ErrPidNotFound)
	require.Equal(t, []PidKey{7}, base.Pids())

	branch.SetKernelStart(0x100)
	require.Equal(t, uint64(math.MaxUint64), base.KernelStart())

	late := base.Clone()
	require.Equal(t, base.KernelStart(), late.KernelStart())
	require.Empty(t, late.Sections(7))
}

func TestModuleMapManyBranches(t *testing.T) {
	root := New()
	shared := newModule("shared", 1, text(0x1000, 0x100))
	require.NoError(t, root.Add(shared))

	const n = 64
	branches := make([]*ModuleMap, n)
	modules := make([]*Module, n)
	for i := range branches {
		branches[i] = root.Clone()
		modules[i] = newModule(fmt.Sprintf("m%d", i), 1, text(0x10000+uint64(i)*0x1000, 0x100))
		require.NoError(t, branches[i].Add(modules[i]))
	}
	for i, b := range branches {
		requireModule(t, b, 1, 0x1050, shared)
		require.Len(t, b.Sections(1), 2)
		for j := range modules {
			pc := 0x10000 + uint64(j)*0x1000
			if i == j {
				requireModule(t, b, 1, pc, modules[j])
				continue
			}
			_, err := b.Get(1, pc)
			require.ErrorIs(t, err, ErrAddressNotMapped)
		}
	}
	require.Len(t, root.Sections(1), 1)
}

func TestModuleMapSectionsIsACopy(t *testing.T) {
	m := New()
	app := newModule("app", 7, text(0x1000, 0x100))
	require.NoError(t, m.Add(app))

	sections := m.Sections(7)
	sections[0].RuntimeLoadBase = 0x9000
	requireModule(t, m, 7, 0x1050, app)
}

func TestModuleMapLookupMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m := New(WithMetrics(metrics))
	require.NoError(t, m.Add(newModule("app", 7, text(0x1000, 0x100))))

	_, _ = m.Get(7, 0x1000)
	_, _ = m.Get(7, 0x2000)
	_, _ = m.Get(8, 0x1000)
	_, _ = m.Get(7, 0x1001)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues(lookupHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues(lookupNotMapped)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Lookups.WithLabelValues(lookupPidNotFound)))
}

func BenchmarkModuleMapClone(b *testing.B) {
	m := New()
	for pid := PidKey(1); pid <= 64; pid++ {
		for i := uint64(0); i < 32; i++ {
			_ = m.Add(newModule(fmt.Sprintf("m%d", i), pid, text(0x10000+i*0x1000, 0x800)))
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := m.Clone()
		_ = c.Add(newModule("branch", 1, text(0x100, 0x10)))
	}
}

func BenchmarkModuleMapGet(b *testing.B) {
	m := New()
	for i := uint64(0); i < 256; i++ {
		_ = m.Add(newModule(fmt.Sprintf("m%d", i), 1, text(0x10000+i*0x1000, 0x800)))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Get(1, 0x10000+uint64(i%256)*0x1000+0x10)
	}
}
