package modulemap

import "fmt"

// Section is one contiguous memory range of a loaded module.
// Sections are values and never change once built.
type Section struct {
	Name            string
	RuntimeLoadBase uint64
	NativeLoadBase  uint64
	Size            uint64
	Readable        bool
	Writable        bool
	Executable      bool
}

func NewSection(d SectionDescriptor) Section {
	return Section{
		Name:            d.Name,
		RuntimeLoadBase: d.RuntimeLoadBase,
		NativeLoadBase:  d.NativeLoadBase,
		Size:            d.Size,
		Readable:        d.Readable,
		Writable:        d.Writable,
		Executable:      d.Executable,
	}
}

// Contains reports whether pc lies in [RuntimeLoadBase, RuntimeLoadBase+Size).
func (s Section) Contains(pc uint64) bool {
	return pc >= s.RuntimeLoadBase && pc-s.RuntimeLoadBase < s.Size
}

// last is the highest runtime address of the section. Size must be > 0.
func (s Section) last() uint64 {
	return s.RuntimeLoadBase + (s.Size - 1)
}

// CompareSections orders sections by runtime address. Overlapping sections
// compare as equal, which lets a binary search over non-overlapping sections
// find the section containing an address by searching for a one byte section
// at that address.
func CompareSections(a, b Section) int {
	switch {
	case a.last() < b.RuntimeLoadBase:
		return -1
	case b.last() < a.RuntimeLoadBase:
		return 1
	}
	return 0
}

func (s Section) Perms() string {
	perms := []byte("---")
	if s.Readable {
		perms[0] = 'r'
	}
	if s.Writable {
		perms[1] = 'w'
	}
	if s.Executable {
		perms[2] = 'x'
	}
	return string(perms)
}

func (s Section) String() string {
	return fmt.Sprintf("name:%s rt_base=0x%x size=0x%x", s.Name, s.RuntimeLoadBase, s.Size)
}
