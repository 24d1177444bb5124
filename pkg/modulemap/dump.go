package modulemap

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
)

// Dump writes every indexed section of every pid as a table.
func (m *ModuleMap) Dump(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PID", "Section", "Runtime base", "Native base", "Size", "Perms", "Module", "Path"})
	for _, pid := range m.Pids() {
		for _, s := range m.Sections(pid) {
			name, path := "", ""
			if mod := m.owner(pid, s); mod != nil {
				name, path = mod.Name, mod.Path
			}
			table.Append([]string{
				strconv.FormatUint(uint64(pid), 10),
				s.Name,
				fmt.Sprintf("0x%x", s.RuntimeLoadBase),
				fmt.Sprintf("0x%x", s.NativeLoadBase),
				humanize.IBytes(s.Size),
				s.Perms(),
				name,
				path,
			})
		}
	}
	table.Render()
}

// DumpLog logs one line per indexed section.
func (m *ModuleMap) DumpLog(logger log.Logger) {
	level.Info(logger).Log("msg", "dumping module map", "pids", m.pidToSections.Len())
	for _, pid := range m.Pids() {
		for _, s := range m.Sections(pid) {
			level.Info(logger).Log("msg", "section", "pid", pid, "section", s, "module", m.owner(pid, s))
		}
	}
	level.Info(logger).Log("msg", "dumping module map done")
}
