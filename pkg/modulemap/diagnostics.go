package modulemap

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Diagnostics receives non-fatal conditions detected while updating the map.
type Diagnostics interface {
	// SectionConflict is called when section overlaps existing, already
	// indexed for pid and owned by owner. The new section is dropped.
	SectionConflict(pid PidKey, section Section, existing Section, owner *Module)
}

type NopDiagnostics struct{}

func (NopDiagnostics) SectionConflict(PidKey, Section, Section, *Module) {}

type LogDiagnostics struct {
	logger log.Logger
}

func NewLogDiagnostics(logger log.Logger) *LogDiagnostics {
	return &LogDiagnostics{logger: logger}
}

func (d *LogDiagnostics) SectionConflict(pid PidKey, section Section, existing Section, owner *Module) {
	level.Warn(d.logger).Log(
		"msg", "section already loaded",
		"pid", pid,
		"section", section,
		"existing", existing,
		"module", owner,
	)
}
