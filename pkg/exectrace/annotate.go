package exectrace

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/s2e-env/modmap/pkg/modulemap"
)

// ModuleRef locates an entry's pc inside the binary that was mapped there.
type ModuleRef struct {
	Name string `json:"name"`
	Pc   uint64 `json:"pc"`
}

type AnnotatedEntry struct {
	Type        EntryType                    `json:"type"`
	StateID     StateID                      `json:"state_id"`
	Pid         modulemap.PidKey             `json:"pid"`
	Pc          uint64                       `json:"pc"`
	Event       *modulemap.ModuleDescriptor  `json:"module_event,omitempty"`
	KernelStart uint64                       `json:"kernel_start,omitempty"`
	Fields      map[string]any               `json:"fields,omitempty"`
	Children    map[StateID][]AnnotatedEntry `json:"children,omitempty"`
	Module      *ModuleRef                   `json:"module,omitempty"`
}

// Annotator replays a trace tree and resolves the pc of every entry to the
// module mapped there at that point of the trace.
type Annotator struct {
	logger log.Logger
}

func NewAnnotator(logger log.Logger) *Annotator {
	return &Annotator{logger: logger}
}

// Annotate walks entries in order, updating s. Every forked child trace is
// annotated against its own clone of the state at the fork point.
func (a *Annotator) Annotate(entries []Entry, s *State) ([]AnnotatedEntry, error) {
	res := make([]AnnotatedEntry, 0, len(entries))
	for i := range entries {
		ae, err := a.annotate(&entries[i], s)
		if err != nil {
			return nil, err
		}
		res = append(res, ae)
	}
	return res, nil
}

func (a *Annotator) annotate(e *Entry, s *State) (AnnotatedEntry, error) {
	res := AnnotatedEntry{
		Type:        e.Type,
		StateID:     e.StateID,
		Pid:         e.Pid,
		Pc:          e.Pc,
		Event:       e.Module,
		KernelStart: e.KernelStart,
		Fields:      e.Fields,
	}

	if e.Type == EntryFork {
		res.Children = make(map[StateID][]AnnotatedEntry, len(e.Children))
		for _, id := range childIDs(e.Children) {
			trace, err := a.Annotate(e.Children[id], s.Clone())
			if err != nil {
				return res, errors.Wrapf(err, "forked state %d", id)
			}
			res.Children[id] = trace
		}
	} else if err := s.Apply(e); err != nil {
		return res, err
	}

	mod, native, err := s.Modules.Resolve(e.Pid, e.Pc)
	if err != nil {
		level.Debug(a.logger).Log("msg", "error while computing module", "state", e.StateID, "err", err)
		return res, nil
	}
	if native != 0 {
		res.Module = &ModuleRef{Name: mod.Path, Pc: native}
	}
	return res, nil
}

// map keys are sorted so identical traces always produce identical output.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

func WriteJSON(w io.Writer, entries []AnnotatedEntry, pretty bool) error {
	enc := jsonAPI.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "    ")
	}
	return enc.Encode(entries)
}
