package exectrace

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/s2e-env/modmap/pkg/modulemap"
)

type EntryType string

const (
	EntryFork          EntryType = "fork"
	EntryModuleLoad    EntryType = "module_load"
	EntryModuleUnload  EntryType = "module_unload"
	EntryProcessUnload EntryType = "process_unload"
	EntryOSInfo        EntryType = "osinfo"

	EntryTBStart        EntryType = "tb_start"
	EntryTBEnd          EntryType = "tb_end"
	EntryException      EntryType = "exception"
	EntryTestCase       EntryType = "testcase"
	EntryMemory         EntryType = "memory"
	EntryPageFault      EntryType = "pagefault"
	EntryTLBMiss        EntryType = "tlbmiss"
	EntryICount         EntryType = "icount"
	EntryStateSwitch    EntryType = "state_switch"
	EntryBlock          EntryType = "block"
	EntryCacheSimParams EntryType = "cache_sim_params"
	EntryCFIStats       EntryType = "cfi_stats"
	EntryCFIViolation   EntryType = "cfi_violation"
)

var knownEntryTypes = map[EntryType]struct{}{
	EntryFork:           {},
	EntryModuleLoad:     {},
	EntryModuleUnload:   {},
	EntryProcessUnload:  {},
	EntryOSInfo:         {},
	EntryTBStart:        {},
	EntryTBEnd:          {},
	EntryException:      {},
	EntryTestCase:       {},
	EntryMemory:         {},
	EntryPageFault:      {},
	EntryTLBMiss:        {},
	EntryICount:         {},
	EntryStateSwitch:    {},
	EntryBlock:          {},
	EntryCacheSimParams: {},
	EntryCFIStats:       {},
	EntryCFIViolation:   {},
}

// StateID identifies an execution path. State 0 starts the trace.
type StateID uint64

// UnmarshalYAML accepts an integer or a numeric string, so state ids decode
// both as values and as JSON object keys.
func (id *StateID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: state id must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid state id %q", value.Line, value.Value)
	}
	*id = StateID(v)
	return nil
}

// Entry is one decoded execution trace item. Pid and Pc come from the item
// header. A fork entry carries the traces of the forked states in Children,
// keyed by state id.
type Entry struct {
	Type        EntryType                   `yaml:"type" json:"type"`
	StateID     StateID                     `yaml:"state_id" json:"state_id"`
	Pid         modulemap.PidKey            `yaml:"pid" json:"pid"`
	Pc          uint64                      `yaml:"pc" json:"pc"`
	Module      *modulemap.ModuleDescriptor `yaml:"module,omitempty" json:"module,omitempty"`
	KernelStart uint64                      `yaml:"kernel_start,omitempty" json:"kernel_start,omitempty"`
	Children    map[StateID][]Entry         `yaml:"children,omitempty" json:"children,omitempty"`
	Fields      map[string]any              `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Decode reads a list of decoded entries. JSON input is accepted as well.
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode trace entries: %w", err)
	}
	return entries, nil
}

func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Validate reports every malformed entry of the trace tree.
func Validate(entries []Entry) error {
	var errs *multierror.Error
	validate(entries, "", &errs)
	return errs.ErrorOrNil()
}

func validate(entries []Entry, prefix string, errs **multierror.Error) {
	for i := range entries {
		e := &entries[i]
		where := prefix + strconv.Itoa(i)
		if _, ok := knownEntryTypes[e.Type]; !ok {
			*errs = multierror.Append(*errs, fmt.Errorf("entry %s: unknown type %q", where, e.Type))
			continue
		}
		switch e.Type {
		case EntryModuleLoad, EntryModuleUnload:
			if e.Module == nil {
				*errs = multierror.Append(*errs, fmt.Errorf("entry %s: %s without module", where, e.Type))
			}
		case EntryFork:
			if len(e.Children) == 0 {
				*errs = multierror.Append(*errs, fmt.Errorf("entry %s: fork without children", where))
			}
			for _, id := range childIDs(e.Children) {
				validate(e.Children[id], fmt.Sprintf("%s/%d/", where, id), errs)
			}
		}
	}
}
