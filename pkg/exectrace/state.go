package exectrace

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/s2e-env/modmap/pkg/modulemap"
)

// State is the analysis state of one execution path.
type State struct {
	Modules *modulemap.ModuleMap
}

func NewState(modules *modulemap.ModuleMap) *State {
	return &State{Modules: modules}
}

// Clone returns the state of a newly forked path. Updates applied to the
// clone are not visible to s and the other way around.
func (s *State) Clone() *State {
	return &State{Modules: s.Modules.Clone()}
}

// Apply updates the state with the effect of a single entry. Fork entries
// have no effect on the state that forks.
func (s *State) Apply(e *Entry) error {
	switch e.Type {
	case EntryOSInfo:
		s.Modules.SetKernelStart(e.KernelStart)
	case EntryModuleLoad:
		if e.Module == nil {
			return fmt.Errorf("state %d: module load without module", e.StateID)
		}
		if err := s.Modules.Add(modulemap.NewModule(e.Module)); err != nil {
			return errors.Wrapf(err, "state %d", e.StateID)
		}
	case EntryModuleUnload:
		if e.Module != nil {
			s.Modules.Remove(modulemap.NewModule(e.Module))
		}
	case EntryProcessUnload:
		s.Modules.RemovePid(e.Pid)
	}
	return nil
}

// Replay applies the entries of the path that starts the trace. Forked
// children are not followed.
func Replay(entries []Entry, s *State) error {
	for i := range entries {
		if err := s.Apply(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func childIDs[T any](children map[StateID]T) []StateID {
	ids := lo.Keys(children)
	slices.Sort(ids)
	return ids
}
