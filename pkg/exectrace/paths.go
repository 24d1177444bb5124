package exectrace

import "github.com/samber/lo"

// SelectPaths returns the trace restricted to the execution paths in ids and
// their ancestors. Fork entries only keep the children leading to one of
// those paths. The trace of an ancestor that is not itself in ids ends with
// its first fork into a kept child. With no ids entries is returned as is.
// entries is not modified.
func SelectPaths(entries []Entry, ids ...StateID) []Entry {
	if len(ids) == 0 {
		return entries
	}
	parents := map[StateID]StateID{}
	collectParents(entries, 0, parents)

	keep := map[StateID]struct{}{}
	for _, id := range ids {
		for {
			if _, ok := keep[id]; ok {
				break
			}
			keep[id] = struct{}{}
			parent, ok := parents[id]
			if !ok {
				break
			}
			id = parent
		}
	}
	return selectPaths(entries, 0, lo.Keyify(ids), keep)
}

func collectParents(entries []Entry, state StateID, parents map[StateID]StateID) {
	for i := range entries {
		for id, trace := range entries[i].Children {
			parents[id] = state
			collectParents(trace, id, parents)
		}
	}
}

func selectPaths(entries []Entry, state StateID, selected, keep map[StateID]struct{}) []Entry {
	_, full := selected[state]
	res := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Type != EntryFork {
			res = append(res, e)
			continue
		}
		children := make(map[StateID][]Entry, len(e.Children))
		for _, id := range childIDs(e.Children) {
			if _, ok := keep[id]; ok {
				children[id] = selectPaths(e.Children[id], id, selected, keep)
			}
		}
		e.Children = children
		res = append(res, e)
		if len(children) > 0 && !full {
			break
		}
	}
	return res
}
