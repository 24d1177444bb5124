package modulemap

import "sort"

// index returns the position of the first section not ordered before target
// and whether that section compares equal to it. On a miss the position is
// where target would be inserted to keep sections sorted.
func index(sections []Section, target Section, cmp func(a, b Section) int) (int, bool) {
	i := sort.Search(len(sections), func(i int) bool {
		return cmp(sections[i], target) >= 0
	})
	if i < len(sections) && cmp(sections[i], target) == 0 {
		return i, true
	}
	return i, false
}
