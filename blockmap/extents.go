package blockmap

import (
	"sort"

	"github.com/halfs/halfs/device"
)

// extent is a contiguous run of free blocks [Base, Base+Length).
type extent struct {
	Base   device.Address
	Length uint64
}

// extentSet is the free-extent side of the block map's two redundant
// views (spec.md §3.2): a base-ordered slice, used both for neighbor
// lookups during coalescing and, by linear scan, for "smallest extent
// that still satisfies n" queries (smallestFit, bySizeAscending). Grounded
// on the sorted-extent style of filesystem/ext4/extent.go's `extents`
// type. A separate size-bucketed index is not maintained: the scans below
// are the only size-ordered queries the block map needs, and a real
// secondary index would have to be kept in lockstep with every insert/
// removeFront on byBase for no asymptotic win at the block counts this
// engine targets.
type extentSet struct {
	byBase []extent // kept sorted by Base, disjoint, non-adjacent
}

func newExtentSet() *extentSet {
	return &extentSet{}
}

// insert adds a free extent, merging with an immediately adjacent
// predecessor/successor so the invariant "extents are non-empty, disjoint,
// and not adjacent" (spec.md §3.2) always holds.
func (s *extentSet) insert(base device.Address, length uint64) {
	if length == 0 {
		return
	}
	idx := sort.Search(len(s.byBase), func(i int) bool { return s.byBase[i].Base >= base })

	merged := extent{Base: base, Length: length}

	// merge with predecessor if adjacent
	if idx > 0 {
		prev := s.byBase[idx-1]
		if device.Address(uint64(prev.Base)+prev.Length) == merged.Base {
			merged.Base = prev.Base
			merged.Length += prev.Length
			idx--
			s.byBase = append(s.byBase[:idx], s.byBase[idx+1:]...)
		}
	}
	// merge with successor if adjacent
	if idx < len(s.byBase) {
		next := s.byBase[idx]
		if device.Address(uint64(merged.Base)+merged.Length) == next.Base {
			merged.Length += next.Length
			s.byBase = append(s.byBase[:idx], s.byBase[idx+1:]...)
		}
	}

	s.byBase = append(s.byBase, extent{})
	copy(s.byBase[idx+1:], s.byBase[idx:])
	s.byBase[idx] = merged
}

// removeFront removes the first n blocks from the extent at byBase[idx],
// shrinking or dropping it. Used by alloc1/allocBlocks (contiguous case).
func (s *extentSet) removeFront(idx int, n uint64) {
	e := s.byBase[idx]
	if n >= e.Length {
		s.byBase = append(s.byBase[:idx], s.byBase[idx+1:]...)
		return
	}
	s.byBase[idx] = extent{Base: device.Address(uint64(e.Base) + n), Length: e.Length - n}
}

// smallestFit returns the index of the smallest extent with Length >= n,
// breaking ties by lowest base address (spec.md §4.2 tie-break rule), or
// -1 if none exists.
func (s *extentSet) smallestFit(n uint64) int {
	best := -1
	for i, e := range s.byBase {
		if e.Length < n {
			continue
		}
		if best == -1 || e.Length < s.byBase[best].Length ||
			(e.Length == s.byBase[best].Length && e.Base < s.byBase[best].Base) {
			best = i
		}
	}
	return best
}

// bySizeAscending returns extent indices ordered smallest-to-largest, for the
// discontiguous fallback path (spec.md §4.2: "concatenates extents from
// smallest upward until n is reached").
func (s *extentSet) bySizeAscending() []int {
	idx := make([]int, len(s.byBase))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		ea, eb := s.byBase[idx[a]], s.byBase[idx[b]]
		if ea.Length != eb.Length {
			return ea.Length < eb.Length
		}
		return ea.Base < eb.Base
	})
	return idx
}

func (s *extentSet) totalFree() uint64 {
	var total uint64
	for _, e := range s.byBase {
		total += e.Length
	}
	return total
}
