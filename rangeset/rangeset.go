// Package rangeset implements the compact, coalescing set of closed Position
// ranges used to track individually-acknowledged entries past a cursor's
// mark-delete watermark (spec.md section 4.3).
package rangeset

import (
	"sort"
	"sync"

	"github.com/liftbridge-io/managedlog/position"
	"github.com/liftbridge-io/managedlog/segmentmap"
)

// RangeSet is an ordered set of closed, non-overlapping, non-adjacent
// Position ranges. It is safe for concurrent use.
type RangeSet struct {
	mu     sync.RWMutex
	ranges []position.Range // kept sorted and coalesced by Lo
	segs   *segmentmap.SegmentMap
	total  int64 // cached count of positions spanned, maintained incrementally
}

// New returns an empty RangeSet. segs is consulted to compute the
// cardinality of inserted ranges, since positions are discontinuous across
// segment boundaries.
func New(segs *segmentmap.SegmentMap) *RangeSet {
	return &RangeSet{segs: segs}
}

// Insert adds the single position p to the set (insert-point).
func (s *RangeSet) Insert(p position.Position) {
	s.InsertRange(p, p)
}

// adjacent reports whether b immediately follows a, i.e. next(a) == b,
// consulting the segment map so adjacency is correct across segment
// boundaries.
func (s *RangeSet) adjacentLocked(a, b position.Position) bool {
	return s.segs.NextPosition(a) == b
}

// InsertRange adds the closed range [lo, hi] to the set, merging with any
// overlapping or adjacent existing ranges so the non-overlapping,
// non-adjacent invariant holds.
func (s *RangeSet) InsertRange(lo, hi position.Position) {
	if hi.Less(lo) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	newLo, newHi := lo, hi
	// Find the first range that could overlap or be adjacent to [lo, hi]:
	// any range whose Hi is >= lo's predecessor. We scan conservatively by
	// locating the insertion point and walking outward, since ranges are
	// few relative to a typical span-absorption workload.
	start := sort.Search(len(s.ranges), func(i int) bool {
		return !s.adjacentBeforeLocked(s.ranges[i], newLo)
	})
	end := start
	for end < len(s.ranges) && s.overlapsOrAdjacentLocked(s.ranges[end], newLo, newHi) {
		r := s.ranges[end]
		s.total -= s.segs.CountInclusive(r.Lo, r.Hi)
		if r.Lo.Less(newLo) {
			newLo = r.Lo
		}
		if r.Hi.Greater(newHi) {
			newHi = r.Hi
		}
		end++
	}

	merged := position.Range{Lo: newLo, Hi: newHi}
	s.total += s.segs.CountInclusive(newLo, newHi)

	tail := make([]position.Range, len(s.ranges)-end)
	copy(tail, s.ranges[end:])
	s.ranges = append(s.ranges[:start], merged)
	s.ranges = append(s.ranges, tail...)
}

// adjacentBeforeLocked reports whether range r lies strictly before lo and
// is neither overlapping nor adjacent to it -- used to find the leftmost
// range that must participate in a merge.
func (s *RangeSet) adjacentBeforeLocked(r position.Range, lo position.Position) bool {
	if lo.LessOrEqual(r.Hi) {
		return false
	}
	return !s.adjacentLocked(r.Hi, lo)
}

func (s *RangeSet) overlapsOrAdjacentLocked(r position.Range, lo, hi position.Position) bool {
	if r.Lo.Greater(hi) && !s.adjacentLocked(hi, r.Lo) {
		return false
	}
	if r.Hi.Less(lo) && !s.adjacentLocked(r.Hi, lo) {
		return false
	}
	return true
}

// Contains reports whether p falls within some range in the set.
func (s *RangeSet) Contains(p position.Position) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := sort.Search(len(s.ranges), func(i int) bool { return p.LessOrEqual(s.ranges[i].Hi) })
	if idx == len(s.ranges) {
		return false
	}
	r := s.ranges[idx]
	return r.Lo.LessOrEqual(p) && p.LessOrEqual(r.Hi)
}

// SpanCount returns the total number of positions covered by the set.
func (s *RangeSet) SpanCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Len returns the number of disjoint ranges currently stored.
func (s *RangeSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ranges)
}

// Ranges returns a copy of the current ranges, in ascending order.
func (s *RangeSet) Ranges() []position.Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]position.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Lowest returns the first (smallest) range in the set.
func (s *RangeSet) Lowest() (position.Range, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ranges) == 0 {
		return position.Range{}, false
	}
	return s.ranges[0], true
}

// PopIfLowEquals removes and returns the lowest range if its Lo equals
// expectedLo, implementing the prefix-absorption step of mark-delete
// (spec.md section 4.2): the caller loops, advancing expectedLo to
// next(returned.Hi) each time, to absorb a maximal contiguous prefix.
func (s *RangeSet) PopIfLowEquals(expectedLo position.Position) (position.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return position.Position{}, false
	}
	r := s.ranges[0]
	if r.Lo != expectedLo {
		return position.Position{}, false
	}
	s.total -= s.segs.CountInclusive(r.Lo, r.Hi)
	s.ranges = s.ranges[1:]
	return r.Hi, true
}

// RemovePrefixUpTo drops every range entirely at or before p. The cursor's
// mark-delete path does not call it; it removes ranges one at a time via
// Lowest and PopIfLowEquals.
func (s *RangeSet) RemovePrefixUpTo(p position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := 0
	for idx < len(s.ranges) && s.ranges[idx].Hi.LessOrEqual(p) {
		s.total -= s.segs.CountInclusive(s.ranges[idx].Lo, s.ranges[idx].Hi)
		idx++
	}
	if idx > 0 {
		s.ranges = s.ranges[idx:]
	}
}
