// Package segmentmap maintains the ordered mapping from segment id to
// segment metadata that backs Position arithmetic and retention decisions
// across the managed log's discontinuous sequence of segments.
package segmentmap

import (
	"sort"
	"sync"
	"time"

	"github.com/liftbridge-io/managedlog/position"
)

// Meta describes a single segment, mirroring the fields the physical
// segment store is expected to report (spec.md section 3).
type Meta struct {
	EntryCount         int64
	LastConfirmedEntry int64 // -1 if the segment has never been written to
	ByteSize           int64
	CreatedAt          time.Time
	Sealed             bool
}

// SegmentMap is an ordered, concurrency-safe mapping of segment id to Meta.
// Segment ids are assigned by the segment store and are strictly increasing
// but not necessarily contiguous; the map reflects exactly the ids known to
// exist at any point in time.
type SegmentMap struct {
	mu   sync.RWMutex
	ids  []uint64 // kept sorted ascending
	meta map[uint64]Meta
}

// New returns an empty SegmentMap.
func New() *SegmentMap {
	return &SegmentMap{meta: make(map[uint64]Meta)}
}

// Put inserts or updates the metadata for segmentID.
func (m *SegmentMap) Put(segmentID uint64, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.meta[segmentID]; !exists {
		idx := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= segmentID })
		m.ids = append(m.ids, 0)
		copy(m.ids[idx+1:], m.ids[idx:])
		m.ids[idx] = segmentID
	}
	m.meta[segmentID] = meta
}

// Remove deletes segmentID from the map. It is a no-op if the id is absent.
func (m *SegmentMap) Remove(segmentID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.meta[segmentID]; !exists {
		return
	}
	delete(m.meta, segmentID)
	idx := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= segmentID })
	if idx < len(m.ids) && m.ids[idx] == segmentID {
		m.ids = append(m.ids[:idx], m.ids[idx+1:]...)
	}
}

// Get returns the metadata for segmentID, if present.
func (m *SegmentMap) Get(segmentID uint64) (Meta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[segmentID]
	return meta, ok
}

// Len returns the number of segments currently tracked.
func (m *SegmentMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Ids returns a sorted copy of the tracked segment ids.
func (m *SegmentMap) Ids() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.ids))
	copy(out, m.ids)
	return out
}

// Oldest returns the smallest tracked segment id, or ok=false if the map is
// empty.
func (m *SegmentMap) Oldest() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ids) == 0 {
		return 0, false
	}
	return m.ids[0], true
}

// Newest returns the largest tracked segment id, or ok=false if the map is
// empty.
func (m *SegmentMap) Newest() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ids) == 0 {
		return 0, false
	}
	return m.ids[len(m.ids)-1], true
}

// Succ returns the next tracked segment id strictly greater than segmentID,
// i.e. succ(s) from spec.md section 3/4.
func (m *SegmentMap) Succ(segmentID uint64) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] > segmentID })
	if idx == len(m.ids) {
		return 0, false
	}
	return m.ids[idx], true
}

// Contains reports whether segmentID is currently tracked.
func (m *SegmentMap) Contains(segmentID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.meta[segmentID]
	return ok
}

// NextPosition computes next(p) as defined in spec.md section 3: (s, e+1)
// if e+1 lies within segment s's committed entries, else (succ(s), 0). If s
// has no successor (p is at or past the tail), the position simply advances
// within s -- this is what lets readPosition exceed the log tail to mean
// "caught up, awaiting new entries" (invariant 3).
func (m *SegmentMap) NextPosition(p position.Position) position.Position {
	if p == position.Latest {
		return position.Latest
	}
	meta, ok := m.Get(p.SegmentID)
	if ok && p.EntryID+1 <= meta.LastConfirmedEntry {
		return position.New(p.SegmentID, p.EntryID+1)
	}
	if succ, ok := m.Succ(p.SegmentID); ok {
		return position.New(succ, 0)
	}
	return position.New(p.SegmentID, p.EntryID+1)
}

// CountBetween returns the number of committed positions in (lo, hi]: lo is
// excluded, hi is included. Because the log is discontinuous, this must sum, per touched
// segment, the committed entries that fall within the requested window
// (spec.md section 4.3).
func (m *SegmentMap) CountBetween(lo, hi position.Position) int64 {
	if hi.Less(lo) {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, id := range m.ids {
		if id < lo.SegmentID || id > hi.SegmentID {
			continue
		}
		meta := m.meta[id]
		if meta.LastConfirmedEntry < 0 {
			continue
		}
		lowEntry := int64(0)
		if id == lo.SegmentID {
			lowEntry = lo.EntryID + 1
		}
		highEntry := meta.LastConfirmedEntry
		if id == hi.SegmentID && hi.EntryID < highEntry {
			highEntry = hi.EntryID
		}
		if highEntry < lowEntry {
			continue
		}
		total += highEntry - lowEntry + 1
	}
	return total
}

// CountInclusive returns the number of committed positions in the closed
// range [lo, hi], counting lo itself unlike CountBetween. Used to size
// individually-deleted ranges and unread windows, where lo is a real
// position rather than an exclusive watermark.
func (m *SegmentMap) CountInclusive(lo, hi position.Position) int64 {
	if hi.Less(lo) {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, id := range m.ids {
		if id < lo.SegmentID || id > hi.SegmentID {
			continue
		}
		meta := m.meta[id]
		if meta.LastConfirmedEntry < 0 {
			continue
		}
		lowEntry := int64(0)
		if id == lo.SegmentID {
			lowEntry = lo.EntryID
		}
		if lowEntry < 0 {
			lowEntry = 0
		}
		highEntry := meta.LastConfirmedEntry
		if id == hi.SegmentID && hi.EntryID < highEntry {
			highEntry = hi.EntryID
		}
		if highEntry < lowEntry {
			continue
		}
		total += highEntry - lowEntry + 1
	}
	return total
}

// TotalCommitted returns the total number of committed entries across every
// tracked segment.
func (m *SegmentMap) TotalCommitted() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, id := range m.ids {
		if meta := m.meta[id]; meta.LastConfirmedEntry >= 0 {
			total += meta.LastConfirmedEntry + 1
		}
	}
	return total
}

// Tail returns the position of the last committed entry, i.e. the position a
// cursor created with "latest" should mark-delete to. ok is false if the log
// has no committed entries.
func (m *SegmentMap) Tail() (position.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.ids) - 1; i >= 0; i-- {
		id := m.ids[i]
		if meta := m.meta[id]; meta.LastConfirmedEntry >= 0 {
			return position.New(id, meta.LastConfirmedEntry), true
		}
	}
	return position.Position{}, false
}
