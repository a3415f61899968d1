package segmentmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/managedlog/position"
)

func TestPutOrderingAndOldestNewest(t *testing.T) {
	m := New()
	m.Put(5, Meta{LastConfirmedEntry: -1})
	m.Put(3, Meta{LastConfirmedEntry: -1})
	m.Put(9, Meta{LastConfirmedEntry: -1})
	require.Equal(t, []uint64{3, 5, 9}, m.Ids())

	oldest, ok := m.Oldest()
	require.True(t, ok)
	require.Equal(t, uint64(3), oldest)

	newest, ok := m.Newest()
	require.True(t, ok)
	require.Equal(t, uint64(9), newest)
}

func TestSucc(t *testing.T) {
	m := New()
	m.Put(3, Meta{})
	m.Put(7, Meta{})
	next, ok := m.Succ(3)
	require.True(t, ok)
	require.Equal(t, uint64(7), next)
	_, ok = m.Succ(7)
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	m := New()
	m.Put(1, Meta{})
	m.Put(2, Meta{})
	m.Remove(1)
	require.False(t, m.Contains(1))
	require.Equal(t, []uint64{2}, m.Ids())
	m.Remove(1) // no-op
	require.Equal(t, []uint64{2}, m.Ids())
}

func TestNextPositionWithinSegment(t *testing.T) {
	m := New()
	m.Put(3, Meta{LastConfirmedEntry: 5, CreatedAt: time.Now()})
	next := m.NextPosition(position.New(3, 2))
	require.Equal(t, position.New(3, 3), next)
}

func TestNextPositionCrossesGap(t *testing.T) {
	m := New()
	m.Put(3, Meta{LastConfirmedEntry: 2})
	m.Put(7, Meta{LastConfirmedEntry: -1})
	next := m.NextPosition(position.New(3, 2))
	require.Equal(t, position.New(7, 0), next)
}

func TestNextPositionAtTailStaysInSegment(t *testing.T) {
	m := New()
	m.Put(3, Meta{LastConfirmedEntry: 2})
	next := m.NextPosition(position.New(3, 2))
	require.Equal(t, position.New(3, 3), next)
}

func TestCountBetweenSingleSegment(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 9})
	require.Equal(t, int64(5), m.CountBetween(position.New(1, 2), position.New(1, 6)))
}

func TestCountBetweenAcrossSegments(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 4}) // entries 0..4 (5 entries)
	m.Put(2, Meta{LastConfirmedEntry: -1})
	m.Put(3, Meta{LastConfirmedEntry: 2}) // entries 0..2 (3 entries)
	// from (1,2) exclusive-ish: lo.EntryID+1=3 so segment 1 contributes entries 3,4 = 2
	// segment 2 contributes 0 (no committed entries)
	// segment 3 contributes entries 0..2 = 3 (hi is (3,2) so capped there)
	total := m.CountBetween(position.New(1, 2), position.New(3, 2))
	require.Equal(t, int64(5), total)
}

func TestCountBetweenEmptyRange(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 9})
	require.Equal(t, int64(0), m.CountBetween(position.New(2, 0), position.New(1, 0)))
}

func TestCountInclusiveSingleSegment(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 9})
	// [2,6] inclusive of both ends is 5 entries (2,3,4,5,6), one more than
	// the exclusive-of-lo CountBetween over the same bounds.
	require.Equal(t, int64(5), m.CountInclusive(position.New(1, 2), position.New(1, 6)))
	require.Equal(t, m.CountBetween(position.New(1, 2), position.New(1, 6))+1,
		m.CountInclusive(position.New(1, 2), position.New(1, 6)))
}

func TestCountInclusiveAcrossSegments(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 4}) // entries 0..4 (5 entries)
	m.Put(2, Meta{LastConfirmedEntry: -1})
	m.Put(3, Meta{LastConfirmedEntry: 2}) // entries 0..2 (3 entries)
	total := m.CountInclusive(position.New(1, 2), position.New(3, 2))
	require.Equal(t, int64(6), total) // (2,3,4) + 0 + (0,1,2)
}

func TestCountInclusiveSamePositionIsOne(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 9})
	require.Equal(t, int64(1), m.CountInclusive(position.New(1, 5), position.New(1, 5)))
}

func TestTotalCommittedAndTail(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: 4})
	m.Put(2, Meta{LastConfirmedEntry: 1})
	require.Equal(t, int64(7), m.TotalCommitted())
	tail, ok := m.Tail()
	require.True(t, ok)
	require.Equal(t, position.New(2, 1), tail)
}

func TestTailEmpty(t *testing.T) {
	m := New()
	m.Put(1, Meta{LastConfirmedEntry: -1})
	_, ok := m.Tail()
	require.False(t, ok)
}
