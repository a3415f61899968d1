package cursor

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/managedlog/entry"
	"github.com/liftbridge-io/managedlog/position"
	"github.com/liftbridge-io/managedlog/segmentmap"
)

// fakeHost is a minimal in-memory Host backing entries directly by position,
// standing in for a managed log in isolation from its own package.
type fakeHost struct {
	segs    *segmentmap.SegmentMap
	entries map[position.Position][]byte
	closed  bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{segs: segmentmap.New(), entries: make(map[position.Position][]byte)}
}

func (h *fakeHost) Segments() *segmentmap.SegmentMap { return h.segs }
func (h *fakeHost) IsClosed() bool                    { return h.closed }

func (h *fakeHost) Read(ctx context.Context, from position.Position, max int) ([]*entry.Entry, error) {
	var out []*entry.Entry
	cursor := from
	for len(out) < max {
		payload, ok := h.entries[cursor]
		if !ok {
			break
		}
		out = append(out, entry.New(cursor, payload, nil))
		cursor = h.segs.NextPosition(cursor)
	}
	return out, nil
}

// append commits n entries into segment id, each payload a single byte.
func (h *fakeHost) append(segmentID uint64, n int) {
	for i := 0; i < n; i++ {
		p := position.New(segmentID, int64(i))
		h.entries[p] = []byte{byte(i)}
	}
	h.segs.Put(segmentID, segmentmap.Meta{LastConfirmedEntry: int64(n - 1)})
}

func TestNonDurableCursorStringFormat(t *testing.T) {
	h := newFakeHost()
	h.append(0, 3)
	c := New(Config{
		Name:         "sub-1",
		Durable:      false,
		Host:         h,
		MarkDelete:   position.Earliest,
		ReadPosition: position.New(0, 0),
	})
	require.Equal(t, "NonDurableCursorImpl{ledger=my-topic, ackPos=0:-1, readPos=0:0}", c.String("my-topic"))
}

func TestDurableCursorStringFormat(t *testing.T) {
	h := newFakeHost()
	c := New(Config{Name: "sub-1", Durable: true, Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.Contains(t, c.String("t"), "DurableCursorImpl{")
}

func TestReadEntriesAdvancesReadPosition(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})

	got, err := c.ReadEntries(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, position.New(0, 0), got[0].Position)
	require.Equal(t, position.New(0, 2), got[2].Position)
	for _, e := range got {
		e.Release()
	}
	require.Equal(t, position.New(0, 3), c.GetReadPosition())
}

func TestMarkDeleteRejectsRegression(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.New(0, 2), ReadPosition: position.New(0, 3)})
	err := c.MarkDelete(context.Background(), position.New(0, 1))
	require.Error(t, err)
}

func TestMarkDeleteAdvancesReadPositionWhenBehind(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.NoError(t, c.MarkDelete(context.Background(), position.New(0, 2)))
	require.Equal(t, position.New(0, 3), c.GetReadPosition())
	require.Equal(t, position.New(0, 2), c.GetMarkDeletedPosition())
}

func TestMarkDeleteDoesNotRewindAheadReadPosition(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 4)})
	require.NoError(t, c.MarkDelete(context.Background(), position.New(0, 1)))
	require.Equal(t, position.New(0, 4), c.GetReadPosition())
}

func TestIndividualDeleteBelowMarkDeleteIsNoop(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.New(0, 2), ReadPosition: position.New(0, 3)})
	require.NoError(t, c.Delete(context.Background(), position.New(0, 1)))
	require.Equal(t, position.New(0, 2), c.GetMarkDeletedPosition())
}

func TestIndividualDeleteIsIdempotent(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.NoError(t, c.Delete(context.Background(), position.New(0, 2)))
	require.NoError(t, c.Delete(context.Background(), position.New(0, 2)))
	require.Equal(t, int64(1), c.backlogAccountedDeletedSpan())
}

func TestPrefixAbsorptionAdvancesMarkDelete(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.NoError(t, c.Delete(context.Background(), position.New(0, 0)))
	require.NoError(t, c.Delete(context.Background(), position.New(0, 1)))
	require.Equal(t, position.New(0, 1), c.GetMarkDeletedPosition())
}

func TestPrefixAbsorptionOutOfOrderStillAbsorbs(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.NoError(t, c.Delete(context.Background(), position.New(0, 1)))
	require.Equal(t, position.Earliest, c.GetMarkDeletedPosition())
	require.NoError(t, c.Delete(context.Background(), position.New(0, 0)))
	require.Equal(t, position.New(0, 1), c.GetMarkDeletedPosition())
}

func TestRewindDoesNotTouchMarkDeleteOrDeletedSet(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.New(0, 1), ReadPosition: position.New(0, 4)})
	require.NoError(t, c.Delete(context.Background(), position.New(0, 3)))
	before := c.GetMarkDeletedPosition()
	c.Rewind()
	require.Equal(t, before, c.GetMarkDeletedPosition())
	require.Equal(t, position.New(0, 2), c.GetReadPosition())
}

func TestResetCursorRejectsOutOfBounds(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	err := c.ResetCursor(position.New(0, 100))
	require.Error(t, err)
}

func TestResetCursorDoesNotChangeMarkDelete(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.New(0, 1), ReadPosition: position.New(0, 2)})
	require.NoError(t, c.ResetCursor(position.New(0, 4)))
	require.Equal(t, position.New(0, 1), c.GetMarkDeletedPosition())
	require.Equal(t, position.New(0, 4), c.GetReadPosition())
}

func TestGetNumberOfEntriesInBacklog(t *testing.T) {
	h := newFakeHost()
	h.append(0, 10)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.New(0, 2), ReadPosition: position.New(0, 3)})
	require.Equal(t, int64(7), c.GetNumberOfEntriesInBacklog())
	require.NoError(t, c.Delete(context.Background(), position.New(0, 5)))
	require.Equal(t, int64(6), c.GetNumberOfEntriesInBacklog())
}

func TestGetNumberOfEntries(t *testing.T) {
	h := newFakeHost()
	h.append(0, 10)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.Equal(t, int64(10), c.GetNumberOfEntries())
}

func TestHasMoreEntriesFalseWhenCaughtUp(t *testing.T) {
	h := newFakeHost()
	h.append(0, 3)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.True(t, c.HasMoreEntries())
	got, err := c.ReadEntries(context.Background(), 10)
	require.NoError(t, err)
	for _, e := range got {
		e.Release()
	}
	require.False(t, c.HasMoreEntries())
}

func TestReadEntriesSkipsIndividuallyDeleted(t *testing.T) {
	h := newFakeHost()
	h.append(0, 5)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.NoError(t, c.Delete(context.Background(), position.New(0, 2)))

	got, err := c.ReadEntries(context.Background(), 10)
	require.NoError(t, err)
	var positions []position.Position
	for _, e := range got {
		positions = append(positions, e.Position)
		e.Release()
	}
	require.NotContains(t, positions, position.New(0, 2))
	require.Len(t, positions, 4)
}

func TestCloseIsIdempotentAndCallsOnClose(t *testing.T) {
	h := newFakeHost()
	calls := 0
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0), OnClose: func() { calls++ }})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 1, calls)
	require.Equal(t, StateClosed, c.State())
}

func TestOperationsFailAfterClose(t *testing.T) {
	h := newFakeHost()
	h.append(0, 3)
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	require.NoError(t, c.Close())
	_, err := c.ReadEntries(context.Background(), 1)
	require.Error(t, err)
	require.Error(t, c.MarkDelete(context.Background(), position.New(0, 0)))
	require.Error(t, c.ResetCursor(position.New(0, 0)))
}

func TestReadEntriesFailsWhenLogClosed(t *testing.T) {
	h := newFakeHost()
	h.append(0, 3)
	h.closed = true
	c := New(Config{Name: "c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	_, err := c.ReadEntries(context.Background(), 1)
	require.Error(t, err)
}

// backlogAccountedDeletedSpan exposes the deleted set's span count for
// white-box assertions in this package's own tests.
func (c *Cursor) backlogAccountedDeletedSpan() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted.SpanCount()
}

// TestProperty_RandomizedMarkDeleteAndIndividualDelete drives a single
// cursor through a long randomized sequence of MarkDelete, individual
// Delete and out-of-order regression attempts, checking P1 (mark-delete
// monotonic), P2 (individual delete idempotent), P3 (backlog conservation)
// and P8 (prefix absorption completeness) after every step.
func TestProperty_RandomizedMarkDeleteAndIndividualDelete(t *testing.T) {
	const numEntries = 64
	h := newFakeHost()
	h.append(0, numEntries)
	c := New(Config{Name: "rand-c", Host: h, MarkDelete: position.Earliest, ReadPosition: position.New(0, 0)})
	ctx := context.Background()

	rng := rand.New(rand.NewSource(20260731))
	tail := position.New(0, numEntries-1)

	for i := 0; i < 2000; i++ {
		before := c.GetMarkDeletedPosition()
		p := position.New(0, int64(rng.Intn(numEntries)))

		switch rng.Intn(4) {
		case 0, 1: // individual delete, possibly repeated immediately (P2)
			require.NoError(t, c.Delete(ctx, p))
			if rng.Intn(2) == 0 {
				require.NoError(t, c.Delete(ctx, p)) // idempotent repeat
			}
		case 2: // forward or equal mark-delete
			if !p.Less(before) {
				require.NoError(t, c.MarkDelete(ctx, p))
			} else {
				err := c.MarkDelete(ctx, p)
				require.Error(t, err)
				require.Equal(t, before, c.GetMarkDeletedPosition())
			}
		case 3: // deliberate regression attempt (P1)
			regressTo := position.New(0, int64(rng.Intn(numEntries)))
			if regressTo.Less(before) {
				err := c.MarkDelete(ctx, regressTo)
				require.Error(t, err)
				require.Equal(t, before, c.GetMarkDeletedPosition())
			}
		}

		after := c.GetMarkDeletedPosition()
		require.False(t, after.Less(before), "mark-delete regressed from %s to %s", before, after)

		// P8: every surviving individually-deleted range starts strictly
		// after the watermark; absorption must have consumed the rest.
		for _, r := range c.deleted.Ranges() {
			require.True(t, r.Lo.Greater(after), "range %s..%s not absorbed past watermark %s", r.Lo, r.Hi, after)
		}

		// P3: backlog is exactly the span between watermark and tail, minus
		// whatever individually-deleted spans remain in that window.
		expected := h.segs.CountBetween(after, tail) - c.backlogAccountedDeletedSpan()
		if expected < 0 {
			expected = 0
		}
		require.Equal(t, expected, c.GetNumberOfEntriesInBacklog())
	}
}
