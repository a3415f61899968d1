// Package position implements the total order over log positions used
// throughout the managed log and its cursors.
package position

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Position locates a single entry (or a sentinel) in a segmented log. It is
// a pair (segmentId, entryId) ordered lexicographically.
type Position struct {
	SegmentID uint64
	EntryID   int64
}

// Earliest is the sentinel strictly before any real entry.
var Earliest = Position{SegmentID: 0, EntryID: -1}

// Latest is the sentinel strictly after any committed entry at the time of
// resolution. It is never assigned to a real entry.
var Latest = Position{SegmentID: math.MaxUint64, EntryID: math.MaxInt64}

// New returns the Position (segmentID, entryID).
func New(segmentID uint64, entryID int64) Position {
	return Position{SegmentID: segmentID, EntryID: entryID}
}

// Compare returns -1, 0 or 1 as p is less than, equal to, or greater than
// other in the total Position order.
func (p Position) Compare(other Position) int {
	if p.SegmentID != other.SegmentID {
		if p.SegmentID < other.SegmentID {
			return -1
		}
		return 1
	}
	switch {
	case p.EntryID < other.EntryID:
		return -1
	case p.EntryID > other.EntryID:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool { return p.Compare(other) < 0 }

// LessOrEqual reports whether p sorts before or equal to other.
func (p Position) LessOrEqual(other Position) bool { return p.Compare(other) <= 0 }

// Greater reports whether p sorts after other.
func (p Position) Greater(other Position) bool { return p.Compare(other) > 0 }

// GreaterOrEqual reports whether p sorts after or equal to other.
func (p Position) GreaterOrEqual(other Position) bool { return p.Compare(other) >= 0 }

// Equal reports whether p and other are the same position.
func (p Position) Equal(other Position) bool { return p == other }

// IsEarliest reports whether p is the earliest sentinel within its segment,
// i.e. entryId -1.
func (p Position) IsEarliest() bool { return p.EntryID == -1 }

// String renders p as "<segmentId>:<entryId>", the external wire format from
// spec.md section 6.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.SegmentID, p.EntryID)
}

// Parse decodes the "<segmentId>:<entryId>" format produced by String.
func Parse(s string) (Position, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Position{}, errors.Errorf("malformed position %q", s)
	}
	segmentID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Position{}, errors.Wrapf(err, "malformed position %q", s)
	}
	entryID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Position{}, errors.Wrapf(err, "malformed position %q", s)
	}
	return Position{SegmentID: segmentID, EntryID: entryID}, nil
}

// Min returns the lesser of a and b.
func Min(a, b Position) Position {
	if a.Less(b) {
		return a
	}
	return b
}

// Max returns the greater of a and b.
func Max(a, b Position) Position {
	if a.Greater(b) {
		return a
	}
	return b
}

// Range is a closed range [Lo, Hi] over the Position order.
type Range struct {
	Lo Position
	Hi Position
}

// String renders the range as "[lo,hi]".
func (r Range) String() string {
	return fmt.Sprintf("[%s,%s]", r.Lo, r.Hi)
}
