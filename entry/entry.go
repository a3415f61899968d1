// Package entry defines the reference-counted log entry handed from the
// managed log, through the entry cache, out to cursor readers (spec.md
// section 3).
package entry

import (
	"sync/atomic"

	"github.com/liftbridge-io/managedlog/position"
)

// Entry is a single log record plus its position and an external reference
// count. It is created by the managed log when returning a read result and
// destroyed (its payload eligible for GC) once the reference count reaches
// zero. Every consumer that receives an Entry must call Release exactly
// once.
type Entry struct {
	Position position.Position
	Payload  []byte

	refs    int32
	onFinal func()
}

// New creates an Entry with a single outstanding reference held by the
// caller. onFinal, if non-nil, runs when the reference count reaches zero.
func New(pos position.Position, payload []byte, onFinal func()) *Entry {
	return &Entry{Position: pos, Payload: payload, refs: 1, onFinal: onFinal}
}

// Retain increments the reference count, for a holder (e.g. the entry cache)
// that wants to keep the entry alive independently of the caller's copy.
func (e *Entry) Retain() {
	atomic.AddInt32(&e.refs, 1)
}

// Release decrements the reference count. When it reaches zero, onFinal (if
// set) runs exactly once. Calling Release more times than the entry has been
// retained is a programming error; it is reported via the returned bool
// rather than panicking, since callers in a hot read path should not be able
// to crash the process on a double-release.
func (e *Entry) Release() bool {
	remaining := atomic.AddInt32(&e.refs, -1)
	if remaining == 0 {
		if e.onFinal != nil {
			e.onFinal()
		}
		return true
	}
	return remaining > 0
}

// RefCount returns the current reference count, for tests and diagnostics.
func (e *Entry) RefCount() int32 {
	return atomic.LoadInt32(&e.refs)
}

// Size returns the size in bytes of the entry's payload, used by the entry
// cache's byte-bounded eviction.
func (e *Entry) Size() int64 {
	return int64(len(e.Payload))
}
