// Package cursor implements the per-subscriber cursor state machine shared
// by durable and non-durable cursors (spec.md section 4.2). A single Cursor
// type models both: persistence is a pluggable capability (PersistentStore)
// that is a no-op for non-durable cursors, per the design note in spec.md
// section 9 ("Non-durable vs durable as a single type").
package cursor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/managedlog/entry"
	"github.com/liftbridge-io/managedlog/errs"
	"github.com/liftbridge-io/managedlog/invariant"
	"github.com/liftbridge-io/managedlog/logging"
	"github.com/liftbridge-io/managedlog/position"
	"github.com/liftbridge-io/managedlog/rangeset"
	"github.com/liftbridge-io/managedlog/segmentmap"
)

// State is a cursor's position in its lifecycle (spec.md section 4.2).
type State int

const (
	// StateOpen is the normal operating state; every operation is valid.
	StateOpen State = iota
	// StateClosing rejects new reads; operations already in flight still
	// complete.
	StateClosing
	// StateClosed is terminal; only idempotent queries remain valid.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Host is the subset of the managed log a cursor needs: access to its
// segment map (for Position arithmetic and span counting) and a way to read
// committed entries and check whether the log itself has been closed.
type Host interface {
	// Segments returns the log's segment map. The returned pointer is
	// stable for the lifetime of the log; the map it guards mutates in
	// place.
	Segments() *segmentmap.SegmentMap
	// Read returns up to max entries starting at from (inclusive), in
	// position order. It does not filter individually-deleted positions;
	// the cursor does that itself.
	Read(ctx context.Context, from position.Position, max int) ([]*entry.Entry, error)
	// IsClosed reports whether the managed log has been closed.
	IsClosed() bool
}

// MetricsHook receives latency and backlog observations from a Cursor. It is
// a narrow interface, rather than a concrete metrics type, so this package
// never imports ledger or prometheus directly; ManagedLog's metrics type
// satisfies it.
type MetricsHook interface {
	ObserveMarkDelete(d time.Duration)
	SetBacklog(cursor string, n int64)
}

// Record is the durable persistence record for a cursor (spec.md section
// 6). Ranges may be nil/empty; its absence implies an empty
// individually-deleted set (backward compatibility note in spec.md section
// 6).
type Record struct {
	Name        string
	MarkDelete  position.Position
	Ranges      []position.Range
	LastUpdated time.Time
}

// ErrRecordNotFound is returned by PersistentStore.Load when no record
// exists yet for a cursor name.
var ErrRecordNotFound = errors.New("cursor record not found")

// PersistentStore persists durable cursor records. Non-durable cursors use
// a no-op implementation (see noopStore).
type PersistentStore interface {
	Load(name string) (*Record, error)
	Save(rec *Record) error
	Delete(name string) error
}

type noopStore struct{}

func (noopStore) Load(name string) (*Record, error) { return nil, ErrRecordNotFound }
func (noopStore) Save(rec *Record) error             { return nil }
func (noopStore) Delete(name string) error           { return nil }

// Config configures a new Cursor. MarkDelete and ReadPosition must already
// be resolved by the caller (the managed log), since that resolution
// depends on log-wide state (oldest segment, tail) the cursor itself does
// not own.
type Config struct {
	Name         string
	Durable      bool
	Host         Host
	Persist      PersistentStore // nil is treated as a non-durable no-op store
	MarkDelete   position.Position
	ReadPosition position.Position
	Individually []position.Range
	OnClose      func()
	Logger       logging.Logger
	Metrics      MetricsHook // nil disables metrics observation
}

// Cursor is a per-subscriber pointer into a managed log.
type Cursor struct {
	mu sync.Mutex

	name    string
	durable bool
	host    Host
	persist PersistentStore
	segs    *segmentmap.SegmentMap
	onClose func()
	logger  logging.Logger
	metrics MetricsHook

	markDelete   position.Position
	readPosition position.Position
	deleted      *rangeset.RangeSet
	state        State
}

// New constructs a Cursor in the Open state from cfg.
func New(cfg Config) *Cursor {
	persist := cfg.Persist
	if persist == nil {
		persist = noopStore{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewSilent()
	}
	segs := cfg.Host.Segments()
	deleted := rangeset.New(segs)
	for _, r := range cfg.Individually {
		deleted.InsertRange(r.Lo, r.Hi)
	}
	return &Cursor{
		name:         cfg.Name,
		durable:      cfg.Durable,
		host:         cfg.Host,
		persist:      persist,
		segs:         segs,
		onClose:      cfg.OnClose,
		logger:       logger.WithField("cursor", cfg.Name),
		metrics:      cfg.Metrics,
		markDelete:   cfg.MarkDelete,
		readPosition: cfg.ReadPosition,
		deleted:      deleted,
		state:        StateOpen,
	}
}

// Name returns the cursor's name.
func (c *Cursor) Name() string { return c.name }

// IsDurable reports whether the cursor persists its mark-delete watermark
// and pins log segments against trimming.
func (c *Cursor) IsDurable() bool { return c.durable }

// GetMarkDeletedPosition returns the current mark-delete watermark. This is
// an idempotent query, safe to call regardless of cursor state.
func (c *Cursor) GetMarkDeletedPosition() position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markDelete
}

// GetReadPosition returns the next position a read will return. This is an
// idempotent query, safe to call regardless of cursor state.
func (c *Cursor) GetReadPosition() position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPosition
}

// State returns the cursor's current lifecycle state.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// String renders the cursor's human-readable form (spec.md section 4.5).
// Non-durable cursors render as NonDurableCursorImpl{...}; durable cursors
// as DurableCursorImpl{...}, both with the ledger name, ackPos and readPos.
func (c *Cursor) String(ledgerName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := "NonDurableCursorImpl"
	if c.durable {
		kind = "DurableCursorImpl"
	}
	return kind + "{ledger=" + ledgerName + ", ackPos=" + c.markDelete.String() +
		", readPos=" + c.readPosition.String() + "}"
}

// GetNumberOfEntries returns the count of unread entries from readPosition
// to the log tail, excluding individually-deleted positions in that window
// (spec.md section 3).
func (c *Cursor) GetNumberOfEntries() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numberOfEntriesLocked()
}

func (c *Cursor) numberOfEntriesLocked() int64 {
	tail, ok := c.segs.Tail()
	if !ok || tail.Less(c.readPosition) {
		return 0
	}
	total := c.segs.CountInclusive(c.readPosition, tail)
	deletedInRange := c.deletedCountInLocked(c.readPosition, tail)
	n := total - deletedInRange
	if n < 0 {
		n = 0
	}
	return n
}

// GetNumberOfEntriesInBacklog returns the backlog count (spec.md section 3):
// committed entries after markDelete, minus individually-deleted entries.
func (c *Cursor) GetNumberOfEntriesInBacklog() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backlogLocked()
}

func (c *Cursor) backlogLocked() int64 {
	tail, ok := c.segs.Tail()
	if !ok || tail.LessOrEqual(c.markDelete) {
		return 0
	}
	total := c.segs.CountBetween(c.markDelete, tail)
	n := total - c.deleted.SpanCount()
	if n < 0 {
		n = 0
	}
	invariant.BacklogNonNegative(n >= 0, c.name, n)
	return n
}

// deletedCountInLocked sums the portion of the individually-deleted range
// set that falls within [lo, hi].
func (c *Cursor) deletedCountInLocked(lo, hi position.Position) int64 {
	var total int64
	for _, r := range c.deleted.Ranges() {
		rlo, rhi := r.Lo, r.Hi
		if rlo.Less(lo) {
			rlo = lo
		}
		if rhi.Greater(hi) {
			rhi = hi
		}
		if rlo.LessOrEqual(rhi) {
			total += c.segs.CountInclusive(rlo, rhi)
		}
	}
	return total
}

// HasMoreEntries reports whether readPosition is at or before the log tail
// and some position in [readPosition, tail] is not individually deleted.
func (c *Cursor) HasMoreEntries() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail, ok := c.segs.Tail()
	if !ok || tail.Less(c.readPosition) {
		return false
	}
	return c.numberOfEntriesLocked() > 0
}

// ReadEntries returns up to max entries starting at the cursor's read
// position, skipping any position contained in the individually-deleted
// set, and advances the read position past the last entry returned. Each
// returned Entry is reference-counted; the caller must Release it.
func (c *Cursor) ReadEntries(ctx context.Context, max int) ([]*entry.Entry, error) {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.host.IsClosed() {
		c.mu.Unlock()
		return nil, errors.Wrap(errs.ErrLogClosed, "read entries")
	}
	from := c.readPosition
	c.mu.Unlock()

	if max <= 0 {
		return nil, nil
	}

	var (
		result []*entry.Entry
		cursor = from
	)
	for len(result) < max {
		select {
		case <-ctx.Done():
			for _, e := range result {
				e.Release()
			}
			return nil, errors.Wrap(errs.ErrCancelled, "read entries")
		default:
		}
		requested := max - len(result)
		batch, err := c.host.Read(ctx, cursor, requested)
		if err != nil {
			for _, e := range result {
				e.Release()
			}
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if c.deleted.Contains(e.Position) {
				e.Release()
				continue
			}
			result = append(result, e)
		}
		last := batch[len(batch)-1]
		cursor = c.segs.NextPosition(last.Position)
		if len(batch) < requested {
			// Host returned fewer than requested: no more data right now.
			break
		}
	}

	c.mu.Lock()
	if len(result) > 0 {
		last := result[len(result)-1]
		c.readPosition = c.segs.NextPosition(last.Position)
	} else if cursor.Greater(c.readPosition) {
		// We skipped a run of individually-deleted entries with nothing
		// left to return; still advance past them.
		c.readPosition = cursor
	}
	c.mu.Unlock()
	return result, nil
}

// Rewind sets readPosition = next(markDelete). It does not touch markDelete
// or the individually-deleted set (P4).
func (c *Cursor) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.deleted.SpanCount()
	beforeMD := c.markDelete
	c.readPosition = c.segs.NextPosition(c.markDelete)
	invariant.RewindPreservesAckState(c.markDelete == beforeMD && c.deleted.SpanCount() == before, c.name)
}

// ResetCursor sets readPosition = p unconditionally, within the log's
// bounds [earliest, next(tail)]. It does not change markDelete (P5).
func (c *Cursor) ResetCursor(p position.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpenLocked(); err != nil {
		return err
	}
	if p.Less(position.Earliest) {
		return errors.Wrapf(errs.ErrInvalidPosition, "reset position %s before earliest", p)
	}
	if tail, ok := c.segs.Tail(); ok {
		if p.Greater(c.segs.NextPosition(tail)) {
			return errors.Wrapf(errs.ErrInvalidPosition, "reset position %s past tail", p)
		}
	}
	c.readPosition = p
	return nil
}

// MarkDelete sets the mark-delete watermark to p, requiring p >= the
// current watermark (P1). It then absorbs any contiguous prefix of the
// individually-deleted set and, if readPosition had not yet passed p,
// advances it to next(p) (the "skip semantics" of spec.md section 4.2). For
// durable cursors the new watermark is persisted before this call returns
// successfully.
func (c *Cursor) MarkDelete(ctx context.Context, p position.Position) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveMarkDelete(time.Since(start))
		}
	}()

	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if p.Less(c.markDelete) {
		from := c.markDelete
		c.mu.Unlock()
		invariant.MarkDeleteMonotonic(false, c.name, from.String(), p.String())
		return errors.Wrapf(errs.ErrInvalidPosition, "mark-delete %s regresses past %s", p, from)
	}
	from := c.markDelete
	newMarkDelete := p
	// Drop every range at or below the new watermark and absorb any range
	// that overlaps it or starts right after it.
	for {
		r, ok := c.deleted.Lowest()
		if !ok || r.Lo.Greater(c.segs.NextPosition(newMarkDelete)) {
			break
		}
		c.deleted.PopIfLowEquals(r.Lo)
		newMarkDelete = position.Max(newMarkDelete, r.Hi)
	}
	rec := c.buildRecordLocked(newMarkDelete)
	c.mu.Unlock()

	if err := c.persist.Save(rec); err != nil {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}

	c.mu.Lock()
	c.markDelete = newMarkDelete
	if c.readPosition.LessOrEqual(c.markDelete) {
		c.readPosition = c.segs.NextPosition(c.markDelete)
	}
	lowest, hasRanges := c.deleted.Lowest()
	absorbed := !hasRanges || lowest.Lo.Greater(c.markDelete)
	backlog := c.backlogLocked()
	c.mu.Unlock()

	invariant.MarkDeleteMonotonic(true, c.name, from.String(), newMarkDelete.String())
	invariant.PrefixAbsorptionComplete(absorbed, c.name, newMarkDelete.String())
	if c.metrics != nil {
		c.metrics.SetBacklog(c.name, backlog)
	}
	return nil
}

// Delete performs an individual delete of position p (spec.md section 4.2).
// If p is at or before the current mark-delete watermark, it succeeds
// silently (idempotent, P2). Otherwise p is inserted into the
// individually-deleted set and the same prefix-absorption described for
// MarkDelete is applied.
func (c *Cursor) Delete(ctx context.Context, p position.Position) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return errors.Wrap(errs.ErrCursorClosed, "delete")
	}
	if p.LessOrEqual(c.markDelete) {
		c.mu.Unlock()
		invariant.IndividualDeleteIdempotent(true, c.name, p.String())
		return nil
	}
	alreadyDeleted := c.deleted.Contains(p)
	spanBefore := c.deleted.SpanCount()
	c.deleted.Insert(p)
	repeatIsNoop := !alreadyDeleted || c.deleted.SpanCount() == spanBefore

	newMarkDelete := c.markDelete
	for {
		hi, ok := c.deleted.PopIfLowEquals(c.segs.NextPosition(newMarkDelete))
		if !ok {
			break
		}
		newMarkDelete = hi
	}
	advanced := newMarkDelete != c.markDelete
	rec := c.buildRecordLocked(newMarkDelete)
	c.mu.Unlock()

	if advanced {
		if err := c.persist.Save(rec); err != nil {
			return errors.Wrap(errs.ErrMetadataError, err.Error())
		}
	}

	c.mu.Lock()
	c.markDelete = newMarkDelete
	if c.readPosition.LessOrEqual(c.markDelete) {
		c.readPosition = c.segs.NextPosition(c.markDelete)
	}
	backlog := c.backlogLocked()
	c.mu.Unlock()

	invariant.IndividualDeleteIdempotent(repeatIsNoop, c.name, p.String())
	if c.metrics != nil {
		c.metrics.SetBacklog(c.name, backlog)
	}
	return nil
}

func (c *Cursor) buildRecordLocked(markDelete position.Position) *Record {
	return &Record{
		Name:        c.name,
		MarkDelete:  markDelete,
		Ranges:      c.deleted.Ranges(),
		LastUpdated: time.Now(),
	}
}

// Close transitions the cursor to Closed, unregistering it via the callback
// supplied at construction (a no-op for non-durable cursors).
func (c *Cursor) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	if c.onClose != nil {
		c.onClose()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return nil
}

func (c *Cursor) checkOpenLocked() error {
	if c.state != StateOpen {
		return errors.Wrap(errs.ErrCursorClosed, "cursor is "+c.state.String())
	}
	return nil
}
