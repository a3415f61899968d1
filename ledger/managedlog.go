// Package ledger implements the ManagedLog of spec.md section 4.1: the
// append path, segment rollover, retention evaluation, cursor registry, and
// trim loop sitting on top of a SegmentStore and MetadataStore, grounded in
// the teacher's commitLog (server/commitlog/commitlog.go).
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/liftbridge-io/managedlog/cursor"
	"github.com/liftbridge-io/managedlog/entry"
	"github.com/liftbridge-io/managedlog/entrycache"
	"github.com/liftbridge-io/managedlog/errs"
	"github.com/liftbridge-io/managedlog/invariant"
	"github.com/liftbridge-io/managedlog/logging"
	"github.com/liftbridge-io/managedlog/position"
	"github.com/liftbridge-io/managedlog/segmentmap"
)

// StartAt selects how NewNonDurableCursor resolves its starting position
// (spec.md section 4.1).
type StartAt int

const (
	// StartAtEarliest resolves to the oldest retained entry, or the tail if
	// the log is currently empty after trimming.
	StartAtEarliest StartAt = iota
	// StartAtLatest resolves to just past the current tail.
	StartAtLatest
	// StartAtPosition resolves to a caller-supplied concrete Position.
	StartAtPosition
)

// ManagedLog is a segmented, append-only log plus its cursor registry,
// implementing cursor.Host.
type ManagedLog struct {
	name    string
	opts    Options
	store   SegmentStore
	meta    MetadataStore
	logger  logging.Logger
	metrics *metrics

	exec *orderedExecutor

	mu              sync.RWMutex
	segs            *segmentmap.SegmentMap
	current         uint64
	cache           *entrycache.Cache
	durableCursors  map[string]*cursor.Cursor
	nonDurableCount int64
	closed          bool
	closeCh         chan struct{}
	stopOnce        sync.Once
}

// Open opens or creates a managed log named opts.Name, loading its segment
// map and durable cursors from meta (spec.md section 4.1).
func Open(opts Options, store SegmentStore, meta MetadataStore, reg prometheus.Registerer, logger logging.Logger) (*ManagedLog, error) {
	opts.setDefaults()
	if logger == nil {
		logger = logging.New(opts.Debug)
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	infos, current, err := store.Open()
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}

	segs := segmentmap.New()
	for _, info := range infos {
		segs.Put(info.ID, metaFromInfo(info))
	}

	l := &ManagedLog{
		name:           opts.Name,
		opts:           opts,
		store:          store,
		meta:           meta,
		logger:         logger.WithField("log", opts.Name),
		metrics:        newMetrics(reg, opts.Name),
		exec:           newOrderedExecutor(),
		segs:           segs,
		current:        current,
		cache:          entrycache.New(opts.MaxCacheSizeBytes),
		durableCursors: make(map[string]*cursor.Cursor),
		closeCh:        make(chan struct{}),
	}

	if err := l.loadDurableCursorsLocked(); err != nil {
		return nil, err
	}

	go l.cleanerLoop()
	l.logger.Infof("opened managed log with %d segments, retention %s",
		segs.Len(), durafmt.Parse(time.Duration(opts.RetentionTimeSeconds)*time.Second))
	return l, nil
}

func (l *ManagedLog) loadDurableCursorsLocked() error {
	names, err := l.meta.ListCursors()
	if err != nil {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	for _, name := range names {
		rec, err := l.meta.Load(name)
		if err != nil {
			return errors.Wrap(errs.ErrMetadataError, err.Error())
		}
		c := cursor.New(cursor.Config{
			Name:         name,
			Durable:      true,
			Host:         l,
			Persist:      l.meta,
			MarkDelete:   rec.MarkDelete,
			ReadPosition: l.segs.NextPosition(rec.MarkDelete),
			Individually: rec.Ranges,
			OnClose:      func() { l.unregisterDurableCursor(name) },
			Logger:       l.logger,
			Metrics:      l.metrics,
		})
		l.durableCursors[name] = c
	}
	return nil
}

// Segments implements cursor.Host.
func (l *ManagedLog) Segments() *segmentmap.SegmentMap { return l.segs }

// IsClosed implements cursor.Host.
func (l *ManagedLog) IsClosed() bool {
	select {
	case <-l.closeCh:
		return true
	default:
		return false
	}
}

// Read implements cursor.Host: it serves from the shared entry cache,
// falling back to the segment store on miss and populating the cache on
// the way out, the same path the teacher's segment read takes.
func (l *ManagedLog) Read(ctx context.Context, from position.Position, max int) ([]*entry.Entry, error) {
	start := time.Now()
	defer func() { l.metrics.observeRead(time.Since(start)) }()

	var out []*entry.Entry
	cur := from
	for len(out) < max {
		if e, ok := l.cache.Get(cur); ok {
			l.metrics.cacheHits.Inc()
			out = append(out, e)
			l.metrics.entriesRead.Inc()
			cur = l.segs.NextPosition(cur)
			continue
		}
		l.metrics.cacheMisses.Inc()
		payload, err := l.store.Read(cur.SegmentID, cur.EntryID)
		if err != nil {
			if kind, ok := errs.KindOf(err); ok && kind == errs.KindInvalidPosition {
				break // no such entry yet: caller has caught up
			}
			return out, err
		}
		e := entry.New(cur, payload, nil)
		l.cache.Put(e)
		out = append(out, e)
		l.metrics.entriesRead.Inc()
		cur = l.segs.NextPosition(cur)
	}
	return out, nil
}

// AddEntry appends payload to the current segment, rolling over to a new
// one first if the current one is full (spec.md section 4.1).
func (l *ManagedLog) AddEntry(ctx context.Context, payload []byte) (position.Position, error) {
	start := time.Now()
	var (
		pos position.Position
		err error
	)
	l.exec.Submit(func() {
		pos, err = l.addEntryLocked(payload)
	})
	l.metrics.appends.Inc()
	l.metrics.observeAppend(time.Since(start))
	return pos, err
}

// AsyncAddEntry runs AddEntry on a background goroutine.
func (l *ManagedLog) AsyncAddEntry(ctx context.Context, payload []byte) *cursor.Future[position.Position] {
	return cursor.RunAsync(func() (position.Position, error) {
		return l.AddEntry(ctx, payload)
	})
}

func (l *ManagedLog) addEntryLocked(payload []byte) (position.Position, error) {
	if l.IsClosed() {
		return position.Position{}, errors.Wrap(errs.ErrLogClosed, "add entry")
	}
	if meta, ok := l.segs.Get(l.current); ok && l.segmentFullLocked(meta) {
		if err := l.rollLocked(); err != nil {
			return position.Position{}, err
		}
	}
	entryID, err := l.store.Append(l.current, payload)
	if err != nil {
		return position.Position{}, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	meta, _ := l.segs.Get(l.current)
	meta.LastConfirmedEntry = entryID
	meta.EntryCount = entryID + 1
	meta.ByteSize += int64(len(payload))
	l.segs.Put(l.current, meta)

	return position.New(l.current, entryID), nil
}

func (l *ManagedLog) segmentFullLocked(meta segmentmap.Meta) bool {
	if meta.EntryCount >= l.opts.MaxEntriesPerLedger {
		return true
	}
	return l.opts.MaxSegmentBytes > 0 && meta.ByteSize >= l.opts.MaxSegmentBytes
}

func (l *ManagedLog) rollLocked() error {
	newID, err := l.store.Roll()
	if err != nil {
		return errors.Wrap(errs.ErrStorageError, err.Error())
	}
	if meta, ok := l.segs.Get(l.current); ok {
		meta.Sealed = true
		l.segs.Put(l.current, meta)
	}
	l.segs.Put(newID, segmentmap.Meta{LastConfirmedEntry: -1, CreatedAt: time.Now()})
	l.mu.Lock()
	l.current = newID
	l.mu.Unlock()
	l.metrics.segmentRotations.Inc()
	l.logger.Debugf("rolled to new segment %d", newID)
	return nil
}

// OpenCursor creates or loads a durable cursor named name (spec.md section
// 4.1), registering it in the durable cursor registry.
func (l *ManagedLog) OpenCursor(name string) (*cursor.Cursor, error) {
	var (
		c   *cursor.Cursor
		err error
	)
	l.exec.Submit(func() {
		c, err = l.openCursorLocked(name)
	})
	return c, err
}

func (l *ManagedLog) openCursorLocked(name string) (*cursor.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.durableCursors[name]; ok {
		return existing, nil
	}
	rec, err := l.meta.Load(name)
	var markDelete position.Position
	var ranges []position.Range
	if err != nil {
		oldest, ok := l.segs.Oldest()
		if !ok {
			oldest = l.current
		}
		markDelete = position.New(oldest, -1)
	} else {
		markDelete = rec.MarkDelete
		ranges = rec.Ranges
	}
	c := cursor.New(cursor.Config{
		Name:         name,
		Durable:      true,
		Host:         l,
		Persist:      l.meta,
		MarkDelete:   markDelete,
		ReadPosition: l.segs.NextPosition(markDelete),
		Individually: ranges,
		OnClose:      func() { l.unregisterDurableCursor(name) },
		Logger:       l.logger,
		Metrics:      l.metrics,
	})
	l.durableCursors[name] = c
	return c, nil
}

func (l *ManagedLog) unregisterDurableCursor(name string) {
	l.mu.Lock()
	delete(l.durableCursors, name)
	l.mu.Unlock()
}

// NewNonDurableCursor creates a non-durable cursor resolved per startAt
// (spec.md section 4.1). It is never registered and never persisted (P6).
func (l *ManagedLog) NewNonDurableCursor(name string, startAt StartAt, at position.Position) (*cursor.Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var markDelete position.Position
	switch startAt {
	case StartAtEarliest:
		oldest, ok := l.segs.Oldest()
		if !ok {
			oldest = l.current
		}
		markDelete = position.New(oldest, -1)
	case StartAtLatest:
		if tail, ok := l.segs.Tail(); ok {
			markDelete = tail
		} else {
			markDelete = position.New(l.current, -1)
		}
	case StartAtPosition:
		markDelete = at
	default:
		return nil, errors.Wrapf(errs.ErrInvalidPosition, "unknown start-at mode %d", startAt)
	}

	c := cursor.New(cursor.Config{
		Name:         name,
		Durable:      false,
		Host:         l,
		MarkDelete:   markDelete,
		ReadPosition: l.segs.NextPosition(markDelete),
		Logger:       l.logger,
		Metrics:      l.metrics,
	})
	return c, nil
}

// Close transitions the log to closed: active cursor reads fail with
// LogClosed and pending writes are rejected.
func (l *ManagedLog) Close() error {
	l.stopOnce.Do(func() {
		close(l.closeCh)
		l.exec.Close()
	})
	return l.store.Close()
}

// TrimNow runs one retention pass synchronously, through the same executor
// the background cleaner loop uses, for ledgerctl and tests that don't want
// to wait on CleanerInterval.
func (l *ManagedLog) TrimNow() error {
	var err error
	l.exec.Submit(func() {
		err = l.trimLocked()
	})
	return err
}

func (l *ManagedLog) cleanerLoop() {
	ticker := time.NewTicker(l.opts.CleanerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-l.closeCh:
			return
		}
		l.exec.Submit(func() {
			if err := l.trimLocked(); err != nil {
				l.logger.Errorf("trim failed: %v", err)
			}
		})
	}
}

// trimLocked implements spec.md section 4.1's retention policy: segments
// strictly before the slowest durable cursor's mark-delete, and strictly
// before the log tail if there are no durable cursors, are eligible,
// subject to the time/size retention budgets.
func (l *ManagedLog) trimLocked() error {
	l.mu.RLock()
	slowest, hasDurable := l.slowestDurableMarkDeleteLocked()
	l.mu.RUnlock()

	ids := l.segs.Ids()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var retainedBytes int64
	for _, id := range ids {
		if meta, ok := l.segs.Get(id); ok {
			retainedBytes += meta.ByteSize
		}
	}

	minRetainedBytes := l.opts.RetentionSizeMB * humanize.MiByte
	cutoffAge := time.Duration(l.opts.RetentionTimeSeconds) * time.Second

	for _, id := range ids {
		if id == l.current {
			break
		}
		meta, ok := l.segs.Get(id)
		if !ok || !meta.Sealed {
			continue
		}
		segTail := position.New(id, meta.LastConfirmedEntry)
		if hasDurable && !segTail.Less(slowest) {
			continue // still pinned by some durable cursor
		}
		if l.opts.RetentionTimeSeconds > 0 && time.Since(meta.CreatedAt) < cutoffAge {
			continue
		}
		if l.opts.RetentionSizeMB > 0 && retainedBytes-meta.ByteSize < minRetainedBytes {
			continue
		}
		stillPinned := hasDurable && !segTail.Less(slowest)
		invariant.RetentionSafe(!stillPinned, id, slowest.String())
		if err := l.store.Remove(id); err != nil {
			return errors.Wrap(errs.ErrStorageError, err.Error())
		}
		l.segs.Remove(id)
		retainedBytes -= meta.ByteSize
		l.metrics.trims.Inc()
		l.logger.Debugf("trimmed segment %d (%s)", id, humanize.Bytes(uint64(meta.ByteSize)))
	}
	return nil
}

func (l *ManagedLog) slowestDurableMarkDeleteLocked() (position.Position, bool) {
	var (
		slowest position.Position
		found   bool
	)
	for _, c := range l.durableCursors {
		md := c.GetMarkDeletedPosition()
		if !found || md.Less(slowest) {
			slowest = md
			found = true
		}
	}
	return slowest, found
}

// Status reports a snapshot of the log for ledgerctl and diagnostics.
type Status struct {
	Name           string
	Segments       int
	CurrentSegment uint64
	DurableCursors int
	Latency        LatencySnapshot
}

// Status returns a point-in-time snapshot of the log.
func (l *ManagedLog) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{
		Name:           l.name,
		Segments:       l.segs.Len(),
		CurrentSegment: l.current,
		DurableCursors: len(l.durableCursors),
		Latency:        l.metrics.snapshot(),
	}
}
