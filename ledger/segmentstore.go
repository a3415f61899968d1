package ledger

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"

	"github.com/liftbridge-io/managedlog/errs"
	"github.com/liftbridge-io/managedlog/segmentmap"
)

// SegmentStore is the out-of-scope external collaborator spec.md section 1
// names as "the physical segment store": it opens/closes/appends/reads
// segments and assigns segment ids. ManagedLog treats it as an opaque
// capability behind this interface.
type SegmentStore interface {
	// Open loads existing segments (if any) and returns their metadata in
	// ascending segment-id order, plus the id of the current writable
	// segment (which is created if none exists).
	Open() ([]SegmentInfo, uint64, error)
	// Append writes payload to the writable segment, returning the entry id
	// it was assigned within that segment.
	Append(segmentID uint64, payload []byte) (int64, error)
	// Read returns the payload at (segmentID, entryID).
	Read(segmentID uint64, entryID int64) ([]byte, error)
	// Roll seals the current writable segment and opens a new one,
	// returning its id.
	Roll() (uint64, error)
	// Remove deletes a sealed segment's backing storage.
	Remove(segmentID uint64) error
	// Close releases any open file handles.
	Close() error
}

// SegmentInfo mirrors segmentmap.Meta for the subset a store reports at
// Open time.
type SegmentInfo struct {
	ID                 uint64
	EntryCount         int64
	LastConfirmedEntry int64
	ByteSize           int64
	CreatedAt          time.Time
	Sealed             bool
}

// --- in-memory implementation, for tests and the scenario suite ---

type memSegment struct {
	entries [][]byte
	sealed  bool
	created time.Time
}

// MemSegmentStore is an in-memory SegmentStore. Segment ids are assigned
// from a counter seeded by startID, matching spec.md section 8 scenario A's
// example of segment id 3 for the first segment.
type MemSegmentStore struct {
	mu            sync.Mutex
	maxPerSegment int64
	nextID        uint64
	segments      map[uint64]*memSegment
	order         []uint64
	current       uint64
}

// NewMemSegmentStore returns a MemSegmentStore whose first segment id is
// startID. maxPerSegment is stored but not consulted: segments roll over
// only when the ManagedLog calls Roll.
func NewMemSegmentStore(startID uint64, maxPerSegment int64) *MemSegmentStore {
	return &MemSegmentStore{
		maxPerSegment: maxPerSegment,
		nextID:        startID,
		segments:      make(map[uint64]*memSegment),
	}
}

func (s *MemSegmentStore) Open() ([]SegmentInfo, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		s.openNewLocked()
	}
	return s.snapshotLocked(), s.current, nil
}

func (s *MemSegmentStore) openNewLocked() {
	id := s.nextID
	s.nextID++
	s.segments[id] = &memSegment{created: time.Now()}
	s.order = append(s.order, id)
	s.current = id
}

func (s *MemSegmentStore) snapshotLocked() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(s.order))
	for _, id := range s.order {
		seg := s.segments[id]
		out = append(out, SegmentInfo{
			ID:                 id,
			EntryCount:         int64(len(seg.entries)),
			LastConfirmedEntry: int64(len(seg.entries)) - 1,
			ByteSize:           segByteSize(seg),
			CreatedAt:          seg.created,
			Sealed:             seg.sealed,
		})
	}
	return out
}

func segByteSize(seg *memSegment) int64 {
	var n int64
	for _, e := range seg.entries {
		n += int64(len(e))
	}
	return n
}

func (s *MemSegmentStore) Append(segmentID uint64, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok || seg.sealed {
		return 0, errors.Wrapf(errs.ErrStorageError, "segment %d not writable", segmentID)
	}
	seg.entries = append(seg.entries, payload)
	return int64(len(seg.entries) - 1), nil
}

func (s *MemSegmentStore) Read(segmentID uint64, entryID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok || entryID < 0 || entryID >= int64(len(seg.entries)) {
		return nil, errors.Wrapf(errs.ErrInvalidPosition, "no such entry %d:%d", segmentID, entryID)
	}
	return seg.entries[entryID], nil
}

func (s *MemSegmentStore) Roll() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[s.current].sealed = true
	s.openNewLocked()
	return s.current, nil
}

func (s *MemSegmentStore) Remove(segmentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, segmentID)
	for i, id := range s.order {
		if id == segmentID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemSegmentStore) Close() error { return nil }

// --- file-backed implementation ---

const (
	logFileSuffix   = ".log"
	indexFileSuffix = ".index"
	indexEntrySize  = 8 // one int64 byte-offset per entry
)

// fileSegment is one open segment: a log file of length-prefixed payloads
// plus a memory-mapped index of byte offsets, mirroring the teacher's
// segment/index split. Once index is populated (on seal), Read resolves
// offsets through it; offsets only backs the current writable segment and
// the scan that rebuilds index after a restart.
type fileSegment struct {
	id      uint64
	logFile *os.File
	index   gommap.MMap
	indexFd *os.File
	offsets []int64 // byte offsets into logFile, one per entry
	sealed  bool
	created time.Time
	size    int64
}

// FileSegmentStore is a SegmentStore backed by a directory of <id>.log /
// <id>.index file pairs, grounded in the teacher's newSegment/open loop in
// commitlog.go.
type FileSegmentStore struct {
	mu            sync.Mutex
	dir           string
	maxPerSegment int64
	segments      map[uint64]*fileSegment
	order         []uint64
	current       uint64
}

// NewFileSegmentStore returns a FileSegmentStore rooted at dir, which must
// already exist.
func NewFileSegmentStore(dir string, maxPerSegment int64) *FileSegmentStore {
	return &FileSegmentStore{dir: dir, maxPerSegment: maxPerSegment, segments: make(map[uint64]*fileSegment)}
}

func (s *FileSegmentStore) Open() ([]SegmentInfo, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	var ids []uint64
	for _, f := range entries {
		if !strings.HasSuffix(f.Name(), logFileSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(f.Name(), logFileSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		sealed := i != len(ids)-1
		seg, err := s.openSegmentFileLocked(id, sealed)
		if err != nil {
			return nil, 0, err
		}
		s.segments[id] = seg
		s.order = append(s.order, id)
	}
	if len(s.order) == 0 {
		seg, err := s.createSegmentFileLocked(1)
		if err != nil {
			return nil, 0, err
		}
		s.segments[1] = seg
		s.order = []uint64{1}
	}
	s.current = s.order[len(s.order)-1]
	return s.snapshotLocked(), s.current, nil
}

func (s *FileSegmentStore) snapshotLocked() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(s.order))
	for _, id := range s.order {
		seg := s.segments[id]
		out = append(out, SegmentInfo{
			ID:                 id,
			EntryCount:         int64(len(seg.offsets)),
			LastConfirmedEntry: int64(len(seg.offsets)) - 1,
			ByteSize:           seg.size,
			CreatedAt:          seg.created,
			Sealed:             seg.sealed,
		})
	}
	return out
}

func (s *FileSegmentStore) createSegmentFileLocked(id uint64) (*fileSegment, error) {
	logPath := filepath.Join(s.dir, strconv.FormatUint(id, 10)+logFileSuffix)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	idxPath := filepath.Join(s.dir, strconv.FormatUint(id, 10)+indexFileSuffix)
	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	return &fileSegment{id: id, logFile: logFile, indexFd: idxFile, created: time.Now()}, nil
}

// openSegmentFileLocked reopens an existing segment's log file and rebuilds
// its offset index by scanning length-prefixed records. For a sealed segment
// the rebuilt offsets are also written into the memory-mapped index file, so
// reads resolve through the mapped index exactly as they do for a segment
// sealed by Roll in the same process.
func (s *FileSegmentStore) openSegmentFileLocked(id uint64, sealed bool) (*fileSegment, error) {
	logPath := filepath.Join(s.dir, strconv.FormatUint(id, 10)+logFileSuffix)
	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	stat, err := logFile.Stat()
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	idxPath := filepath.Join(s.dir, strconv.FormatUint(id, 10)+indexFileSuffix)
	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	seg := &fileSegment{id: id, logFile: logFile, indexFd: idxFile, sealed: sealed, created: time.Now(), size: stat.Size()}
	if err := seg.rebuildOffsetsFromLog(); err != nil {
		return nil, err
	}
	if sealed {
		// Rebuild the index file from the recovered offsets and map it, the
		// same recovery step Roll takes when it first seals a segment, so a
		// reopened sealed segment resolves reads the same way a freshly
		// sealed one does instead of falling back to the in-memory slice.
		if err := mmapSegmentIndex(seg); err != nil {
			return nil, err
		}
	}
	return seg, nil
}

// offsetAt resolves entryID's byte offset into the log file, preferring the
// memory-mapped index (available once the segment is sealed) over the
// in-memory offsets slice scanned at open time.
func (seg *fileSegment) offsetAt(entryID int64) (int64, bool) {
	if seg.index != nil {
		start := entryID * indexEntrySize
		if entryID >= 0 && start+indexEntrySize <= int64(len(seg.index)) {
			var off int64
			for b := 0; b < 8; b++ {
				off |= int64(seg.index[start+int64(b)]) << (56 - 8*b)
			}
			return off, true
		}
		return 0, false
	}
	if entryID >= 0 && entryID < int64(len(seg.offsets)) {
		return seg.offsets[entryID], true
	}
	return 0, false
}

func (seg *fileSegment) rebuildOffsetsFromLog() error {
	var offset int64
	for {
		var lenBuf [4]byte
		n, err := seg.logFile.ReadAt(lenBuf[:], offset)
		if n < 4 || err != nil {
			break
		}
		length := int64(uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3]))
		seg.offsets = append(seg.offsets, offset)
		offset += 4 + length
	}
	seg.size = offset
	return nil
}

func (s *FileSegmentStore) Append(segmentID uint64, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok || seg.sealed {
		return 0, errors.Wrapf(errs.ErrStorageError, "segment %d not writable", segmentID)
	}
	offset := seg.size
	length := uint32(len(payload))
	header := []byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	if _, err := seg.logFile.WriteAt(header, offset); err != nil {
		return 0, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	if _, err := seg.logFile.WriteAt(payload, offset+4); err != nil {
		return 0, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	entryID := int64(len(seg.offsets))
	seg.offsets = append(seg.offsets, offset)
	seg.size = offset + 4 + int64(length)
	return entryID, nil
}

func (s *FileSegmentStore) Read(segmentID uint64, entryID int64) ([]byte, error) {
	s.mu.Lock()
	seg, ok := s.segments[segmentID]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(errs.ErrInvalidPosition, "no such entry %d:%d", segmentID, entryID)
	}
	offset, ok := seg.offsetAt(entryID)
	if !ok {
		return nil, errors.Wrapf(errs.ErrInvalidPosition, "no such entry %d:%d", segmentID, entryID)
	}
	var lenBuf [4]byte
	if _, err := seg.logFile.ReadAt(lenBuf[:], offset); err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	length := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	payload := make([]byte, length)
	if _, err := seg.logFile.ReadAt(payload, offset+4); err != nil {
		return nil, errors.Wrap(errs.ErrStorageError, err.Error())
	}
	return payload, nil
}

func (s *FileSegmentStore) Roll() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.segments[s.current]
	old.sealed = true
	if err := mmapSegmentIndex(old); err != nil {
		return 0, err
	}
	newID := s.current + 1
	seg, err := s.createSegmentFileLocked(newID)
	if err != nil {
		return 0, err
	}
	s.segments[newID] = seg
	s.order = append(s.order, newID)
	s.current = newID
	return newID, nil
}

// mmapSegmentIndex writes the final offset table for a sealed segment and
// memory-maps it read-only, the role gommap plays for the teacher's segment
// index.
func mmapSegmentIndex(seg *fileSegment) error {
	buf := make([]byte, len(seg.offsets)*indexEntrySize)
	for i, off := range seg.offsets {
		for b := 0; b < 8; b++ {
			buf[i*indexEntrySize+b] = byte(off >> (56 - 8*b))
		}
	}
	if _, err := seg.indexFd.WriteAt(buf, 0); err != nil {
		return errors.Wrap(errs.ErrStorageError, err.Error())
	}
	if len(buf) == 0 {
		return nil
	}
	m, err := gommap.Map(seg.indexFd.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return errors.Wrap(errs.ErrStorageError, err.Error())
	}
	seg.index = m
	return nil
}

func (s *FileSegmentStore) Remove(segmentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return nil
	}
	if seg.index != nil {
		seg.index.UnsafeUnmap() // nolint: errcheck
	}
	seg.logFile.Close()
	seg.indexFd.Close()
	os.Remove(seg.logFile.Name())
	os.Remove(seg.indexFd.Name())
	delete(s.segments, segmentID)
	for i, id := range s.order {
		if id == segmentID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *FileSegmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.index != nil {
			seg.index.UnsafeUnmap() // nolint: errcheck
		}
		seg.logFile.Close()
		seg.indexFd.Close()
	}
	return nil
}

// metaFromInfo converts a SegmentInfo into segmentmap.Meta.
func metaFromInfo(info SegmentInfo) segmentmap.Meta {
	return segmentmap.Meta{
		EntryCount:         info.EntryCount,
		LastConfirmedEntry: info.LastConfirmedEntry,
		ByteSize:           info.ByteSize,
		CreatedAt:          info.CreatedAt,
		Sealed:             info.Sealed,
	}
}
