package ledger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/managedlog/cursor"
	"github.com/liftbridge-io/managedlog/errs"
	"github.com/liftbridge-io/managedlog/position"
)

// LogMetadata is the log metadata record of spec.md section 6: the ordered
// list of known segment ids plus a pointer to the current writable one.
type LogMetadata struct {
	Name           string
	SegmentIDs     []uint64
	CurrentSegment uint64
}

// MetadataStore is the out-of-scope external collaborator spec.md section 1
// names as "the metadata store": it persists cursor mark-delete positions
// for durable cursors and the log's own segment metadata.
type MetadataStore interface {
	cursor.PersistentStore

	LoadLogMetadata(name string) (*LogMetadata, error)
	SaveLogMetadata(meta *LogMetadata) error
	// ListCursors returns the names of every durable cursor record known to
	// the store for this log, so ManagedLog.Open can reload them.
	ListCursors() ([]string, error)
	DeleteCursor(name string) error
	Close() error
}

// --- in-memory implementation ---

// MemMetadataStore is an in-memory MetadataStore, for tests.
type MemMetadataStore struct {
	mu        sync.Mutex
	cursors   map[string]*cursor.Record
	logMeta   *LogMetadata
}

// NewMemMetadataStore returns an empty MemMetadataStore.
func NewMemMetadataStore() *MemMetadataStore {
	return &MemMetadataStore{cursors: make(map[string]*cursor.Record)}
}

func (s *MemMetadataStore) Load(name string) (*cursor.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cursors[name]
	if !ok {
		return nil, cursor.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemMetadataStore) Save(rec *cursor.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.cursors[rec.Name] = &cp
	return nil
}

func (s *MemMetadataStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, name)
	return nil
}

func (s *MemMetadataStore) DeleteCursor(name string) error { return s.Delete(name) }

func (s *MemMetadataStore) ListCursors() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.cursors))
	for n := range s.cursors {
		names = append(names, n)
	}
	return names, nil
}

func (s *MemMetadataStore) LoadLogMetadata(name string) (*LogMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logMeta == nil {
		return nil, cursor.ErrRecordNotFound
	}
	cp := *s.logMeta
	return &cp, nil
}

func (s *MemMetadataStore) SaveLogMetadata(meta *LogMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	s.logMeta = &cp
	return nil
}

func (s *MemMetadataStore) Close() error { return nil }

// --- file-backed implementation ---

// cursorRecordDoc is the JSON-on-disk shape of cursor.Record, grounded in
// the teacher's checkpointHW, which writes a small text file atomically on
// every high-watermark change. Here we persist one JSON document per
// cursor instead of a single counter, but the write path is the same:
// serialize, then atomicfile.WriteFile so a crash never leaves a partial
// file for a reader to observe.
type cursorRecordDoc struct {
	Name        string           `json:"name"`
	MarkDelete  positionDoc      `json:"markDelete"`
	Ranges      []rangeDoc       `json:"individuallyDeletedRanges,omitempty"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

type positionDoc struct {
	SegmentID uint64 `json:"segmentId"`
	EntryID   int64  `json:"entryId"`
}

type rangeDoc struct {
	Lo positionDoc `json:"lo"`
	Hi positionDoc `json:"hi"`
}

// FileMetadataStore persists cursor records and log metadata as JSON files
// under dir, written atomically via natefinch/atomic, the same durability
// primitive the teacher uses for its high-watermark checkpoint file.
type FileMetadataStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileMetadataStore returns a FileMetadataStore rooted at dir, which
// must already exist.
func NewFileMetadataStore(dir string) *FileMetadataStore {
	return &FileMetadataStore{dir: dir}
}

func (s *FileMetadataStore) cursorPath(name string) string {
	return filepath.Join(s.dir, "cursor-"+sanitize(name)+".json")
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, string(filepath.Separator), "_")
}

func (s *FileMetadataStore) Load(name string) (*cursor.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.cursorPath(name))
	if os.IsNotExist(err) {
		return nil, cursor.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	var doc cursorRecordDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	return docToRecord(doc), nil
}

func (s *FileMetadataStore) Save(rec *cursor.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := recordToDoc(rec)
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	if err := atomicfile.WriteFile(s.cursorPath(rec.Name), bytes.NewReader(b)); err != nil {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	return nil
}

func (s *FileMetadataStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.cursorPath(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	return nil
}

func (s *FileMetadataStore) DeleteCursor(name string) error { return s.Delete(name) }

func (s *FileMetadataStore) ListCursors() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "cursor-") && strings.HasSuffix(e.Name(), ".json") {
			b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
			if err != nil {
				continue
			}
			var doc cursorRecordDoc
			if err := json.Unmarshal(b, &doc); err != nil {
				continue
			}
			names = append(names, doc.Name)
		}
	}
	return names, nil
}

func (s *FileMetadataStore) logMetaPath() string {
	return filepath.Join(s.dir, "log-metadata.json")
}

func (s *FileMetadataStore) LoadLogMetadata(name string) (*LogMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.logMetaPath())
	if os.IsNotExist(err) {
		return nil, cursor.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	var meta LogMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	return &meta, nil
}

func (s *FileMetadataStore) SaveLogMetadata(meta *LogMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	if err := atomicfile.WriteFile(s.logMetaPath(), bytes.NewReader(b)); err != nil {
		return errors.Wrap(errs.ErrMetadataError, err.Error())
	}
	return nil
}

func (s *FileMetadataStore) Close() error { return nil }

func recordToDoc(rec *cursor.Record) cursorRecordDoc {
	doc := cursorRecordDoc{
		Name:        rec.Name,
		MarkDelete:  positionDoc{SegmentID: rec.MarkDelete.SegmentID, EntryID: rec.MarkDelete.EntryID},
		LastUpdated: rec.LastUpdated,
	}
	for _, r := range rec.Ranges {
		doc.Ranges = append(doc.Ranges, rangeDoc{
			Lo: positionDoc{SegmentID: r.Lo.SegmentID, EntryID: r.Lo.EntryID},
			Hi: positionDoc{SegmentID: r.Hi.SegmentID, EntryID: r.Hi.EntryID},
		})
	}
	return doc
}

func docToRecord(doc cursorRecordDoc) *cursor.Record {
	rec := &cursor.Record{
		Name:        doc.Name,
		MarkDelete:  position.New(doc.MarkDelete.SegmentID, doc.MarkDelete.EntryID),
		LastUpdated: doc.LastUpdated,
	}
	for _, r := range doc.Ranges {
		rec.Ranges = append(rec.Ranges, position.Range{
			Lo: position.New(r.Lo.SegmentID, r.Lo.EntryID),
			Hi: position.New(r.Hi.SegmentID, r.Hi.EntryID),
		})
	}
	return rec
}

