package filesmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type Kind string

const (
	KindPage     Kind = "page"
	KindDatabase Kind = "database"
	KindImage    Kind = "image"
	KindFile     Kind = "file"
	KindVideo    Kind = "video"
	KindPDF      Kind = "pdf"
	KindAudio    Kind = "audio"
)

// Kinds lists every tracked kind in document order.
var Kinds = []Kind{KindPage, KindDatabase, KindImage, KindFile, KindVideo, KindPDF, KindAudio}

func (k Kind) Valid() bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsAsset reports whether the kind tracks a downloaded file rather than a
// page or database.
func (k Kind) IsAsset() bool {
	return k.Valid() && k != KindPage && k != KindDatabase
}

// KindForObject maps a tree kind onto a ledger kind. Blocks are only
// tracked when they carry an asset.
func KindForObject(kind notion.ObjectKind, blockType string) (Kind, bool) {
	switch kind {
	case notion.ObjectPage:
		return KindPage, true
	case notion.ObjectDatabase:
		return KindDatabase, true
	case notion.ObjectBlock:
		if referenced, ok := notion.ReferencedKind(blockType); ok {
			return KindForObject(referenced, "")
		}
		asset := Kind(blockType)
		if asset.IsAsset() {
			return asset, true
		}
	}
	return "", false
}

type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no file record for %s %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type Record struct {
	Path           string    `json:"path"`
	LastEditedTime time.Time `json:"lastEditedTime"`
}

// FilesMap records, per tracked unit, the output path and the
// last_edited_time it was produced from.
type FilesMap struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
}

func New() *FilesMap {
	m := &FilesMap{records: map[Kind]map[string]Record{}}
	for _, kind := range Kinds {
		m.records[kind] = map[string]Record{}
	}
	return m
}

func (m *FilesMap) Exists(kind Kind, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[kind][id]
	return ok
}

func (m *FilesMap) Get(kind Kind, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[kind][id]
	if !ok {
		return Record{}, &NotFoundError{Kind: kind, ID: id}
	}
	return rec, nil
}

func (m *FilesMap) Set(kind Kind, id string, rec Record) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidInput, kind)
	}
	if strings.TrimSpace(id) == "" || strings.TrimSpace(rec.Path) == "" {
		return fmt.Errorf("%w: record %s/%s needs an id and a path", ErrInvalidInput, kind, id)
	}
	rec.LastEditedTime = rec.LastEditedTime.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[kind][id] = rec
	return nil
}

// Delete removes a record and reports whether one existed.
func (m *FilesMap) Delete(kind Kind, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[kind][id]; !ok {
		return false
	}
	delete(m.records[kind], id)
	return true
}

// AllOfKind returns a copy of one kind's records. Unknown or empty kinds
// yield an empty map.
func (m *FilesMap) AllOfKind(kind Kind) map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records[kind]))
	for id, rec := range m.records[kind] {
		out[id] = rec
	}
	return out
}

// All returns a copy of every kind's records, with a key for each kind.
func (m *FilesMap) All() map[Kind]map[string]Record {
	out := make(map[Kind]map[string]Record, len(Kinds))
	for _, kind := range Kinds {
		out[kind] = m.AllOfKind(kind)
	}
	return out
}

// Len counts records across all kinds.
func (m *FilesMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, table := range m.records {
		n += len(table)
	}
	return n
}

// IDs returns the sorted ids recorded for a kind.
func (m *FilesMap) IDs(kind Kind) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records[kind]))
	for id := range m.records[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
