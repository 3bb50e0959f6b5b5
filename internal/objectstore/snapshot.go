package objectstore

import (
	"encoding/json"
	"time"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/notion"
)

// ChildList names a persisted children listing.
type ChildList string

const (
	BlockChildren    ChildList = "block_children"
	DatabaseChildren ChildList = "database_children"
)

var ChildLists = []ChildList{BlockChildren, DatabaseChildren}

type RecordEntry struct {
	Record       notion.Record `json:"record"`
	CachedAt     time.Time     `json:"cachedAt"`
	NeedsRefresh bool          `json:"-"`
}

type ChildRef struct {
	Kind notion.ObjectKind `json:"kind"`
	ID   string            `json:"id"`
}

type ChildrenEntry struct {
	Children     []ChildRef `json:"children"`
	CachedAt     time.Time  `json:"cachedAt"`
	NeedsRefresh bool       `json:"-"`
}

// Snapshot is the full persisted entry set of the object store.
type Snapshot struct {
	Records  map[notion.ObjectKind]map[string]*RecordEntry `json:"records"`
	Children map[ChildList]map[string]*ChildrenEntry       `json:"children"`
}

func NewSnapshot() *Snapshot {
	s := &Snapshot{}
	s.ensureTables()
	return s
}

func (s *Snapshot) ensureTables() {
	if s.Records == nil {
		s.Records = map[notion.ObjectKind]map[string]*RecordEntry{}
	}
	for _, kind := range notion.ObjectKinds {
		if s.Records[kind] == nil {
			s.Records[kind] = map[string]*RecordEntry{}
		}
	}
	if s.Children == nil {
		s.Children = map[ChildList]map[string]*ChildrenEntry{}
	}
	for _, list := range ChildLists {
		if s.Children[list] == nil {
			s.Children[list] = map[string]*ChildrenEntry{}
		}
	}
}

// Len counts record and children entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, table := range s.Records {
		n += len(table)
	}
	for _, table := range s.Children {
		n += len(table)
	}
	return n
}

func (s *Snapshot) clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.ensureTables()
	return &out, nil
}
