package notion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type ObjectKind string

const (
	ObjectPage     ObjectKind = "page"
	ObjectDatabase ObjectKind = "database"
	ObjectBlock    ObjectKind = "block"
)

// ObjectKinds lists the kinds that take part in the object tree, in table order.
var ObjectKinds = []ObjectKind{ObjectPage, ObjectDatabase, ObjectBlock}

func ParseObjectKind(raw string) (ObjectKind, error) {
	switch kind := ObjectKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case ObjectPage, ObjectDatabase, ObjectBlock:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: object kind %q", ErrInvalidInput, raw)
	}
}

func (k ObjectKind) Valid() bool {
	switch k {
	case ObjectPage, ObjectDatabase, ObjectBlock:
		return true
	default:
		return false
	}
}

const (
	BlockTypeChildPage     = "child_page"
	BlockTypeChildDatabase = "child_database"
)

// IsPageReference reports whether a block of this type materializes a page.
func IsPageReference(blockType string) bool {
	return blockType == BlockTypeChildPage
}

// IsContainerReference reports whether a block of this type materializes a database.
func IsContainerReference(blockType string) bool {
	return blockType == BlockTypeChildDatabase
}

// ReferencedKind returns the page or database kind a reference block stands for.
func ReferencedKind(blockType string) (ObjectKind, bool) {
	switch {
	case IsPageReference(blockType):
		return ObjectPage, true
	case IsContainerReference(blockType):
		return ObjectDatabase, true
	default:
		return "", false
	}
}

type Parent struct {
	Type       string `json:"type"`
	PageID     string `json:"page_id,omitempty"`
	DatabaseID string `json:"database_id,omitempty"`
	BlockID    string `json:"block_id,omitempty"`
	Workspace  bool   `json:"workspace,omitempty"`
}

// Ref normalizes the parent pointer. ok is false for top-level (workspace)
// parents and for parents the API reports without an id.
func (p Parent) Ref() (kind ObjectKind, id string, ok bool) {
	switch p.Type {
	case "page_id":
		kind, id = ObjectPage, p.PageID
	case "database_id":
		kind, id = ObjectDatabase, p.DatabaseID
	case "block_id":
		kind, id = ObjectBlock, p.BlockID
	default:
		return "", "", false
	}
	if strings.TrimSpace(id) == "" {
		return "", "", false
	}
	return kind, id, true
}

// Record is a raw object payload as returned by the API. The header fields
// are decoded for the tree and cache; Raw keeps the full payload, compacted.
type Record struct {
	Object         string
	ID             string
	Type           string
	HasChildren    bool
	LastEditedTime string
	Archived       bool
	Parent         Parent
	Raw            json.RawMessage
}

type recordHeader struct {
	Object         string `json:"object"`
	ID             string `json:"id"`
	Type           string `json:"type,omitempty"`
	HasChildren    bool   `json:"has_children,omitempty"`
	LastEditedTime string `json:"last_edited_time,omitempty"`
	Archived       bool   `json:"archived,omitempty"`
	Parent         Parent `json:"parent"`
}

func ParseRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var header recordHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	raw, err := normalizeRaw(data)
	if err != nil {
		return err
	}
	*r = Record{
		Object:         header.Object,
		ID:             header.ID,
		Type:           header.Type,
		HasChildren:    header.HasChildren,
		LastEditedTime: header.LastEditedTime,
		Archived:       header.Archived,
		Parent:         header.Parent,
		Raw:            raw,
	}
	return nil
}

// normalizeRaw compacts and HTML-escapes a payload the way encoding/json
// emits Marshaler output, so stored and freshly fetched bytes compare equal.
func normalizeRaw(data []byte) (json.RawMessage, error) {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, data); err != nil {
		return nil, err
	}
	var escaped bytes.Buffer
	json.HTMLEscape(&escaped, compacted.Bytes())
	return json.RawMessage(escaped.Bytes()), nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(recordHeader{
		Object:         r.Object,
		ID:             r.ID,
		Type:           r.Type,
		HasChildren:    r.HasChildren,
		LastEditedTime: r.LastEditedTime,
		Archived:       r.Archived,
		Parent:         r.Parent,
	})
}

func (r Record) IsZero() bool {
	return r.ID == "" && len(r.Raw) == 0
}

// Kind maps the payload's object field onto a tree kind.
func (r Record) Kind() (ObjectKind, error) {
	kind, err := ParseObjectKind(r.Object)
	if err != nil {
		return "", fmt.Errorf("%w: record %s has object %q", ErrInvalidInput, r.ID, r.Object)
	}
	return kind, nil
}

// Payload returns the type-specific section of a block, e.g. the "image"
// object of an image block.
func (r Record) Payload() (map[string]any, bool) {
	if r.Type == "" || len(r.Raw) == 0 {
		return nil, false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &doc); err != nil {
		return nil, false
	}
	section, ok := doc[r.Type]
	if !ok {
		return nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal(section, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// ListPage is one page of a cursor-paginated list response.
type ListPage struct {
	Results    []Record `json:"results"`
	NextCursor *string  `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// Next returns the cursor of the following page, or "" once exhausted.
func (p ListPage) Next() string {
	if !p.HasMore || p.NextCursor == nil {
		return ""
	}
	return strings.TrimSpace(*p.NextCursor)
}
