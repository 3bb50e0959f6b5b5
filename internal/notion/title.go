package notion

import (
	"encoding/json"
	"strings"
)

type richText struct {
	PlainText string `json:"plain_text"`
}

type titleProperty struct {
	Type  string     `json:"type"`
	Title []richText `json:"title"`
}

type titledRecord struct {
	Title         []richText                 `json:"title"`
	Properties    map[string]json.RawMessage `json:"properties"`
	ChildPage     *struct{ Title string }    `json:"child_page"`
	ChildDatabase *struct{ Title string }    `json:"child_database"`
}

// Title extracts a human readable title from a page, database or reference
// block payload. It returns "" when the payload has none.
func Title(rec Record) string {
	if len(rec.Raw) == 0 {
		return ""
	}
	var doc titledRecord
	if err := json.Unmarshal(rec.Raw, &doc); err != nil {
		return ""
	}
	switch {
	case doc.ChildPage != nil:
		return strings.TrimSpace(doc.ChildPage.Title)
	case doc.ChildDatabase != nil:
		return strings.TrimSpace(doc.ChildDatabase.Title)
	case len(doc.Title) > 0:
		return joinRichText(doc.Title)
	}
	for _, raw := range doc.Properties {
		var prop titleProperty
		if err := json.Unmarshal(raw, &prop); err != nil {
			continue
		}
		if prop.Type == "title" {
			return joinRichText(prop.Title)
		}
	}
	return ""
}

func joinRichText(parts []richText) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return strings.TrimSpace(b.String())
}
