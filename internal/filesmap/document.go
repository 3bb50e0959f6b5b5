package filesmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/fsutil"
)

const documentSchemaURL = "https://notion-downloader.invalid/schema/files-map.json"

const documentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"$defs": {
		"records": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["path", "lastEditedTime"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"lastEditedTime": {"type": "string", "minLength": 1}
				}
			}
		}
	},
	"properties": {
		"page": {"$ref": "#/$defs/records"},
		"database": {"$ref": "#/$defs/records"},
		"image": {"$ref": "#/$defs/records"},
		"file": {"$ref": "#/$defs/records"},
		"video": {"$ref": "#/$defs/records"},
		"pdf": {"$ref": "#/$defs/records"},
		"audio": {"$ref": "#/$defs/records"}
	},
	"additionalProperties": false
}`

var (
	documentSchemaOnce     sync.Once
	documentSchemaCompiled *jsonschema.Schema
	documentSchemaErr      error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			documentSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(documentSchemaURL, doc); err != nil {
			documentSchemaErr = err
			return
		}
		documentSchemaCompiled, documentSchemaErr = compiler.Compile(documentSchemaURL)
	})
	return documentSchemaCompiled, documentSchemaErr
}

// Serialize exports the ledger as a JSON document with a key for every kind.
func (m *FilesMap) Serialize() ([]byte, error) {
	return json.MarshalIndent(m.All(), "", "  ")
}

// Deserialize rebuilds a ledger from a Serialize document. Kinds missing
// from the document are empty.
func Deserialize(data []byte) (*FilesMap, error) {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: files map document: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: files map document: %v", ErrInvalidInput, err)
	}
	var doc map[Kind]map[string]Record
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: files map document: %v", ErrInvalidInput, err)
	}
	m := New()
	for kind, table := range doc {
		for id, rec := range table {
			if err := m.Set(kind, id, rec); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Load reads a ledger file. A missing file is an empty ledger.
func Load(path string) (*FilesMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	return Deserialize(data)
}

// Save writes the ledger atomically, creating parent directories.
func (m *FilesMap) Save(path string) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
