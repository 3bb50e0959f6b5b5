package notion

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const blockSchemaURL = "https://notion-downloader.invalid/schema/block.json"

const blockSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["object", "id", "type", "has_children"],
	"properties": {
		"object": {"const": "block"},
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"has_children": {"type": "boolean"}
	}
}`

var (
	blockSchemaOnce     sync.Once
	blockSchemaCompiled *jsonschema.Schema
	blockSchemaErr      error
)

func compiledBlockSchema() (*jsonschema.Schema, error) {
	blockSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(blockSchema))
		if err != nil {
			blockSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(blockSchemaURL, doc); err != nil {
			blockSchemaErr = err
			return
		}
		blockSchemaCompiled, blockSchemaErr = compiler.Compile(blockSchemaURL)
	})
	return blockSchemaCompiled, blockSchemaErr
}

// ValidateBlock rejects block payloads missing the fields the walker relies on.
func ValidateBlock(rec Record) error {
	schema, err := compiledBlockSchema()
	if err != nil {
		return err
	}
	if len(rec.Raw) == 0 {
		return fmt.Errorf("%w: block %s has no payload", ErrIncompleteRecord, rec.ID)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(rec.Raw))
	if err != nil {
		return fmt.Errorf("%w: block %s: %v", ErrIncompleteRecord, rec.ID, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: block %s: %v", ErrIncompleteRecord, rec.ID, err)
	}
	return nil
}
