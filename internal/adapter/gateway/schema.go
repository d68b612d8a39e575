package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

const nodeSchema = `{
	"type": "object",
	"required": ["id", "type"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"config": {"type": "object"},
		"next": {"type": "string"}
	}
}`

var createWorkflowSchema = `{
	"type": "object",
	"required": ["agent_id", "name"],
	"additionalProperties": false,
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"trigger": {"type": "string"},
		"is_active": {"type": "boolean"},
		"nodes": {"type": "array", "items": ` + nodeSchema + `}
	}
}`

var patchWorkflowSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"trigger": {"type": "string"},
		"is_active": {"type": "boolean"},
		"nodes": {"type": "array", "items": ` + nodeSchema + `}
	}
}`

// bodySchemas holds the compiled request body schemas.
type bodySchemas struct {
	create *jsonschema.Schema
	patch  *jsonschema.Schema
}

func compileBodySchemas() (*bodySchemas, error) {
	compiler := jsonschema.NewCompiler()
	create, err := compiler.Compile([]byte(createWorkflowSchema))
	if err != nil {
		return nil, fmt.Errorf("compile create schema: %w", err)
	}
	patch, err := compiler.Compile([]byte(patchWorkflowSchema))
	if err != nil {
		return nil, fmt.Errorf("compile patch schema: %w", err)
	}
	return &bodySchemas{create: create, patch: patch}, nil
}

// decodeChecked validates raw against schema and then decodes it into dst.
// A nil schema skips validation.
func decodeChecked(schema *jsonschema.Schema, raw []byte, dst any) error {
	if schema != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return invalidPayload("malformed JSON: " + err.Error())
		}
		if result := schema.Validate(doc); !result.IsValid() {
			return invalidPayload(result.Error())
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidPayload("malformed JSON: " + err.Error())
	}
	return nil
}
