package mirror

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// communitySchema describes the expected shape of a community document.
// Deliberately loose: it flags structural drift (wrong types, missing name)
// without rejecting records that merely carry extra fields.
const communitySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"allowedUsers": {
			"type": "array",
			"items": {
				"anyOf": [
					{"type": "string"},
					{
						"type": "object",
						"properties": {
							"id": {"type": "string"},
							"playerId": {"type": "string"},
							"username": {"type": "string"}
						}
					}
				]
			}
		},
		"addresses": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"street": {"type": "string"},
					"people": {"type": "array"}
				}
			}
		}
	}
}`

const communitySchemaURL = "edgegate://schemas/community.json"

// docValidator checks community documents against the expected schema.
type docValidator struct {
	schema *jsonschema.Schema
}

// newDocValidator compiles the community schema.
func newDocValidator() (*docValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(communitySchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshaling schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(communitySchemaURL, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}

	schema, err := compiler.Compile(communitySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	return &docValidator{schema: schema}, nil
}

// validate reports whether data matches the community document shape.
func (v *docValidator) validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}

	return v.schema.Validate(inst)
}
