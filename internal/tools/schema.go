package tools

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaDraft pins generated schemas to the draft every provider we target
// accepts.
const schemaDraft = "https://json-schema.org/draft/2020-12/schema"

// emptyObjectSchema is the schema for tools that take no arguments.
const emptyObjectSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false
}`

// generateSchema reflects a JSON Schema from the argument prototype and
// compiles it for validation. The generated document inlines the root struct
// and keeps any referenced types under $defs, so every $ref stays
// intra-document.
func generateSchema(name string, prototype any) (json.RawMessage, *jsonschema.Schema, error) {
	var raw json.RawMessage
	if prototype == nil {
		raw = json.RawMessage(emptyObjectSchema)
	} else {
		r := &invopop.Reflector{
			ExpandedStruct:            true,
			AllowAdditionalProperties: false,
		}
		schema := r.Reflect(prototype)
		schema.Version = schemaDraft

		encoded, err := json.Marshal(schema)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal schema for %s: %w", name, err)
		}
		raw = encoded
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return raw, compiled, nil
}

// validateArgs checks raw tool arguments against a compiled schema. Empty
// arguments validate as an empty object, matching how providers omit the
// input block for zero-argument calls.
func validateArgs(schema *jsonschema.Schema, raw json.RawMessage) error {
	var payload any
	if len(raw) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return schema.Validate(payload)
}
