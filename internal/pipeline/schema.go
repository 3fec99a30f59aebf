// Schema validation for create_spec: compile a JSON Schema once per tool
// kind and validate the decoded payload document against it before any
// artifact is written.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// defaultSpecSchema is the baseline SPEC payload shape shared by every tool
// in the closed vocabulary: a non-empty list of work items and the
// operation/tooling identifiers needed to evaluate feasibility. Per-tool
// schemas may be registered with tighter constraints; tools without one
// fall back to this baseline.
const defaultSpecSchema = `{
  "type": "object",
  "required": ["items", "op_type"],
  "properties": {
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["part_id"],
        "properties": {
          "part_id": {"type": "string", "minLength": 1},
          "thickness_mm": {"type": "number"},
          "width_mm": {"type": "number", "exclusiveMinimum": 0},
          "length_mm": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "op_type": {"type": "string", "minLength": 1}
  }
}`

// SchemaRegistry holds one compiled JSON Schema per tool kind, used by
// create_spec to reject malformed SPEC payloads before any artifact write.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles defaultSpecSchema for every tool kind in
// toolKinds. Callers that need a tighter, tool-specific schema should
// register it with RegisterSchema before the registry is handed to an
// Orchestrator.
func NewSchemaRegistry(toolKinds []string) (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema, len(toolKinds))}
	compiled, err := compileSchema(defaultSpecSchema)
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile default spec schema: %w", err)
	}
	for _, tk := range toolKinds {
		r.schemas[tk] = compiled
	}
	return r, nil
}

// RegisterSchema overrides the compiled schema used for toolKind's SPEC
// payload validation.
func (r *SchemaRegistry) RegisterSchema(toolKind, schemaJSON string) error {
	compiled, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("pipeline: compile schema for %q: %w", toolKind, err)
	}
	r.schemas[toolKind] = compiled
	return nil
}

// Validate checks payload against toolKind's registered schema. A tool kind
// with no registered schema is not validated (returns nil): the closed
// vocabulary is enumerated at startup, so this only happens for tool kinds
// intentionally left schema-less.
func (r *SchemaRegistry) Validate(toolKind string, payload map[string]any) error {
	schema, ok := r.schemas[toolKind]
	if !ok || schema == nil {
		return nil
	}
	// Round-trip through JSON so map[string]any values (e.g. json.Number
	// vs plain float64) normalize the same way the compiled schema expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal payload for validation: %w", err)
	}
	return schema.Validate(doc)
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("spec-schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("spec-schema.json")
}
