package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conductor/pkg/schema"
)

const documentSchemaURL = "https://conductor.local/schemas/workflow-document.json"

// documentSchemaJSON describes an importable workflow document (YAML or JSON).
// Connections accept either the short (source/target) or the long
// (source_node_id/target_node_id) endpoint keys.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.local/schemas/workflow-document.json",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "status": { "type": "string", "enum": ["draft", "running", "completed", "failed"] },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["input", "process", "condition", "output"] },
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          },
          "additionalProperties": false
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "process" } } },
          "then": {
            "required": ["config"],
            "properties": {
              "config": {
                "required": ["prompt"],
                "properties": {
                  "prompt": { "type": "string", "minLength": 1 },
                  "agent_role": { "type": "string" },
                  "priority": { "type": "integer", "minimum": 0 }
                },
                "additionalProperties": false
              }
            }
          }
        },
        {
          "if": { "properties": { "type": { "const": "condition" } } },
          "then": {
            "required": ["config"],
            "properties": {
              "config": {
                "required": ["condition"],
                "properties": {
                  "condition": { "type": "string", "minLength": 1 }
                },
                "additionalProperties": false
              }
            }
          }
        },
        {
          "if": { "properties": { "type": { "const": "output" } } },
          "then": {
            "properties": {
              "config": {
                "properties": { "transform": { "type": "string" } },
                "additionalProperties": false
              }
            }
          }
        },
        {
          "if": { "properties": { "type": { "const": "input" } } },
          "then": {
            "properties": {
              "config": {
                "properties": { "default": {} },
                "additionalProperties": false
              }
            }
          }
        }
      ]
    },
    "connection": {
      "type": "object",
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "source_node_id": { "type": "string", "minLength": 1 },
        "target_node_id": { "type": "string", "minLength": 1 },
        "source_port": { "type": "string" },
        "target_port": { "type": "string" }
      },
      "anyOf": [
        { "required": ["source", "target"] },
        { "required": ["source_node_id", "target_node_id"] }
      ],
      "additionalProperties": false
    }
  }
}`

// DocumentValidator checks the structure of imported workflow documents
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type DocumentValidator struct {
	schema *jsonschema.Schema
}

// NewDocumentValidator compiles the workflow document schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow document schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow document schema resource: %w", err)
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow document schema: %w", err)
	}
	return &DocumentValidator{schema: compiled}, nil
}

// ValidateDocument validates a decoded document (the result of unmarshalling
// YAML or JSON into any).
func (v *DocumentValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	if err := v.schema.Validate(val); err != nil {
		return toConductorError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toConductorError converts a jsonschema.ValidationError into a ConductorError
// listing every leaf violation.
func toConductorError(err error) *schema.ConductorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
