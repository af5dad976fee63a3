package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies. The step def is
// self-referential: then/else branches and loop bodies recurse through
// "#/$defs/step". Per-type required fields are a semantic concern (the Type
// field selects which variant fields count); the schema only pins shapes.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loom.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "variables": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["prompt", "template", "conditional", "loop", "extract", "sleep"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "on_error": {
          "type": "string",
          "enum": ["abort", "continue", "retry"]
        },
        "retry": { "$ref": "#/$defs/retry" },
        "output_var": { "type": "string" },

        "model": { "type": "string" },
        "prompt": { "type": "string" },
        "system": { "type": "string" },
        "params": { "type": "object" },

        "template": { "type": "string" },
        "bindings": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },

        "condition": { "type": "string" },
        "then": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "else": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },

        "items_var": { "type": "string" },
        "loop_var": { "type": "string" },
        "body": { "$ref": "#/$defs/step" },
        "max_iterations": {
          "type": "integer",
          "minimum": 1
        },

        "source": { "type": "string" },
        "pattern": { "type": "string" },
        "query": { "type": "string" },

        "duration": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 1
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        },
        "then": {
          "type": "string",
          "enum": ["abort", "continue"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions against the embedded workflow
// schema (JSON Schema Draft 2020-12). Safe for concurrent use; the schema is
// compiled once at construction.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loom.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://loom.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema, plus the structural checks the schema cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeDefinition, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toLoomError(err)
	}

	// Duplicate top-level step names; nested duplicates are the semantic
	// stage's job.
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := seen[step.Name]; exists {
			return schema.NewErrorf(schema.ErrCodeDefinition, "duplicate step name %q", step.Name)
		}
		seen[step.Name] = struct{}{}
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

// toLoomError converts a jsonschema.ValidationError into a LoomError whose
// details carry one message per violated field.
func toLoomError(err error) *schema.LoomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeDefinition, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeDefinition, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeDefinition, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("definition invalid with %d schema violations", len(violations))
	return schema.NewError(schema.ErrCodeDefinition, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
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
