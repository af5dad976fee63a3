package validation

import "github.com/rendis/loom/pkg/schema"

// ModelLookup answers whether a model id exists in the catalog. A nil lookup
// skips the check, so definitions validate without a catalog on disk.
type ModelLookup interface {
	Has(id string) bool
}

// TemplateLookup answers whether a template id exists in the registry. A nil
// lookup skips the check.
type TemplateLookup interface {
	Has(id string) bool
}

// WorkflowValidator runs the three-stage validation pipeline:
//  1. structural — shape against the embedded JSON Schema
//  2. semantic — per-type fields, references, bindings, nesting
//  3. graph — the executor's own DAG construction plus ordering hazards
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	models     ModelLookup
	templates  TemplateLookup
}

// NewWorkflowValidator creates a WorkflowValidator. Either lookup may be nil
// to skip the corresponding existence checks.
func NewWorkflowValidator(models ModelLookup, templates TemplateLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		models:     models,
		templates:  templates,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: a definition whose shape is wrong produces
// noise, not signal, from the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.models, wv.templates))

	// Graph analysis needs valid references; skip it when semantic failed.
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, unpacking
// its per-field violations into the result.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	le, ok := schema.AsError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return result
	}

	if le.Details != nil {
		if violations, ok := le.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeDefinition, v)
			}
			return result
		}
	}
	result.AddError("/", le.Code, le.Message)
	return result
}
