// Package validation checks workflow definitions before execution: structural
// shape against an embedded JSON Schema, semantic rules the schema cannot
// express, and graph analysis of the dependency edges. All phases run before
// any side effect, so an invalid definition never starts a run.
package validation

import "github.com/rendis/loom/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}
