package validation

import (
	"fmt"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

// validateDAG builds the execution graph exactly the way the executor does,
// so anything the executor would refuse at run start — unknown dependencies,
// self-dependencies, duplicate edges, cycles — is reported here first. On a
// clean graph it flags ordering hazards that parse fine: an extract step
// whose source runs after it.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	dag, err := engine.ParseDAG(def)
	if err != nil {
		code := schema.ErrCodeDefinition
		msg := err.Error()
		if le, ok := schema.AsError(err); ok {
			code = le.Code
			msg = le.Message
		}
		result.AddError("steps", code, msg)
		return result
	}

	position := make(map[string]int, len(dag.Sorted))
	for i, name := range dag.Sorted {
		position[name] = i
	}

	// Top-level extract steps read another step's recorded output; warn when
	// the source is sorted after the reader. Nested extracts run inside their
	// parent's slot, so their ordering is the parent's concern.
	for i, s := range def.Steps {
		if s.Type != schema.StepTypeExtract || s.Source == "" || s.Source == s.Name {
			continue
		}
		srcPos, ok := position[s.Source]
		if !ok || srcPos < position[s.Name] {
			continue
		}
		result.AddWarning(fmt.Sprintf("steps[%d].source", i),
			schema.ErrCodeDefinition,
			fmt.Sprintf("step %q runs after %q; declare it as a dependency so its output exists when read", s.Source, s.Name))
	}

	return result
}
