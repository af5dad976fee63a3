package schema

import "fmt"

// ValidationIssue is one problem found while validating a definition. Path
// addresses the offending field, e.g. "steps[2].pattern". Whether an issue
// is fatal is carried by which ValidationResult list holds it.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult splits findings into hard errors and advisory warnings.
// Warnings never fail a definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the definition passed. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a hard error at path.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

// AddWarning records an advisory finding at path.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message})
}

// Merge folds another result into this one, keeping insertion order so
// issues report in pipeline order (schema, then semantic, then graph).
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError collapses an invalid result into one structured error carrying
// every issue in its details, nil when valid. A lone cycle error keeps
// ErrCodeCycle so callers can tell graph failures from field failures.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeDefinition
	if len(r.Errors) == 1 && r.Errors[0].Code == ErrCodeCycle {
		code = ErrCodeCycle
	}
	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition invalid with %d errors", len(r.Errors))
	}

	return NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
