package expressions

import (
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

// ConditionEvaluator evaluates the restricted condition grammar used by
// conditional steps. The grammar is closed, checked in fixed priority order:
//
//	A == B
//	A != B
//	A contains B
//	A exists
//
// Operands of the comparison forms are variable-substituted, trimmed, then
// stripped of one pair of surrounding quotes. The exists form treats its
// operand as a raw variable reference and never fails on a missing name.
// Nothing outside this grammar evaluates; in particular there is no
// fall-through to a general expression engine. Unrestricted evaluation over
// model output is rejected by design.
type ConditionEvaluator struct {
	interp *Interpolator
}

// NewConditionEvaluator creates an evaluator resolving operands through the
// given interpolator.
func NewConditionEvaluator(interp *Interpolator) *ConditionEvaluator {
	return &ConditionEvaluator{interp: interp}
}

// Evaluate parses and evaluates a condition string.
func (ce *ConditionEvaluator) Evaluate(condition string) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return false, schema.NewError(schema.ErrCodeInvalidCondition, "empty condition")
	}

	if left, right, ok := splitOnce(cond, "=="); ok {
		l, r, err := ce.operands(left, right)
		if err != nil {
			return false, err
		}
		return l == r, nil
	}

	if left, right, ok := splitOnce(cond, "!="); ok {
		l, r, err := ce.operands(left, right)
		if err != nil {
			return false, err
		}
		return l != r, nil
	}

	if left, right, ok := splitOnce(cond, " contains "); ok {
		l, r, err := ce.operands(left, right)
		if err != nil {
			return false, err
		}
		return strings.Contains(l, r), nil
	}

	if operand, ok := strings.CutSuffix(cond, " exists"); ok {
		ref := trimQuotes(stripBraces(strings.TrimSpace(operand)))
		return ce.interp.Exists(ref), nil
	}

	return false, schema.NewErrorf(schema.ErrCodeInvalidCondition,
		"unsupported condition %q: expected A == B, A != B, A contains B, or A exists", condition)
}

// CheckCondition reports whether a condition parses under the grammar,
// without evaluating operands. Used at definition load, before any run
// variables exist. It is stricter than Evaluate in one place: the exists
// operand must be a well-formed variable reference, where Evaluate would
// quietly answer false for garbage.
func CheckCondition(condition string) error {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return schema.NewError(schema.ErrCodeInvalidCondition, "empty condition")
	}

	if _, _, ok := splitOnce(cond, "=="); ok {
		return nil
	}
	if _, _, ok := splitOnce(cond, "!="); ok {
		return nil
	}
	if _, _, ok := splitOnce(cond, " contains "); ok {
		return nil
	}
	if operand, ok := strings.CutSuffix(cond, " exists"); ok {
		ref := trimQuotes(stripBraces(strings.TrimSpace(operand)))
		if !ValidReference(ref) {
			return schema.NewErrorf(schema.ErrCodeInvalidCondition,
				"exists operand %q is not a variable reference", ref)
		}
		return nil
	}

	return schema.NewErrorf(schema.ErrCodeInvalidCondition,
		"unsupported condition %q: expected A == B, A != B, A contains B, or A exists", condition)
}

// operands substitutes and normalizes both sides of a comparison.
func (ce *ConditionEvaluator) operands(left, right string) (string, string, error) {
	l, err := ce.operand(left)
	if err != nil {
		return "", "", err
	}
	r, err := ce.operand(right)
	if err != nil {
		return "", "", err
	}
	return l, r, nil
}

func (ce *ConditionEvaluator) operand(s string) (string, error) {
	substituted, err := ce.interp.Substitute(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return trimQuotes(strings.TrimSpace(substituted)), nil
}

// splitOnce splits s at the first occurrence of op, requiring non-empty
// sides.
func splitOnce(s, op string) (left, right string, ok bool) {
	idx := strings.Index(s, op)
	if idx <= 0 {
		return "", "", false
	}
	left = s[:idx]
	right = s[idx+len(op):]
	if strings.TrimSpace(left) == "" || strings.TrimSpace(right) == "" {
		return "", "", false
	}
	return left, right, true
}

// trimQuotes removes one pair of matching surrounding quotes.
func trimQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// stripBraces unwraps a {{ref}} form so exists checks accept both bare and
// braced references.
func stripBraces(s string) string {
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		return strings.TrimSpace(s[2 : len(s)-2])
	}
	return s
}
