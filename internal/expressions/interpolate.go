package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

// Interpolator resolves {{name}} and {{name.path}} references against a
// VarStore. Placeholders use a fixed delimiter grammar; this is deliberately
// not a templating language. Substitution is a single pass: resolved values
// are never re-scanned, so substituting placeholder-free text returns it
// unchanged.
type Interpolator struct {
	vars *VarStore
}

// NewInterpolator creates an Interpolator reading from the given store.
func NewInterpolator(vars *VarStore) *Interpolator {
	return &Interpolator{vars: vars}
}

// Substitute replaces every {{reference}} in text with its resolved value.
// A missing name fails with an unresolved-variable error naming the full
// reference. Brace pairs whose content is not a valid reference (operators,
// spaces, code fragments) are left as literal text, as is a {{ with no
// closing }}.
func (in *Interpolator) Substitute(text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	var out strings.Builder
	out.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "{{")
		if idx == -1 {
			out.WriteString(text[i:])
			break
		}

		out.WriteString(text[i : i+idx])
		start := i + idx + 2

		end := strings.Index(text[start:], "}}")
		if end == -1 {
			// Unterminated braces are literal text.
			out.WriteString(text[i+idx:])
			break
		}
		end += start

		ref := strings.TrimSpace(text[start:end])
		if !ValidReference(ref) {
			// Not a variable reference; emit the opening braces and rescan
			// from just past them.
			out.WriteString("{{")
			i = start
			continue
		}

		val, err := in.Lookup(ref)
		if err != nil {
			return "", err
		}
		out.WriteString(RenderValue(val))

		i = end + 2
	}

	return out.String(), nil
}

// SubstituteMap substitutes every value of a string map (used for template
// bindings). Keys are not substituted.
func (in *Interpolator) SubstituteMap(values map[string]string) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		resolved, err := in.Substitute(v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// Lookup resolves a dotted reference to its value. The first segment names a
// store variable; remaining segments traverse nested maps and lists.
func (in *Interpolator) Lookup(ref string) (any, error) {
	segments := strings.Split(ref, ".")
	name := segments[0]

	val, ok := in.vars.Get(name)
	if !ok {
		available := in.vars.Names()
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar,
			"no value for {{%s}}; available variables: [%s]", ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available": available})
	}

	if len(segments) == 1 {
		return val, nil
	}
	return traversePath(val, segments[1:], ref)
}

// Exists reports whether a dotted reference resolves. It never errors: an
// undeclared name or dead path is simply false.
func (in *Interpolator) Exists(ref string) bool {
	if !ValidReference(ref) {
		return false
	}
	_, err := in.Lookup(ref)
	return err == nil
}

// traversePath navigates nested maps and lists. Numeric segments index into
// lists.
func traversePath(root any, segments []string, ref string) (any, error) {
	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := make([]string, 0, len(v))
				for k := range v {
					keys = append(keys, k)
				}
				sortStrings(keys)
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar,
					"field %q not found in {{%s}}; available: [%s]", seg, ref, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"reference": ref, "available": keys})
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar,
					"list in {{%s}} requires a numeric index, got %q", ref, seg).
					WithDetails(map[string]any{"reference": ref})
			}
			if n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar,
					"index %d out of range in {{%s}} (length %d)", n, ref, len(v)).
					WithDetails(map[string]any{"reference": ref})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar,
				"cannot traverse into %q in {{%s}}: value is not an object or list (type %T)", seg, ref, current).
				WithDetails(map[string]any{"reference": ref})
		}
	}
	return current, nil
}

// ValidReference reports whether s matches the reference grammar: an
// identifier followed by dotted identifier or numeric index segments.
// Anything else between braces is literal text, not a reference.
func ValidReference(s string) bool {
	if s == "" {
		return false
	}
	segments := strings.Split(s, ".")
	for i, seg := range segments {
		if seg == "" {
			return false
		}
		if i > 0 && isDigits(seg) {
			continue
		}
		if !isIdentifier(seg) {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9', r == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RenderValue converts a resolved value to its textual form: strings as-is,
// scalars via JSON encoding, structured values as compact JSON, nil as the
// empty string.
func RenderValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
