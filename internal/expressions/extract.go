package expressions

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/rendis/loom/pkg/schema"
)

// Extractor pulls structured data out of a prior step's captured output,
// either with a regexp pattern (first capture group, else whole match) or a
// jq program for structured results.
type Extractor struct {
	jq *JQEngine
}

// NewExtractor creates an Extractor backed by the given jq engine.
func NewExtractor(jq *JQEngine) *Extractor {
	return &Extractor{jq: jq}
}

// Pattern applies a regexp to text. No match is an extraction error — a
// recoverable failure subject to the step's on_error policy, not a panic or
// an empty result.
func (ex *Extractor) Pattern(text, pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid extract pattern %q: %s", pattern, err.Error()).WithCause(err)
	}

	match := re.FindStringSubmatch(text)
	if match == nil {
		return "", schema.NewErrorf(schema.ErrCodeExtraction,
			"pattern %q found no match", pattern)
	}
	if len(match) > 1 {
		return match[1], nil
	}
	return match[0], nil
}

// Query runs a jq program over the source value. String sources that parse
// as JSON are unmarshalled first, so extracting from a model's JSON answer
// works without an explicit parse step. A null or missing result is an
// extraction error.
func (ex *Extractor) Query(ctx context.Context, value any, program string) (any, error) {
	input := value
	if s, ok := value.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			input = parsed
		}
	}

	out, err := ex.jq.Evaluate(ctx, program, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExtraction,
			"query %q produced no result", program)
	}
	return out, nil
}
