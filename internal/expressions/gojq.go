package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/loom/pkg/schema"
)

// JQEngine evaluates jq programs for structured extraction from step
// outputs. Compiled *Code objects are cached and reused; the cache mutex
// exists because the engine is shared across MCP tool calls, not because
// run execution is concurrent (it is not).
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEngine creates a jq engine with an empty compilation cache.
func NewJQEngine() *JQEngine {
	return &JQEngine{cache: make(map[string]*gojq.Code)}
}

// Evaluate runs a jq program against the input value. When the program
// produces exactly one output it is returned directly; multiple outputs are
// collected into a slice; zero outputs return nil.
func (e *JQEngine) Evaluate(ctx context.Context, program string, input any) (any, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "empty jq program")
	}

	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExtraction,
				"jq evaluation failed for %q: %s", program, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Check parses and compiles a program without running it, for load-time
// validation of extract steps.
func (e *JQEngine) Check(program string) error {
	_, err := e.getOrCompile(program)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches it.
func (e *JQEngine) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"jq parse error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"jq compile error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	e.cache[program] = code
	return code, nil
}

// normalizeForJQ converts Go native types to jq-compatible types; jq uses
// float64 for all numbers.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
