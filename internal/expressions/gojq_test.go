package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

func TestJQEngine_SingleOutput(t *testing.T) {
	jq := NewJQEngine()

	out, err := jq.Evaluate(context.Background(), ".name", map[string]any{"name": "loom"})
	require.NoError(t, err)
	assert.Equal(t, "loom", out)
}

func TestJQEngine_MultipleOutputs(t *testing.T) {
	jq := NewJQEngine()

	out, err := jq.Evaluate(context.Background(), ".[]", []any{1.0, 2.0, 3.0})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)
}

func TestJQEngine_ZeroOutputs(t *testing.T) {
	jq := NewJQEngine()

	out, err := jq.Evaluate(context.Background(), ".[] | select(. > 10)", []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQEngine_NumericInputNormalized(t *testing.T) {
	jq := NewJQEngine()

	out, err := jq.Evaluate(context.Background(), ". + 1", 41)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestJQEngine_ParseError(t *testing.T) {
	jq := NewJQEngine()

	_, err := jq.Evaluate(context.Background(), ".[unclosed", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))
}

func TestJQEngine_RuntimeError(t *testing.T) {
	jq := NewJQEngine()

	_, err := jq.Evaluate(context.Background(), ".a.b", "not an object")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))
}

func TestJQEngine_EnvIsEmpty(t *testing.T) {
	t.Setenv("LOOM_SECRET_PROBE", "leaky")
	jq := NewJQEngine()

	out, err := jq.Evaluate(context.Background(), `env.LOOM_SECRET_PROBE`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQEngine_Check(t *testing.T) {
	jq := NewJQEngine()

	assert.NoError(t, jq.Check(".a[0]"))
	err := jq.Check("][")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))
}

func TestJQEngine_CompiledProgramsAreCached(t *testing.T) {
	jq := NewJQEngine()

	_, err := jq.Evaluate(context.Background(), ".x", map[string]any{"x": 1.0})
	require.NoError(t, err)
	_, err = jq.Evaluate(context.Background(), ".x", map[string]any{"x": 2.0})
	require.NoError(t, err)
	assert.Len(t, jq.cache, 1)
}
