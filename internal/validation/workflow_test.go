package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

// --- Interface compliance ---

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

// --- Full pipeline ---

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("llama3"), newMockLookup("summarize"))
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		ID: "pipeline",
		Steps: []schema.StepDefinition{
			{Name: "ask", Type: schema.StepTypePrompt, Model: "llama3", Prompt: "write", OutputVar: "draft"},
			{Name: "render", Type: schema.StepTypeTemplate, Template: "summarize", DependsOn: []string{"ask"}, OutputVar: "summary"},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeDefinition, result.Errors[0].Code)
}

// --- Stage ordering ---

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	// Unknown type is a structural error; the bad depends_on ref would be a
	// semantic error but must not be reported alongside it.
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{Name: "a", Type: "bogus"},
			withDeps(promptStep("b"), "ghost"),
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "ghost")
	}
}

func TestWorkflowValidator_SemanticErrorsSkipGraph(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	// a/b form a cycle, but the ghost ref fails the semantic stage first and
	// graph analysis never runs.
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			withDeps(promptStep("a"), "b"),
			withDeps(promptStep("b"), "a"),
			withDeps(promptStep("c"), "ghost"),
		},
	}
	result := wv.Validate(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[2].depends_on[0]", result.Errors[0].Path)
}

func TestWorkflowValidator_CycleSurfacesWithOwnCode(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			withDeps(promptStep("a"), "b"),
			withDeps(promptStep("b"), "a"),
		},
	}
	err = wv.ValidateDefinition(def)
	require.Error(t, err)
	le, ok := schema.AsError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycle, le.Code)
}

// --- Warnings ---

func TestWorkflowValidator_WarningsDoNotFail(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	step := promptStep("ask")
	step.Retry = &schema.RetryPolicy{Max: 50}
	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{step}}

	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
	assert.NoError(t, wv.ValidateDefinition(def))
}

// --- Structural violations flow through ---

func TestWorkflowValidator_UnpacksViolations(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{Name: "a", Type: "bogus"},
			{Name: "b", Type: schema.StepTypeSleep, Duration: "later"},
		},
	}
	result := wv.Validate(def)
	assert.GreaterOrEqual(t, len(result.Errors), 2)
	for _, e := range result.Errors {
		assert.Equal(t, schema.ErrCodeDefinition, e.Code)
	}
}
