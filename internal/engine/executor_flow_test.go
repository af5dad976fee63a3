package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

// --- conditional steps ---

func conditionalStep(name, condition string, then, other []schema.StepDefinition, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{
		Name:      name,
		Type:      schema.StepTypeConditional,
		Condition: condition,
		Then:      then,
		Else:      other,
		DependsOn: deps,
	}
}

func TestExecutor_Conditional_ThenBranch(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		conditionalStep("gate", `{{verdict}} == "yes"`,
			[]schema.StepDefinition{promptWith("approve", "approved path")},
			[]schema.StepDefinition{promptWith("reject", "rejected path")},
		),
		promptWith("after", "saw {{approve_out}}", "gate"),
	)
	def.Variables = map[string]any{"verdict": "yes"}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)

	prompts := te.runner.prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "approved path", prompts[0])
	assert.Equal(t, "saw echo: approved path", prompts[1])

	// The branch's result is in the trail alongside the conditional's own.
	res := state.Result("gate")
	require.NotNil(t, res)
	assert.Equal(t, map[string]any{"branch": "then"}, res.Output)
	nested := state.Result("approve")
	require.NotNil(t, nested)
	assert.Equal(t, schema.StepStatusCompleted, nested.Status)
	assert.Nil(t, state.Result("reject"))
}

func TestExecutor_Conditional_ElseBranch(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		conditionalStep("gate", `{{verdict}} == "yes"`,
			[]schema.StepDefinition{promptWith("approve", "approved path")},
			[]schema.StepDefinition{promptWith("reject", "rejected path")},
		),
	)
	def.Variables = map[string]any{"verdict": "no"}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rejected path"}, te.runner.prompts())
	assert.Equal(t, map[string]any{"branch": "else"}, state.Result("gate").Output)
}

func TestExecutor_Conditional_EmptyBranchCompletes(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		conditionalStep("gate", `{{verdict}} contains "ship"`,
			[]schema.StepDefinition{promptWith("publish", "publishing")},
			nil,
		),
	)
	def.Variables = map[string]any{"verdict": "hold for review"}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, 0, te.runner.count())
	assert.Equal(t, map[string]any{"branch": "else"}, state.Result("gate").Output)
}

func TestExecutor_Conditional_ExistsOperator(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		conditionalStep("gate", "{{draft}} exists",
			[]schema.StepDefinition{promptWith("revise", "revising {{draft}}")},
			nil,
		),
	)
	def.Variables = map[string]any{"draft": "v1"}

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"revising v1"}, te.runner.prompts())
}

func TestExecutor_Conditional_UnsupportedExpressionFails(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		conditionalStep("gate", "{{score}} > 2",
			[]schema.StepDefinition{promptWith("celebrate", "high score")},
			nil,
		),
	)
	def.Variables = map[string]any{"score": 3}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidCondition))
	assert.Equal(t, schema.RunStatusFailed, state.Status)
	assert.Equal(t, 0, te.runner.count())

	// Grammar violations are permanent: a single attempt despite any retry.
	assert.Equal(t, 1, state.Result("gate").Attempts)
}

func TestExecutor_Conditional_EventCarriesVerdict(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		conditionalStep("gate", `{{verdict}} != "no"`, nil, nil),
	)
	def.Variables = map[string]any{"verdict": "yes"}

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	te.events.mu.Lock()
	defer te.events.mu.Unlock()
	var evaluated *schema.RunEvent
	for _, e := range te.events.events {
		if e.Type == schema.EventConditionEvaluated {
			evaluated = e
		}
	}
	require.NotNil(t, evaluated)
	assert.Equal(t, true, evaluated.Payload["result"])
	assert.Equal(t, "then", evaluated.Payload["branch"])
}

func TestExecutor_Conditional_RetryRerunsBranchInFreshScope(t *testing.T) {
	te := newTestEnv()
	failed := false
	te.runner.generateFn = func(_ context.Context, req *GenerateRequest) (*GenerateResult, error) {
		if !failed {
			failed = true
			return nil, errors.New("first attempt breaks")
		}
		return &GenerateResult{Text: "echo: " + req.Prompt}, nil
	}
	gate := conditionalStep("gate", `{{verdict}} == "yes"`,
		[]schema.StepDefinition{promptWith("approve", "approved path")},
		nil,
	)
	gate.Retry = &schema.RetryPolicy{Max: 2, Delay: "1ms"}
	def := testDefinition("wf",
		gate,
		promptWith("after", "saw {{approve_out}}", "gate"),
	)
	def.Variables = map[string]any{"verdict": "yes"}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)

	// The failed attempt's branch scope was discarded, so the second attempt
	// rebinds approve_out without conflict and promotes it.
	assert.Equal(t, []string{"approved path", "approved path", "saw echo: approved path"}, te.runner.prompts())
	assert.Equal(t, 2, state.Result("gate").Attempts)
	assert.Equal(t, schema.StepStatusCompleted, state.Result("approve").Status)
	assert.Equal(t, 2, te.events.countType(schema.EventConditionEvaluated))
}

func TestExecutor_Conditional_BranchFailureAborts(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, _ *GenerateRequest) (*GenerateResult, error) {
		return nil, errors.New("model down")
	}
	def := testDefinition("wf",
		conditionalStep("gate", `{{verdict}} == "yes"`,
			[]schema.StepDefinition{promptWith("approve", "approved path")},
			nil,
		),
	)
	def.Variables = map[string]any{"verdict": "yes"}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeModel))
	assert.Equal(t, schema.RunStatusFailed, state.Status)
	assert.Equal(t, schema.StepStatusFailed, state.Result("gate").Status)
	assert.Equal(t, schema.StepStatusFailed, state.Result("approve").Status)
}

func TestExecutor_Conditional_NestedContinuePolicy(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, req *GenerateRequest) (*GenerateResult, error) {
		if strings.Contains(req.Prompt, "boom") {
			return nil, errors.New("model down")
		}
		return &GenerateResult{Text: "echo: " + req.Prompt}, nil
	}
	flaky := promptWith("optional", "boom")
	flaky.OnError = schema.ErrorPolicyContinue
	def := testDefinition("wf",
		conditionalStep("gate", `{{verdict}} == "yes"`,
			[]schema.StepDefinition{flaky, promptWith("required", "essential")},
			nil,
		),
	)
	def.Variables = map[string]any{"verdict": "yes"}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, schema.StepStatusSkipped, state.Result("optional").Status)
	assert.Equal(t, schema.StepStatusCompleted, state.Result("required").Status)
}

// --- loop steps ---

func loopStep(name, itemsVar string, body schema.StepDefinition, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{
		Name:      name,
		Type:      schema.StepTypeLoop,
		ItemsVar:  itemsVar,
		Body:      &body,
		OutputVar: name + "_out",
		DependsOn: deps,
	}
}

func TestExecutor_Loop_CollectsOutputsInOrder(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{chapter}}",
			OutputVar: "draft",
		}),
		promptWith("intro", "first chapter was {{write_out.0}}", "write"),
	)
	def.Steps[0].LoopVar = "chapter"
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)

	res := state.Result("write")
	require.NotNil(t, res)
	out, ok := res.Output.([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"echo: write one", "echo: write two", "echo: write three"}, out)

	prompts := te.runner.prompts()
	require.Len(t, prompts, 4)
	assert.Equal(t, "first chapter was echo: write one", prompts[3])

	assert.Equal(t, 3, te.events.countType(schema.EventLoopIterStarted))
	assert.Equal(t, 3, te.events.countType(schema.EventLoopIterCompleted))
}

func TestExecutor_Loop_DefaultLoopVar(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("greet", "{{names}}", schema.StepDefinition{
			Name:      "greet_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "hello {{item}}",
			OutputVar: "greeting",
		}),
	)
	def.Variables = map[string]any{"names": []any{"ana", "bo"}}

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ana", "hello bo"}, te.runner.prompts())
}

func TestExecutor_Loop_EmptyItems(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
	)
	def.Variables = map[string]any{"chapters": []any{}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, 0, te.runner.count())
	assert.Equal(t, []any{}, state.Result("write").Output)
}

func TestExecutor_Loop_ItemsNotAList(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
	)
	def.Variables = map[string]any{"chapters": "not a list"}

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
	assert.Equal(t, 0, te.runner.count())
}

func TestExecutor_Loop_UndeclaredItemsVar(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
	)

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnresolvedVar))
}

func TestExecutor_Loop_IterationCapFailsRun(t *testing.T) {
	te := newTestEnv()
	step := loopStep("write", "chapters", schema.StepDefinition{
		Name:      "write_one",
		Type:      schema.StepTypePrompt,
		Prompt:    "write {{item}}",
		OutputVar: "draft",
	})
	step.MaxIterations = 2
	def := testDefinition("wf", step)
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
	assert.Equal(t, schema.RunStatusFailed, state.Status)

	// The cap rejects the whole loop up front rather than truncating it.
	assert.Equal(t, 0, te.runner.count())
}

func TestExecutor_Loop_ConfigCapApplies(t *testing.T) {
	runner := &mockRunner{}
	exec := NewExecutor(runner, nil, nil, Config{MaxLoopIterations: 2})
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
	)
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	_, err := exec.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
}

func TestExecutor_Loop_RetryAppliesPerIteration(t *testing.T) {
	te := newTestEnv()
	failed := false
	te.runner.generateFn = func(_ context.Context, req *GenerateRequest) (*GenerateResult, error) {
		if strings.Contains(req.Prompt, "two") && !failed {
			failed = true
			return nil, errors.New("transient")
		}
		return &GenerateResult{Text: "echo: " + req.Prompt}, nil
	}
	step := loopStep("write", "chapters", schema.StepDefinition{
		Name:      "write_one",
		Type:      schema.StepTypePrompt,
		Prompt:    "write {{item}}",
		OutputVar: "draft",
	})
	step.Retry = &schema.RetryPolicy{Max: 2, Delay: "1ms"}
	def := testDefinition("wf", step)
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)

	// Iteration two retried once; one and three ran once each.
	assert.Equal(t, 4, te.runner.count())
	out := state.Result("write").Output.([]any)
	assert.Equal(t, []any{"echo: write one", "echo: write two", "echo: write three"}, out)
	assert.Equal(t, 1, te.events.countType(schema.EventStepRetrying))
}

func TestExecutor_Loop_ContinueSkipsIteration(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, req *GenerateRequest) (*GenerateResult, error) {
		if strings.Contains(req.Prompt, "two") {
			return nil, errors.New("permanent")
		}
		return &GenerateResult{Text: "echo: " + req.Prompt}, nil
	}
	step := loopStep("write", "chapters", schema.StepDefinition{
		Name:      "write_one",
		Type:      schema.StepTypePrompt,
		Prompt:    "write {{item}}",
		OutputVar: "draft",
	})
	step.OnError = schema.ErrorPolicyContinue
	def := testDefinition("wf", step)
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)

	// The failed element is omitted, not recorded as a gap.
	out := state.Result("write").Output.([]any)
	assert.Equal(t, []any{"echo: write one", "echo: write three"}, out)
	assert.Equal(t, 3, te.runner.count())
}

func TestExecutor_Loop_IterationFailureAborts(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, req *GenerateRequest) (*GenerateResult, error) {
		if strings.Contains(req.Prompt, "two") {
			return nil, errors.New("permanent")
		}
		return &GenerateResult{Text: "echo: " + req.Prompt}, nil
	}
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
	)
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeModel))
	assert.Equal(t, schema.RunStatusFailed, state.Status)

	// Aborted on the second element; the third never ran.
	assert.Equal(t, 2, te.runner.count())
	assert.Equal(t, schema.StepStatusFailed, state.Result("write").Status)
}

func TestExecutor_Loop_ScopeIsDiscarded(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
		promptWith("after", "leftover {{item}}", "write"),
	)
	def.Variables = map[string]any{"chapters": []any{"one"}}

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnresolvedVar))
}

func TestExecutor_Loop_UsageAggregates(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("write", "chapters", schema.StepDefinition{
			Name:      "write_one",
			Type:      schema.StepTypePrompt,
			Prompt:    "write {{item}}",
			OutputVar: "draft",
		}),
	)
	def.Variables = map[string]any{"chapters": []any{"one", "two", "three"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	// The default mock reports 3/5 tokens per call.
	usage := state.Result("write").Usage
	require.NotNil(t, usage)
	assert.EqualValues(t, 9, usage.PromptTokens)
	assert.EqualValues(t, 15, usage.CompletionTokens)
}

// --- extract steps ---

func TestExecutor_Extract_Pattern(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, _ *GenerateRequest) (*GenerateResult, error) {
		return &GenerateResult{Text: "The essay scores 87/100 overall."}, nil
	}
	def := testDefinition("wf",
		promptWith("grade", "grade the essay"),
		schema.StepDefinition{
			Name:      "score",
			Type:      schema.StepTypeExtract,
			Source:    "grade",
			Pattern:   `scores (\d+)/100`,
			OutputVar: "score_out",
			DependsOn: []string{"grade"},
		},
	)

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "87", state.Result("score").Output)
}

func TestExecutor_Extract_Query(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, _ *GenerateRequest) (*GenerateResult, error) {
		return &GenerateResult{Text: `{"title":"Raft","pages":3}`}, nil
	}
	def := testDefinition("wf",
		promptWith("outline", "outline the paper"),
		schema.StepDefinition{
			Name:      "title",
			Type:      schema.StepTypeExtract,
			Source:    "outline",
			Query:     ".title",
			OutputVar: "title_out",
			DependsOn: []string{"outline"},
		},
		promptWith("expand", "expand on {{title_out}}", "title"),
	)

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Raft", state.Result("title").Output)

	prompts := te.runner.prompts()
	assert.Equal(t, "expand on Raft", prompts[len(prompts)-1])
}

func TestExecutor_Extract_NoMatchIsNotRetried(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, _ *GenerateRequest) (*GenerateResult, error) {
		return &GenerateResult{Text: "no numbers here"}, nil
	}
	step := schema.StepDefinition{
		Name:      "score",
		Type:      schema.StepTypeExtract,
		Source:    "grade",
		Pattern:   `scores (\d+)/100`,
		OutputVar: "score_out",
		DependsOn: []string{"grade"},
		Retry:     &schema.RetryPolicy{Max: 3, Delay: "1ms"},
	}
	def := testDefinition("wf", promptWith("grade", "grade the essay"), step)

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))

	// The source output is fixed, so retrying cannot change the outcome.
	assert.Equal(t, 1, state.Result("score").Attempts)
}

func TestExecutor_Extract_SkippedSourceFails(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, _ *GenerateRequest) (*GenerateResult, error) {
		return nil, errors.New("model down")
	}
	grade := promptWith("grade", "grade the essay")
	grade.OnError = schema.ErrorPolicyContinue
	def := testDefinition("wf",
		grade,
		schema.StepDefinition{
			Name:      "score",
			Type:      schema.StepTypeExtract,
			Source:    "grade",
			Pattern:   `(\d+)`,
			OutputVar: "score_out",
			DependsOn: []string{"grade"},
		},
	)

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))
}

func TestExecutor_Extract_QueryNullFails(t *testing.T) {
	te := newTestEnv()
	te.runner.generateFn = func(_ context.Context, _ *GenerateRequest) (*GenerateResult, error) {
		return &GenerateResult{Text: `{"title":"Raft"}`}, nil
	}
	def := testDefinition("wf",
		promptWith("outline", "outline the paper"),
		schema.StepDefinition{
			Name:      "pages",
			Type:      schema.StepTypeExtract,
			Source:    "outline",
			Query:     ".pages",
			OutputVar: "pages_out",
			DependsOn: []string{"outline"},
		},
	)

	_, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExtraction))
}

// --- sleep steps ---

func TestExecutor_Sleep_Completes(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		schema.StepDefinition{Name: "nap", Type: schema.StepTypeSleep, Duration: "1ms"},
		promptWith("after", "rested", "nap"),
	)

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)
	assert.Equal(t, "1ms", state.Result("nap").Output)
	assert.Equal(t, 1, te.runner.count())
}

func TestExecutor_Sleep_InvalidDuration(t *testing.T) {
	te := newTestEnv()
	for _, duration := range []string{"soon", "-5s", ""} {
		def := testDefinition("wf",
			schema.StepDefinition{Name: "nap", Type: schema.StepTypeSleep, Duration: duration},
		)

		_, err := te.executor.Run(context.Background(), def, RunOptions{})
		require.Error(t, err, "duration %q", duration)
		assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition), "duration %q", duration)
	}
}

// --- nesting across kinds ---

func TestExecutor_Loop_BodyConditional(t *testing.T) {
	te := newTestEnv()
	def := testDefinition("wf",
		loopStep("triage", "tickets", schema.StepDefinition{
			Name:      "route",
			Type:      schema.StepTypeConditional,
			Condition: `{{ticket}} contains "urgent"`,
			Then:      []schema.StepDefinition{promptWith("escalate", "escalate {{ticket}}")},
			OutputVar: "routed",
		}),
	)
	def.Steps[0].LoopVar = "ticket"
	def.Variables = map[string]any{"tickets": []any{"urgent: outage", "typo in docs"}}

	state, err := te.executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, state.Status)

	// Only the urgent ticket reached the model.
	assert.Equal(t, []string{"escalate urgent: outage"}, te.runner.prompts())

	out := state.Result("triage").Output.([]any)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"branch": "then"}, out[0])
	assert.Equal(t, map[string]any{"branch": "else"}, out[1])
}
