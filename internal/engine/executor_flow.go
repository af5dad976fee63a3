package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/schema"
)

// defaultLoopVar names the iteration element when loop_var is omitted.
const defaultLoopVar = "item"

// runConditionalStep evaluates the condition and executes the matching
// branch in a child scope. The scope is promoted only when the whole branch
// succeeds, so a retried or failed branch leaves no half-bound variables.
func (e *Executor) runConditionalStep(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	conds := expressions.NewConditionEvaluator(expressions.NewInterpolator(scope))
	verdict, err := conds.Evaluate(step.Condition)
	if err != nil {
		return nil, withStep(err, step.Name)
	}

	branch := step.Then
	branchName := "then"
	if !verdict {
		branch = step.Else
		branchName = "else"
	}
	e.emit(ctx, rs, schema.EventConditionEvaluated, step.Name, map[string]any{
		"condition": step.Condition,
		"result":    verdict,
		"branch":    branchName,
	})

	if len(branch) == 0 {
		return &stepOutput{value: map[string]any{"branch": branchName}}, nil
	}

	child := scope.Child()
	if err := e.runNestedSteps(ctx, rs, branch, child); err != nil {
		return nil, err
	}
	if err := child.Promote(); err != nil {
		return nil, err
	}
	return &stepOutput{value: map[string]any{"branch": branchName}}, nil
}

// runNestedSteps executes a branch's steps in order within the given scope.
// Nested steps honor their own error policy but are not tracked by the run
// FSM and never trigger checkpoints: the enclosing top-level step is the
// unit of persistence.
func (e *Executor) runNestedSteps(ctx context.Context, rs *runState, steps []schema.StepDefinition, scope *expressions.VarStore) error {
	for i := range steps {
		nested := &steps[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		e.emit(ctx, rs, schema.EventStepStarted, nested.Name, map[string]any{
			"type":   string(nested.Type),
			"nested": true,
		})
		result, err := e.runStepWithPolicy(ctx, rs, nested, scope)
		if isCancellation(err) {
			return err
		}

		rs.state.Record(result)
		switch result.Status {
		case schema.StepStatusCompleted:
			e.emit(ctx, rs, schema.EventStepCompleted, nested.Name, map[string]any{
				"attempts": result.Attempts,
				"nested":   true,
			})
		case schema.StepStatusSkipped:
			e.emit(ctx, rs, schema.EventStepSkipped, nested.Name, map[string]any{
				"error":  result.Error,
				"nested": true,
			})
		default:
			e.emit(ctx, rs, schema.EventStepFailed, nested.Name, map[string]any{
				"error":  result.Error,
				"nested": true,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runLoopStep executes the body once per element of the items list. Each
// iteration runs in its own scope holding the loop variable; the loop's
// retry and on_error policy is applied per iteration, not to the loop as a
// whole. The output is the ordered list of body outputs from completed
// iterations.
func (e *Executor) runLoopStep(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	if step.Body == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "loop %q has no body", step.Name)
	}

	interp := expressions.NewInterpolator(scope)
	val, err := interp.Lookup(itemsRef(step.ItemsVar))
	if err != nil {
		return nil, err
	}
	items, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"loop %q: items_var %q does not hold a list", step.Name, step.ItemsVar)
	}

	limit := step.MaxIterations
	if limit <= 0 {
		limit = e.config.MaxLoopIterations
	}
	if len(items) > limit {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"loop %q: %d items exceeds the %d iteration cap", step.Name, len(items), limit)
	}

	loopVar := step.LoopVar
	if loopVar == "" {
		loopVar = defaultLoopVar
	}

	// The body inherits the loop's policy; its own is not consulted.
	body := *step.Body
	body.OnError = step.OnError
	body.Retry = step.Retry

	collected := make([]any, 0, len(items))
	var usage schema.TokenUsage
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.emit(ctx, rs, schema.EventLoopIterStarted, step.Name, map[string]any{
			"index": i,
			"total": len(items),
		})
		iter := scope.WithIteration(loopVar, item)
		result, err := e.runStepWithPolicy(ctx, rs, &body, iter)
		if isCancellation(err) {
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		if result.Status == schema.StepStatusCompleted {
			collected = append(collected, result.Output)
		}
		usage.Add(result.Usage)
		e.emit(ctx, rs, schema.EventLoopIterCompleted, step.Name, map[string]any{
			"index":  i,
			"status": string(result.Status),
		})
	}

	out := &stepOutput{value: collected}
	if usage != (schema.TokenUsage{}) {
		out.usage = &usage
	}
	return out, nil
}

// runExtractStep pulls a value out of a completed step's recorded output,
// either by regexp capture or by jq query.
func (e *Executor) runExtractStep(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	src := rs.state.Result(step.Source)
	if src == nil || src.Status != schema.StepStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeExtraction,
			"extract %q: source step %q has no completed output", step.Name, step.Source)
	}

	if step.Pattern != "" {
		match, err := e.extractor.Pattern(expressions.RenderValue(src.Output), step.Pattern)
		if err != nil {
			return nil, err
		}
		return &stepOutput{value: match}, nil
	}
	out, err := e.extractor.Query(ctx, src.Output, step.Query)
	if err != nil {
		return nil, err
	}
	return &stepOutput{value: out}, nil
}

// runSleepStep pauses the run for a fixed duration, waking early on
// cancellation.
func (e *Executor) runSleepStep(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	d, err := time.ParseDuration(step.Duration)
	if err != nil || d < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"sleep %q: invalid duration %q", step.Name, step.Duration)
	}
	if err := WaitForBackoff(ctx, d); err != nil {
		return nil, err
	}
	return &stepOutput{value: step.Duration}, nil
}

// itemsRef normalizes an items_var reference: both "chapters" and
// "{{chapters}}" name the same variable.
func itemsRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "{{") && strings.HasSuffix(ref, "}}") {
		ref = strings.TrimSpace(ref[2 : len(ref)-2])
	}
	return ref
}
