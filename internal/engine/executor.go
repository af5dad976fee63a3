package engine

import (
	"context"
	"errors"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/schema"
)

// ModelAuto is the model id that delegates selection to the runner catalog.
const ModelAuto = "auto"

// DefaultMaxLoopIterations bounds loop steps that do not set max_iterations.
const DefaultMaxLoopIterations = 1000

// ModelRunner generates text for prompt and template steps. Implemented by
// the runner package for local processes and OpenAI-compatible servers;
// tests substitute fakes.
type ModelRunner interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// GenerateRequest is a single generation call, fully substituted.
type GenerateRequest struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	System string         `json:"system,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// GenerateResult is the runner's answer with accounting metadata.
type GenerateResult struct {
	Text     string
	Model    string // resolved model id, when the runner picked one
	Usage    *schema.TokenUsage
	Duration time.Duration
}

// TemplateRenderer resolves a template id and bindings into a ready prompt.
type TemplateRenderer interface {
	Render(ctx context.Context, id string, bindings map[string]string) (*RenderedTemplate, error)
}

// RenderedTemplate is a template with its placeholders filled.
type RenderedTemplate struct {
	Prompt string
	System string
	Model  string
	Params map[string]any
}

// Checkpointer persists execution snapshots. Save returns the location of
// the written checkpoint (a file path for the default manager).
type Checkpointer interface {
	Save(ctx context.Context, cp *schema.Checkpoint) (string, error)
}

// Config holds executor tunables.
type Config struct {
	MaxLoopIterations int // cap for loop steps without max_iterations
}

// Executor runs workflow definitions step by step on a single goroutine,
// checkpointing after every top-level step. Collaborators are narrow
// interfaces; a nil Checkpointer makes runs ephemeral.
type Executor struct {
	runner      ModelRunner
	templates   TemplateRenderer
	checkpoints Checkpointer
	observer    Observer
	extractor   *expressions.Extractor
	config      Config
}

// NewExecutor wires an executor with its collaborators.
func NewExecutor(runner ModelRunner, templates TemplateRenderer, checkpoints Checkpointer, cfg Config, observers ...Observer) *Executor {
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = DefaultMaxLoopIterations
	}
	return &Executor{
		runner:      runner,
		templates:   templates,
		checkpoints: checkpoints,
		observer:    CombineObservers(observers...),
		extractor:   expressions.NewExtractor(expressions.NewJQEngine()),
		config:      cfg,
	}
}

// RunOptions customizes a new run.
type RunOptions struct {
	RunID string         // assigned when empty
	Vars  map[string]any // overrides and additions to definition variables
}

// runState bundles everything one run carries between steps.
type runState struct {
	state    *schema.ExecutionState
	dag      *DAG
	vars     *expressions.VarStore
	fsm      *RunFSM
	checksum string
}

// stepOutput is what a dispatch produces before it is recorded.
type stepOutput struct {
	value any
	model string
	usage *schema.TokenUsage
}

// Run executes a definition from the beginning.
func (e *Executor) Run(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*schema.ExecutionState, error) {
	dag, err := ParseDAG(def)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	seed := make(map[string]any, len(def.Variables)+len(opts.Vars))
	for name, val := range def.Variables {
		seed[name] = val
	}
	for name, val := range opts.Vars {
		seed[name] = val
	}

	now := time.Now().UTC()
	rs := &runState{
		state: &schema.ExecutionState{
			RunID:        runID,
			WorkflowID:   def.ID,
			WorkflowName: def.Name,
			Status:       schema.RunStatusPending,
			Order:        dag.Sorted,
			StartedAt:    now,
			UpdatedAt:    now,
		},
		dag:      dag,
		vars:     expressions.NewVarStore(seed),
		fsm:      NewRunFSM(),
		checksum: def.Checksum(),
	}
	rs.state.Variables = rs.vars.Snapshot()

	if err := rs.fsm.TransitionRun(schema.RunStatusRunning); err != nil {
		return nil, err
	}
	rs.state.Status = schema.RunStatusRunning
	e.emit(ctx, rs, schema.EventRunStarted, "", map[string]any{
		"definition_id": def.ID,
		"steps":         len(dag.Sorted),
	})

	return e.execute(ctx, rs)
}

// Resume continues an interrupted run from its checkpoint. Completed and
// skipped steps are never re-executed; the step the run stopped on runs
// again from scratch.
func (e *Executor) Resume(ctx context.Context, def *schema.WorkflowDefinition, cp *schema.Checkpoint) (*schema.ExecutionState, error) {
	if cp == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpointIO, "resume requires a checkpoint")
	}
	if cp.Status == schema.RunStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s already completed", cp.RunID)
	}
	checksum := def.Checksum()
	if cp.DefinitionChecksum != "" && cp.DefinitionChecksum != checksum {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"definition %q changed since run %s was checkpointed", def.ID, cp.RunID)
	}

	dag, err := ParseDAG(def)
	if err != nil {
		return nil, err
	}

	state := cp.State()
	// A run interrupted mid-step was checkpointed as running.
	if !state.Status.Terminal() {
		state.Status = schema.RunStatusFailed
	}
	if err := validateResumeState(state, dag); err != nil {
		return nil, err
	}
	pruneResults(state, def)

	rs := &runState{
		state:    state,
		dag:      dag,
		vars:     expressions.FromSnapshot(state.Variables),
		fsm:      NewRunFSM(),
		checksum: checksum,
	}
	rs.fsm.SeedRun(state.Status)
	for _, res := range state.StepResults {
		if dag.Steps[res.StepID] != nil {
			rs.fsm.SeedStep(res.StepID, res.Status)
		}
	}

	if err := rs.fsm.TransitionRun(schema.RunStatusRunning); err != nil {
		return nil, err
	}
	state.Status = schema.RunStatusRunning
	state.Error = nil
	state.FinishedAt = nil
	e.emit(ctx, rs, schema.EventRunResumed, "", map[string]any{
		"cursor":    state.Cursor,
		"completed": len(state.CompletedSteps()),
	})

	return e.execute(ctx, rs)
}

// execute walks the resolved order from the cursor. It is the only place
// that advances the cursor and writes checkpoints.
func (e *Executor) execute(ctx context.Context, rs *runState) (*schema.ExecutionState, error) {
	state := rs.state
	for state.Cursor < len(state.Order) {
		if err := ctx.Err(); err != nil {
			return e.finishCancelled(ctx, rs, err)
		}

		name := state.Order[state.Cursor]
		step := rs.dag.Steps[name]

		if !rs.fsm.DepsSatisfied(step.DependsOn) {
			err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"dependencies of step %q are not settled", name).WithStep(name)
			return e.finishFailed(ctx, rs, err)
		}
		if err := rs.fsm.TransitionStep(name, schema.StepStatusReady); err != nil {
			return e.finishFailed(ctx, rs, err)
		}
		if err := rs.fsm.TransitionStep(name, schema.StepStatusRunning); err != nil {
			return e.finishFailed(ctx, rs, err)
		}
		e.emit(ctx, rs, schema.EventStepStarted, name, map[string]any{"type": string(step.Type)})

		result, err := e.runStepWithPolicy(ctx, rs, step, rs.vars)
		if isCancellation(err) {
			// The interrupted step keeps no result and the cursor stays on
			// it: a resume runs it again from scratch.
			return e.finishCancelled(ctx, rs, err)
		}

		state.Record(result)
		if terr := rs.fsm.TransitionStep(name, result.Status); terr != nil {
			return e.finishFailed(ctx, rs, terr)
		}
		switch result.Status {
		case schema.StepStatusCompleted:
			e.emit(ctx, rs, schema.EventStepCompleted, name, map[string]any{
				"attempts":    result.Attempts,
				"duration_ms": result.DurationMS,
			})
		case schema.StepStatusSkipped:
			e.emit(ctx, rs, schema.EventStepSkipped, name, map[string]any{"error": result.Error})
		case schema.StepStatusFailed:
			e.emit(ctx, rs, schema.EventStepFailed, name, map[string]any{
				"error":    result.Error,
				"attempts": result.Attempts,
			})
		}

		if err != nil {
			return e.finishFailed(ctx, rs, err)
		}

		state.Cursor++
		if cpErr := e.checkpoint(ctx, rs); cpErr != nil {
			return e.finishFailed(ctx, rs, cpErr)
		}
	}
	return e.finishCompleted(ctx, rs)
}

// runStepWithPolicy dispatches one step under its effective error policy.
// The returned error is non-nil only when the failure aborts the run; a
// continue policy yields a skipped result and a nil error. Loop steps get a
// single attempt here: their policy applies per iteration.
func (e *Executor) runStepWithPolicy(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (schema.StepResult, error) {
	policy := step.Retry
	if policy == nil && step.OnError == schema.ErrorPolicyRetry {
		policy = schema.DefaultRetryPolicy()
	}
	maxAttempts := 1
	if policy != nil && step.Type != schema.StepTypeLoop {
		maxAttempts = policy.Max
		if maxAttempts < 1 {
			maxAttempts = schema.DefaultRetryPolicy().Max
		}
	}

	start := time.Now().UTC()
	result := schema.StepResult{
		StepID:    step.Name,
		Type:      step.Type,
		OutputVar: step.OutputVar,
		StartedAt: start,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := ComputeBackoff(policy, attempt-2)
			e.emit(ctx, rs, schema.EventStepRetrying, step.Name, map[string]any{
				"attempt": attempt,
				"max":     maxAttempts,
				"delay":   delay.String(),
			})
			if err := WaitForBackoff(ctx, delay); err != nil {
				return result, err
			}
		}
		result.Attempts = attempt

		out, err := e.dispatch(ctx, rs, step, scope)
		if err == nil {
			if step.OutputVar != "" {
				if bindErr := scope.Set(step.OutputVar, out.value); bindErr != nil {
					lastErr = withStep(bindErr, step.Name)
					break
				}
			}
			result.Status = schema.StepStatusCompleted
			result.Output = out.value
			result.Model = out.model
			result.Usage = out.usage
			result.DurationMS = time.Since(start).Milliseconds()
			return result, nil
		}
		if isCancellation(err) {
			return result, err
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	result.Error = lastErr.Error()

	then := step.OnError
	if policy != nil && policy.Then != "" {
		then = policy.Then
	}
	if then == schema.ErrorPolicyContinue {
		result.Status = schema.StepStatusSkipped
		return result, nil
	}
	result.Status = schema.StepStatusFailed
	return result, withStep(lastErr, step.Name)
}

// dispatch routes a step to its type-specific execution.
func (e *Executor) dispatch(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	switch step.Type {
	case schema.StepTypePrompt:
		return e.runPromptStep(ctx, rs, step, scope)
	case schema.StepTypeTemplate:
		return e.runTemplateStep(ctx, rs, step, scope)
	case schema.StepTypeConditional:
		return e.runConditionalStep(ctx, rs, step, scope)
	case schema.StepTypeLoop:
		return e.runLoopStep(ctx, rs, step, scope)
	case schema.StepTypeExtract:
		return e.runExtractStep(ctx, rs, step, scope)
	case schema.StepTypeSleep:
		return e.runSleepStep(ctx, rs, step, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown step type %q", step.Type).WithStep(step.Name)
	}
}

func (e *Executor) runPromptStep(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	interp := expressions.NewInterpolator(scope)
	prompt, err := interp.Substitute(step.Prompt)
	if err != nil {
		return nil, err
	}
	system, err := interp.Substitute(step.System)
	if err != nil {
		return nil, err
	}
	model := step.Model
	if model == "" {
		model = ModelAuto
	}
	return e.generate(ctx, &GenerateRequest{Model: model, Prompt: prompt, System: system, Params: step.Params})
}

func (e *Executor) runTemplateStep(ctx context.Context, rs *runState, step *schema.StepDefinition, scope *expressions.VarStore) (*stepOutput, error) {
	interp := expressions.NewInterpolator(scope)
	bindings, err := interp.SubstituteMap(step.Bindings)
	if err != nil {
		return nil, err
	}
	if e.templates == nil {
		return nil, schema.NewError(schema.ErrCodeTemplate, "no template registry configured")
	}
	tmpl, err := e.templates.Render(ctx, step.Template, bindings)
	if err != nil {
		if _, ok := schema.AsError(err); ok {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "rendering template %q", step.Template).WithCause(err)
	}

	// Step-level settings win over template defaults.
	model := step.Model
	if model == "" {
		model = tmpl.Model
	}
	if model == "" {
		model = ModelAuto
	}
	system := tmpl.System
	if step.System != "" {
		if system, err = interp.Substitute(step.System); err != nil {
			return nil, err
		}
	}
	params := make(map[string]any, len(step.Params)+len(tmpl.Params))
	for k, v := range step.Params {
		params[k] = v
	}
	if err := mergo.Merge(&params, tmpl.Params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "merging params for template %q", step.Template).WithCause(err)
	}

	return e.generate(ctx, &GenerateRequest{Model: model, Prompt: tmpl.Prompt, System: system, Params: params})
}

func (e *Executor) generate(ctx context.Context, req *GenerateRequest) (*stepOutput, error) {
	if e.runner == nil {
		return nil, schema.NewError(schema.ErrCodeModel, "no model runner configured")
	}
	res, err := e.runner.Generate(ctx, req)
	if err != nil {
		if _, ok := schema.AsError(err); ok {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q generation failed", req.Model).WithCause(err)
	}
	model := res.Model
	if model == "" {
		model = req.Model
	}
	return &stepOutput{value: res.Text, model: model, usage: res.Usage}, nil
}

// checkpoint persists the current state. Variables are synced from the root
// scope first so the snapshot matches what a resumed run will see.
func (e *Executor) checkpoint(ctx context.Context, rs *runState) error {
	rs.state.Variables = rs.vars.Snapshot()
	rs.state.UpdatedAt = time.Now().UTC()
	if e.checkpoints == nil {
		return nil
	}
	path, err := e.checkpoints.Save(ctx, schema.NewCheckpoint(rs.state, rs.checksum))
	if err != nil {
		if _, ok := schema.AsError(err); ok {
			return err
		}
		return schema.NewError(schema.ErrCodeCheckpointIO, "saving checkpoint").WithCause(err)
	}
	e.emit(ctx, rs, schema.EventCheckpointSaved, "", map[string]any{
		"path":   path,
		"cursor": rs.state.Cursor,
	})
	return nil
}

func (e *Executor) finishCompleted(ctx context.Context, rs *runState) (*schema.ExecutionState, error) {
	state := rs.state
	if err := rs.fsm.TransitionRun(schema.RunStatusCompleted); err != nil {
		return e.finishFailed(ctx, rs, err)
	}
	state.Status = schema.RunStatusCompleted
	state.Error = nil
	now := time.Now().UTC()
	state.FinishedAt = &now

	cpErr := e.checkpoint(ctx, rs)
	usage := state.TotalUsage()
	e.emit(ctx, rs, schema.EventRunCompleted, "", map[string]any{
		"steps":             len(state.Order),
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"checkpoint_saved":  cpErr == nil,
	})
	return state, cpErr
}

func (e *Executor) finishFailed(ctx context.Context, rs *runState, cause error) (*schema.ExecutionState, error) {
	state := rs.state
	if err := rs.fsm.TransitionRun(schema.RunStatusFailed); err != nil {
		return state, err
	}
	state.Status = schema.RunStatusFailed
	state.Error = schema.DetailFromError(cause)
	now := time.Now().UTC()
	state.FinishedAt = &now

	cpErr := e.checkpoint(ctx, rs)
	e.emit(ctx, rs, schema.EventRunFailed, "", map[string]any{
		"error":            cause.Error(),
		"checkpoint_saved": cpErr == nil,
	})
	return state, cause
}

func (e *Executor) finishCancelled(ctx context.Context, rs *runState, cause error) (*schema.ExecutionState, error) {
	state := rs.state
	if err := rs.fsm.TransitionRun(schema.RunStatusFailed); err != nil {
		return state, err
	}
	cancelErr := asCancelled(cause)
	state.Status = schema.RunStatusFailed
	state.Error = schema.DetailFromError(cancelErr)
	now := time.Now().UTC()
	state.FinishedAt = &now

	cpErr := e.checkpoint(ctx, rs)
	e.emit(ctx, rs, schema.EventRunCancelled, "", map[string]any{
		"checkpoint_saved": cpErr == nil,
	})
	return state, cancelErr
}

func (e *Executor) emit(ctx context.Context, rs *runState, eventType, stepID string, payload map[string]any) {
	event := schema.NewRunEvent(rs.state.RunID, eventType, stepID, payload)
	e.observer.OnEvent(ctx, &event)
}

// isCancellation reports whether err means the run is shutting down rather
// than the step failing.
func isCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return schema.IsCode(err, schema.ErrCodeCancelled)
}

func asCancelled(err error) error {
	if schema.IsCode(err, schema.ErrCodeCancelled) {
		return err
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
}

// withStep stamps the failing step on an error, coding uncoded ones as step
// execution failures.
func withStep(err error, stepID string) error {
	if le, ok := schema.AsError(err); ok {
		if le.StepID == "" {
			return le.WithStep(stepID)
		}
		return le
	}
	return schema.NewError(schema.ErrCodeStepExecution, err.Error()).WithStep(stepID).WithCause(err)
}

// validateResumeState rejects checkpoints that are internally inconsistent
// with the definition's resolved order.
func validateResumeState(state *schema.ExecutionState, dag *DAG) error {
	if state.Cursor < 0 || state.Cursor > len(state.Order) {
		return schema.NewErrorf(schema.ErrCodeCheckpointIO, "checkpoint cursor %d is out of range", state.Cursor)
	}
	if len(state.Order) != len(dag.Sorted) {
		return schema.NewErrorf(schema.ErrCodeCheckpointIO,
			"checkpoint order has %d steps, definition resolves %d", len(state.Order), len(dag.Sorted))
	}
	for _, name := range state.Order {
		if dag.Steps[name] == nil {
			return schema.NewErrorf(schema.ErrCodeCheckpointIO, "checkpoint order names unknown step %q", name)
		}
	}
	for i := 0; i < state.Cursor; i++ {
		res := state.Result(state.Order[i])
		if res == nil || (res.Status != schema.StepStatusCompleted && res.Status != schema.StepStatusSkipped) {
			return schema.NewErrorf(schema.ErrCodeCheckpointIO,
				"step %q is before the cursor but not settled", state.Order[i])
		}
	}
	return nil
}

// pruneResults drops results a resumed run will produce again: the failed
// step under the cursor and nested results whose parent never completed.
func pruneResults(state *schema.ExecutionState, def *schema.WorkflowDefinition) {
	owners := nestedOwners(def)

	topStatus := make(map[string]schema.StepStatus)
	for _, res := range state.StepResults {
		if _, nested := owners[res.StepID]; !nested {
			topStatus[res.StepID] = res.Status
		}
	}

	kept := make([]schema.StepResult, 0, len(state.StepResults))
	for _, res := range state.StepResults {
		if owner, nested := owners[res.StepID]; nested {
			if topStatus[owner] == schema.StepStatusCompleted {
				kept = append(kept, res)
			}
			continue
		}
		if res.Status == schema.StepStatusCompleted || res.Status == schema.StepStatusSkipped {
			kept = append(kept, res)
		}
	}
	state.StepResults = kept
}

// nestedOwners maps every nested step name to its top-level ancestor.
func nestedOwners(def *schema.WorkflowDefinition) map[string]string {
	owners := make(map[string]string)
	for i := range def.Steps {
		collectNested(&def.Steps[i], def.Steps[i].Name, owners)
	}
	return owners
}

func collectNested(step *schema.StepDefinition, owner string, owners map[string]string) {
	for i := range step.Then {
		owners[step.Then[i].Name] = owner
		collectNested(&step.Then[i], owner, owners)
	}
	for i := range step.Else {
		owners[step.Else[i].Name] = owner
		collectNested(&step.Else[i], owner, owners)
	}
	if step.Body != nil {
		owners[step.Body.Name] = owner
		collectNested(step.Body, owner, owners)
	}
}
