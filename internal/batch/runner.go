package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/schema"
)

// Checkpointer persists batch snapshots. Save returns the location of the
// written checkpoint.
type Checkpointer interface {
	SaveBatch(ctx context.Context, cp *schema.BatchCheckpoint) (string, error)
}

// Runner executes batch jobs item by item on a single goroutine,
// checkpointing every Interval() settled items and always on terminal
// states. A nil Checkpointer makes jobs ephemeral.
type Runner struct {
	models      engine.ModelRunner
	checkpoints Checkpointer
	observer    engine.Observer
}

// NewRunner wires a batch runner with its collaborators.
func NewRunner(models engine.ModelRunner, checkpoints Checkpointer, observers ...engine.Observer) *Runner {
	return &Runner{
		models:      models,
		checkpoints: checkpoints,
		observer:    engine.CombineObservers(observers...),
	}
}

// Run executes a fresh job from its first item.
func (r *Runner) Run(ctx context.Context, job *schema.BatchJob) (*schema.BatchJob, error) {
	if job == nil || len(job.Items) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "batch job has no items")
	}
	if job.Status != schema.RunStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"batch job %s is %s, only pending jobs can start", job.JobID, job.Status)
	}

	now := time.Now().UTC()
	job.Status = schema.RunStatusRunning
	job.StartedAt = now
	job.UpdatedAt = now
	r.emit(ctx, job, schema.EventRunStarted, "", map[string]any{
		"name":  job.Name,
		"items": len(job.Items),
	})
	return r.execute(ctx, job)
}

// Resume continues an interrupted job from its checkpoint. Settled items are
// never re-run; the item the job stopped on runs again from scratch.
func (r *Runner) Resume(ctx context.Context, cp *schema.BatchCheckpoint) (*schema.BatchJob, error) {
	if cp == nil || cp.Job == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpointIO, "resume requires a batch checkpoint")
	}
	job := cp.Job
	if job.Status == schema.RunStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "batch job %s already completed", job.JobID)
	}

	job.Status = schema.RunStatusRunning
	job.Error = nil
	job.FinishedAt = nil
	job.UpdatedAt = time.Now().UTC()
	completed, failed, _ := job.Counts()
	r.emit(ctx, job, schema.EventRunResumed, "", map[string]any{
		"pending":   job.Pending(),
		"completed": completed,
		"failed":    failed,
	})
	return r.execute(ctx, job)
}

// execute walks the item list in input order, running only items still
// pending. It is the only place that writes checkpoints.
func (r *Runner) execute(ctx context.Context, job *schema.BatchJob) (*schema.BatchJob, error) {
	maxAttempts, policy, then := effectivePolicy(job)

	sinceCheckpoint := 0
	for i := range job.Items {
		item := &job.Items[i]
		if item.Status != schema.BatchItemPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.finishCancelled(ctx, job, err)
		}
		if job.StopAfterFailures > 0 && job.Failures >= job.StopAfterFailures {
			r.skipRemaining(ctx, job, i)
			break
		}

		if err := r.runItem(ctx, job, item, maxAttempts, policy); err != nil {
			// The interrupted item keeps no result: a resume runs it again.
			return r.finishCancelled(ctx, job, err)
		}

		switch item.Status {
		case schema.BatchItemCompleted:
			r.emit(ctx, job, schema.EventBatchItemCompleted, itemStepID(item), map[string]any{
				"attempts":    item.Attempts,
				"duration_ms": item.DurationMS,
			})
		case schema.BatchItemFailed:
			job.Failures++
			r.emit(ctx, job, schema.EventBatchItemFailed, itemStepID(item), map[string]any{
				"error":    item.Error,
				"attempts": item.Attempts,
				"failures": job.Failures,
			})
			if then == schema.ErrorPolicyAbort {
				return r.finishFailed(ctx, job, schema.NewErrorf(schema.ErrCodeStepExecution,
					"batch item %d failed: %s", item.Index, item.Error))
			}
		}

		sinceCheckpoint++
		if sinceCheckpoint >= job.Interval() {
			if cpErr := r.checkpoint(ctx, job); cpErr != nil {
				return r.finishFailed(ctx, job, cpErr)
			}
			sinceCheckpoint = 0
		}
	}

	if job.StopAfterFailures > 0 && job.Failures >= job.StopAfterFailures {
		return r.finishFailed(ctx, job, schema.NewErrorf(schema.ErrCodeStepExecution,
			"stopped after %d failed items", job.Failures))
	}
	return r.finishCompleted(ctx, job)
}

// runItem executes one item under the job's retry budget, recording the
// outcome on the item. The returned error is non-nil only for cancellation.
func (r *Runner) runItem(ctx context.Context, job *schema.BatchJob, item *schema.BatchItem, maxAttempts int, policy *schema.RetryPolicy) error {
	req, err := r.buildRequest(job, item)
	if err != nil {
		item.Status = schema.BatchItemFailed
		item.Attempts = 1
		item.Error = err.Error()
		return nil
	}

	start := time.Now().UTC()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := engine.ComputeBackoff(policy, attempt-2)
			r.emit(ctx, job, schema.EventStepRetrying, itemStepID(item), map[string]any{
				"attempt": attempt,
				"max":     maxAttempts,
				"delay":   delay.String(),
			})
			if err := engine.WaitForBackoff(ctx, delay); err != nil {
				item.Attempts = 0
				return err
			}
		}
		item.Attempts = attempt

		res, err := r.generate(ctx, req)
		if err == nil {
			item.Status = schema.BatchItemCompleted
			item.Result = res.Text
			item.Model = resolvedModel(res, req)
			item.Usage = res.Usage
			item.Error = ""
			item.DurationMS = time.Since(start).Milliseconds()
			return nil
		}
		if isCancellation(err) {
			item.Attempts = 0
			return err
		}
		lastErr = err
		if !engine.IsRetryableError(err) {
			break
		}
	}

	item.Status = schema.BatchItemFailed
	item.Error = lastErr.Error()
	item.DurationMS = time.Since(start).Milliseconds()
	return nil
}

// buildRequest assembles the generation call: the optional prompt_template
// wraps the item prompt through its {{prompt}} slot, and item params layer
// over job params.
func (r *Runner) buildRequest(job *schema.BatchJob, item *schema.BatchItem) (*engine.GenerateRequest, error) {
	prompt := item.Prompt
	if job.PromptTemplate != "" {
		interp := expressions.NewInterpolator(expressions.NewVarStore(map[string]any{"prompt": item.Prompt}))
		wrapped, err := interp.Substitute(job.PromptTemplate)
		if err != nil {
			return nil, err
		}
		prompt = wrapped
	}

	model := job.Model
	if model == "" {
		model = engine.ModelAuto
	}

	var params map[string]any
	if len(item.Params) > 0 || len(job.Params) > 0 {
		params = make(map[string]any, len(item.Params)+len(job.Params))
		for k, v := range item.Params {
			params[k] = v
		}
		if err := mergo.Merge(&params, job.Params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "merging params for item %d", item.Index).WithCause(err)
		}
	}

	return &engine.GenerateRequest{Model: model, Prompt: prompt, System: job.System, Params: params}, nil
}

func (r *Runner) generate(ctx context.Context, req *engine.GenerateRequest) (*engine.GenerateResult, error) {
	if r.models == nil {
		return nil, schema.NewError(schema.ErrCodeModel, "no model runner configured")
	}
	res, err := r.models.Generate(ctx, req)
	if err != nil {
		if _, ok := schema.AsError(err); ok {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeModel, "model %q generation failed", req.Model).WithCause(err)
	}
	return res, nil
}

// skipRemaining marks every still-pending item from index on as skipped,
// once accumulated failures hit the stop threshold.
func (r *Runner) skipRemaining(ctx context.Context, job *schema.BatchJob, from int) {
	skipped := 0
	for i := from; i < len(job.Items); i++ {
		item := &job.Items[i]
		if item.Status != schema.BatchItemPending {
			continue
		}
		item.Status = schema.BatchItemSkipped
		skipped++
		r.emit(ctx, job, schema.EventBatchItemSkipped, itemStepID(item), nil)
	}
	r.emit(ctx, job, schema.EventBatchStopThreshold, "", map[string]any{
		"failures": job.Failures,
		"skipped":  skipped,
	})
}

// checkpoint persists the job. Batch jobs are their own execution state, so
// the snapshot is the job wrapped in a versioned envelope.
func (r *Runner) checkpoint(ctx context.Context, job *schema.BatchJob) error {
	job.UpdatedAt = time.Now().UTC()
	if r.checkpoints == nil {
		return nil
	}
	path, err := r.checkpoints.SaveBatch(ctx, schema.NewBatchCheckpoint(job))
	if err != nil {
		if _, ok := schema.AsError(err); ok {
			return err
		}
		return schema.NewError(schema.ErrCodeCheckpointIO, "saving batch checkpoint").WithCause(err)
	}
	completed, failed, skipped := job.Counts()
	r.emit(ctx, job, schema.EventCheckpointSaved, "", map[string]any{
		"path":    path,
		"settled": completed + failed + skipped,
	})
	return nil
}

func (r *Runner) finishCompleted(ctx context.Context, job *schema.BatchJob) (*schema.BatchJob, error) {
	job.Status = schema.RunStatusCompleted
	job.Error = nil
	now := time.Now().UTC()
	job.FinishedAt = &now

	cpErr := r.checkpoint(ctx, job)
	completed, failed, skipped := job.Counts()
	usage := job.TotalUsage()
	r.emit(ctx, job, schema.EventRunCompleted, "", map[string]any{
		"completed":         completed,
		"failed":            failed,
		"skipped":           skipped,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"checkpoint_saved":  cpErr == nil,
	})
	return job, cpErr
}

func (r *Runner) finishFailed(ctx context.Context, job *schema.BatchJob, cause error) (*schema.BatchJob, error) {
	job.Status = schema.RunStatusFailed
	job.Error = schema.DetailFromError(cause)
	now := time.Now().UTC()
	job.FinishedAt = &now

	cpErr := r.checkpoint(ctx, job)
	r.emit(ctx, job, schema.EventRunFailed, "", map[string]any{
		"error":            cause.Error(),
		"checkpoint_saved": cpErr == nil,
	})
	return job, cause
}

func (r *Runner) finishCancelled(ctx context.Context, job *schema.BatchJob, cause error) (*schema.BatchJob, error) {
	cancelErr := asCancelled(cause)
	job.Status = schema.RunStatusFailed
	job.Error = schema.DetailFromError(cancelErr)
	now := time.Now().UTC()
	job.FinishedAt = &now

	cpErr := r.checkpoint(ctx, job)
	r.emit(ctx, job, schema.EventRunCancelled, "", map[string]any{
		"checkpoint_saved": cpErr == nil,
	})
	return job, cancelErr
}

func (r *Runner) emit(ctx context.Context, job *schema.BatchJob, eventType, stepID string, payload map[string]any) {
	event := schema.NewRunEvent(job.JobID, eventType, stepID, payload)
	r.observer.OnEvent(ctx, &event)
}

// effectivePolicy resolves the job's error handling: attempt budget, retry
// policy, and what a permanently failed item does to the job. Unset on_error
// means continue for batch jobs, unlike workflow steps.
func effectivePolicy(job *schema.BatchJob) (int, *schema.RetryPolicy, schema.ErrorPolicy) {
	policy := job.Retry
	if policy == nil && job.OnError == schema.ErrorPolicyRetry {
		policy = schema.DefaultRetryPolicy()
	}

	maxAttempts := 1
	if policy != nil {
		maxAttempts = policy.Max
		if maxAttempts < 1 {
			maxAttempts = schema.DefaultRetryPolicy().Max
		}
	}

	then := job.OnError
	if then == "" {
		then = schema.ErrorPolicyContinue
	}
	if policy != nil && policy.Then != "" {
		then = policy.Then
	}
	if then == schema.ErrorPolicyRetry {
		then = schema.ErrorPolicyAbort
	}
	return maxAttempts, policy, then
}

// itemStepID names an item in run events, matching its step id in history.
func itemStepID(item *schema.BatchItem) string {
	return fmt.Sprintf("item-%d", item.Index)
}

func resolvedModel(res *engine.GenerateResult, req *engine.GenerateRequest) string {
	if res.Model != "" {
		return res.Model
	}
	return req.Model
}

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
	return schema.NewError(schema.ErrCodeCancelled, "batch job cancelled").WithCause(err)
}
