package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// --- Batch job scenarios ---

// 1. Structured batch file: every item runs through the prompt_template
// wrapper, the job completes, and the history gets one batch row with one
// step record per item.
func TestBatchRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.writeWorkflow("captions.yaml", `
name: captions
model: echo
prompt_template: "caption for {{prompt}}"
items:
  - sunrise
  - harbor
  - market
  - station
`)

	job, err := h.app.RunBatch(ctx, path, app.RunBatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, schema.RunStatusCompleted, job.Status)

	completed, failed, skipped := job.Counts()
	assert.Equal(t, 4, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, "caption for sunrise", job.Items[0].Result)
	assert.Equal(t, "caption for station", job.Items[3].Result)

	run, err := h.store.GetRun(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.RunKindBatch, run.Kind)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	records, err := h.store.ListStepRecords(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "item-0", records[0].StepID)
	assert.Equal(t, "item-3", records[3].StepID)
}

// 2. Interrupt a ten-item job after the seventh completion, then resume:
// settled items must not generate again and the pending three run exactly
// once. Every item carries its own marker, so the tally log answers exactly
// how many times each prompt hit the model.
func TestBatchInterruptResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := "name: tagged\nmodel: tally\ncheckpoint_interval: 5\nitems:\n"
	for i := 0; i < 10; i++ {
		body += fmt.Sprintf("  - \"n%02d-marker\"\n", i)
	}
	path := h.writeWorkflow("tagged.yaml", body)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	interrupt := &cancelOn{event: schema.EventBatchItemCompleted, after: 7, cancel: cancel}

	job, err := h.app.RunBatch(runCtx, path, app.RunBatchOptions{
		Observers: []engine.Observer{interrupt},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	require.NotNil(t, job)
	assert.Equal(t, schema.RunStatusFailed, job.Status)

	completed, _, _ := job.Counts()
	assert.Equal(t, 7, completed)
	assert.Equal(t, 3, job.Pending())

	// The cancellation checkpoint holds all seven settled items, not just
	// the last full interval.
	cp, err := h.checkpoints.LoadBatch(job.JobID)
	require.NoError(t, err)
	cpCompleted, _, _ := cp.Job.Counts()
	assert.Equal(t, 7, cpCompleted)

	resumed, err := h.app.ResumeBatch(ctx, job.JobID, app.ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.Equal(t, 0, resumed.Pending())

	for i := 0; i < 10; i++ {
		marker := fmt.Sprintf("n%02d-marker", i)
		assert.Equal(t, 1, h.tallyCount(marker), "item %d should generate exactly once", i)
	}

	run, err := h.store.GetRun(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

// 3. Stop threshold: after the configured number of failures the remaining
// items are skipped, the job fails, and the trail records the threshold.
func TestBatchStopAfterFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.writeWorkflow("doomed.yaml", `
name: doomed
model: broken
stop_after_failures: 2
items:
  - one
  - two
  - three
  - four
  - five
`)

	job, err := h.app.RunBatch(ctx, path, app.RunBatchOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
	assert.Contains(t, err.Error(), "stopped after 2 failed items")
	require.NotNil(t, job)
	assert.Equal(t, schema.RunStatusFailed, job.Status)

	completed, failed, skipped := job.Counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 3, skipped)

	trail, err := h.store.ListEvents(ctx, job.JobID)
	require.NoError(t, err)
	var sawThreshold bool
	for _, ev := range trail {
		if ev.Type == schema.EventBatchStopThreshold {
			sawThreshold = true
		}
	}
	assert.True(t, sawThreshold)
}

// 4. Line-delimited input: blank lines and comments are skipped, the file
// base name becomes the job name.
func TestBatchLineDelimitedInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.writeWorkflow("prompts.txt", `first prompt

# a comment, not a prompt
second prompt
third prompt
`)

	job, err := h.app.RunBatch(ctx, path, app.RunBatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "prompts", job.Name)
	require.Len(t, job.Items, 3)
	assert.Equal(t, "first prompt", job.Items[0].Result)
	assert.Equal(t, "third prompt", job.Items[2].Result)
}

// 5. Per-item retry: a flaky model with a retry budget recovers on its
// second attempt without failing the item.
func TestBatchItemRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.writeWorkflow("flaky-batch.yaml", `
name: flaky-batch
model: flaky
retry:
  max: 2
  backoff: constant
  delay: 10ms
items:
  - only
`)

	job, err := h.app.RunBatch(ctx, path, app.RunBatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Items[0].Attempts)
	assert.Equal(t, "recovered", job.Items[0].Result)
}
