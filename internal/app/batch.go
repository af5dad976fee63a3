package app

import (
	"context"

	"github.com/rendis/loom/internal/batch"
	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/pkg/schema"
)

// RunBatchOptions tune a single batch execution.
type RunBatchOptions struct {
	// Model replaces the job's model for every item.
	Model string
	// Interval replaces the job's checkpoint interval when positive.
	Interval int
	// StopAfter replaces the job's failure threshold when positive.
	StopAfter int
	// NoCheckpoint runs without persistence or locking.
	NoCheckpoint bool
	// Observers are appended after the built-in trail and hub observers.
	Observers []engine.Observer
}

// RunBatch loads the batch file at path and runs it item by item. The
// returned job carries the per-item outcomes whenever execution started.
func (a *App) RunBatch(ctx context.Context, path string, opts RunBatchOptions) (*schema.BatchJob, error) {
	job, err := batch.LoadJob(path)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		job.Model = opts.Model
	}
	if opts.Interval > 0 {
		job.CheckpointInterval = opts.Interval
	}
	if opts.StopAfter > 0 {
		job.StopAfterFailures = opts.StopAfter
	}
	ctx = logging.WithJobID(ctx, job.JobID)

	var checkpoints batch.Checkpointer
	if a.checkpoints != nil && !opts.NoCheckpoint {
		release, err := a.checkpoints.AcquireBatchLock(job.JobID)
		if err != nil {
			return nil, err
		}
		defer release()
		checkpoints = a.checkpoints
	}

	observer, trail := a.runObservers(opts.Observers)
	runner := batch.NewRunner(a.runner, checkpoints, observer)

	a.logger.InfoContext(ctx, "batch run starting", "items", len(job.Items))
	result, runErr := runner.Run(ctx, job)
	a.finishBatch(ctx, result, trail)
	return result, runErr
}

// ResumeBatch continues the checkpointed batch job jobID. Settled items keep
// their results; only still-pending items run.
func (a *App) ResumeBatch(ctx context.Context, jobID string, opts ResumeOptions) (*schema.BatchJob, error) {
	if a.checkpoints == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpointIO, "resume requires a checkpoint directory")
	}
	cp, err := a.checkpoints.LoadBatch(jobID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithJobID(ctx, jobID)
	release, err := a.checkpoints.AcquireBatchLock(jobID)
	if err != nil {
		return nil, err
	}
	defer release()

	observer, trail := a.runObservers(opts.Observers)
	runner := batch.NewRunner(a.runner, a.checkpoints, observer)

	a.logger.InfoContext(ctx, "batch resume starting", "pending", cp.Job.Pending())
	result, runErr := runner.Resume(ctx, cp)
	a.finishBatch(ctx, result, trail)
	return result, runErr
}
