package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

// RunWorkflowOptions tune a single workflow run.
type RunWorkflowOptions struct {
	// RunID fixes the run identity. Empty means a fresh UUID.
	RunID string
	// Vars are injected over the definition's declared variables.
	Vars map[string]any
	// Model redirects every generation of the run, overriding step pins.
	Model string
	// NoCheckpoint runs without persistence or locking.
	NoCheckpoint bool
	// Observers are appended after the built-in trail and hub observers.
	Observers []engine.Observer
}

// RunWorkflow loads, validates and executes the workflow at path. The
// returned state is non-nil whenever execution started, including failed and
// cancelled runs; the error carries the run outcome.
func (a *App) RunWorkflow(ctx context.Context, path string, opts RunWorkflowOptions) (*schema.ExecutionState, error) {
	def, err := a.loadDefinition(path)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)

	var checkpoints engine.Checkpointer
	if a.checkpoints != nil && !opts.NoCheckpoint {
		release, err := a.checkpoints.AcquireRunLock(runID)
		if err != nil {
			return nil, err
		}
		defer release()
		checkpoints = a.checkpoints
	}

	observer, trail := a.runObservers(opts.Observers)
	exec := engine.NewExecutor(a.generatorFor(opts.Model), a.templates, checkpoints, a.engineCfg, observer)

	a.logger.InfoContext(ctx, "workflow run starting", "workflow", def.ID)
	state, runErr := exec.Run(ctx, def, engine.RunOptions{RunID: runID, Vars: opts.Vars})
	a.finishRun(ctx, state, opts.Model, trail)
	return state, runErr
}

// ResumeOptions tune a resume of a checkpointed run or batch job.
type ResumeOptions struct {
	// Observers are appended after the built-in trail and hub observers.
	Observers []engine.Observer
}

// ResumeWorkflow continues the checkpointed run runID from its cursor. The
// definition is re-read from path and must match the checkpoint's checksum;
// checkpoints do not record where the file lives.
func (a *App) ResumeWorkflow(ctx context.Context, runID, path string, opts ResumeOptions) (*schema.ExecutionState, error) {
	if a.checkpoints == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpointIO, "resume requires a checkpoint directory")
	}
	def, err := a.loadDefinition(path)
	if err != nil {
		return nil, err
	}
	cp, err := a.checkpoints.Load(runID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, runID)
	release, err := a.checkpoints.AcquireRunLock(runID)
	if err != nil {
		return nil, err
	}
	defer release()

	observer, trail := a.runObservers(opts.Observers)
	exec := engine.NewExecutor(a.runner, a.templates, a.checkpoints, a.engineCfg, observer)

	a.logger.InfoContext(ctx, "workflow resume starting", "workflow", def.ID)
	state, runErr := exec.Resume(ctx, def, cp)
	a.finishRun(ctx, state, "", trail)
	return state, runErr
}

// loadDefinition reads a workflow file and runs it through the configured
// validator, if any.
func (a *App) loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	def, err := validation.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	if a.validator != nil {
		if err := a.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	return def, nil
}
