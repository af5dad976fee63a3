// Package app drives workflow and batch executions end to end: load,
// validate, lock, run, record history. The CLI commands, the MCP server, and
// the scheduler all go through it, so a run behaves the same no matter which
// surface started it.
package app

import (
	"context"
	"log/slog"
	"os"

	"github.com/rendis/loom/internal/checkpoint"
	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/events"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

// Deps are the collaborators an App is assembled from. A nil Checkpoints
// makes runs ephemeral and unlocked, a nil History disables run recording,
// a nil Hub disables live events, a nil Validator skips pre-run validation.
type Deps struct {
	Runner      engine.ModelRunner
	Templates   engine.TemplateRenderer
	Validator   validation.Validator
	Checkpoints *checkpoint.Manager
	History     store.Store
	Hub         events.Hub
	Logger      *slog.Logger
	Engine      engine.Config
}

// App executes workflows and batch jobs through one shared pipeline.
type App struct {
	runner      engine.ModelRunner
	templates   engine.TemplateRenderer
	validator   validation.Validator
	checkpoints *checkpoint.Manager
	history     store.Store
	hub         events.Hub
	logger      *slog.Logger
	engineCfg   engine.Config
}

// New assembles an App from its collaborators.
func New(deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &App{
		runner:      deps.Runner,
		templates:   deps.Templates,
		validator:   deps.Validator,
		checkpoints: deps.Checkpoints,
		history:     deps.History,
		hub:         deps.Hub,
		logger:      logger,
		engineCfg:   deps.Engine,
	}
}

// Checkpoints returns the checkpoint manager, or nil for ephemeral setups.
func (a *App) Checkpoints() *checkpoint.Manager {
	return a.checkpoints
}

// History returns the run history store, or nil when recording is disabled.
func (a *App) History() store.Store {
	return a.history
}

// runObservers assembles the observer chain for one run: the store event
// trail first, then the hub, then any per-run extras. The returned trail is
// nil when history is disabled.
func (a *App) runObservers(extra []engine.Observer) (engine.Observer, *store.EventLog) {
	var list []engine.Observer
	var trail *store.EventLog
	if a.history != nil {
		trail = store.NewEventLog(a.history)
		list = append(list, trail)
	}
	if a.hub != nil {
		if obs, ok := a.hub.(engine.Observer); ok {
			list = append(list, obs)
		} else {
			hub := a.hub
			list = append(list, engine.ObserverFunc(func(ctx context.Context, event *schema.RunEvent) {
				if event == nil {
					return
				}
				_ = hub.Publish(ctx, *event)
			}))
		}
	}
	list = append(list, extra...)
	return engine.CombineObservers(list...), trail
}

// generatorFor applies the run-level model redirect. The override wins over
// step-level pins: its point is to steer the whole run at a different model.
func (a *App) generatorFor(model string) engine.ModelRunner {
	if model == "" {
		return a.runner
	}
	return &overrideRunner{inner: a.runner, model: model}
}

type overrideRunner struct {
	inner engine.ModelRunner
	model string
}

func (o *overrideRunner) Generate(ctx context.Context, req *engine.GenerateRequest) (*engine.GenerateResult, error) {
	redirected := *req
	redirected.Model = o.model
	return o.inner.Generate(ctx, &redirected)
}

// recordRunHistory writes the run summary and step rows. History failures
// are logged, never returned: the run outcome stands on its own.
func (a *App) recordRunHistory(ctx context.Context, state *schema.ExecutionState, model string) {
	if a.history == nil || state == nil {
		return
	}
	if err := a.history.RecordRun(ctx, store.RunFromState(state, model)); err != nil {
		a.logger.WarnContext(ctx, "recording run history failed", "error", err)
		return
	}
	if err := a.history.ReplaceStepRecords(ctx, state.RunID, store.StepRecordsFromState(state)); err != nil {
		a.logger.WarnContext(ctx, "recording step history failed", "error", err)
	}
}

// recordBatchHistory writes the batch summary and per-item rows.
func (a *App) recordBatchHistory(ctx context.Context, job *schema.BatchJob) {
	if a.history == nil || job == nil {
		return
	}
	if err := a.history.RecordRun(ctx, store.RunFromBatch(job)); err != nil {
		a.logger.WarnContext(ctx, "recording batch history failed", "error", err)
		return
	}
	if err := a.history.ReplaceStepRecords(ctx, job.JobID, store.StepRecordsFromBatch(job)); err != nil {
		a.logger.WarnContext(ctx, "recording batch item history failed", "error", err)
	}
}

// finishRun performs the bookkeeping shared by fresh runs and resumes.
// Recording must survive a cancelled run context, so it detaches from ctx's
// cancellation before writing.
func (a *App) finishRun(ctx context.Context, state *schema.ExecutionState, model string, trail *store.EventLog) {
	if state == nil {
		return
	}
	recordCtx := context.WithoutCancel(ctx)
	a.recordRunHistory(recordCtx, state, runModel(state, model))
	if trail != nil {
		if err := trail.Err(); err != nil {
			a.logger.WarnContext(recordCtx, "event trail incomplete", "run_id", state.RunID, "error", err)
		}
	}
}

// finishBatch is finishRun's counterpart for batch jobs.
func (a *App) finishBatch(ctx context.Context, job *schema.BatchJob, trail *store.EventLog) {
	if job == nil {
		return
	}
	recordCtx := context.WithoutCancel(ctx)
	a.recordBatchHistory(recordCtx, job)
	if trail != nil {
		if err := trail.Err(); err != nil {
			a.logger.WarnContext(recordCtx, "event trail incomplete", "job_id", job.JobID, "error", err)
		}
	}
}

// runModel resolves the model column for the run row: the explicit override
// when one was given, otherwise the first model a step actually used.
func runModel(state *schema.ExecutionState, override string) string {
	if override != "" {
		return override
	}
	for i := range state.StepResults {
		if state.StepResults[i].Model != "" {
			return state.StepResults[i].Model
		}
	}
	return ""
}
