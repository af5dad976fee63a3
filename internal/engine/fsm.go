package engine

import (
	"github.com/rendis/loom/pkg/schema"
)

// RunFSM tracks the run status and every step's status for one execution and
// validates each change against the transition tables. It is owned by the
// executor and mutated only between dispatches; execution is single-threaded.
type RunFSM struct {
	run   schema.RunStatus
	steps map[string]schema.StepStatus
}

// NewRunFSM creates a tracker with the run pending and no step statuses.
// Steps without an entry report pending.
func NewRunFSM() *RunFSM {
	return &RunFSM{
		run:   schema.RunStatusPending,
		steps: make(map[string]schema.StepStatus),
	}
}

// RunStatus returns the current run status.
func (f *RunFSM) RunStatus() schema.RunStatus {
	return f.run
}

// StepStatus returns the current status of a step, pending when unseen.
func (f *RunFSM) StepStatus(name string) schema.StepStatus {
	if s, ok := f.steps[name]; ok {
		return s
	}
	return schema.StepStatusPending
}

// TransitionRun validates and applies a run status change.
func (f *RunFSM) TransitionRun(to schema.RunStatus) error {
	if !isValidRunTransition(f.run, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", f.run, to)
	}
	f.run = to
	return nil
}

// TransitionStep validates and applies a step status change.
func (f *RunFSM) TransitionStep(name string, to schema.StepStatus) error {
	from := f.StepStatus(name)
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).WithStep(name)
	}
	f.steps[name] = to
	return nil
}

// SeedRun sets the run status directly, bypassing validation. Used when
// reconstructing state from a checkpoint, where recorded statuses are facts,
// not transitions.
func (f *RunFSM) SeedRun(status schema.RunStatus) {
	f.run = status
}

// SeedStep sets a step status directly, bypassing validation.
func (f *RunFSM) SeedStep(name string, status schema.StepStatus) {
	f.steps[name] = status
}

// DepsSatisfied reports whether every named dependency reached a state that
// unblocks dependents. Skipped counts: a step whose dependency was skipped
// under on_error continue still runs, and fails at substitution time if it
// actually references the missing output.
func (f *RunFSM) DepsSatisfied(deps []string) bool {
	for _, dep := range deps {
		switch f.StepStatus(dep) {
		case schema.StepStatusCompleted, schema.StepStatusSkipped:
		default:
			return false
		}
	}
	return true
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ValidRunTransitions defines the allowed run status changes. A failed run can
// re-enter running: that is the resume path for interrupted and cancelled
// runs. Completed is final.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusFailed:    {schema.RunStatusRunning},
	schema.RunStatusCompleted: {},
}

// ValidStepTransitions defines the allowed step status changes. Running can
// end skipped (a failure absorbed by on_error continue) as well as completed
// or failed. All three outcomes are final within one execution; resume
// reconstruction reseeds non-terminal steps as pending instead of
// transitioning them.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusReady},
	schema.StepStatusReady:     {schema.StepStatusRunning},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
