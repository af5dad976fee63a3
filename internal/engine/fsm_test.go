package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

// --- run transitions ---

func TestRunFSM_HappyPath(t *testing.T) {
	fsm := NewRunFSM()
	assert.Equal(t, schema.RunStatusPending, fsm.RunStatus())

	require.NoError(t, fsm.TransitionRun(schema.RunStatusRunning))
	require.NoError(t, fsm.TransitionRun(schema.RunStatusCompleted))
	assert.Equal(t, schema.RunStatusCompleted, fsm.RunStatus())
}

func TestRunFSM_FailureAndResume(t *testing.T) {
	fsm := NewRunFSM()
	require.NoError(t, fsm.TransitionRun(schema.RunStatusRunning))
	require.NoError(t, fsm.TransitionRun(schema.RunStatusFailed))

	// A failed run can go back to running: that is a resume.
	require.NoError(t, fsm.TransitionRun(schema.RunStatusRunning))
	require.NoError(t, fsm.TransitionRun(schema.RunStatusCompleted))
}

func TestRunFSM_InvalidRunTransitions(t *testing.T) {
	cases := []struct {
		name string
		walk []schema.RunStatus
		bad  schema.RunStatus
	}{
		{"pending to completed", nil, schema.RunStatusCompleted},
		{"pending to failed", nil, schema.RunStatusFailed},
		{"completed is terminal", []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompleted}, schema.RunStatusRunning},
		{"running to pending", []schema.RunStatus{schema.RunStatusRunning}, schema.RunStatusPending},
		{"failed to completed", []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusFailed}, schema.RunStatusCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fsm := NewRunFSM()
			for _, status := range tc.walk {
				require.NoError(t, fsm.TransitionRun(status))
			}
			err := fsm.TransitionRun(tc.bad)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		})
	}
}

// --- step transitions ---

func TestRunFSM_StepHappyPath(t *testing.T) {
	fsm := NewRunFSM()
	assert.Equal(t, schema.StepStatusPending, fsm.StepStatus("a"))

	require.NoError(t, fsm.TransitionStep("a", schema.StepStatusReady))
	require.NoError(t, fsm.TransitionStep("a", schema.StepStatusRunning))
	require.NoError(t, fsm.TransitionStep("a", schema.StepStatusCompleted))
	assert.Equal(t, schema.StepStatusCompleted, fsm.StepStatus("a"))
}

func TestRunFSM_StepTerminalStates(t *testing.T) {
	for _, terminal := range []schema.StepStatus{
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	} {
		t.Run(string(terminal), func(t *testing.T) {
			fsm := NewRunFSM()
			require.NoError(t, fsm.TransitionStep("s", schema.StepStatusReady))
			require.NoError(t, fsm.TransitionStep("s", schema.StepStatusRunning))
			require.NoError(t, fsm.TransitionStep("s", terminal))

			err := fsm.TransitionStep("s", schema.StepStatusRunning)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		})
	}
}

func TestRunFSM_StepCannotSkipReady(t *testing.T) {
	fsm := NewRunFSM()
	err := fsm.TransitionStep("s", schema.StepStatusRunning)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestRunFSM_StepErrorNamesStep(t *testing.T) {
	fsm := NewRunFSM()
	err := fsm.TransitionStep("analyze", schema.StepStatusCompleted)
	require.Error(t, err)

	lerr, ok := schema.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "analyze", lerr.StepID)
}

func TestRunFSM_StepsAreIndependent(t *testing.T) {
	fsm := NewRunFSM()
	require.NoError(t, fsm.TransitionStep("a", schema.StepStatusReady))
	require.NoError(t, fsm.TransitionStep("a", schema.StepStatusRunning))

	assert.Equal(t, schema.StepStatusPending, fsm.StepStatus("b"))
	require.NoError(t, fsm.TransitionStep("b", schema.StepStatusReady))
	assert.Equal(t, schema.StepStatusRunning, fsm.StepStatus("a"))
}

// --- seeding (resume reconstruction) ---

func TestRunFSM_SeedBypassesValidation(t *testing.T) {
	fsm := NewRunFSM()
	fsm.SeedRun(schema.RunStatusFailed)
	fsm.SeedStep("a", schema.StepStatusCompleted)
	fsm.SeedStep("b", schema.StepStatusSkipped)

	assert.Equal(t, schema.RunStatusFailed, fsm.RunStatus())
	assert.Equal(t, schema.StepStatusCompleted, fsm.StepStatus("a"))
	assert.Equal(t, schema.StepStatusSkipped, fsm.StepStatus("b"))

	// Seeded failed runs can transition to running again.
	require.NoError(t, fsm.TransitionRun(schema.RunStatusRunning))
}

// --- dependency gating ---

func TestRunFSM_DepsSatisfied(t *testing.T) {
	fsm := NewRunFSM()
	fsm.SeedStep("done", schema.StepStatusCompleted)
	fsm.SeedStep("skipped", schema.StepStatusSkipped)
	fsm.SeedStep("failed", schema.StepStatusFailed)

	assert.True(t, fsm.DepsSatisfied(nil))
	assert.True(t, fsm.DepsSatisfied([]string{"done"}))
	assert.True(t, fsm.DepsSatisfied([]string{"done", "skipped"}))

	assert.False(t, fsm.DepsSatisfied([]string{"failed"}))
	assert.False(t, fsm.DepsSatisfied([]string{"done", "failed"}))
	assert.False(t, fsm.DepsSatisfied([]string{"never_ran"}))
}
