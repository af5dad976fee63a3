package schema

import "time"

// RunStatus represents the lifecycle state of a workflow or batch run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// TokenUsage carries prompt/completion token counts reported by a model runner.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Add accumulates counts from another usage record.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// StepResult is the recorded outcome of one top-level step.
type StepResult struct {
	StepID     string      `json:"step_id"`
	Type       StepType    `json:"type"`
	Status     StepStatus  `json:"status"`
	Output     any         `json:"output,omitempty"`
	OutputVar  string      `json:"output_var,omitempty"`
	Model      string      `json:"model,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	DurationMS int64       `json:"duration_ms"`
}

// ErrorDetail is the serializable form of a run-terminating error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// DetailFromError flattens an error into an ErrorDetail for persistence.
func DetailFromError(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	if le, ok := AsError(err); ok {
		return &ErrorDetail{Code: le.Code, Message: le.Message, StepID: le.StepID}
	}
	return &ErrorDetail{Code: ErrCodeStepExecution, Message: err.Error()}
}

// ExecutionState is the in-memory progress of one workflow run. It is owned
// exclusively by the executor for the lifetime of the run; the checkpoint
// manager reads it at save points.
type ExecutionState struct {
	RunID        string         `json:"run_id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Status       RunStatus      `json:"status"`
	Cursor       int            `json:"cursor"` // index into Order of the next unexecuted step
	Order        []string       `json:"order"`  // resolved execution order, fixed at load
	Variables    map[string]any `json:"variables"`
	StepResults  []StepResult   `json:"step_results"`
	Error        *ErrorDetail   `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Result returns the recorded result for a step, or nil.
func (s *ExecutionState) Result(stepID string) *StepResult {
	for i := range s.StepResults {
		if s.StepResults[i].StepID == stepID {
			return &s.StepResults[i]
		}
	}
	return nil
}

// Record stores a step result, replacing any earlier result for the same
// step. Re-executed steps (retried branches, resumed runs) keep exactly one
// entry in the trail.
func (s *ExecutionState) Record(result StepResult) {
	for i := range s.StepResults {
		if s.StepResults[i].StepID == result.StepID {
			s.StepResults[i] = result
			return
		}
	}
	s.StepResults = append(s.StepResults, result)
}

// CompletedSteps returns the IDs of steps recorded as completed.
func (s *ExecutionState) CompletedSteps() []string {
	var ids []string
	for i := range s.StepResults {
		if s.StepResults[i].Status == StepStatusCompleted {
			ids = append(ids, s.StepResults[i].StepID)
		}
	}
	return ids
}

// TotalUsage sums token usage across all step results.
func (s *ExecutionState) TotalUsage() TokenUsage {
	var total TokenUsage
	for i := range s.StepResults {
		total.Add(s.StepResults[i].Usage)
	}
	return total
}

// CheckpointVersion is the current checkpoint file format version.
const CheckpointVersion = 1

// Checkpoint is the durable snapshot of an ExecutionState. It is
// self-describing: everything needed to reconstruct an equivalent in-progress
// run is in the file.
type Checkpoint struct {
	Version            int            `json:"version"`
	RunID              string         `json:"run_id"`
	WorkflowID         string         `json:"definition_id"`
	WorkflowName       string         `json:"definition_name,omitempty"`
	DefinitionChecksum string         `json:"definition_checksum,omitempty"`
	Status             RunStatus      `json:"status"`
	Cursor             int            `json:"cursor"`
	Order              []string       `json:"order"`
	Variables          map[string]any `json:"variables"`
	StepResults        []StepResult   `json:"step_results"`
	Error              *ErrorDetail   `json:"error,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
	CheckpointAt       time.Time      `json:"checkpoint_at"`
}

// NewCheckpoint snapshots an ExecutionState for persistence.
func NewCheckpoint(state *ExecutionState, definitionChecksum string) *Checkpoint {
	return &Checkpoint{
		Version:            CheckpointVersion,
		RunID:              state.RunID,
		WorkflowID:         state.WorkflowID,
		WorkflowName:       state.WorkflowName,
		DefinitionChecksum: definitionChecksum,
		Status:             state.Status,
		Cursor:             state.Cursor,
		Order:              state.Order,
		Variables:          state.Variables,
		StepResults:        state.StepResults,
		Error:              state.Error,
		StartedAt:          state.StartedAt,
		UpdatedAt:          state.UpdatedAt,
		FinishedAt:         state.FinishedAt,
		CheckpointAt:       time.Now().UTC(),
	}
}

// State reconstructs the ExecutionState captured by the checkpoint.
func (c *Checkpoint) State() *ExecutionState {
	return &ExecutionState{
		RunID:        c.RunID,
		WorkflowID:   c.WorkflowID,
		WorkflowName: c.WorkflowName,
		Status:       c.Status,
		Cursor:       c.Cursor,
		Order:        c.Order,
		Variables:    c.Variables,
		StepResults:  c.StepResults,
		Error:        c.Error,
		StartedAt:    c.StartedAt,
		UpdatedAt:    c.UpdatedAt,
		FinishedAt:   c.FinishedAt,
	}
}
