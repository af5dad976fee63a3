package schema

import "time"

// Event type constants for the run event trail.
const (
	EventRunStarted   = "run_started"
	EventRunResumed   = "run_resumed"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopIterCompleted  = "loop_iter_completed"

	EventCheckpointSaved = "checkpoint_saved"

	EventBatchItemCompleted = "batch_item_completed"
	EventBatchItemFailed    = "batch_item_failed"
	EventBatchItemSkipped   = "batch_item_skipped"
	EventBatchStopThreshold = "batch_stop_threshold"
)

// RunEvent is one entry in a run's event trail. Events flow through the
// in-process hub to observers (CLI progress, store event log, MCP clients).
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewRunEvent builds a timestamped event.
func NewRunEvent(runID, eventType, stepID string, payload map[string]any) RunEvent {
	return RunEvent{
		RunID:     runID,
		Type:      eventType,
		StepID:    stepID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
