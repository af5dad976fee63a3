package schema

import "time"

// RunExport is the archival form of a finished run: step results keyed by
// step id, resolved variables, and timing. Unlike the checkpoint it carries
// no resume machinery (cursor, order), so the format is stable against
// executor changes.
type RunExport struct {
	RunID        string                `json:"run_id"`
	WorkflowID   string                `json:"workflow_id"`
	WorkflowName string                `json:"workflow_name,omitempty"`
	Status       RunStatus             `json:"status"`
	Variables    map[string]any        `json:"variables,omitempty"`
	Steps        map[string]StepResult `json:"steps"`
	Usage        TokenUsage            `json:"usage"`
	Error        *ErrorDetail          `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   *time.Time            `json:"finished_at,omitempty"`
	DurationMS   int64                 `json:"duration_ms,omitempty"`
}

// Export builds the archival document for the state. Steps holds every
// recorded result, nested ones included, keyed by step id.
func (s *ExecutionState) Export() *RunExport {
	steps := make(map[string]StepResult, len(s.StepResults))
	for i := range s.StepResults {
		steps[s.StepResults[i].StepID] = s.StepResults[i]
	}

	export := &RunExport{
		RunID:        s.RunID,
		WorkflowID:   s.WorkflowID,
		WorkflowName: s.WorkflowName,
		Status:       s.Status,
		Variables:    s.Variables,
		Steps:        steps,
		Usage:        s.TotalUsage(),
		Error:        s.Error,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if s.FinishedAt != nil {
		export.DurationMS = s.FinishedAt.Sub(s.StartedAt).Milliseconds()
	}
	return export
}
