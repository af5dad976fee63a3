package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// RunKind distinguishes workflow runs from batch jobs in the history.
type RunKind string

const (
	RunKindWorkflow RunKind = "workflow"
	RunKindBatch    RunKind = "batch"
)

// Run is the persisted summary of one workflow run or batch job. One row per
// run id; a resumed run overwrites its earlier summary.
type Run struct {
	ID               string           `json:"id"`
	Kind             RunKind          `json:"kind"`
	WorkflowID       string           `json:"workflow_id,omitempty"`
	WorkflowName     string           `json:"workflow_name,omitempty"`
	Model            string           `json:"model,omitempty"`
	Status           schema.RunStatus `json:"status"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
	DurationMs       int64            `json:"duration_ms"`
	StepsTotal       int              `json:"steps_total"`
	StepsCompleted   int              `json:"steps_completed"`
	StepsFailed      int              `json:"steps_failed"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	Error            json.RawMessage  `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// StepRecord is the persisted outcome of one top-level step (or batch item)
// within a run. Records are replaced wholesale when the run is recorded.
type StepRecord struct {
	RunID            string            `json:"run_id"`
	StepID           string            `json:"step_id"`
	Type             string            `json:"type"`
	Status           schema.StepStatus `json:"status"`
	Attempts         int               `json:"attempts"`
	Output           json.RawMessage   `json:"output,omitempty"`
	DurationMs       int64             `json:"duration_ms"`
	PromptTokens     int64             `json:"prompt_tokens"`
	CompletionTokens int64             `json:"completion_tokens"`
	Error            string            `json:"error,omitempty"`
	Seq              int               `json:"seq"`
}

// Event is an immutable entry in a run's event trail.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	StepID    string          `json:"step_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Schedule is a cron-triggered workflow execution.
type Schedule struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	WorkflowPath string            `json:"workflow_path"`
	CronExpr     string            `json:"cron_expr"`
	Variables    map[string]string `json:"variables,omitempty"`
	Enabled      bool              `json:"enabled"`
	LastRunAt    *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time        `json:"next_run_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Aggregate is one row of run statistics: overall totals or a per-model /
// per-workflow grouping.
type Aggregate struct {
	Key              string `json:"key,omitempty"` // model id or workflow name; empty for totals
	Runs             int64  `json:"runs"`
	Completed        int64  `json:"completed"`
	Failed           int64  `json:"failed"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	DurationMs       int64  `json:"duration_ms"`
}

// Stats is the aggregated view over the run history.
type Stats struct {
	Totals     Aggregate   `json:"totals"`
	ByModel    []Aggregate `json:"by_model,omitempty"`
	ByWorkflow []Aggregate `json:"by_workflow,omitempty"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind         RunKind           `json:"kind,omitempty"`
	Status       *schema.RunStatus `json:"status,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Model        string            `json:"model,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// StatsFilter narrows the statistics window.
type StatsFilter struct {
	Kind  RunKind    `json:"kind,omitempty"`
	Since *time.Time `json:"since,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule. Nil pointers and
// empty strings leave the stored value unchanged.
type ScheduleUpdate struct {
	CronExpr  string            `json:"cron_expr,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
	LastRunAt *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt *time.Time        `json:"next_run_at,omitempty"`
}
