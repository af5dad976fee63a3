package schema

import "time"

// DefaultBatchCheckpointInterval is how many items complete between
// checkpoint writes when the job does not set its own interval.
const DefaultBatchCheckpointInterval = 5

// BatchItemStatus represents the lifecycle state of one batch item.
type BatchItemStatus string

const (
	BatchItemPending   BatchItemStatus = "pending"
	BatchItemCompleted BatchItemStatus = "completed"
	BatchItemFailed    BatchItemStatus = "failed"
	BatchItemSkipped   BatchItemStatus = "skipped"
)

// BatchItem is one independent prompt in a batch job. Items have no
// dependency edges; order is input order.
type BatchItem struct {
	Index      int             `json:"index"`
	Prompt     string          `json:"prompt"`
	Params     map[string]any  `json:"params,omitempty"` // per-item overrides, layered over job params
	Status     BatchItemStatus `json:"status"`
	Result     string          `json:"result,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      *TokenUsage     `json:"usage,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// BatchJob is a flat, ordered list of independent items plus the policy that
// governs their sequential execution. The job doubles as its own execution
// state: item statuses, results, and the failure counter live on it, and the
// checkpoint manager persists it whole.
type BatchJob struct {
	JobID          string         `json:"job_id"`
	Name           string         `json:"name,omitempty"`
	Model          string         `json:"model,omitempty"` // catalog id or "auto"
	System         string         `json:"system,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	PromptTemplate string         `json:"prompt_template,omitempty"` // optional wrapper with a {{prompt}} slot

	CheckpointInterval int          `json:"checkpoint_interval,omitempty"` // default DefaultBatchCheckpointInterval
	StopAfterFailures  int          `json:"stop_after_failures,omitempty"` // 0 = disabled
	OnError            ErrorPolicy  `json:"on_error,omitempty"`            // abort | continue | retry (default: continue)
	Retry              *RetryPolicy `json:"retry,omitempty"`

	Items      []BatchItem  `json:"items"`
	Status     RunStatus    `json:"status"`
	Failures   int          `json:"failures"`
	Error      *ErrorDetail `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Interval returns the effective checkpoint interval.
func (j *BatchJob) Interval() int {
	if j.CheckpointInterval > 0 {
		return j.CheckpointInterval
	}
	return DefaultBatchCheckpointInterval
}

// Pending counts items not yet in a terminal item state.
func (j *BatchJob) Pending() int {
	n := 0
	for i := range j.Items {
		if j.Items[i].Status == BatchItemPending {
			n++
		}
	}
	return n
}

// Counts returns completed/failed/skipped totals.
func (j *BatchJob) Counts() (completed, failed, skipped int) {
	for i := range j.Items {
		switch j.Items[i].Status {
		case BatchItemCompleted:
			completed++
		case BatchItemFailed:
			failed++
		case BatchItemSkipped:
			skipped++
		}
	}
	return completed, failed, skipped
}

// TotalUsage sums token usage across all items.
func (j *BatchJob) TotalUsage() TokenUsage {
	var total TokenUsage
	for i := range j.Items {
		total.Add(j.Items[i].Usage)
	}
	return total
}

// BatchCheckpoint is the durable snapshot of a batch job.
type BatchCheckpoint struct {
	Version      int       `json:"version"`
	Job          *BatchJob `json:"job"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}

// NewBatchCheckpoint snapshots a batch job for persistence.
func NewBatchCheckpoint(job *BatchJob) *BatchCheckpoint {
	return &BatchCheckpoint{
		Version:      CheckpointVersion,
		Job:          job,
		CheckpointAt: time.Now().UTC(),
	}
}
