package store

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/loom/pkg/schema"
)

// StepTypeBatchItem is the type column value for batch item rows.
const StepTypeBatchItem = "batch_item"

// RunFromState summarizes a workflow execution as a run row. The model is
// the run-level model the definition resolved to, used for per-model stats.
func RunFromState(state *schema.ExecutionState, model string) *Run {
	usage := state.TotalUsage()
	run := &Run{
		ID:               state.RunID,
		Kind:             RunKindWorkflow,
		WorkflowID:       state.WorkflowID,
		WorkflowName:     state.WorkflowName,
		Model:            model,
		Status:           state.Status,
		StartedAt:        state.StartedAt,
		FinishedAt:       state.FinishedAt,
		StepsTotal:       len(state.Order),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	for i := range state.StepResults {
		switch state.StepResults[i].Status {
		case schema.StepStatusCompleted:
			run.StepsCompleted++
		case schema.StepStatusFailed:
			run.StepsFailed++
		}
	}
	if state.FinishedAt != nil {
		run.DurationMs = state.FinishedAt.Sub(state.StartedAt).Milliseconds()
	}
	run.Error = marshalDetail(state.Error)
	return run
}

// StepRecordsFromState flattens the step results into per-step rows in
// execution order.
func StepRecordsFromState(state *schema.ExecutionState) []*StepRecord {
	records := make([]*StepRecord, 0, len(state.StepResults))
	for i := range state.StepResults {
		res := &state.StepResults[i]
		rec := &StepRecord{
			RunID:      state.RunID,
			StepID:     res.StepID,
			Type:       string(res.Type),
			Status:     res.Status,
			Attempts:   res.Attempts,
			DurationMs: res.DurationMS,
			Error:      res.Error,
			Seq:        i,
		}
		if res.Usage != nil {
			rec.PromptTokens = res.Usage.PromptTokens
			rec.CompletionTokens = res.Usage.CompletionTokens
		}
		if res.Output != nil {
			if b, err := json.Marshal(res.Output); err == nil {
				rec.Output = b
			}
		}
		records = append(records, rec)
	}
	return records
}

// RunFromBatch summarizes a batch job as a run row. The job name doubles as
// the workflow name so batches show up in per-workflow stats.
func RunFromBatch(job *schema.BatchJob) *Run {
	usage := job.TotalUsage()
	completed, failed, _ := job.Counts()
	run := &Run{
		ID:               job.JobID,
		Kind:             RunKindBatch,
		WorkflowName:     job.Name,
		Model:            job.Model,
		Status:           job.Status,
		StartedAt:        job.StartedAt,
		FinishedAt:       job.FinishedAt,
		StepsTotal:       len(job.Items),
		StepsCompleted:   completed,
		StepsFailed:      failed,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if job.FinishedAt != nil {
		run.DurationMs = job.FinishedAt.Sub(job.StartedAt).Milliseconds()
	}
	run.Error = marshalDetail(job.Error)
	return run
}

// StepRecordsFromBatch flattens batch items into per-step rows. Item indexes
// become step ids ("item-0", "item-1", ...) in input order.
func StepRecordsFromBatch(job *schema.BatchJob) []*StepRecord {
	records := make([]*StepRecord, 0, len(job.Items))
	for i := range job.Items {
		it := &job.Items[i]
		rec := &StepRecord{
			RunID:      job.JobID,
			StepID:     fmt.Sprintf("item-%d", it.Index),
			Type:       StepTypeBatchItem,
			Status:     schema.StepStatus(it.Status),
			Attempts:   it.Attempts,
			DurationMs: it.DurationMS,
			Error:      it.Error,
			Seq:        i,
		}
		if it.Usage != nil {
			rec.PromptTokens = it.Usage.PromptTokens
			rec.CompletionTokens = it.Usage.CompletionTokens
		}
		if it.Result != "" {
			if b, err := json.Marshal(it.Result); err == nil {
				rec.Output = b
			}
		}
		records = append(records, rec)
	}
	return records
}

func marshalDetail(detail *schema.ErrorDetail) json.RawMessage {
	if detail == nil {
		return nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return b
}
