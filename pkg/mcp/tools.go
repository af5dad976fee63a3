package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/pkg/schema"
)

// handleRun executes a workflow file end to end and returns the run export.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowPath, err := req.RequireString("workflow_path")
	if err != nil {
		return mcp.NewToolResultError("workflow_path is required"), nil
	}
	if s.workflows == nil {
		return mcp.NewToolResultError("workflow service not configured"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)
	model := req.GetString("model", "")

	// The run id is assigned here, before execution, so the session mapping
	// exists when the first run event fires.
	runID := uuid.New().String()
	s.captureSession(ctx, runID)

	state, runErr := s.workflows.RunWorkflow(ctx, workflowPath, app.RunWorkflowOptions{
		RunID: runID,
		Vars:  vars,
		Model: model,
	})
	if runErr != nil {
		if state != nil {
			// The run started, so a checkpoint exists under this id.
			return mcp.NewToolResultError(fmt.Sprintf("workflow run %s failed: %v", state.RunID, runErr)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("workflow run failed: %v", runErr)), nil
	}
	return marshalResult(state.Export())
}

// handleResume continues a checkpointed run and returns the run export.
func (s *LoomServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	workflowPath, err := req.RequireString("workflow_path")
	if err != nil {
		return mcp.NewToolResultError("workflow_path is required"), nil
	}
	if s.workflows == nil {
		return mcp.NewToolResultError("workflow service not configured"), nil
	}

	s.captureSession(ctx, runID)

	state, resumeErr := s.workflows.ResumeWorkflow(ctx, runID, workflowPath, app.ResumeOptions{})
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(state.Export())
}

// handleStatus reports a run's checkpointed progress.
func (s *LoomServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.checkpoints == nil {
		return mcp.NewToolResultError("checkpoint directory not configured"), nil
	}

	cp, loadErr := s.checkpoints.Load(runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", loadErr)), nil
	}
	return marshalResult(statusSummary(cp))
}

// handleTemplatesList returns the registered prompt templates.
func (s *LoomServer) handleTemplatesList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.templates == nil {
		return mcp.NewToolResultError("template registry not configured"), nil
	}
	return marshalResult(map[string]any{"templates": s.templates.List()})
}

// handleModelsList returns the model catalog entries.
func (s *LoomServer) handleModelsList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.models == nil {
		return mcp.NewToolResultError("model catalog not configured"), nil
	}
	return marshalResult(map[string]any{"models": s.models.List()})
}

// --- Internal helpers ---

// statusSummary condenses a checkpoint for agents: progress counters instead
// of the full step results.
func statusSummary(cp *schema.Checkpoint) map[string]any {
	completed := 0
	failed := 0
	for i := range cp.StepResults {
		switch cp.StepResults[i].Status {
		case schema.StepStatusCompleted:
			completed++
		case schema.StepStatusFailed:
			failed++
		}
	}

	summary := map[string]any{
		"run_id":          cp.RunID,
		"workflow_id":     cp.WorkflowID,
		"status":          cp.Status,
		"cursor":          cp.Cursor,
		"steps_total":     len(cp.Order),
		"steps_completed": completed,
		"steps_failed":    failed,
		"started_at":      cp.StartedAt,
		"updated_at":      cp.UpdatedAt,
	}
	if cp.WorkflowName != "" {
		summary["workflow_name"] = cp.WorkflowName
	}
	if cp.Error != nil {
		summary["error"] = cp.Error
	}
	if cp.FinishedAt != nil {
		summary["finished_at"] = cp.FinishedAt
	}
	return summary
}

// captureSession maps a run id to the calling MCP session so run events can
// stream back as notifications.
func (s *LoomServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
