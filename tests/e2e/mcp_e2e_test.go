package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/engine"
	loommcp "github.com/rendis/loom/pkg/mcp"
	"github.com/rendis/loom/pkg/schema"
)

// --- MCP test infrastructure ---

func newMCPServer(h *harness) *loommcp.LoomServer {
	return loommcp.NewLoomServer(loommcp.LoomServerDeps{
		Workflows:   h.app,
		Checkpoints: h.checkpoints,
		Templates:   h.registry,
		Models:      h.catalog,
		Hub:         h.hub,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// callTool invokes a tool handler through the MCP server's HandleMessage
// (full JSON-RPC round-trip, including session initialization).
func callTool(t *testing.T, srv *loommcp.LoomServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	initMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "e2e-test",
				"version": "1.0.0",
			},
		},
	}
	rawInit, err := json.Marshal(initMsg)
	require.NoError(t, err)

	reqMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}
	rawReq, err := json.Marshal(reqMsg)
	require.NoError(t, err)

	ctx := context.Background()
	mcpSrv := srv.MCPServer()

	initResp := mcpSrv.HandleMessage(ctx, rawInit)
	require.NotNil(t, initResp)

	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)

	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

// extractJSON parses a tool result's text content as JSON into target.
func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// extractText returns a tool result's text content.
func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

// --- MCP scenarios ---

// 1. loom.workflow.run executes a workflow end to end and returns the run
// export; loom.workflow.status then reads the same run's checkpoint.
func TestMCPRunAndStatus(t *testing.T) {
	h := newHarness(t)
	srv := newMCPServer(h)
	path := h.writeWorkflow("pipeline.yaml", `
id: pipeline
name: MCP pipeline
variables:
  topic: placeholder
steps:
  - name: draft
    type: prompt
    prompt: "draft about {{topic}}"
    output_var: draft_text
  - name: polish
    type: prompt
    prompt: "polish: {{draft_text}}"
`)

	result := callTool(t, srv, "loom.workflow.run", map[string]any{
		"workflow_path": path,
		"variables":     map[string]any{"topic": "tides"},
	})
	require.False(t, result.IsError, "run should succeed: %s", extractText(t, result))

	var export schema.RunExport
	extractJSON(t, result, &export)
	assert.Equal(t, schema.RunStatusCompleted, export.Status)
	assert.Equal(t, "pipeline", export.WorkflowID)
	require.Contains(t, export.Steps, "polish")
	assert.Equal(t, "polish: draft about tides", export.Steps["polish"].Output)

	// The run the tool started is a first-class run: it has history.
	run, err := h.store.GetRun(context.Background(), export.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	status := callTool(t, srv, "loom.workflow.status", map[string]any{
		"run_id": export.RunID,
	})
	require.False(t, status.IsError)

	var summary map[string]any
	extractJSON(t, status, &summary)
	assert.Equal(t, "completed", summary["status"])
	assert.Equal(t, float64(2), summary["steps_total"])
	assert.Equal(t, float64(2), summary["steps_completed"])
}

// 2. loom.workflow.resume continues an interrupted run; settled steps do not
// generate again.
func TestMCPResumeTool(t *testing.T) {
	h := newHarness(t)
	srv := newMCPServer(h)
	ctx := context.Background()
	path := h.writeWorkflow("resumable.yaml", `
id: resumable
name: MCP resumable
steps:
  - name: gather
    type: prompt
    model: tally
    prompt: "mcp-alpha gather"
  - name: publish
    type: prompt
    model: tally
    prompt: "mcp-beta publish"
`)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	state, err := h.app.RunWorkflow(runCtx, path, app.RunWorkflowOptions{
		Observers: []engine.Observer{&cancelOn{event: schema.EventStepCompleted, after: 1, cancel: cancel}},
	})
	require.Error(t, err)
	require.NotNil(t, state)
	require.Equal(t, 1, h.tallyCount("mcp-alpha"))

	result := callTool(t, srv, "loom.workflow.resume", map[string]any{
		"run_id":        state.RunID,
		"workflow_path": path,
	})
	require.False(t, result.IsError, "resume should succeed: %s", extractText(t, result))

	var export schema.RunExport
	extractJSON(t, result, &export)
	assert.Equal(t, schema.RunStatusCompleted, export.Status)
	assert.Equal(t, 1, h.tallyCount("mcp-alpha"))
	assert.Equal(t, 1, h.tallyCount("mcp-beta"))
}

// 3. The list tools expose the template registry and model catalog.
func TestMCPTemplatesAndModelsList(t *testing.T) {
	h := newHarness(t)
	srv := newMCPServer(h)

	templates := callTool(t, srv, "loom.templates.list", nil)
	require.False(t, templates.IsError)
	var tmplWrapper struct {
		Templates []struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"templates"`
	}
	extractJSON(t, templates, &tmplWrapper)
	require.Len(t, tmplWrapper.Templates, 1)
	assert.Equal(t, "haiku", tmplWrapper.Templates[0].ID)

	models := callTool(t, srv, "loom.models.list", nil)
	require.False(t, models.IsError)
	var modelWrapper struct {
		Models []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"models"`
	}
	extractJSON(t, models, &modelWrapper)
	ids := make(map[string]string, len(modelWrapper.Models))
	for _, m := range modelWrapper.Models {
		ids[m.ID] = m.Kind
	}
	assert.Equal(t, "local", ids["echo"])
	assert.Contains(t, ids, "tally")
}

// 4. Failures surface as tool errors, not JSON-RPC faults, and name the run
// so the caller can inspect its checkpoint.
func TestMCPRunFailureIsToolError(t *testing.T) {
	h := newHarness(t)
	srv := newMCPServer(h)
	path := h.writeWorkflow("failing.yaml", `
id: failing
name: MCP failing
steps:
  - name: only
    type: prompt
    model: broken
    prompt: "doomed"
`)

	result := callTool(t, srv, "loom.workflow.run", map[string]any{
		"workflow_path": path,
	})
	assert.True(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "workflow run")
	assert.Contains(t, text, "failed")

	missing := callTool(t, srv, "loom.workflow.status", map[string]any{
		"run_id": "does-not-exist",
	})
	assert.True(t, missing.IsError)
	assert.Contains(t, extractText(t, missing), "status query failed")
}
