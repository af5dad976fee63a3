package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/events"
	"github.com/rendis/loom/internal/runner"
	"github.com/rendis/loom/internal/template"
	"github.com/rendis/loom/pkg/schema"
)

// WorkflowService runs and resumes workflows. *app.App implements it.
type WorkflowService interface {
	RunWorkflow(ctx context.Context, path string, opts app.RunWorkflowOptions) (*schema.ExecutionState, error)
	ResumeWorkflow(ctx context.Context, runID, path string, opts app.ResumeOptions) (*schema.ExecutionState, error)
}

// CheckpointReader serves run status queries from checkpoint files.
type CheckpointReader interface {
	Load(runID string) (*schema.Checkpoint, error)
	List() ([]*schema.Checkpoint, error)
}

// TemplateLister exposes the registered prompt templates.
type TemplateLister interface {
	List() []*template.Template
}

// ModelLister exposes the configured model catalog.
type ModelLister interface {
	List() []runner.ModelEntry
}

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Workflows   WorkflowService
	Checkpoints CheckpointReader
	Templates   TemplateLister
	Models      ModelLister
	Hub         events.Hub
	Logger      *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers.
type LoomServer struct {
	workflows   WorkflowService
	checkpoints CheckpointReader
	templates   TemplateLister
	models      ModelLister
	hub         events.Hub
	logger      *slog.Logger
	sessions    *SessionRegistry
	notifier    *RunNotifier
	mcpServer   *server.MCPServer
}

// NewLoomServer creates a new LoomServer with all 5 tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		workflows:   deps.Workflows,
		checkpoints: deps.Checkpoints,
		templates:   deps.Templates,
		models:      deps.Models,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom runs personal text-generation workflows against local and remote models. Use loom.workflow.run to execute a workflow file, loom.workflow.resume to continue an interrupted run from its checkpoint, loom.workflow.status to inspect a run's progress, loom.templates.list to see prompt templates, and loom.models.list to see the model catalog."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Hub != nil {
		s.notifier = NewRunNotifier(mcpSrv, s.sessions, deps.Hub, logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. While it serves, run events stream to the starting client as MCP
// notifications.
func (s *LoomServer) Serve(ctx context.Context) error {
	if s.notifier != nil {
		go s.notifier.Run(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: templatesListTool(), Handler: s.handleTemplatesList},
		{Tool: modelsListTool(), Handler: s.handleModelsList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("loom.workflow.run",
		mcp.WithDescription("Execute a workflow file and return the run result"),
		mcp.WithString("workflow_path", mcp.Required(), mcp.Description("Path to the workflow YAML or JSON file")),
		mcp.WithObject("variables", mcp.Description("Variable overrides injected into the run")),
		mcp.WithString("model", mcp.Description("Model id overriding every step's model for this run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("loom.workflow.resume",
		mcp.WithDescription("Resume an interrupted run from its checkpoint"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the checkpointed run")),
		mcp.WithString("workflow_path", mcp.Required(), mcp.Description("Path to the workflow file the run was started from")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.workflow.status",
		mcp.WithDescription("Get the checkpointed status of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func templatesListTool() mcp.Tool {
	return mcp.NewTool("loom.templates.list",
		mcp.WithDescription("List the registered prompt templates"),
	)
}

func modelsListTool() mcp.Tool {
	return mcp.NewTool("loom.models.list",
		mcp.WithDescription("List the configured models and their kinds"),
	)
}
