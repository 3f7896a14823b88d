// Package mcp exposes the research engine to agents over the Model Context
// Protocol. The stdio server registers one tool per operation: start,
// status, gate resolution, cancel, resume, query and schedule management.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arclab-ai/arc/internal/engine"
	"github.com/arclab-ai/arc/internal/scheduler"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/internal/streaming"
)

// ArcServerDeps holds the dependencies for creating an ArcServer.
type ArcServerDeps struct {
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Store     store.Store
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// ArcServer wraps an MCP server with the research workflow tools.
type ArcServer struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewArcServer creates an ArcServer with all tools registered.
func NewArcServer(deps ArcServerDeps) *ArcServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ArcServer{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		hub:       deps.Hub,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"arc",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Arc runs autonomous research workflows: plan, approve, run experiments on a cluster, analyze, report. Use arc.start to launch a workflow, arc.status to inspect one, arc.gate to answer a pending human gate, arc.cancel / arc.resume for lifecycle control, arc.query to list workflows/events/runs or slice workflow state with jq, arc.watch to wait for live events, and arc.schedule to manage recurring research."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *ArcServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ArcServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ArcServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: gateTool(), Handler: s.handleGate},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: watchTool(), Handler: s.handleWatch},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("arc.start",
		mcp.WithDescription("Start a research workflow for a goal"),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Research goal, e.g. 'reduce validation loss on the held-out set'")),
		mcp.WithString("name", mcp.Description("Human-readable workflow name")),
		mcp.WithString("project_id", mcp.Description("Project the workflow belongs to")),
		mcp.WithString("decision_mode",
			mcp.Enum("human_in_loop", "autonomous"),
			mcp.Description("How decision gates are resolved (default: human_in_loop)"),
		),
		mcp.WithString("preferred_cluster", mcp.Description("Preferred compute backend, e.g. 'slurm' or 'local'")),
		mcp.WithArray("constraints", mcp.Description("Constraints the plan must respect, e.g. ['max 4 GPUs']")),
		mcp.WithString("id", mcp.Description("Client-supplied workflow ID for idempotent retries")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("arc.status",
		mcp.WithDescription("Get a workflow's status, tasks, pending gates, experiments and runs"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to inspect")),
	)
}

func gateTool() mcp.Tool {
	return mcp.NewTool("arc.gate",
		mcp.WithDescription("Answer a pending human decision gate"),
		mcp.WithString("gate_id", mcp.Required(), mcp.Description("ID of the pending gate (see arc.status)")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("approve_plan", "request_changes", "stop_workflow", "continue_workflow", "add_ablation_round"),
			mcp.Description("Chosen action; must be one of the gate's options"),
		),
		mcp.WithString("comment", mcp.Description("Reasoning behind the decision; carried as planner feedback on request_changes")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("arc.cancel",
		mcp.WithDescription("Request cooperative cancellation of a workflow; honored at the next step boundary"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("arc.resume",
		mcp.WithDescription("Resume a failed or cancelled workflow from its current step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to resume")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("arc.query",
		mcp.WithDescription("Query workflows, events, runs, pending gates, schedules, or slice a workflow's research state with a jq expression"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "runs", "gates", "schedules", "context"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow scope (required for events, runs, gates and context)")),
		mcp.WithString("expression", mcp.Description("jq expression for resource=context, e.g. '.plan.groups[].name'")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, project_id, since, limit)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("arc.watch",
		mcp.WithDescription("Wait for live workflow events; returns once max_events arrive or the timeout passes"),
		mcp.WithString("workflow_id", mcp.Description("Only events for this workflow")),
		mcp.WithArray("types", mcp.Description("Only these event types, e.g. ['step.failed', 'workflow.finished']")),
		mcp.WithString("expression", mcp.Description("CEL filter over the event, e.g. event.level == \"error\"")),
		mcp.WithNumber("timeout_ms", mcp.Description("How long to wait (default 10000, max 60000)")),
		mcp.WithNumber("max_events", mcp.Description("Return after this many events (default 32)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("arc.schedule",
		mcp.WithDescription("Manage recurring research schedules"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "list"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("schedule_id", mcp.Description("Schedule ID (required for enable/disable)")),
		mcp.WithString("name", mcp.Description("Schedule name (create)")),
		mcp.WithString("goal", mcp.Description("Research goal for triggered workflows (create)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields (create)")),
		mcp.WithString("decision_mode",
			mcp.Enum("human_in_loop", "autonomous"),
			mcp.Description("Decision mode for triggered workflows (create)"),
		),
		mcp.WithArray("constraints", mcp.Description("Constraints for triggered workflows (create)")),
	)
}
