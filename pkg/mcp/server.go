package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/convctl/conveyor/internal/scheduler"
	"github.com/convctl/conveyor/internal/signals"
	"github.com/convctl/conveyor/internal/store"
	"github.com/convctl/conveyor/internal/validation"
)

// ServerDeps holds the dependencies for creating a ConveyorServer.
type ServerDeps struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Signals   *signals.Matcher
	Validator validation.Validator
	Logger    *slog.Logger
}

// ConveyorServer wraps an MCP server with the workflow control surface.
// Tools only write durable intents (workflows, executions, signals,
// schedules); the polling worker picks them up on its next cycle.
type ConveyorServer struct {
	store     store.Store
	sched     *scheduler.Scheduler
	signals   *signals.Matcher
	validator validation.Validator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewConveyorServer creates a ConveyorServer with all tools registered.
func NewConveyorServer(deps ServerDeps) *ConveyorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConveyorServer{
		store:     deps.Store,
		sched:     deps.Scheduler,
		signals:   deps.Signals,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"conveyor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conveyor is a durable workflow orchestration engine. Use conveyor.define to register workflow graphs, conveyor.run to start executions, conveyor.status to inspect progress and timelines, conveyor.signal to resume suspended executions, conveyor.terminate to cancel, conveyor.replay to re-run from a node, conveyor.schedule to manage cron triggers, and conveyor.query to list resources."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConveyorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConveyorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConveyorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: terminateTool(), Handler: s.handleTerminate},
		{Tool: replayTool(), Handler: s.handleReplay},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("conveyor.define",
		mcp.WithDescription("Register a workflow graph. Re-defining an existing id creates the next immutable version"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Stable workflow identifier")),
		mcp.WithString("name", mcp.Description("Human-readable workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition with nodes and edges")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("conveyor.run",
		mcp.WithDescription("Start a workflow execution. Returns immediately with a pending execution id"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to run")),
		mcp.WithNumber("version", mcp.Description("Workflow version to pin (default: latest)")),
		mcp.WithObject("input", mcp.Description("Trigger payload exposed to expressions as 'trigger'")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conveyor.status",
		mcp.WithDescription("Get execution status, output, and optionally the chronological event timeline"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
		mcp.WithBoolean("include_timeline", mcp.Description("Include the append-only execution log (default: false)")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("conveyor.signal",
		mcp.WithDescription("Deliver a named signal. The next worker cycle resumes a matching suspended execution"),
		mcp.WithString("signal", mcp.Required(), mcp.Description("Signal name")),
		mcp.WithString("execution_id", mcp.Description("Target a specific execution (default: any waiter on the signal name)")),
		mcp.WithObject("payload", mcp.Description("Payload recorded as the wait node's output")),
	)
}

func terminateTool() mcp.Tool {
	return mcp.NewTool("conveyor.terminate",
		mcp.WithDescription("Terminate a non-terminal execution. Terminal and irreversible"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to terminate")),
	)
}

func replayTool() mcp.Tool {
	return mcp.NewTool("conveyor.replay",
		mcp.WithDescription("Re-run an execution from a given node. Creates a fresh execution seeded with all results upstream of the node"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Source execution to replay")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to restart from; it and everything downstream re-run")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("conveyor.schedule",
		mcp.WithDescription("Create a cron schedule for a workflow, or enable/disable an existing one"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to schedule (required when creating)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression (required when creating)")),
		mcp.WithString("schedule_id", mcp.Description("Existing schedule to toggle")),
		mcp.WithBoolean("enabled", mcp.Description("Desired enabled state (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("conveyor.query",
		mcp.WithDescription("List workflows, executions, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "schedules"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, limit)")),
	)
}
