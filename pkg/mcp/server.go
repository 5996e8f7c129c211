package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomrun/loom/internal/engine"
	"github.com/loomrun/loom/internal/registry"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/internal/streaming"
	"github.com/loomrun/loom/pkg/schema"
)

// Orchestrator is the engine surface the tools drive.
// Satisfied by *engine.Engine.
type Orchestrator interface {
	Start(ctx context.Context, definition, version string, input, meta map[string]any) (*schema.WorkflowInstance, error)
	StartAsync(ctx context.Context, definition, version string, input, meta map[string]any) (string, error)
	Get(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error)
	Instances(ctx context.Context, f store.InstanceFilter) ([]*schema.WorkflowInstance, error)
	Events(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]*schema.Event, error)
	OpenTasks(ctx context.Context, f store.TaskFilter) ([]*store.TaskRecord, error)
	CompleteTask(ctx context.Context, taskID string, res engine.TaskResolution) (*schema.WorkflowInstance, error)
	Signal(ctx context.Context, sig schema.Signal) (*schema.WorkflowInstance, error)
	DescribeInstance(ctx context.Context, instanceID string) (schema.Graph, error)
}

// Catalog is the definition registry surface. Satisfied by *registry.Registry.
type Catalog interface {
	RegisterJSON(ctx context.Context, raw []byte) (*schema.Definition, error)
	Resolve(name, version string) (*schema.Definition, error)
	SetActive(ctx context.Context, name, version string, active bool) error
	List() []registry.Info
	Versions(name string) []string
}

// Timetable manages recurring starts. Satisfied by *scheduler.Scheduler.
type Timetable interface {
	Add(ctx context.Context, sched *store.Schedule) error
	Remove(ctx context.Context, scheduleID string) error
	List(ctx context.Context, f store.ScheduleFilter) ([]*store.Schedule, error)
}

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Engine    Orchestrator
	Registry  Catalog
	Scheduler Timetable
	Hub       streaming.Hub
	Logger    *slog.Logger
}

// LoomServer wraps an MCP server with workflow tool handlers.
type LoomServer struct {
	engine    Orchestrator
	registry  Catalog
	scheduler Timetable
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewLoomServer creates a new LoomServer with all tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		engine:    deps.Engine,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom is a workflow orchestration engine. Use flow.define to register workflow definitions, flow.start to run them, flow.status to inspect an instance, flow.signal to resume a waiting instance (task decisions, callbacks, cancel, retry), flow.query to list instances/definitions/events/schedules, flow.graph for the node/edge description, task.list and task.complete for human tasks, and flow.schedule for recurring starts."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the instance-watch registry, for wiring a notifier.
func (s *LoomServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: taskListTool(), Handler: s.handleTaskList},
		{Tool: taskCompleteTool(), Handler: s.handleTaskComplete},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flow.define",
		mcp.WithDescription("Register a workflow definition from its JSON document form"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Definition document: name, version, steps, edges, initial, terminal")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("flow.start",
		mcp.WithDescription("Start a workflow instance from a registered definition"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Definition name")),
		mcp.WithString("version", mcp.Description("Definition version (default: highest active)")),
		mcp.WithObject("input", mcp.Description("Initial context data")),
		mcp.WithObject("meta", mcp.Description("Immutable instance metadata")),
		mcp.WithString("async", mcp.Description("Start in the background and return immediately (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get the current state of a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to inspect")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("flow.signal",
		mcp.WithDescription("Send a signal to a workflow instance: resolve a human task, deliver a callback, cancel, or retry"),
		mcp.WithString("signal", mcp.Required(),
			mcp.Enum("complete_task", "reject_task", "callback", "cancel", "retry"),
			mcp.Description("Type of signal to send"),
		),
		mcp.WithString("instance_id", mcp.Description("Target instance (required except for token-routed callbacks)")),
		mcp.WithString("step_id", mcp.Description("Target step (task signals; retry target override)")),
		mcp.WithString("token", mcp.Description("Correlation token (callback signals)")),
		mcp.WithObject("data", mcp.Description("Payload merged into instance context")),
		mcp.WithString("reason", mcp.Description("Rejection or cancellation reason")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Query instances, definitions, events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "definitions", "events", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, definition, limit, offset, instance_id, after_seq, name, enabled)")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("flow.graph",
		mcp.WithDescription("Describe a workflow graph as a node/edge structure or a Mermaid flowchart. For an instance, current state is overlaid"),
		mcp.WithString("definition", mcp.Description("Definition name (use with version for a specific definition)")),
		mcp.WithString("version", mcp.Description("Definition version (default: highest active)")),
		mcp.WithString("instance_id", mcp.Description("Instance to describe (includes live status overlay)")),
		mcp.WithString("format", mcp.Enum("json", "mermaid"), mcp.Description("Output format (default: json)")),
	)
}

func taskListTool() mcp.Tool {
	return mcp.NewTool("task.list",
		mcp.WithDescription("List human tasks awaiting resolution"),
		mcp.WithString("instance_id", mcp.Description("Only tasks of this instance")),
		mcp.WithString("assignee", mcp.Description("Only tasks hinted at this assignee")),
		mcp.WithString("status", mcp.Enum("open", "completed", "rejected", "cancelled"), mcp.Description("Task status (default: open)")),
		mcp.WithString("limit", mcp.Description("Maximum number of tasks to return")),
	)
}

func taskCompleteTool() mcp.Tool {
	return mcp.NewTool("task.complete",
		mcp.WithDescription("Resolve a human task and resume its instance"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to resolve")),
		mcp.WithObject("data", mcp.Description("Task output, merged into instance context")),
		mcp.WithString("by", mcp.Description("Who resolved the task")),
		mcp.WithString("reject", mcp.Description("Reject instead of complete (default: false)")),
		mcp.WithString("reason", mcp.Description("Rejection reason")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("flow.schedule",
		mcp.WithDescription("Manage recurring workflow starts on a cron expression"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("add", "remove"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("definition", mcp.Description("Definition name (add)")),
		mcp.WithString("version", mcp.Description("Definition version (add; default: highest active at fire time)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields (add)")),
		mcp.WithObject("input", mcp.Description("Initial context data for each run (add)")),
		mcp.WithString("schedule_id", mcp.Description("Schedule to remove (remove)")),
	)
}
