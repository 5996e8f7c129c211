package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomrun/loom/internal/engine"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/pkg/schema"
)

// handleDefine registers a workflow definition from its document form.
func (s *LoomServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "definition", nil)
	if doc == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	raw, marshalErr := json.Marshal(doc)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}

	def, regErr := s.registry.RegisterJSON(ctx, raw)
	if regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	return marshalResult(map[string]any{
		"name":    def.Name(),
		"version": def.Version(),
		"steps":   len(def.StepIDs()),
	})
}

// handleStart starts a workflow instance.
func (s *LoomServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	version := req.GetString("version", "")
	input := mcp.ParseStringMap(req, "input", nil)
	meta := mcp.ParseStringMap(req, "meta", nil)

	if req.GetString("async", "false") == "true" {
		id, startErr := s.engine.StartAsync(ctx, definition, version, input, meta)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
		}
		s.captureWatch(ctx, id)
		return marshalResult(map[string]any{"instance_id": id, "accepted": true})
	}

	inst, startErr := s.engine.Start(ctx, definition, version, input, meta)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}
	s.captureWatch(ctx, inst.ID)
	return marshalResult(inst)
}

// handleStatus returns the current state of an instance.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, getErr := s.engine.Get(ctx, instanceID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	s.captureWatch(ctx, instanceID)
	return marshalResult(inst)
}

// handleSignal resolves a task, delivers a callback, cancels, or retries.
func (s *LoomServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signalType, err := req.RequireString("signal")
	if err != nil {
		return mcp.NewToolResultError("signal is required"), nil
	}

	sig := schema.Signal{
		Type:       schema.SignalType(signalType),
		InstanceID: req.GetString("instance_id", ""),
		StepID:     req.GetString("step_id", ""),
		Token:      req.GetString("token", ""),
		Data:       mcp.ParseStringMap(req, "data", nil),
		Reason:     req.GetString("reason", ""),
	}

	switch sig.Type {
	case schema.SignalCompleteTask, schema.SignalRejectTask:
		if sig.InstanceID == "" || sig.StepID == "" {
			return mcp.NewToolResultError("task signals require instance_id and step_id"), nil
		}
	case schema.SignalCallback:
		if sig.Token == "" {
			return mcp.NewToolResultError("callback signals require a token"), nil
		}
	default:
		if sig.InstanceID == "" {
			return mcp.NewToolResultError("instance_id is required"), nil
		}
	}

	inst, sigErr := s.engine.Signal(ctx, sig)
	if sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}

	s.captureWatch(ctx, inst.ID)
	return marshalResult(map[string]any{
		"ok":              true,
		"signal":          signalType,
		"instance_id":     inst.ID,
		"status":          inst.Status,
		"current_step_id": inst.CurrentStepID,
	})
}

// handleQuery lists instances, definitions, events, or schedules.
func (s *LoomServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "definitions":
		return s.queryDefinitions(filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleGraph describes a definition or a live instance as a graph.
func (s *LoomServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition := req.GetString("definition", "")
	version := req.GetString("version", "")
	instanceID := req.GetString("instance_id", "")
	format := req.GetString("format", "json")

	if definition == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of definition or instance_id is required"), nil
	}

	var g schema.Graph
	if instanceID != "" {
		described, descErr := s.engine.DescribeInstance(ctx, instanceID)
		if descErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance lookup failed: %v", descErr)), nil
		}
		g = described
	} else {
		def, resErr := s.registry.Resolve(definition, version)
		if resErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", resErr)), nil
		}
		g = schema.Describe(def)
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(renderMermaid(g)), nil
	case "json":
		return marshalResult(g)
	default:
		return mcp.NewToolResultError("format must be json or mermaid"), nil
	}
}

// handleTaskList lists human tasks.
func (s *LoomServer) handleTaskList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := store.TaskFilter{
		InstanceID: req.GetString("instance_id", ""),
		Assignee:   req.GetString("assignee", ""),
		Status:     store.TaskStatus(req.GetString("status", "")),
	}
	if limit := req.GetString("limit", ""); limit != "" {
		if n, convErr := strconv.Atoi(limit); convErr == nil {
			f.Limit = n
		}
	}

	tasks, listErr := s.engine.OpenTasks(ctx, f)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

// handleTaskComplete resolves a human task and resumes its instance.
func (s *LoomServer) handleTaskComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	res := engine.TaskResolution{
		Data:   mcp.ParseStringMap(req, "data", nil),
		By:     req.GetString("by", ""),
		Reject: req.GetString("reject", "false") == "true",
		Reason: req.GetString("reason", ""),
	}

	inst, completeErr := s.engine.CompleteTask(ctx, taskID, res)
	if completeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task resolution failed: %v", completeErr)), nil
	}

	s.captureWatch(ctx, inst.ID)
	return marshalResult(map[string]any{
		"ok":          true,
		"task_id":     taskID,
		"instance_id": inst.ID,
		"status":      inst.Status,
	})
}

// handleSchedule adds or removes a recurring start.
func (s *LoomServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}

	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "add":
		sched := &store.Schedule{
			Definition: req.GetString("definition", ""),
			Version:    req.GetString("version", ""),
			Cron:       req.GetString("cron", ""),
			Input:      mcp.ParseStringMap(req, "input", nil),
			Enabled:    true,
		}
		if addErr := s.scheduler.Add(ctx, sched); addErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule add failed: %v", addErr)), nil
		}
		return marshalResult(sched)
	case "remove":
		scheduleID := req.GetString("schedule_id", "")
		if scheduleID == "" {
			return mcp.NewToolResultError("schedule_id is required"), nil
		}
		if rmErr := s.scheduler.Remove(ctx, scheduleID); rmErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule remove failed: %v", rmErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Query helpers ---

func (s *LoomServer) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok {
		f.Status = schema.InstanceStatus(status)
	}
	if definition, ok := filter["definition"].(string); ok {
		f.Definition = definition
	}

	instances, err := s.engine.Instances(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *LoomServer) queryDefinitions(filter map[string]any) (*mcp.CallToolResult, error) {
	infos := s.registry.List()
	if name, ok := filter["name"].(string); ok && name != "" {
		kept := infos[:0]
		for _, info := range infos {
			if info.Name == name {
				kept = append(kept, info)
			}
		}
		infos = kept
	}
	return marshalResult(map[string]any{"definitions": infos})
}

func (s *LoomServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	instanceID, _ := filter["instance_id"].(string)
	if instanceID == "" {
		return mcp.NewToolResultError("event query requires 'instance_id' in filter"), nil
	}

	afterSeq := int64(extractInt(filter, "after_seq", 0))
	limit := extractInt(filter, "limit", 100)

	events, err := s.engine.Events(ctx, instanceID, afterSeq, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *LoomServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}

	f := store.ScheduleFilter{Limit: extractInt(filter, "limit", 50)}
	if enabled, ok := filter["enabled"].(bool); ok {
		f.Enabled = &enabled
	}

	schedules, err := s.scheduler.List(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureWatch maps the instance to the calling MCP session so event
// notifications reach whoever is driving it.
func (s *LoomServer) captureWatch(ctx context.Context, instanceID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(instanceID, session.SessionID())
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
