package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/arclab-ai/arc/internal/engine"
	"github.com/arclab-ai/arc/internal/scheduler"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/internal/streaming"
	"github.com/arclab-ai/arc/pkg/schema"
)

// Watch bounds. A watch call is a long poll: it holds the request open until
// enough events arrive or the timeout passes.
const (
	defaultWatchTimeout   = 10 * time.Second
	maxWatchTimeout       = 60 * time.Second
	defaultWatchMaxEvents = 32
)

// handleStart launches a research workflow.
func (s *ArcServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := req.RequireString("goal")
	if err != nil {
		return mcp.NewToolResultError("goal is required"), nil
	}

	wf, createErr := s.engine.CreateWorkflow(ctx, engine.CreateWorkflowRequest{
		ID:               req.GetString("id", ""),
		Name:             req.GetString("name", ""),
		ProjectID:        req.GetString("project_id", ""),
		Goal:             goal,
		Constraints:      stringSlice(req, "constraints"),
		DecisionMode:     schema.DecisionMode(req.GetString("decision_mode", "")),
		PreferredCluster: req.GetString("preferred_cluster", ""),
	})
	if createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id":   wf.ID,
		"status":        wf.Status,
		"current_step":  wf.CurrentStep,
		"decision_mode": wf.State.DecisionMode,
	})
}

// handleStatus returns the aggregated state of one workflow.
func (s *ArcServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	report, statusErr := s.engine.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleGate records a decision on a pending gate.
func (s *ArcServer) handleGate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gateID, err := req.RequireString("gate_id")
	if err != nil {
		return mcp.NewToolResultError("gate_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	comment := req.GetString("comment", "")

	if resolveErr := s.engine.ResolveGate(ctx, gateID, action, comment); resolveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("gate resolution failed: %v", resolveErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":      true,
		"gate_id": gateID,
		"action":  action,
	})
}

// handleCancel requests cooperative cancellation.
func (s *ArcServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if cancelErr := s.engine.Cancel(ctx, workflowID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleResume restarts a failed or cancelled workflow.
func (s *ArcServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, resumeErr := s.engine.Resume(ctx, workflowID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"workflow_id":  wf.ID,
		"status":       wf.Status,
		"current_step": wf.CurrentStep,
	})
}

// handleQuery lists resources or evaluates a jq context query.
func (s *ArcServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		if workflowID == "" {
			return mcp.NewToolResultError("events query requires workflow_id"), nil
		}
		events, qErr := s.engine.Events(ctx, workflowID, int64(extractInt(filter, "since", 0)))
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"events": events})
	case "runs":
		if workflowID == "" {
			return mcp.NewToolResultError("runs query requires workflow_id"), nil
		}
		runs, qErr := s.store.ListRuns(ctx, workflowID)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"runs": runs})
	case "gates":
		if workflowID == "" {
			return mcp.NewToolResultError("gates query requires workflow_id"), nil
		}
		gates, qErr := s.store.ListPendingGates(ctx, workflowID)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"gates": gates})
	case "schedules":
		scheds, qErr := s.scheduler.List(ctx, store.ScheduleFilter{Limit: extractInt(filter, "limit", 50)})
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"schedules": scheds})
	case "context":
		if workflowID == "" {
			return mcp.NewToolResultError("context query requires workflow_id"), nil
		}
		expression := req.GetString("expression", "")
		if expression == "" {
			return mcp.NewToolResultError("context query requires a jq expression"), nil
		}
		out, qErr := s.engine.ContextQuery(ctx, workflowID, expression)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"result": out})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *ArcServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if projectID, ok := filter["project_id"].(string); ok {
		wf.ProjectID = projectID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			wf.Since = &t
		}
	}

	workflows, err := s.engine.List(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleWatch subscribes to the live event hub and collects events until
// max_events arrive or the timeout passes. A bad CEL expression is rejected
// at subscribe time.
func (s *ArcServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.hub == nil {
		return mcp.NewToolResultError("event streaming is not enabled"), nil
	}
	filter := streaming.EventFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Types:      stringSlice(req, "types"),
		Expression: req.GetString("expression", ""),
	}
	timeout := time.Duration(req.GetInt("timeout_ms", int(defaultWatchTimeout.Milliseconds()))) * time.Millisecond
	if timeout <= 0 || timeout > maxWatchTimeout {
		timeout = defaultWatchTimeout
	}
	maxEvents := req.GetInt("max_events", defaultWatchMaxEvents)
	if maxEvents <= 0 {
		maxEvents = defaultWatchMaxEvents
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch, unsubscribe, err := s.hub.Subscribe(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", err)), nil
	}
	defer unsubscribe()

	events := make([]streaming.StreamEvent, 0, maxEvents)
	for len(events) < maxEvents {
		select {
		case <-ctx.Done():
			return marshalResult(map[string]any{"events": events, "count": len(events)})
		case ev := <-ch:
			events = append(events, ev)
		}
	}
	return marshalResult(map[string]any{"events": events, "count": len(events)})
}

// handleSchedule manages recurring research schedules.
func (s *ArcServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}

	switch operation {
	case "create":
		goal := req.GetString("goal", "")
		cronExpr := req.GetString("cron", "")
		if goal == "" || cronExpr == "" {
			return mcp.NewToolResultError("create requires goal and cron"), nil
		}
		sched, createErr := s.scheduler.CreateSchedule(ctx, scheduler.CreateScheduleRequest{
			Name:           req.GetString("name", ""),
			Goal:           goal,
			Constraints:    stringSlice(req, "constraints"),
			DecisionMode:   schema.DecisionMode(req.GetString("decision_mode", "")),
			CronExpression: cronExpr,
			Enabled:        true,
		})
		if createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule creation failed: %v", createErr)), nil
		}
		return marshalResult(sched)

	case "enable", "disable":
		scheduleID := req.GetString("schedule_id", "")
		if scheduleID == "" {
			return mcp.NewToolResultError(operation + " requires schedule_id"), nil
		}
		if setErr := s.scheduler.SetEnabled(ctx, scheduleID, operation == "enable"); setErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule update failed: %v", setErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID, "enabled": operation == "enable"})

	case "list":
		scheds, listErr := s.scheduler.List(ctx, store.ScheduleFilter{})
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"schedules": scheds})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", operation)), nil
	}
}

// --- Helpers ---

// stringSlice reads an array argument as []string, tolerating absent or
// malformed values.
func stringSlice(req mcp.CallToolRequest, key string) []string {
	args := req.GetArguments()
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

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

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
