package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/internal/cluster"
	"github.com/arclab-ai/arc/internal/engine"
	"github.com/arclab-ai/arc/internal/expressions"
	"github.com/arclab-ai/arc/internal/policy"
	"github.com/arclab-ai/arc/internal/research"
	"github.com/arclab-ai/arc/internal/scheduler"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/internal/streaming"
	"github.com/arclab-ai/arc/pkg/schema"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	srv   *ArcServer
	eng   *engine.Engine
	clock *testClock
	store store.Store
	hub   *streaming.MemoryHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	clusters := cluster.NewRegistry([]string{cluster.TypeLocal})
	clusters.Register(cluster.NewLocalAdapter())

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	hub := streaming.NewMemoryHub(cel)

	eng, err := engine.New(engine.Options{
		Store:    s,
		Planner:  research.NewBuiltinPlanner(),
		Analyzer: research.NewBuiltinAnalyzer(),
		Decider:  policy.NewAutonomousDecider(nil, nil, nil, logger),
		Gates:    policy.NewHumanGatekeeper(s),
		Clusters: clusters,
		Hub:      hub,
		JQ:       expressions.NewGoJQEngine(),
		Clock:    clock,
		Logger:   logger,
		Handlers: engine.HandlerConfig{SyntheticMetrics: true},
	})
	require.NoError(t, err)

	sched := scheduler.New(s, eng, clock, logger, time.Minute)
	srv := NewArcServer(ArcServerDeps{Engine: eng, Scheduler: sched, Store: s, Hub: hub, Logger: logger})
	return &testServer{srv: srv, eng: eng, clock: clock, store: s, hub: hub}
}

// driveUntil pumps the queue until the predicate holds.
func (ts *testServer) driveUntil(t *testing.T, workflowID string, done func(*store.Workflow) bool) *store.Workflow {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 80; i++ {
		ts.eng.Poller.RunOnce(ctx)
		wf, err := ts.store.GetWorkflow(ctx, workflowID)
		require.NoError(t, err)
		if done(wf) {
			return wf
		}
		ts.clock.Advance(15 * time.Second)
	}
	t.Fatalf("workflow %s did not reach the expected state", workflowID)
	return nil
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func startWorkflow(t *testing.T, ts *testServer, mode string) string {
	t.Helper()
	result, err := ts.srv.handleStart(context.Background(), buildRequest("arc.start", map[string]any{
		"goal":          "reduce validation loss",
		"decision_mode": mode,
		"constraints":   []any{"max 4 GPUs"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.WorkflowID)
	return out.WorkflowID
}

func TestStartToolRunsWorkflow(t *testing.T) {
	ts := newTestServer(t)
	id := startWorkflow(t, ts, "autonomous")

	got := ts.driveUntil(t, id, func(wf *store.Workflow) bool { return wf.Status.IsTerminal() })
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, []string{"max 4 GPUs"}, got.State.Constraints)
}

func TestStartToolMissingGoal(t *testing.T) {
	ts := newTestServer(t)
	result, err := ts.srv.handleStart(context.Background(), buildRequest("arc.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	ts := newTestServer(t)
	id := startWorkflow(t, ts, "autonomous")
	ts.driveUntil(t, id, func(wf *store.Workflow) bool { return wf.Status.IsTerminal() })

	result, err := ts.srv.handleStatus(context.Background(), buildRequest("arc.status", map[string]any{
		"workflow_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report engine.WorkflowStatusReport
	unmarshalResult(t, result, &report)
	assert.Equal(t, id, report.Workflow.ID)
	assert.Len(t, report.Runs, 5)

	// Unknown workflow is a tool error, not a transport error.
	result, err = ts.srv.handleStatus(context.Background(), buildRequest("arc.status", map[string]any{
		"workflow_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGateToolResolvesPendingGate(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	id := startWorkflow(t, ts, "human_in_loop")

	ts.driveUntil(t, id, func(wf *store.Workflow) bool {
		return wf.Status == schema.WorkflowStatusWaitingHuman
	})

	result, err := ts.srv.handleQuery(ctx, buildRequest("arc.query", map[string]any{
		"resource":    "gates",
		"workflow_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var gatesOut struct {
		Gates []*store.Gate `json:"gates"`
	}
	unmarshalResult(t, result, &gatesOut)
	require.Len(t, gatesOut.Gates, 1)

	// An action outside the gate's options is rejected.
	result, err = ts.srv.handleGate(ctx, buildRequest("arc.gate", map[string]any{
		"gate_id": gatesOut.Gates[0].ID,
		"action":  "add_ablation_round",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = ts.srv.handleGate(ctx, buildRequest("arc.gate", map[string]any{
		"gate_id": gatesOut.Gates[0].ID,
		"action":  "approve_plan",
		"comment": "plan looks solid",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, extractText(t, result))

	got := ts.driveUntil(t, id, func(wf *store.Workflow) bool {
		return wf.CurrentStep == schema.StepImprovementGate
	})
	assert.Equal(t, schema.WorkflowStatusWaitingHuman, got.Status)
}

func TestCancelAndResumeTools(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	id := startWorkflow(t, ts, "human_in_loop")

	ts.driveUntil(t, id, func(wf *store.Workflow) bool {
		return wf.Status == schema.WorkflowStatusWaitingHuman
	})

	result, err := ts.srv.handleCancel(ctx, buildRequest("arc.cancel", map[string]any{"workflow_id": id}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	ts.driveUntil(t, id, func(wf *store.Workflow) bool {
		return wf.Status == schema.WorkflowStatusCancelled
	})

	result, err = ts.srv.handleResume(ctx, buildRequest("arc.resume", map[string]any{"workflow_id": id}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Status schema.WorkflowStatus `json:"status"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.WorkflowStatusRunning, out.Status)
}

func TestQueryWorkflowsAndContext(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	id := startWorkflow(t, ts, "autonomous")
	ts.driveUntil(t, id, func(wf *store.Workflow) bool { return wf.Status.IsTerminal() })

	result, err := ts.srv.handleQuery(ctx, buildRequest("arc.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"status": "completed"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), id)

	result, err = ts.srv.handleQuery(ctx, buildRequest("arc.query", map[string]any{
		"resource":    "context",
		"workflow_id": id,
		"expression":  ".plan.groups[0].name",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "baselines")

	// Events require a workflow scope.
	result, err = ts.srv.handleQuery(ctx, buildRequest("arc.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchToolStreamsFilteredEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	type watchResult struct {
		result *mcp.CallToolResult
		err    error
	}
	done := make(chan watchResult, 1)
	go func() {
		result, err := ts.srv.handleWatch(ctx, buildRequest("arc.watch", map[string]any{
			"workflow_id": "wf-watch",
			"expression":  `event.level == "error"`,
			"max_events":  float64(1),
			"timeout_ms":  float64(5000),
		}))
		done <- watchResult{result, err}
	}()

	// Publish until the watcher picks one up; events published before its
	// subscription exists are dropped by design.
	deadline := time.After(3 * time.Second)
	var got watchResult
publish:
	for {
		_ = ts.hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: "wf-watch", Type: "step.started", Level: "info",
		})
		_ = ts.hub.Publish(ctx, streaming.StreamEvent{
			WorkflowID: "wf-watch", Type: "step.failed", Level: "error", Message: "boom",
		})
		select {
		case got = <-done:
			break publish
		case <-deadline:
			t.Fatal("watch call did not return")
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NoError(t, got.err)
	require.False(t, got.result.IsError, extractText(t, got.result))

	var out struct {
		Events []streaming.StreamEvent `json:"events"`
		Count  int                     `json:"count"`
	}
	unmarshalResult(t, got.result, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "step.failed", out.Events[0].Type)
	assert.Equal(t, "error", out.Events[0].Level)
}

func TestWatchToolRejectsBadFilter(t *testing.T) {
	ts := newTestServer(t)

	result, err := ts.srv.handleWatch(context.Background(), buildRequest("arc.watch", map[string]any{
		"expression": "event.level ===",
		"timeout_ms": float64(100),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	result, err := ts.srv.handleSchedule(ctx, buildRequest("arc.schedule", map[string]any{
		"operation": "create",
		"name":      "nightly",
		"goal":      "retrain nightly",
		"cron":      "0 2 * * *",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var sched store.ResearchSchedule
	unmarshalResult(t, result, &sched)
	require.NotEmpty(t, sched.ID)
	assert.True(t, sched.Enabled)

	result, err = ts.srv.handleSchedule(ctx, buildRequest("arc.schedule", map[string]any{
		"operation":   "disable",
		"schedule_id": sched.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = ts.srv.handleSchedule(ctx, buildRequest("arc.schedule", map[string]any{
		"operation": "list",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), sched.ID)

	// Invalid cron is a tool error.
	result, err = ts.srv.handleSchedule(ctx, buildRequest("arc.schedule", map[string]any{
		"operation": "create",
		"goal":      "g",
		"cron":      "not a cron",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
