package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/internal/expressions"
)

func newTestHub(t *testing.T) *MemoryHub {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewMemoryHub(cel)
}

func TestPublishSubscribe(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		Type:       "step.completed",
		Data:       map[string]any{"step": "plan_generate"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, event.WorkflowID, got.WorkflowID)
		assert.Equal(t, event.TaskID, got.TaskID)
		assert.Equal(t, event.Type, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByWorkflowID(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", Type: "step.started"}))

	select {
	case got := <-ch:
		assert.Equal(t, "wf-1", got.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Channel should be empty -- the wf-2 event was filtered out.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByType(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Types: []string{"step.completed", "workflow.finished"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "workflow.finished"}))

	var received []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			received = append(received, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{"step.completed", "workflow.finished"}, received)
}

func TestFilterByExpression(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Expression: `event.type == "step.failed" && event.level == "error"`,
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.failed", Level: "error"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.failed", Level: "warning"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.completed", Level: "info"}))

	select {
	case got := <-ch:
		assert.Equal(t, "step.failed", got.Type)
		assert.Equal(t, "error", got.Level)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestSubscribe_BadExpressionRejected(t *testing.T) {
	hub := newTestHub(t)

	_, _, err := hub.Subscribe(context.Background(), EventFilter{Expression: `event.type ==`})
	require.Error(t, err)
}

func TestSubscribe_ExpressionWithoutEngine(t *testing.T) {
	hub := NewMemoryHub(nil)

	_, _, err := hub.Subscribe(context.Background(), EventFilter{Expression: `event.type == "x"`})
	require.Error(t, err)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.completed"}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "wf-1", got.WorkflowID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "step.completed"}))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after cancel: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected: subscriber was removed
	}

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressure(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the channel buffer then keep publishing. None of these block;
	// overflow is dropped.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Type: "tick"}))
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			assert.Equal(t, defaultChannelBuffer, count)
			return
		}
	}
}
