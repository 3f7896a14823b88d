package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arclab-ai/arc/internal/expressions"
	"github.com/arclab-ai/arc/pkg/schema"
)

const defaultChannelBuffer = 64

var errNoCELEngine = schema.NewError(schema.ErrCodeValidation, "expression filters require a CEL engine")

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub implementation using channels.
// CEL expression filters are evaluated per event when a subscriber sets one.
type MemoryHub struct {
	cel *expressions.CELEngine

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub. The CEL engine may be nil, in which
// case expression filters are rejected at subscribe time.
func NewMemoryHub(cel *expressions.CELEngine) *MemoryHub {
	return &MemoryHub{
		cel:  cel,
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !h.matchFilter(ctx, sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// Returns a receive-only channel, a cancel function, and any error.
// An expression filter that fails to compile rejects the subscription.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if filter.Expression != "" {
		if err := h.checkExpression(ctx, filter.Expression); err != nil {
			return nil, nil, err
		}
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// checkExpression compiles the filter once so bad filters fail loudly at
// subscribe time instead of silently matching nothing.
func (h *MemoryHub) checkExpression(ctx context.Context, expression string) error {
	if h.cel == nil {
		return errNoCELEngine
	}
	probe := eventData(StreamEvent{Type: "probe"})
	_, err := h.cel.EvaluateBool(ctx, expression, probe)
	return err
}

// matchFilter returns true if the event passes the filter criteria.
func (h *MemoryHub) matchFilter(ctx context.Context, f EventFilter, e StreamEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Expression != "" {
		if h.cel == nil {
			return false
		}
		ok, err := h.cel.EvaluateBool(ctx, f.Expression, eventData(e))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// eventData binds a stream event to the CEL `event` variable.
func eventData(e StreamEvent) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"workflow_id": e.WorkflowID,
			"task_id":     e.TaskID,
			"type":        e.Type,
			"level":       e.Level,
			"message":     e.Message,
		},
	}
}
