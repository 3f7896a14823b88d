package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted during workflow execution.
type StreamEvent struct {
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Type       string    `json:"type"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
	Data       any       `json:"data,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Expression is an optional CEL filter evaluated with the event bound to
// the `event` variable, e.g. `event.type == "step.failed"`.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	Types      []string `json:"types,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// EventHub provides pub/sub for real-time workflow events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
