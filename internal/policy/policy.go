// Package policy resolves decision gates. A gate is answered by exactly one
// of three sources: a human (via the ops surface), an LLM constrained to the
// gate's action set, or a deterministic fallback. Autonomous workflows try
// the LLM first and silently fall back; human workflows block until someone
// resolves the gate.
package policy

import (
	"context"

	"github.com/arclab-ai/arc/pkg/schema"
)

// Decision sources.
const (
	SourceHuman    = "human"
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Decision is a resolved gate outcome.
type Decision struct {
	Action schema.GateAction `json:"action"`
	Reason string            `json:"reason"`
	Source string            `json:"source"`
}

// Request carries everything a decider needs to answer a gate.
type Request struct {
	WorkflowID    string
	Step          schema.Step
	State         *schema.ResearchState
	CompletedRuns int
	FailedRuns    int
}

// Decider answers a gate autonomously. Implementations must always return a
// decision whose action is in the gate's allowed set.
type Decider interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}
