package engine

import (
	"time"

	"github.com/arclab-ai/arc/pkg/schema"
)

// Outcome is the single result a step handler returns. Exactly one
// continuation applies: advance to NextStep, requeue the same task after
// RequeueAfter, or finish the workflow with Terminal. A terminal status
// always wins over the other fields.
type Outcome struct {
	// NextStep enqueues a follow-up task and moves the workflow pointer.
	NextStep schema.Step
	// Patch is merged into the workflow state before anything else is
	// decided from it.
	Patch *schema.StatePatch
	// RequeueAfter re-runs this task later (gate polls, run polls).
	RequeueAfter time.Duration
	// WaitingHuman marks the workflow waiting_human while requeued.
	WaitingHuman bool
	// Terminal finishes the workflow with the given status.
	Terminal schema.WorkflowStatus
	// Detail is a human-readable note recorded on the transition event.
	Detail string
	// Data is extra structured payload for the transition event.
	Data map[string]any
}

// Validate rejects outcomes that would leave the workflow without a
// follow-up: the scheduler only ever acts on what an outcome tells it.
func (o *Outcome) Validate() error {
	if o == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil outcome")
	}
	if o.Terminal != "" {
		if !o.Terminal.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeValidation, "outcome terminal status %q is not terminal", o.Terminal)
		}
		return nil
	}
	hasNext := o.NextStep != ""
	hasRequeue := o.RequeueAfter > 0
	if hasNext == hasRequeue {
		return schema.NewError(schema.ErrCodeValidation,
			"outcome must set exactly one of next step, requeue, or terminal status")
	}
	if o.WaitingHuman && !hasRequeue {
		return schema.NewError(schema.ErrCodeValidation, "waiting_human outcome requires a requeue interval")
	}
	return nil
}

// Advance builds a step-advance outcome.
func Advance(next schema.Step, patch *schema.StatePatch) *Outcome {
	return &Outcome{NextStep: next, Patch: patch}
}

// Requeue builds a poll-again outcome.
func Requeue(after time.Duration, detail string) *Outcome {
	return &Outcome{RequeueAfter: after, Detail: detail}
}

// Finish builds a terminal outcome.
func Finish(status schema.WorkflowStatus, detail string) *Outcome {
	return &Outcome{Terminal: status, Detail: detail}
}
