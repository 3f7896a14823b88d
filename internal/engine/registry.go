// Package engine is the crash-tolerant step scheduler. It drives workflows
// by leasing tasks from the persisted queue, dispatching them to step
// handlers, and applying each handler's outcome in a single transactional
// write. Every transition is recoverable: leases expire, attempts are
// bounded, and the authoritative state always lives in the store.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// StepContext is everything a handler sees for one task execution. State is
// a snapshot taken when the task was leased; handlers mutate it only through
// the outcome patch so the write stays transactional.
type StepContext struct {
	Workflow *store.Workflow
	Task     *store.Task
	State    *schema.ResearchState
	Logger   *slog.Logger
}

// HandlerFunc executes one step and returns its outcome. Returning an error
// consumes an attempt; the executor retries with backoff until the task's
// attempt budget is spent.
type HandlerFunc func(ctx context.Context, sc *StepContext) (*Outcome, error)

// Registry maps pipeline steps to their handlers.
type Registry struct {
	handlers map[schema.Step]HandlerFunc
}

// NewRegistry builds the registry from the handler set and verifies that
// every canonical step is covered. A gap here is a programming error that
// must surface at startup, not mid-workflow.
func NewRegistry(h *Handlers) (*Registry, error) {
	r := &Registry{handlers: map[schema.Step]HandlerFunc{
		schema.StepPlanGenerate:           h.planGenerate,
		schema.StepDirectionGate:          h.directionGate,
		schema.StepExperimentsMaterialize: h.experimentsMaterialize,
		schema.StepRunsCreateSubmit:       h.runsCreateSubmit,
		schema.StepRunsWaitTerminal:       h.runsWaitTerminal,
		schema.StepResultsAnalyze:         h.resultsAnalyze,
		schema.StepImprovementGate:        h.improvementGate,
		schema.StepReportGenerate:         h.reportGenerate,
		schema.StepPaperReview:            h.paperReview,
		schema.StepComplete:               h.complete,
	}}
	for _, step := range schema.CanonicalSteps {
		if _, ok := r.handlers[step]; !ok {
			return nil, fmt.Errorf("no handler registered for step %q", step)
		}
	}
	return r, nil
}

// Resolve returns the handler for a step.
func (r *Registry) Resolve(step schema.Step) (HandlerFunc, error) {
	fn, ok := r.handlers[step]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step %q", step)
	}
	return fn, nil
}
