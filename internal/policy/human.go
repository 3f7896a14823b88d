package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// HumanGatekeeper manages human-in-the-loop gates. Gate steps in human mode
// poll it: the first visit creates the gate, later visits read its state
// until someone resolves it through the ops surface.
type HumanGatekeeper struct {
	store store.Store
}

// NewHumanGatekeeper creates a gatekeeper backed by the given store.
func NewHumanGatekeeper(s store.Store) *HumanGatekeeper {
	return &HumanGatekeeper{store: s}
}

// EnsureGate returns the open gate for the step, creating it if none is
// pending. Returns the gate and whether this call created it. A previously
// resolved gate does not block a new round of the same step (loops create
// fresh gates).
func (g *HumanGatekeeper) EnsureGate(ctx context.Context, wf *store.Workflow, step schema.Step) (*store.Gate, bool, error) {
	latest, err := g.store.LatestGate(ctx, wf.ID, string(step))
	if err == nil && latest.Status == schema.GateStatusPending {
		return latest, false, nil
	}
	if err != nil {
		arcErr, ok := err.(*schema.ArcError)
		if !ok || arcErr.Code != schema.ErrCodeNotFound {
			return nil, false, err
		}
	}

	actions := schema.GateActionsFor(step)
	if len(actions) == 0 {
		return nil, false, schema.NewErrorf(schema.ErrCodeDecision, "step %q is not a gate", step)
	}
	options := make([]string, len(actions))
	for i, a := range actions {
		options[i] = string(a)
	}

	gate := &store.Gate{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Step:       step,
		Title:      gateTitle(step),
		Question:   gateQuestion(step, &wf.State),
		Options:    options,
		Status:     schema.GateStatusPending,
	}
	if err := g.store.CreateGate(ctx, gate); err != nil {
		return nil, false, err
	}
	return gate, true, nil
}

// Resolution maps a resolved gate to a decision. Returns (nil, false) while
// the gate is still pending. A timed-out gate resolves to stop_workflow.
func (g *HumanGatekeeper) Resolution(gate *store.Gate) (*Decision, bool) {
	switch gate.Status {
	case schema.GateStatusPending:
		return nil, false
	case schema.GateStatusTimeout:
		return &Decision{
			Action: schema.ActionStopWorkflow,
			Reason: "gate timed out without a human decision",
			Source: SourceHuman,
		}, true
	default:
		reason := gate.Comment
		if reason == "" {
			reason = "resolved by human operator"
		}
		return &Decision{
			Action: schema.GateAction(gate.SelectedOption),
			Reason: reason,
			Source: SourceHuman,
		}, true
	}
}

func gateTitle(step schema.Step) string {
	switch step {
	case schema.StepDirectionGate:
		return "Approve research direction"
	case schema.StepImprovementGate:
		return "Choose next move after analysis"
	default:
		return string(step)
	}
}

func gateQuestion(step schema.Step, state *schema.ResearchState) string {
	switch step {
	case schema.StepDirectionGate:
		if state != nil && state.Plan != nil {
			return fmt.Sprintf("Proceed with this plan? %s (%d groups, %d experiments)",
				state.Plan.Summary, len(state.Plan.Groups), state.Plan.ExperimentCount())
		}
		return "Proceed with the generated plan?"
	case schema.StepImprovementGate:
		if state != nil && state.Analysis != nil {
			return fmt.Sprintf("Results analyzed: %s. Continue, add an ablation round, or stop?",
				state.Analysis.Summary)
		}
		return "Continue, add an ablation round, or stop?"
	default:
		return ""
	}
}
