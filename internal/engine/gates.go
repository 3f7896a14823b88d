package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/internal/policy"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// directionGate decides whether the plan goes forward, goes back to the
// planner, or stops the workflow. Re-plan loops are bounded by
// MaxPlanRegenerations; once the cap is hit a rejection stops the workflow
// instead of looping forever.
func (h *Handlers) directionGate(ctx context.Context, sc *StepContext) (*Outcome, error) {
	decision, waiting, err := h.resolveGate(ctx, sc, schema.StepDirectionGate)
	if err != nil {
		return nil, err
	}
	if waiting != nil {
		return waiting, nil
	}

	switch decision.Action {
	case schema.ActionApprovePlan:
		out := Advance(schema.StepExperimentsMaterialize, nil)
		out.Detail = decision.Reason
		out.Data = decisionData(decision)
		return out, nil

	case schema.ActionRequestChanges:
		if sc.State.PlanRegenerations >= schema.MaxPlanRegenerations {
			return Finish(schema.WorkflowStatusCancelled,
				"plan rejected and the regeneration cap is reached"), nil
		}
		out := Advance(schema.StepPlanGenerate, &schema.StatePatch{
			PlanRegenerations: schema.Int(sc.State.PlanRegenerations + 1),
			Extra:             map[string]any{planFeedbackKey: decision.Reason},
		})
		out.Detail = decision.Reason
		out.Data = decisionData(decision)
		return out, nil

	case schema.ActionStopWorkflow:
		return Finish(schema.WorkflowStatusCancelled, decision.Reason), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeDecision,
			"unexpected direction gate action %q", decision.Action)
	}
}

// improvementGate decides what happens after analysis: continue to the
// report, run another ablation round, or stop. Ablation loops are bounded
// by MaxAblationRounds; a request past the cap degrades to continue.
func (h *Handlers) improvementGate(ctx context.Context, sc *StepContext) (*Outcome, error) {
	decision, waiting, err := h.resolveGate(ctx, sc, schema.StepImprovementGate)
	if err != nil {
		return nil, err
	}
	if waiting != nil {
		return waiting, nil
	}

	switch decision.Action {
	case schema.ActionContinue:
		out := Advance(schema.StepReportGenerate, nil)
		out.Detail = decision.Reason
		out.Data = decisionData(decision)
		return out, nil

	case schema.ActionAddAblation:
		if sc.State.AblationRound >= schema.MaxAblationRounds {
			out := Advance(schema.StepReportGenerate, nil)
			out.Detail = "ablation round cap reached, continuing to the report"
			out.Data = decisionData(decision)
			return out, nil
		}
		return h.startAblationRound(ctx, sc, decision)

	case schema.ActionStopWorkflow:
		return Finish(schema.WorkflowStatusCancelled, decision.Reason), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeDecision,
			"unexpected improvement gate action %q", decision.Action)
	}
}

// startAblationRound materializes one ablation experiment per plan group and
// loops back to run submission. Idempotent by experiment name so a
// crash-retry does not double the round.
func (h *Handlers) startAblationRound(ctx context.Context, sc *StepContext, decision *policy.Decision) (*Outcome, error) {
	if sc.State.Plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no plan to derive ablations from")
	}
	round := sc.State.AblationRound + 1

	existing, err := h.store.ListExperiments(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*store.Experiment, len(existing))
	for _, e := range existing {
		byName[e.Name] = e
	}

	expIDs := append([]string(nil), sc.State.ExperimentIDs...)
	created := 0
	for _, g := range sc.State.Plan.Groups {
		if len(g.Experiments) == 0 {
			continue
		}
		name := fmt.Sprintf("%s-ablation-r%d", g.Name, round)
		if e, ok := byName[name]; ok {
			expIDs = appendUnique(expIDs, e.ID)
			continue
		}
		// Ablations reuse the group's first experiment as the template.
		tpl := g.Experiments[0]
		exp := &store.Experiment{
			ID:         uuid.New().String(),
			WorkflowID: sc.Workflow.ID,
			GroupName:  g.Name,
			Name:       name,
			Script:     tpl.Script,
			WorkingDir: tpl.WorkingDir,
			Resources:  tpl.Resources,
			Status:     schema.ExperimentStatusPlanned,
		}
		if err := h.store.CreateExperiment(ctx, exp); err != nil {
			return nil, err
		}
		expIDs = append(expIDs, exp.ID)
		created++
	}

	out := Advance(schema.StepRunsCreateSubmit, &schema.StatePatch{
		AblationRound: schema.Int(round),
		ExperimentIDs: expIDs,
	})
	out.Detail = fmt.Sprintf("ablation round %d: %d experiments added", round, created)
	out.Data = decisionData(decision)
	return out, nil
}

// resolveGate produces the decision for a gate step. In human mode it
// creates (or polls) a persisted gate and returns a waiting outcome until a
// human resolves it; in autonomous mode it asks the decider. The returned
// outcome is non-nil exactly when the gate is still open.
func (h *Handlers) resolveGate(ctx context.Context, sc *StepContext, step schema.Step) (*policy.Decision, *Outcome, error) {
	if sc.State.DecisionMode == schema.DecisionModeHuman {
		return h.resolveHumanGate(ctx, sc, step)
	}

	completed, failed, err := h.countTerminalRuns(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, nil, err
	}
	decision, err := h.decider.Decide(ctx, policy.Request{
		WorkflowID:    sc.Workflow.ID,
		Step:          step,
		State:         sc.State,
		CompletedRuns: completed,
		FailedRuns:    failed,
	})
	if err != nil {
		return nil, nil, err
	}
	h.recordDecision(ctx, sc, step, decision)
	return decision, nil, nil
}

func (h *Handlers) resolveHumanGate(ctx context.Context, sc *StepContext, step schema.Step) (*policy.Decision, *Outcome, error) {
	gate, created, err := h.gates.EnsureGate(ctx, sc.Workflow, step)
	if err != nil {
		return nil, nil, err
	}
	if created {
		data, _ := json.Marshal(map[string]any{
			"gate_id": gate.ID,
			"options": gate.Options,
		})
		if err := h.store.AppendEvent(ctx, &store.Event{
			WorkflowID: sc.Workflow.ID,
			TaskID:     sc.Task.ID,
			Type:       schema.EventGateCreated,
			Level:      schema.LevelInfo,
			Message:    gate.Question,
			Data:       data,
		}); err != nil {
			return nil, nil, err
		}
	}

	decision, resolved := h.gates.Resolution(gate)
	if !resolved {
		out := Requeue(h.cfg.GatePollInterval, "waiting for human decision")
		out.WaitingHuman = true
		out.Data = map[string]any{"gate_id": gate.ID}
		return nil, out, nil
	}

	h.recordDecision(ctx, sc, step, decision)
	return decision, nil, nil
}

// recordDecision appends the decision.made event. Best-effort: the decision
// itself is carried in the outcome, so a failed append must not retry the
// whole gate.
func (h *Handlers) recordDecision(ctx context.Context, sc *StepContext, step schema.Step, d *policy.Decision) {
	data, _ := json.Marshal(decisionData(d))
	err := h.store.AppendEvent(ctx, &store.Event{
		WorkflowID: sc.Workflow.ID,
		TaskID:     sc.Task.ID,
		Type:       schema.EventDecisionMade,
		Level:      schema.LevelInfo,
		Message:    fmt.Sprintf("%s resolved: %s", step, d.Action),
		Data:       data,
	})
	if err != nil {
		logging.LogWith(ctx, h.logger).WarnContext(ctx, "decision event append failed",
			slog.String("error", err.Error()))
	}
}

func (h *Handlers) countTerminalRuns(ctx context.Context, workflowID string) (completed, failed int, err error) {
	runs, err := h.store.ListRuns(ctx, workflowID)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range runs {
		switch r.Status {
		case schema.RunStatusCompleted:
			completed++
		case schema.RunStatusFailed:
			failed++
		}
	}
	return completed, failed, nil
}

func decisionData(d *policy.Decision) map[string]any {
	return map[string]any{
		"action": string(d.Action),
		"reason": d.Reason,
		"source": d.Source,
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
