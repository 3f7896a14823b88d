package policy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arclab-ai/arc/internal/expressions"
	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/pkg/schema"
)

// GuardRule is a deterministic constraint applied to autonomous decisions.
// The expression is evaluated with expr and must come out true for the
// decision to stand; a false result (or an evaluation error) vetoes the
// LLM's answer and the fallback is used instead.
type GuardRule struct {
	Name       string      `json:"name"`
	Step       schema.Step `json:"step,omitempty"` // empty matches every gate
	Expression string      `json:"expression"`
}

// AutonomousDecider resolves gates without a human. It computes the
// deterministic fallback first, then lets the LLM override it when one is
// configured and its answer survives schema validation and the guard rules.
type AutonomousDecider struct {
	llm    *LLMClient // nil disables the LLM path
	engine *expressions.ExprEngine
	rules  []GuardRule
	logger *slog.Logger
}

// NewAutonomousDecider creates a decider. llm may be nil, in which case every
// decision is the deterministic fallback.
func NewAutonomousDecider(llm *LLMClient, engine *expressions.ExprEngine, rules []GuardRule, logger *slog.Logger) *AutonomousDecider {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutonomousDecider{llm: llm, engine: engine, rules: rules, logger: logger}
}

// Decide answers the gate. LLM failures are never fatal: the workflow must
// make progress even when the model is down, so errors degrade to the
// fallback decision.
func (d *AutonomousDecider) Decide(ctx context.Context, req Request) (*Decision, error) {
	fallback := Fallback(req)

	if d.llm == nil {
		return fallback, nil
	}

	allowed := schema.GateActionsFor(req.Step)
	if len(allowed) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDecision, "step %q is not a gate", req.Step)
	}

	log := logging.LogWith(ctx, d.logger)
	decision, err := d.llm.Decide(ctx, req, allowed)
	if err != nil {
		log.WarnContext(ctx, "llm decision failed, using fallback",
			slog.String("error", err.Error()),
			slog.String("fallback_action", string(fallback.Action)))
		return fallback, nil
	}

	if !d.passesGuards(ctx, req, decision) {
		log.WarnContext(ctx, "llm decision vetoed by guard rule",
			slog.String("action", string(decision.Action)),
			slog.String("fallback_action", string(fallback.Action)))
		return fallback, nil
	}

	return decision, nil
}

// passesGuards evaluates every matching rule. Evaluation errors count as
// vetoes: a broken rule must not let a decision through unchecked.
func (d *AutonomousDecider) passesGuards(ctx context.Context, req Request, decision *Decision) bool {
	if len(d.rules) == 0 || d.engine == nil {
		return true
	}
	env := guardEnv(req, decision)
	for _, rule := range d.rules {
		if rule.Step != "" && rule.Step != req.Step {
			continue
		}
		out, err := d.engine.Evaluate(ctx, rule.Expression, env)
		if err != nil {
			logging.LogWith(ctx, d.logger).WarnContext(ctx, "guard rule evaluation failed",
				slog.String("rule", rule.Name), slog.String("error", err.Error()))
			return false
		}
		ok, isBool := out.(bool)
		if !isBool || !ok {
			return false
		}
	}
	return true
}

// guardEnv flattens the request into the expr environment guard rules see.
func guardEnv(req Request, decision *Decision) map[string]any {
	groupCount := 0
	experimentCount := 0
	ablationRound := 0
	planRegens := 0
	if req.State != nil {
		if req.State.Plan != nil {
			groupCount = len(req.State.Plan.Groups)
			experimentCount = req.State.Plan.ExperimentCount()
		}
		ablationRound = req.State.AblationRound
		planRegens = req.State.PlanRegenerations
	}
	return map[string]any{
		"action": string(decision.Action),
		"reason": decision.Reason,
		"step":   string(req.Step),
		"plan": map[string]any{
			"group_count":      groupCount,
			"experiment_count": experimentCount,
		},
		"runs": map[string]any{
			"completed": req.CompletedRuns,
			"failed":    req.FailedRuns,
		},
		"ablation_round":     ablationRound,
		"plan_regenerations": planRegens,
	}
}

// Fallback is the deterministic answer used when no human and no usable LLM
// response exists. It never errs on the side of spending compute: dubious
// plans are sent back, dead runs stop the workflow.
func Fallback(req Request) *Decision {
	switch req.Step {
	case schema.StepDirectionGate:
		return directionFallback(req)
	case schema.StepImprovementGate:
		return improvementFallback(req)
	default:
		return &Decision{
			Action: schema.ActionStopWorkflow,
			Reason: "unknown gate step",
			Source: SourceFallback,
		}
	}
}

func directionFallback(req Request) *Decision {
	if req.State != nil && req.State.Plan != nil &&
		len(req.State.Plan.Groups) > 0 && req.State.Plan.ExperimentCount() > 0 {
		return &Decision{
			Action: schema.ActionApprovePlan,
			Reason: "plan has at least one group and one experiment",
			Source: SourceFallback,
		}
	}
	return &Decision{
		Action: schema.ActionRequestChanges,
		Reason: "plan is empty",
		Source: SourceFallback,
	}
}

func improvementFallback(req Request) *Decision {
	if req.CompletedRuns == 0 && req.FailedRuns > 0 {
		return &Decision{
			Action: schema.ActionStopWorkflow,
			Reason: "no run completed and at least one failed",
			Source: SourceFallback,
		}
	}
	if req.State != nil && req.State.AblationRound < schema.MaxAblationRounds &&
		recommendsAblation(req.State.Analysis) {
		return &Decision{
			Action: schema.ActionAddAblation,
			Reason: "analysis recommends an ablation and the round cap is not reached",
			Source: SourceFallback,
		}
	}
	return &Decision{
		Action: schema.ActionContinue,
		Reason: "results are usable, continue to reporting",
		Source: SourceFallback,
	}
}

func recommendsAblation(a *schema.Analysis) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Recommendations {
		if strings.Contains(strings.ToLower(r), "ablation") {
			return true
		}
	}
	return false
}
