package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/arclab-ai/arc/pkg/schema"
)

// BuiltinPlanner derives a two-group plan from the goal text. It is
// deterministic: the same goal and constraints always yield the same plan,
// which keeps retried plan_generate tasks idempotent.
type BuiltinPlanner struct {
	// DefaultResources is applied to every planned experiment.
	DefaultResources schema.ResourceConfig
}

// NewBuiltinPlanner creates a planner with a one-GPU default resource request.
func NewBuiltinPlanner() *BuiltinPlanner {
	return &BuiltinPlanner{
		DefaultResources: schema.ResourceConfig{GPUs: 1, CPUs: 4, MemoryGB: 16, TimeLimit: "4h"},
	}
}

func (p *BuiltinPlanner) GeneratePlan(ctx context.Context, goal string, constraints []string, feedback string) (*schema.Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, schema.NewError(schema.ErrCodePlanner, "research goal is empty")
	}

	slug := slugify(goal)
	summary := fmt.Sprintf("Baseline-vs-variation study for: %s", goal)
	if feedback != "" {
		summary = fmt.Sprintf("%s (revised after feedback: %s)", summary, feedback)
	}

	plan := &schema.Plan{
		Summary:     summary,
		Methodology: "Run a control group against targeted variations, compare primary metrics across runs.",
		Groups: []schema.ExperimentGroup{
			{
				Name:       "baselines",
				Type:       "control",
				Hypothesis: "The current configuration is the reference point.",
				Experiments: []schema.PlannedExperiment{
					{
						Name:      slug + "-baseline",
						Script:    fmt.Sprintf("run.py --experiment %s --variant baseline", slug),
						Resources: p.DefaultResources,
					},
				},
			},
			{
				Name:       "variations",
				Type:       "treatment",
				Hypothesis: "At least one variation beats the baseline on the primary metric.",
				Experiments: []schema.PlannedExperiment{
					{
						Name:      slug + "-variant-a",
						Script:    fmt.Sprintf("run.py --experiment %s --variant a", slug),
						Resources: p.DefaultResources,
					},
					{
						Name:      slug + "-variant-b",
						Script:    fmt.Sprintf("run.py --experiment %s --variant b", slug),
						Resources: p.DefaultResources,
					},
				},
			},
		},
	}

	for _, c := range constraints {
		plan.Methodology += " Constraint: " + c + "."
	}
	return plan, nil
}

// slugify reduces a goal sentence to a short identifier usable in job names.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 32 {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

var _ Planner = (*BuiltinPlanner)(nil)
