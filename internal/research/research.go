// Package research holds the domain collaborators the engine drives: plan
// generation, result analysis, report building and the schedule mirror.
// The built-in implementations are deterministic so a workflow can run end
// to end with no external model or scheduler attached.
package research

import (
	"context"

	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// Planner produces an experiment plan for a goal. feedback carries the
// comment from a rejected previous plan, empty on the first attempt.
type Planner interface {
	GeneratePlan(ctx context.Context, goal string, constraints []string, feedback string) (*schema.Plan, error)
}

// Analyzer distills terminal runs into findings and recommendations.
type Analyzer interface {
	Analyze(ctx context.Context, state *schema.ResearchState, runs []*store.Run) (*schema.Analysis, error)
}
