package research

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

func TestBuiltinPlanner_Deterministic(t *testing.T) {
	p := NewBuiltinPlanner()
	ctx := context.Background()

	first, err := p.GeneratePlan(ctx, "reduce validation loss", []string{"max 4 GPUs"}, "")
	require.NoError(t, err)
	second, err := p.GeneratePlan(ctx, "reduce validation loss", []string{"max 4 GPUs"}, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first.Groups, 2)
	assert.Equal(t, "baselines", first.Groups[0].Name)
	assert.Equal(t, "variations", first.Groups[1].Name)
	assert.Equal(t, 3, first.ExperimentCount())
	assert.Contains(t, first.Methodology, "max 4 GPUs")
}

func TestBuiltinPlanner_FeedbackChangesPlan(t *testing.T) {
	p := NewBuiltinPlanner()
	ctx := context.Background()

	original, err := p.GeneratePlan(ctx, "reduce validation loss", nil, "")
	require.NoError(t, err)
	revised, err := p.GeneratePlan(ctx, "reduce validation loss", nil, "add a stronger baseline")
	require.NoError(t, err)
	assert.NotEqual(t, original.Summary, revised.Summary)
	assert.Contains(t, revised.Summary, "add a stronger baseline")
}

func TestBuiltinPlanner_EmptyGoal(t *testing.T) {
	p := NewBuiltinPlanner()
	_, err := p.GeneratePlan(context.Background(), "  ", nil, "")
	require.Error(t, err)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "reduce-validation-loss", slugify("Reduce Validation Loss"))
	assert.Equal(t, "lr-3e-4", slugify("lr = 3e-4!"))
}

func mkRun(id string, status schema.RunStatus, metrics string) *store.Run {
	r := &store.Run{ID: id, Status: status}
	if metrics != "" {
		r.Metrics = json.RawMessage(metrics)
	}
	return r
}

func TestBuiltinAnalyzer_CountsAndBestRun(t *testing.T) {
	a := NewBuiltinAnalyzer()
	runs := []*store.Run{
		mkRun("run-1", schema.RunStatusCompleted, `{"loss":0.5}`),
		mkRun("run-2", schema.RunStatusCompleted, `{"loss":0.3}`),
		mkRun("run-3", schema.RunStatusFailed, ""),
	}

	got, err := a.Analyze(context.Background(), &schema.ResearchState{}, runs)
	require.NoError(t, err)
	assert.Contains(t, got.Summary, "2 of 3 runs completed")
	require.NotEmpty(t, got.KeyFindings)
	assert.Contains(t, got.KeyFindings[0], "run-2")
	require.NotEmpty(t, got.Limitations)
}

func TestBuiltinAnalyzer_RecommendsOneAblation(t *testing.T) {
	a := NewBuiltinAnalyzer()
	runs := []*store.Run{mkRun("run-1", schema.RunStatusCompleted, `{"loss":0.2}`)}

	first, err := a.Analyze(context.Background(), &schema.ResearchState{AblationRound: 0}, runs)
	require.NoError(t, err)
	assert.Contains(t, first.Recommendations[0], "ablation")

	second, err := a.Analyze(context.Background(), &schema.ResearchState{AblationRound: 1}, runs)
	require.NoError(t, err)
	assert.NotContains(t, second.Recommendations[0], "ablation")
}

func TestBuiltinAnalyzer_NoRuns(t *testing.T) {
	a := NewBuiltinAnalyzer()
	_, err := a.Analyze(context.Background(), &schema.ResearchState{}, nil)
	require.Error(t, err)
}

func TestSyntheticMetrics_DeterministicAndBounded(t *testing.T) {
	m1 := SyntheticMetrics("run-abc")
	m2 := SyntheticMetrics("run-abc")
	assert.Equal(t, m1, m2)

	other := SyntheticMetrics("run-def")
	assert.NotEqual(t, m1, other)

	assert.Greater(t, m1["loss"], 0.0)
	assert.Less(t, m1["loss"], 1.0)
	assert.GreaterOrEqual(t, m1["accuracy"], 0.0)
	assert.Less(t, m1["accuracy"], 1.0)
}

func TestBuildReportAndReview(t *testing.T) {
	state := &schema.ResearchState{
		Goal: "reduce loss",
		Plan: &schema.Plan{
			Summary: "baseline vs variants",
			Groups:  []schema.ExperimentGroup{{Name: "baselines", Hypothesis: "reference"}},
		},
		Analysis: &schema.Analysis{
			Summary:         "1 of 1 runs completed",
			KeyFindings:     []string{"variant a wins"},
			Recommendations: []string{"proceed to the report"},
		},
		AblationRound: 1,
	}
	runs := []*store.Run{mkRun("run-1", schema.RunStatusCompleted, `{"loss":0.1}`)}

	report := BuildReport(state, runs)
	assert.Contains(t, report, "# Research Report")
	assert.Contains(t, report, "reduce loss")
	assert.Contains(t, report, "## Plan")
	assert.Contains(t, report, "## Runs")
	assert.Contains(t, report, "## Analysis")
	assert.Contains(t, report, "Ablation rounds executed: 1")

	review := ReviewReport(report)
	assert.Contains(t, review, "structurally complete")

	review = ReviewReport("# Research Report\n")
	assert.Contains(t, review, "missing section")
}
