package research

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// BuiltinAnalyzer summarizes terminal runs deterministically: it counts
// outcomes, picks the best run by the "loss" metric when present, and
// recommends one ablation round after a clean first pass.
type BuiltinAnalyzer struct{}

// NewBuiltinAnalyzer creates an analyzer.
func NewBuiltinAnalyzer() *BuiltinAnalyzer {
	return &BuiltinAnalyzer{}
}

func (a *BuiltinAnalyzer) Analyze(ctx context.Context, state *schema.ResearchState, runs []*store.Run) (*schema.Analysis, error) {
	if len(runs) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution, "no runs to analyze")
	}

	var completed, failed, cancelled int
	bestLoss := 0.0
	bestRun := ""
	for _, r := range runs {
		switch r.Status {
		case schema.RunStatusCompleted:
			completed++
			if loss, ok := runLoss(r); ok && (bestRun == "" || loss < bestLoss) {
				bestLoss = loss
				bestRun = r.ID
			}
		case schema.RunStatusFailed:
			failed++
		case schema.RunStatusCancelled:
			cancelled++
		}
	}

	analysis := &schema.Analysis{
		Summary: fmt.Sprintf("%d of %d runs completed (%d failed, %d cancelled)",
			completed, len(runs), failed, cancelled),
	}
	if bestRun != "" {
		analysis.KeyFindings = append(analysis.KeyFindings,
			fmt.Sprintf("best run %s reached loss %.4f", bestRun, bestLoss))
	}
	if failed > 0 {
		analysis.Limitations = append(analysis.Limitations,
			fmt.Sprintf("%d runs failed and contributed no metrics", failed))
	}

	switch {
	case completed == 0:
		analysis.Recommendations = append(analysis.Recommendations,
			"no run produced results; fix the failures before rerunning")
	case state != nil && state.AblationRound == 0:
		analysis.Recommendations = append(analysis.Recommendations,
			"run one ablation round to isolate the winning factor")
	default:
		analysis.Recommendations = append(analysis.Recommendations,
			"results are stable; proceed to the report")
	}

	return analysis, nil
}

// runLoss extracts the "loss" metric from a run's metrics JSON.
func runLoss(r *store.Run) (float64, bool) {
	if len(r.Metrics) == 0 {
		return 0, false
	}
	var metrics map[string]float64
	if err := json.Unmarshal(r.Metrics, &metrics); err != nil {
		return 0, false
	}
	loss, ok := metrics["loss"]
	return loss, ok
}

var _ Analyzer = (*BuiltinAnalyzer)(nil)
