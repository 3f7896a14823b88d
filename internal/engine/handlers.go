package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/internal/cluster"
	"github.com/arclab-ai/arc/internal/policy"
	"github.com/arclab-ai/arc/internal/research"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// Poll intervals for steps that wait on something external.
const (
	DefaultGatePollInterval = 5 * time.Second
	DefaultRunPollInterval  = 10 * time.Second
)

// planFeedbackKey holds the reviewer comment that sent the plan back.
const planFeedbackKey = "plan_feedback"

// HandlerConfig tunes the step handlers.
type HandlerConfig struct {
	GatePollInterval time.Duration
	RunPollInterval  time.Duration
	// SyntheticMetrics backfills deterministic metrics for completed local
	// runs that reported none, so the analysis step has data to work with.
	SyntheticMetrics bool
}

func (c *HandlerConfig) applyDefaults() {
	if c.GatePollInterval <= 0 {
		c.GatePollInterval = DefaultGatePollInterval
	}
	if c.RunPollInterval <= 0 {
		c.RunPollInterval = DefaultRunPollInterval
	}
}

// Handlers implements every step of the research pipeline against the
// domain collaborators.
type Handlers struct {
	store    store.Store
	planner  research.Planner
	analyzer research.Analyzer
	decider  policy.Decider
	gates    *policy.HumanGatekeeper
	clusters *cluster.Registry
	clock    Clock
	logger   *slog.Logger
	cfg      HandlerConfig
}

// NewHandlers wires the step handlers.
func NewHandlers(
	s store.Store,
	planner research.Planner,
	analyzer research.Analyzer,
	decider policy.Decider,
	gates *policy.HumanGatekeeper,
	clusters *cluster.Registry,
	clock Clock,
	logger *slog.Logger,
	cfg HandlerConfig,
) *Handlers {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Handlers{
		store:    s,
		planner:  planner,
		analyzer: analyzer,
		decider:  decider,
		gates:    gates,
		clusters: clusters,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// planGenerate asks the planner for an experiment plan. On a re-plan loop
// the reviewer's comment is passed through as feedback.
func (h *Handlers) planGenerate(ctx context.Context, sc *StepContext) (*Outcome, error) {
	feedback, _ := sc.State.Extra[planFeedbackKey].(string)
	plan, err := h.planner.GeneratePlan(ctx, sc.State.Goal, sc.State.Constraints, feedback)
	if err != nil {
		return nil, err
	}

	out := Advance(schema.StepDirectionGate, &schema.StatePatch{Plan: plan})
	out.Detail = plan.Summary
	out.Data = map[string]any{
		"groups":      len(plan.Groups),
		"experiments": plan.ExperimentCount(),
		"regenerated": feedback != "",
	}
	return out, nil
}

// experimentsMaterialize turns the approved plan into experiment rows.
// Idempotent by experiment name: a crash-retry picks up existing rows
// instead of duplicating them.
func (h *Handlers) experimentsMaterialize(ctx context.Context, sc *StepContext) (*Outcome, error) {
	if sc.State.Plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no plan to materialize")
	}

	existing, err := h.store.ListExperiments(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*store.Experiment, len(existing))
	for _, e := range existing {
		byName[e.Name] = e
	}

	var (
		groupIDs []string
		expIDs   []string
		created  int
	)
	for _, g := range sc.State.Plan.Groups {
		groupIDs = append(groupIDs, g.Name)
		for _, pe := range g.Experiments {
			if e, ok := byName[pe.Name]; ok {
				expIDs = append(expIDs, e.ID)
				continue
			}
			exp := &store.Experiment{
				ID:         uuid.New().String(),
				WorkflowID: sc.Workflow.ID,
				GroupName:  g.Name,
				Name:       pe.Name,
				Script:     pe.Script,
				WorkingDir: pe.WorkingDir,
				Resources:  pe.Resources,
				Status:     schema.ExperimentStatusPlanned,
			}
			if err := h.store.CreateExperiment(ctx, exp); err != nil {
				return nil, err
			}
			expIDs = append(expIDs, exp.ID)
			created++
		}
	}

	out := Advance(schema.StepRunsCreateSubmit, &schema.StatePatch{
		GroupIDs:      groupIDs,
		ExperimentIDs: expIDs,
	})
	out.Detail = fmt.Sprintf("%d experiments materialized (%d new)", len(expIDs), created)
	return out, nil
}

// resultsAnalyze distills the terminal runs into findings.
func (h *Handlers) resultsAnalyze(ctx context.Context, sc *StepContext) (*Outcome, error) {
	runs, err := h.store.ListRuns(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}
	analysis, err := h.analyzer.Analyze(ctx, sc.State, runs)
	if err != nil {
		return nil, err
	}

	out := Advance(schema.StepImprovementGate, &schema.StatePatch{Analysis: analysis})
	out.Detail = analysis.Summary
	return out, nil
}

// reportGenerate renders the findings as a markdown report.
func (h *Handlers) reportGenerate(ctx context.Context, sc *StepContext) (*Outcome, error) {
	runs, err := h.store.ListRuns(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}
	report := research.BuildReport(sc.State, runs)

	out := Advance(schema.StepPaperReview, &schema.StatePatch{Report: schema.String(report)})
	out.Detail = fmt.Sprintf("report generated (%d bytes)", len(report))
	return out, nil
}

// paperReview runs the deterministic editorial pass over the report.
func (h *Handlers) paperReview(ctx context.Context, sc *StepContext) (*Outcome, error) {
	if sc.State.Report == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "no report to review")
	}
	review := research.ReviewReport(sc.State.Report)

	out := Advance(schema.StepComplete, &schema.StatePatch{Review: schema.String(review)})
	out.Detail = review
	return out, nil
}

// complete finishes the workflow.
func (h *Handlers) complete(ctx context.Context, sc *StepContext) (*Outcome, error) {
	return Finish(schema.WorkflowStatusCompleted, "research workflow completed"), nil
}
