package schema

// Plan is the experiment plan produced by the planner collaborator.
type Plan struct {
	Summary     string            `json:"summary"`
	Methodology string            `json:"methodology,omitempty"`
	Groups      []ExperimentGroup `json:"groups"`
}

// ExperimentCount returns the total number of planned experiments across groups.
func (p *Plan) ExperimentCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, g := range p.Groups {
		n += len(g.Experiments)
	}
	return n
}

// ExperimentGroup is a themed set of planned experiments.
type ExperimentGroup struct {
	Name        string              `json:"name"`
	Type        string              `json:"type,omitempty"`
	Hypothesis  string              `json:"hypothesis,omitempty"`
	Experiments []PlannedExperiment `json:"experiments"`
}

// PlannedExperiment describes a single experiment before materialization.
type PlannedExperiment struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Script      string         `json:"script,omitempty"`
	WorkingDir  string         `json:"working_dir,omitempty"`
	Resources   ResourceConfig `json:"resources,omitempty"`
}

// ResourceConfig is the compute request derived into a cluster job spec.
type ResourceConfig struct {
	GPUs      int    `json:"gpus,omitempty"`
	CPUs      int    `json:"cpus,omitempty"`
	MemoryGB  int    `json:"memory_gb,omitempty"`
	TimeLimit string `json:"time_limit,omitempty"`
}

// Analysis is the result-analysis output from the analyzer collaborator.
type Analysis struct {
	Summary         string   `json:"summary"`
	KeyFindings     []string `json:"key_findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Insights        []string `json:"insights,omitempty"`
	Limitations     []string `json:"limitations,omitempty"`
}

// ResearchState is the typed workflow context carried across steps. Fields
// are optional per phase: a step only reads what earlier steps wrote. The
// Extra map keeps the additive key/value semantics for data that has no
// dedicated field yet.
type ResearchState struct {
	Goal             string       `json:"goal,omitempty"`
	Constraints      []string     `json:"constraints,omitempty"`
	DecisionMode     DecisionMode `json:"decision_mode,omitempty"`
	PreferredCluster string       `json:"preferred_cluster,omitempty"`

	Plan              *Plan `json:"plan,omitempty"`
	PlanRegenerations int   `json:"plan_regenerations,omitempty"`

	GroupIDs      []string `json:"group_ids,omitempty"`
	ExperimentIDs []string `json:"experiment_ids,omitempty"`
	RunIDs        []string `json:"run_ids,omitempty"`

	Analysis      *Analysis `json:"analysis,omitempty"`
	AblationRound int       `json:"ablation_round,omitempty"`

	Report string `json:"report,omitempty"`
	Review string `json:"review,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// StatePatch is a partial ResearchState produced by a step outcome. Nil
// fields are untouched; set fields overwrite (shallow merge, later keys
// win). Extra entries merge key-wise.
type StatePatch struct {
	Goal             *string       `json:"goal,omitempty"`
	Constraints      []string      `json:"constraints,omitempty"`
	DecisionMode     *DecisionMode `json:"decision_mode,omitempty"`
	PreferredCluster *string       `json:"preferred_cluster,omitempty"`

	Plan              *Plan `json:"plan,omitempty"`
	PlanRegenerations *int  `json:"plan_regenerations,omitempty"`

	GroupIDs      []string `json:"group_ids,omitempty"`
	ExperimentIDs []string `json:"experiment_ids,omitempty"`
	RunIDs        []string `json:"run_ids,omitempty"`

	Analysis      *Analysis `json:"analysis,omitempty"`
	AblationRound *int      `json:"ablation_round,omitempty"`

	Report *string `json:"report,omitempty"`
	Review *string `json:"review,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Apply merges the patch into the state in place.
func (p *StatePatch) Apply(s *ResearchState) {
	if p == nil || s == nil {
		return
	}
	if p.Goal != nil {
		s.Goal = *p.Goal
	}
	if p.Constraints != nil {
		s.Constraints = p.Constraints
	}
	if p.DecisionMode != nil {
		s.DecisionMode = *p.DecisionMode
	}
	if p.PreferredCluster != nil {
		s.PreferredCluster = *p.PreferredCluster
	}
	if p.Plan != nil {
		s.Plan = p.Plan
	}
	if p.PlanRegenerations != nil {
		s.PlanRegenerations = *p.PlanRegenerations
	}
	if p.GroupIDs != nil {
		s.GroupIDs = p.GroupIDs
	}
	if p.ExperimentIDs != nil {
		s.ExperimentIDs = p.ExperimentIDs
	}
	if p.RunIDs != nil {
		s.RunIDs = p.RunIDs
	}
	if p.Analysis != nil {
		s.Analysis = p.Analysis
	}
	if p.AblationRound != nil {
		s.AblationRound = *p.AblationRound
	}
	if p.Report != nil {
		s.Report = *p.Report
	}
	if p.Review != nil {
		s.Review = *p.Review
	}
	if len(p.Extra) > 0 {
		if s.Extra == nil {
			s.Extra = make(map[string]any, len(p.Extra))
		}
		for k, v := range p.Extra {
			s.Extra[k] = v
		}
	}
}

// Helpers for building patches without temporary variables.

// String returns a pointer to s.
func String(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Mode returns a pointer to m.
func Mode(m DecisionMode) *DecisionMode { return &m }
