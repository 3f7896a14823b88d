package schema

// WorkflowStatus represents the lifecycle state of a research workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending      WorkflowStatus = "pending"
	WorkflowStatusRunning      WorkflowStatus = "running"
	WorkflowStatusWaitingHuman WorkflowStatus = "waiting_human"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusFailed       WorkflowStatus = "failed"
	WorkflowStatusCancelled    WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further workflow transition is possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// TaskStatus represents the lifecycle state of a queued workflow task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task can never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Step identifies a stage of the research pipeline.
type Step string

const (
	StepPlanGenerate           Step = "plan_generate"
	StepDirectionGate          Step = "hitl_direction"
	StepExperimentsMaterialize Step = "experiments_materialize"
	StepRunsCreateSubmit       Step = "runs_create_submit"
	StepRunsWaitTerminal       Step = "runs_wait_terminal"
	StepResultsAnalyze         Step = "results_analyze"
	StepImprovementGate        Step = "hitl_improvement"
	StepReportGenerate         Step = "report_generate"
	StepPaperReview            Step = "paper_review"
	StepComplete               Step = "complete"
)

// CanonicalSteps lists every step of the pipeline in happy-path order.
// Loops (re-plan, extra ablation round) revisit earlier entries but the
// registry must cover exactly this set.
var CanonicalSteps = []Step{
	StepPlanGenerate,
	StepDirectionGate,
	StepExperimentsMaterialize,
	StepRunsCreateSubmit,
	StepRunsWaitTerminal,
	StepResultsAnalyze,
	StepImprovementGate,
	StepReportGenerate,
	StepPaperReview,
	StepComplete,
}

// DecisionMode selects how a gate step is resolved.
type DecisionMode string

const (
	DecisionModeHuman      DecisionMode = "human_in_loop"
	DecisionModeAutonomous DecisionMode = "autonomous"
)

// GateStatus is the lifecycle state of a human approval gate.
type GateStatus string

const (
	GateStatusPending          GateStatus = "pending"
	GateStatusApproved         GateStatus = "approved"
	GateStatusRejected         GateStatus = "rejected"
	GateStatusChangesRequested GateStatus = "changes_requested"
	GateStatusTimeout          GateStatus = "timeout"
)

// Resolved reports whether the gate no longer blocks progress.
func (s GateStatus) Resolved() bool {
	return s != GateStatusPending
}

// GateAction is a selectable option on a decision gate.
type GateAction string

const (
	ActionApprovePlan    GateAction = "approve_plan"
	ActionRequestChanges GateAction = "request_changes"
	ActionStopWorkflow   GateAction = "stop_workflow"
	ActionContinue       GateAction = "continue_workflow"
	ActionAddAblation    GateAction = "add_ablation_round"
)

// DirectionGateActions is the fixed option set for the direction gate.
var DirectionGateActions = []GateAction{ActionApprovePlan, ActionRequestChanges, ActionStopWorkflow}

// ImprovementGateActions is the fixed option set for the improvement gate.
var ImprovementGateActions = []GateAction{ActionContinue, ActionAddAblation, ActionStopWorkflow}

// GateActionsFor returns the allowed action set for a gate step, or nil if
// the step is not a gate.
func GateActionsFor(step Step) []GateAction {
	switch step {
	case StepDirectionGate:
		return DirectionGateActions
	case StepImprovementGate:
		return ImprovementGateActions
	default:
		return nil
	}
}

// Loop caps: the engine's termination guarantee for human-requested loops.
const (
	// MaxPlanRegenerations bounds hitl_direction → plan_generate loops.
	MaxPlanRegenerations = 1
	// MaxAblationRounds bounds hitl_improvement → runs_create_submit loops.
	MaxAblationRounds = 2
)

// RunStatus mirrors the cluster-visible lifecycle of a submitted run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has reached a terminal cluster state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ExperimentStatus is the lifecycle state of a materialized experiment.
type ExperimentStatus string

const (
	ExperimentStatusPlanned   ExperimentStatus = "planned"
	ExperimentStatusSubmitted ExperimentStatus = "submitted"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusFailed    ExperimentStatus = "failed"
	ExperimentStatusCancelled ExperimentStatus = "cancelled"
)
