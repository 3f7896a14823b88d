package schema

// Event type constants for the workflow event log. Dotted names group by
// subject; the log read in created-at order gives a full causal trace.
const (
	EventWorkflowCreated  = "workflow.created"
	EventWorkflowFinished = "workflow.finished"
	EventWorkflowResumed  = "workflow.resumed"
	EventCancelRequested  = "workflow.cancel_requested"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepRetry     = "step.retry"
	EventStepWaiting   = "step.waiting"
	EventStepFailed    = "step.failed"
	EventStepCancelled = "step.cancelled"

	EventGateCreated  = "gate.created"
	EventDecisionMade = "decision.made"

	EventRunSubmitted    = "run.submitted"
	EventRunSubmitFailed = "run.submit_failed"
	EventRunTerminal     = "run.terminal"
	EventRunNoMetrics    = "run.no_metrics"

	EventScheduleTriggered = "schedule.triggered"
)

// EventLevel classifies the severity of a workflow event.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)
