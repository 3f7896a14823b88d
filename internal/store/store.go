package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Task queue
	CreateTask(ctx context.Context, task *Task) (bool, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, workflowID string) ([]*Task, error)
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	LeaseTask(ctx context.Context, id string, until time.Time) (bool, error)
	MarkTaskRunning(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string, attempts int, runAfter time.Time, errMsg string) error
	FailTask(ctx context.Context, id string, errMsg string) error
	CancelTask(ctx context.Context, id string) error
	ApplyOutcome(ctx context.Context, w *OutcomeWrite) error
	ResetForResume(ctx context.Context, workflowID string) (int, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Gates
	CreateGate(ctx context.Context, gate *Gate) error
	GetGate(ctx context.Context, id string) (*Gate, error)
	LatestGate(ctx context.Context, workflowID string, step string) (*Gate, error)
	ResolveGate(ctx context.Context, id string, status string, selectedOption string, comment string) error
	ListPendingGates(ctx context.Context, workflowID string) ([]*Gate, error)

	// Experiments
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, status string) error
	ListExperiments(ctx context.Context, workflowID string) ([]*Experiment, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, workflowID string) ([]*Run, error)

	// Schedule mirror (best-effort, non-authoritative)
	UpsertScheduleEntry(ctx context.Context, entry *ScheduleEntry) error
	ListScheduleEntries(ctx context.Context, workflowID string) ([]*ScheduleEntry, error)

	// Recurring research schedules
	CreateResearchSchedule(ctx context.Context, sched *ResearchSchedule) error
	GetResearchSchedule(ctx context.Context, id string) (*ResearchSchedule, error)
	UpdateResearchSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListResearchSchedules(ctx context.Context, filter ScheduleFilter) ([]*ResearchSchedule, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
