package store

import (
	"encoding/json"
	"time"

	"github.com/arclab-ai/arc/pkg/schema"
)

// Workflow is the persisted representation of a research workflow instance.
type Workflow struct {
	ID              string                `json:"id"`
	ProjectID       string                `json:"project_id,omitempty"`
	Name            string                `json:"name,omitempty"`
	Status          schema.WorkflowStatus `json:"status"`
	CurrentStep     schema.Step           `json:"current_step"`
	State           schema.ResearchState  `json:"state"`
	CancelRequested bool                  `json:"cancel_requested"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Task is one attempt-cycle of a workflow step in the persisted queue.
type Task struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	Step           schema.Step       `json:"step"`
	Status         schema.TaskStatus `json:"status"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	RunAfter       time.Time         `json:"run_after"`
	LeaseUntil     *time.Time        `json:"lease_until,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Event is an immutable entry in the workflow event log.
type Event struct {
	ID         int64             `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	TaskID     string            `json:"task_id,omitempty"`
	Type       string            `json:"type"`
	Level      schema.EventLevel `json:"level"`
	Message    string            `json:"message,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Sequence   int64             `json:"sequence"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Gate is a human-in-the-loop approval request blocking a decision step.
type Gate struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	Step           schema.Step       `json:"step"`
	Title          string            `json:"title,omitempty"`
	Question       string            `json:"question,omitempty"`
	Options        []string          `json:"options"`
	Status         schema.GateStatus `json:"status"`
	SelectedOption string            `json:"selected_option,omitempty"`
	Comment        string            `json:"comment,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// Experiment is a materialized experiment owned by a workflow.
type Experiment struct {
	ID         string                  `json:"id"`
	WorkflowID string                  `json:"workflow_id"`
	GroupName  string                  `json:"group_name,omitempty"`
	Name       string                  `json:"name"`
	Script     string                  `json:"script,omitempty"`
	WorkingDir string                  `json:"working_dir,omitempty"`
	Resources  schema.ResourceConfig   `json:"resources"`
	Status     schema.ExperimentStatus `json:"status"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// Run tracks a cluster job submitted for an experiment.
type Run struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	ExperimentID string           `json:"experiment_id"`
	ClusterType  string           `json:"cluster_type,omitempty"`
	JobID        string           `json:"job_id,omitempty"`
	Status       schema.RunStatus `json:"status"`
	Metrics      json.RawMessage  `json:"metrics,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ScheduleEntry is a best-effort, human-readable mirror of step progress.
// Non-authoritative: the engine tolerates write failures here.
type ScheduleEntry struct {
	WorkflowID string      `json:"workflow_id"`
	Step       schema.Step `json:"step"`
	Status     string      `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ResearchSchedule is a cron-triggered recurring workflow definition.
type ResearchSchedule struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Goal           string              `json:"goal"`
	Constraints    []string            `json:"constraints,omitempty"`
	DecisionMode   schema.DecisionMode `json:"decision_mode"`
	CronExpression string              `json:"cron_expression"`
	Enabled        bool                `json:"enabled"`
	LastRunAt      *time.Time          `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time          `json:"next_run_at,omitempty"`
	LastRunStatus  string              `json:"last_run_status,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status    *schema.WorkflowStatus `json:"status,omitempty"`
	ProjectID string                 `json:"project_id,omitempty"`
	Since     *time.Time             `json:"since,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
	Offset    int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Status          *schema.WorkflowStatus `json:"status,omitempty"`
	CurrentStep     *schema.Step           `json:"current_step,omitempty"`
	State           *schema.ResearchState  `json:"state,omitempty"`
	CancelRequested *bool                  `json:"cancel_requested,omitempty"`
	ErrorMessage    *string                `json:"error_message,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	ClusterType  *string           `json:"cluster_type,omitempty"`
	JobID        *string           `json:"job_id,omitempty"`
	Metrics      json.RawMessage   `json:"metrics,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
}

// ScheduleFilter specifies criteria for listing research schedules.
type ScheduleFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a research schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// TaskWrite describes how ApplyOutcome finalizes the executing task.
type TaskWrite struct {
	Status   schema.TaskStatus `json:"status"`
	Result   json.RawMessage   `json:"result,omitempty"`
	RunAfter *time.Time        `json:"run_after,omitempty"` // requeue only
}

// OutcomeWrite is the single authoritative write applied after a step
// handler returns: workflow state/step/status, task finalization, optional
// next-task enqueue (idempotency-guarded), and exactly one event — all in
// one transaction.
type OutcomeWrite struct {
	WorkflowID     string
	TaskID         string
	State          *schema.ResearchState
	CurrentStep    *schema.Step
	WorkflowStatus *schema.WorkflowStatus
	ErrorMessage   *string
	CompletedAt    *time.Time
	Task           TaskWrite
	NextTask       *Task
	Event          *Event
}
