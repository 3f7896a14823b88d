package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/internal/expressions"
	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// DefaultMaxAttempts is the per-task attempt budget.
const DefaultMaxAttempts = 3

// Kicker wakes the queue after an enqueue. The poller implements it.
type Kicker interface {
	Kick()
}

// CreateWorkflowRequest describes a new research workflow. ID is optional:
// clients that retry creation pass their own ID and get the existing
// workflow back instead of a duplicate.
type CreateWorkflowRequest struct {
	ID               string              `json:"id,omitempty"`
	Name             string              `json:"name,omitempty"`
	ProjectID        string              `json:"project_id,omitempty"`
	Goal             string              `json:"goal"`
	Constraints      []string            `json:"constraints,omitempty"`
	DecisionMode     schema.DecisionMode `json:"decision_mode,omitempty"`
	PreferredCluster string              `json:"preferred_cluster,omitempty"`
	MaxAttempts      int                 `json:"max_attempts,omitempty"`
}

// WorkflowStatusReport aggregates everything the ops surface shows for one
// workflow.
type WorkflowStatusReport struct {
	Workflow     *store.Workflow     `json:"workflow"`
	Tasks        []*store.Task       `json:"tasks,omitempty"`
	PendingGates []*store.Gate       `json:"pending_gates,omitempty"`
	Experiments  []*store.Experiment `json:"experiments,omitempty"`
	Runs         []*store.Run        `json:"runs,omitempty"`
}

// Service is the workflow lifecycle API: create, cancel, resume, inspect.
// Execution itself belongs to the poller; the service only writes intent
// into the store and kicks the queue.
type Service struct {
	store       store.Store
	jq          *expressions.GoJQEngine
	kicker      Kicker
	clock       Clock
	logger      *slog.Logger
	maxAttempts int
}

// NewService creates the lifecycle service. kicker may be nil (no queue
// wake-up, the next poll interval picks new work up).
func NewService(s store.Store, jq *expressions.GoJQEngine, kicker Kicker, clock Clock, logger *slog.Logger, maxAttempts int) *Service {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		store:       s,
		jq:          jq,
		kicker:      kicker,
		clock:       clock,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// CreateWorkflow persists a workflow and enqueues its first step. Creation
// with a caller-supplied ID is idempotent: an existing workflow with that ID
// is returned unchanged.
func (s *Service) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*store.Workflow, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow goal is required")
	}
	mode := req.DecisionMode
	if mode == "" {
		mode = schema.DecisionModeHuman
	}
	if mode != schema.DecisionModeHuman && mode != schema.DecisionModeAutonomous {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision mode %q", mode)
	}

	id := req.ID
	if id != "" {
		existing, err := s.store.GetWorkflow(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	} else {
		id = uuid.New().String()
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	wf := &store.Workflow{
		ID:          id,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Status:      schema.WorkflowStatusRunning,
		CurrentStep: schema.StepPlanGenerate,
		State: schema.ResearchState{
			Goal:             strings.TrimSpace(req.Goal),
			Constraints:      req.Constraints,
			DecisionMode:     mode,
			PreferredCluster: req.PreferredCluster,
		},
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflowID(ctx, wf.ID)
	s.appendEvent(ctx, wf.ID, "", schema.EventWorkflowCreated, schema.LevelInfo,
		"workflow created: "+wf.State.Goal,
		map[string]any{"decision_mode": string(mode)})

	if _, err := s.store.CreateTask(ctx, &store.Task{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Step:           schema.StepPlanGenerate,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: taskKey(wf.ID, schema.StepPlanGenerate, "create"),
		RunAfter:       s.clock.Now(),
	}); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, s.logger).InfoContext(ctx, "workflow created",
		slog.String("decision_mode", string(mode)))
	s.kick()
	return wf, nil
}

// Cancel requests cooperative cancellation. The flag is honored at the next
// step boundary; in-flight handler work finishes first.
func (s *Service) Cancel(ctx context.Context, id string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already %s", id, wf.Status)
	}
	if wf.CancelRequested {
		return nil
	}

	requested := true
	if err := s.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{CancelRequested: &requested}); err != nil {
		return err
	}
	s.appendEvent(ctx, id, "", schema.EventCancelRequested, schema.LevelInfo, "cancellation requested", nil)
	s.kick()
	return nil
}

// Resume restarts a failed or cancelled workflow from its current step.
// Dead tasks return to the queue keeping their attempt count; if none
// revive, a new task for the current step is enqueued.
func (s *Service) Resume(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusFailed && wf.Status != schema.WorkflowStatusCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is %s, only failed or cancelled workflows resume", id, wf.Status)
	}

	revived, err := s.store.ResetForResume(ctx, id)
	if err != nil {
		return nil, err
	}

	status := schema.WorkflowStatusRunning
	requested := false
	empty := ""
	if err := s.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{
		Status:          &status,
		CancelRequested: &requested,
		ErrorMessage:    &empty,
	}); err != nil {
		return nil, err
	}

	if revived == 0 {
		if _, err := s.store.CreateTask(ctx, &store.Task{
			ID:             uuid.New().String(),
			WorkflowID:     id,
			Step:           wf.CurrentStep,
			MaxAttempts:    s.maxAttempts,
			IdempotencyKey: taskKey(id, wf.CurrentStep, "resume"),
			RunAfter:       s.clock.Now(),
		}); err != nil {
			return nil, err
		}
	}

	s.appendEvent(ctx, id, "", schema.EventWorkflowResumed, schema.LevelInfo,
		"workflow resumed at "+string(wf.CurrentStep),
		map[string]any{"revived_tasks": revived})
	s.kick()
	return s.store.GetWorkflow(ctx, id)
}

// ResolveGate records a human decision on a pending gate and wakes the
// polling task.
func (s *Service) ResolveGate(ctx context.Context, gateID, action, comment string) error {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	if gate.Status != schema.GateStatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "gate %s is already %s", gateID, gate.Status)
	}
	valid := false
	for _, opt := range gate.Options {
		if opt == action {
			valid = true
			break
		}
	}
	if !valid {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"action %q is not an option of gate %s (options: %s)", action, gateID, strings.Join(gate.Options, ", "))
	}

	status := schema.GateStatusApproved
	switch schema.GateAction(action) {
	case schema.ActionStopWorkflow:
		status = schema.GateStatusRejected
	case schema.ActionRequestChanges:
		status = schema.GateStatusChangesRequested
	}
	if err := s.store.ResolveGate(ctx, gateID, string(status), action, comment); err != nil {
		return err
	}
	s.kick()
	return nil
}

// Get returns one workflow.
func (s *Service) Get(ctx context.Context, id string) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter.
func (s *Service) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Events returns the workflow's event log after the given sequence.
func (s *Service) Events(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	return s.store.GetEvents(ctx, id, since)
}

// Status aggregates the workflow with its tasks, open gates, experiments
// and runs.
func (s *Service) Status(ctx context.Context, id string) (*WorkflowStatusReport, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	gates, err := s.store.ListPendingGates(ctx, id)
	if err != nil {
		return nil, err
	}
	exps, err := s.store.ListExperiments(ctx, id)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WorkflowStatusReport{
		Workflow:     wf,
		Tasks:        tasks,
		PendingGates: gates,
		Experiments:  exps,
		Runs:         runs,
	}, nil
}

// ContextQuery evaluates a jq expression against the workflow's research
// state, e.g. `.plan.groups[].name` or `.analysis.recommendations`.
func (s *Service) ContextQuery(ctx context.Context, id, expression string) (any, error) {
	if s.jq == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "context queries are not configured")
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(wf.State)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "state marshal failed: %s", err.Error())
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "state unmarshal failed: %s", err.Error())
	}
	return s.jq.Evaluate(ctx, expression, data)
}

func (s *Service) appendEvent(ctx context.Context, workflowID, taskID, typ string, level schema.EventLevel, msg string, data map[string]any) {
	ev := &store.Event{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Type:       typ,
		Level:      level,
		Message:    msg,
	}
	if len(data) > 0 {
		ev.Data = mustJSON(data)
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "event append failed",
			slog.String("type", typ), slog.String("error", err.Error()))
	}
}

func (s *Service) kick() {
	if s.kicker != nil {
		s.kicker.Kick()
	}
}

func isNotFound(err error) bool {
	arcErr, ok := err.(*schema.ArcError)
	return ok && arcErr.Code == schema.ErrCodeNotFound
}
