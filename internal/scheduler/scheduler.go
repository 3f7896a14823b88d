// Package scheduler turns recurring research schedules into workflows. A
// schedule holds a cron expression; on each tick the scheduler fires every
// schedule whose next-run deadline passed and records the outcome back on
// the schedule row. Triggered creations are idempotent per occurrence, so a
// double tick (or two scheduler replicas) starts one workflow, not two.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/arclab-ai/arc/internal/engine"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// DefaultCheckInterval is how often schedules are evaluated. Cron precision
// is one minute, so checking more often buys nothing.
const DefaultCheckInterval = 60 * time.Second

// WorkflowStarter is the slice of the engine service the scheduler needs.
type WorkflowStarter interface {
	CreateWorkflow(ctx context.Context, req engine.CreateWorkflowRequest) (*store.Workflow, error)
}

// CreateScheduleRequest describes a new recurring schedule.
type CreateScheduleRequest struct {
	Name           string              `json:"name"`
	Goal           string              `json:"goal"`
	Constraints    []string            `json:"constraints,omitempty"`
	DecisionMode   schema.DecisionMode `json:"decision_mode,omitempty"`
	CronExpression string              `json:"cron_expression"`
	Enabled        bool                `json:"enabled"`
}

// Scheduler evaluates research schedules against the clock.
type Scheduler struct {
	store    store.Store
	starter  WorkflowStarter
	parser   cron.Parser
	clock    engine.Clock
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. interval <= 0 uses the default.
func New(s store.Store, starter WorkflowStarter, clock engine.Clock, logger *slog.Logger, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = engine.NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		clock:    clock,
		logger:   logger,
		interval: interval,
	}
}

// CreateSchedule validates the cron expression, computes the first deadline
// and persists the schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*store.ResearchSchedule, error) {
	if req.Goal == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule goal is required")
	}
	spec, err := s.parser.Parse(req.CronExpression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", req.CronExpression, err.Error())
	}
	mode := req.DecisionMode
	if mode == "" {
		mode = schema.DecisionModeHuman
	}

	next := spec.Next(s.clock.Now())
	sched := &store.ResearchSchedule{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Goal:           req.Goal,
		Constraints:    req.Constraints,
		DecisionMode:   mode,
		CronExpression: req.CronExpression,
		Enabled:        req.Enabled,
		NextRunAt:      &next,
	}
	if err := s.store.CreateResearchSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// SetEnabled flips a schedule on or off. Re-enabling recomputes the next
// deadline so a long-disabled schedule does not fire a backlog.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.store.GetResearchSchedule(ctx, id)
	if err != nil {
		return err
	}
	update := store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		spec, err := s.parser.Parse(sched.CronExpression)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cron expression %q: %s", sched.CronExpression, err.Error())
		}
		next := spec.Next(s.clock.Now())
		update.NextRunAt = &next
	}
	return s.store.UpdateResearchSchedule(ctx, id, update)
}

// List returns schedules matching the filter.
func (s *Scheduler) List(ctx context.Context, filter store.ScheduleFilter) ([]*store.ResearchSchedule, error) {
	return s.store.ListResearchSchedules(ctx, filter)
}

// Start launches the evaluation loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.InfoContext(ctx, "schedule loop started", slog.Duration("interval", s.interval))
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every enabled schedule and returns how many fired.
// Exported so tests and one-shot tools can drive the scheduler without the
// background loop.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	enabled := true
	scheds, err := s.store.ListResearchSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule list failed", slog.String("error", err.Error()))
		return 0
	}

	now := s.clock.Now()
	fired := 0
	for _, sched := range scheds {
		spec, err := s.parser.Parse(sched.CronExpression)
		if err != nil {
			s.logger.ErrorContext(ctx, "schedule has an invalid cron expression",
				slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
			continue
		}

		// First sighting: arm the deadline without firing.
		if sched.NextRunAt == nil {
			next := spec.Next(now)
			if err := s.store.UpdateResearchSchedule(ctx, sched.ID, store.ScheduleUpdate{NextRunAt: &next}); err != nil {
				s.logger.ErrorContext(ctx, "schedule arm failed",
					slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
			}
			continue
		}
		if sched.NextRunAt.After(now) {
			continue
		}

		if s.trigger(ctx, sched, *sched.NextRunAt, spec.Next(now)) {
			fired++
		}
	}
	return fired
}

// trigger starts one workflow for the occurrence. The workflow ID encodes
// the schedule and the occurrence time, so a concurrent or repeated trigger
// of the same occurrence resolves to the same workflow.
func (s *Scheduler) trigger(ctx context.Context, sched *store.ResearchSchedule, occurrence, next time.Time) bool {
	wf, err := s.starter.CreateWorkflow(ctx, engine.CreateWorkflowRequest{
		ID:           fmt.Sprintf("sched-%s-%d", sched.ID, occurrence.Unix()),
		Name:         fmt.Sprintf("%s @ %s", sched.Name, occurrence.Format(time.RFC3339)),
		Goal:         sched.Goal,
		Constraints:  sched.Constraints,
		DecisionMode: sched.DecisionMode,
	})

	now := s.clock.Now()
	update := store.ScheduleUpdate{LastRunAt: &now, NextRunAt: &next}
	if err != nil {
		update.LastRunStatus = "error: " + err.Error()
		s.logger.ErrorContext(ctx, "schedule trigger failed",
			slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
	} else {
		update.LastRunStatus = "triggered"
		s.appendTriggerEvent(ctx, sched, wf.ID)
		s.logger.InfoContext(ctx, "schedule triggered",
			slog.String("schedule_id", sched.ID), slog.String("workflow_id", wf.ID))
	}
	if uerr := s.store.UpdateResearchSchedule(ctx, sched.ID, update); uerr != nil {
		s.logger.ErrorContext(ctx, "schedule bookkeeping failed",
			slog.String("schedule_id", sched.ID), slog.String("error", uerr.Error()))
	}
	return err == nil
}

func (s *Scheduler) appendTriggerEvent(ctx context.Context, sched *store.ResearchSchedule, workflowID string) {
	err := s.store.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		Type:       schema.EventScheduleTriggered,
		Level:      schema.LevelInfo,
		Message:    fmt.Sprintf("started by schedule %s (%s)", sched.Name, sched.CronExpression),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "trigger event append failed",
			slog.String("schedule_id", sched.ID), slog.String("error", err.Error()))
	}
}
