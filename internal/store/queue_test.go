package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/pkg/schema"
)

func seedTask(t *testing.T, s *LibSQLStore, wf *Workflow, step schema.Step) *Task {
	t.Helper()
	task := &Task{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Step:           step,
		Status:         schema.TaskStatusPending,
		MaxAttempts:    3,
		RunAfter:       time.Now().UTC().Add(-time.Second),
		IdempotencyKey: fmt.Sprintf("wf:%s:step:%s:after:seed", wf.ID, step),
	}
	created, err := s.CreateTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func TestCreateTask_IdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	key := fmt.Sprintf("wf:%s:step:plan_generate:after:t0", wf.ID)
	first := &Task{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Step:           schema.StepPlanGenerate,
		IdempotencyKey: key,
	}
	created, err := s.CreateTask(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	// Same key while the first task is live: silently skipped.
	dup := &Task{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Step:           schema.StepPlanGenerate,
		IdempotencyKey: key,
	}
	created, err = s.CreateTask(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	tasks, err := s.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, first.ID, tasks[0].ID)

	// Once the first task is terminal the key is reusable.
	leased, err := s.LeaseTask(ctx, first.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, leased)
	require.NoError(t, s.MarkTaskRunning(ctx, first.ID))
	require.NoError(t, s.FailTask(ctx, first.ID, "boom"))

	created, err = s.CreateTask(ctx, &Task{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Step:           schema.StepPlanGenerate,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestLeaseTask_Exclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	task := seedTask(t, s, wf, schema.StepPlanGenerate)

	until := time.Now().UTC().Add(20 * time.Second)
	won, err := s.LeaseTask(ctx, task.ID, until)
	require.NoError(t, err)
	assert.True(t, won)

	// Second claim loses: the task is no longer pending.
	won, err = s.LeaseTask(ctx, task.ID, until)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusLeased, got.Status)
	require.NotNil(t, got.LeaseUntil)
}

func TestReclaimExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	expired := seedTask(t, s, wf, schema.StepPlanGenerate)
	fresh := seedTask(t, s, wf, schema.StepResultsAnalyze)

	now := time.Now().UTC()
	won, err := s.LeaseTask(ctx, expired.ID, now.Add(-time.Second))
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.LeaseTask(ctx, fresh.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	n, err := s.ReclaimExpiredLeases(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Nil(t, got.LeaseUntil)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusLeased, got.Status)
}

func TestDueTasks_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	now := time.Now().UTC()
	mk := func(step schema.Step, runAfter time.Time) *Task {
		task := &Task{
			ID:         uuid.New().String(),
			WorkflowID: wf.ID,
			Step:       step,
			RunAfter:   runAfter,
			CreatedAt:  now.Add(-time.Hour),
		}
		created, err := s.CreateTask(ctx, task)
		require.NoError(t, err)
		require.True(t, created)
		return task
	}

	later := mk(schema.StepResultsAnalyze, now.Add(-time.Second))
	earliest := mk(schema.StepPlanGenerate, now.Add(-time.Minute))
	future := mk(schema.StepReportGenerate, now.Add(time.Hour))

	due, err := s.DueTasks(ctx, now, 5)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earliest.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)

	due, err = s.DueTasks(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, earliest.ID, due[0].ID)
	_ = future
}

func TestMarkTaskRunning_CountsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	task := seedTask(t, s, wf, schema.StepPlanGenerate)

	// Running requires a lease.
	err := s.MarkTaskRunning(ctx, task.ID)
	require.Error(t, err)

	won, err := s.LeaseTask(ctx, task.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRetryTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	task := seedTask(t, s, wf, schema.StepPlanGenerate)

	won, err := s.LeaseTask(ctx, task.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, task.ID))

	backoff := time.Now().UTC().Add(5 * time.Second)
	require.NoError(t, s.RetryTask(ctx, task.ID, 1, backoff, "planner unavailable"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "planner unavailable", got.ErrorMessage)
	assert.Nil(t, got.LeaseUntil)

	// Not due until the backoff deadline passes.
	due, err := s.DueTasks(ctx, time.Now().UTC(), 5)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestApplyOutcome_CompletesAndChains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	task := seedTask(t, s, wf, schema.StepPlanGenerate)

	won, err := s.LeaseTask(ctx, task.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, task.ID))

	nextStep := schema.StepDirectionGate
	state := wf.State
	state.Plan = &schema.Plan{Summary: "two groups", Groups: []schema.ExperimentGroup{{Name: "baselines"}}}
	next := &Task{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		Step:           nextStep,
		IdempotencyKey: fmt.Sprintf("wf:%s:step:%s:after:%s", wf.ID, nextStep, task.ID),
	}
	require.NoError(t, s.ApplyOutcome(ctx, &OutcomeWrite{
		WorkflowID:  wf.ID,
		TaskID:      task.ID,
		State:       &state,
		CurrentStep: &nextStep,
		Task:        TaskWrite{Status: schema.TaskStatusCompleted, Result: json.RawMessage(`{"ok":true}`)},
		NextTask:    next,
		Event: &Event{
			WorkflowID: wf.ID,
			TaskID:     task.ID,
			Type:       schema.EventStepCompleted,
		},
	}))

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, gotTask.Status)
	assert.JSONEq(t, `{"ok":true}`, string(gotTask.Result))

	gotWf, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepDirectionGate, gotWf.CurrentStep)
	require.NotNil(t, gotWf.State.Plan)
	assert.Equal(t, "two groups", gotWf.State.Plan.Summary)

	gotNext, err := s.GetTask(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, gotNext.Status)

	events, err := s.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStepCompleted, events[0].Type)
}

func TestApplyOutcome_RequeueKeepsTaskAlive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	task := seedTask(t, s, wf, schema.StepRunsWaitTerminal)

	// Several polling-wait cycles. Waiting on a gate or a cluster run is
	// not a retry: the requeue gives back the attempt counted at start, so
	// a task can wait through arbitrarily many cycles with a full budget.
	for cycle := 1; cycle <= 4; cycle++ {
		won, err := s.LeaseTask(ctx, task.ID, time.Now().UTC().Add(20*time.Second))
		require.NoError(t, err)
		require.True(t, won, "cycle %d", cycle)
		require.NoError(t, s.MarkTaskRunning(ctx, task.ID))

		runAfter := time.Now().UTC().Add(-time.Second)
		require.NoError(t, s.ApplyOutcome(ctx, &OutcomeWrite{
			WorkflowID: wf.ID,
			TaskID:     task.ID,
			Task:       TaskWrite{Status: schema.TaskStatusPending, RunAfter: &runAfter},
			Event: &Event{
				WorkflowID: wf.ID,
				TaskID:     task.ID,
				Type:       schema.EventStepWaiting,
			},
		}))

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.TaskStatusPending, got.Status)
		assert.Nil(t, got.LeaseUntil)
		assert.Equal(t, 0, got.Attempts, "after %d polling-wait cycles", cycle)
	}

	// A real failure afterwards still has the whole retry budget.
	won, err := s.LeaseTask(ctx, task.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, task.ID))
	require.NoError(t, s.RetryTask(ctx, task.ID, 1, time.Now().UTC().Add(5*time.Second), "cluster hiccup"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Less(t, got.Attempts, got.MaxAttempts)
}

func TestApplyOutcome_StaleExecutorRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	task := seedTask(t, s, wf, schema.StepPlanGenerate)

	won, err := s.LeaseTask(ctx, task.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, task.ID))
	require.NoError(t, s.FailTask(ctx, task.ID, "lease reclaimed elsewhere"))

	// The task already left the running state; the outcome must not apply,
	// and the workflow row must stay untouched.
	nextStep := schema.StepDirectionGate
	err = s.ApplyOutcome(ctx, &OutcomeWrite{
		WorkflowID:  wf.ID,
		TaskID:      task.ID,
		CurrentStep: &nextStep,
		Task:        TaskWrite{Status: schema.TaskStatusCompleted},
	})
	require.Error(t, err)

	gotWf, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepPlanGenerate, gotWf.CurrentStep)
}

func TestResetForResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	failed := seedTask(t, s, wf, schema.StepPlanGenerate)
	won, err := s.LeaseTask(ctx, failed.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, failed.ID))
	require.NoError(t, s.FailTask(ctx, failed.ID, "exhausted"))

	completed := seedTask(t, s, wf, schema.StepResultsAnalyze)
	won, err = s.LeaseTask(ctx, completed.ID, time.Now().UTC().Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.MarkTaskRunning(ctx, completed.ID))
	require.NoError(t, s.ApplyOutcome(ctx, &OutcomeWrite{
		WorkflowID: wf.ID,
		TaskID:     completed.ID,
		Task:       TaskWrite{Status: schema.TaskStatusCompleted},
	}))

	n, err := s.ResetForResume(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)

	got, err = s.GetTask(ctx, completed.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
}
