package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/internal/engine"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStarter records creation requests and fabricates workflows.
type fakeStarter struct {
	mu       sync.Mutex
	requests []engine.CreateWorkflowRequest
	err      error
}

func (f *fakeStarter) CreateWorkflow(ctx context.Context, req engine.CreateWorkflowRequest) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &store.Workflow{ID: req.ID, Status: schema.WorkflowStatusRunning}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStarter, *testClock, store.Store) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
	starter := &fakeStarter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(s, starter, clock, logger, time.Minute)
	return sched, starter, clock, s
}

func TestCreateScheduleValidatesCron(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name: "nightly", Goal: "g", CronExpression: "not a cron",
	})
	require.Error(t, err)

	_, err = sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name: "nightly", CronExpression: "0 2 * * *",
	})
	require.Error(t, err, "goal is required")

	got, err := sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name: "nightly", Goal: "retrain nightly", CronExpression: "0 2 * * *", Enabled: true,
	})
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, 2, got.NextRunAt.Hour())
	assert.Equal(t, schema.DecisionModeHuman, got.DecisionMode)
}

func TestSchedulerFiresOncePerOccurrence(t *testing.T) {
	sched, starter, clock, st := newTestScheduler(t)
	ctx := context.Background()

	created, err := sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name:           "every-minute",
		Goal:           "reduce validation loss",
		DecisionMode:   schema.DecisionModeAutonomous,
		CronExpression: "* * * * *",
		Enabled:        true,
	})
	require.NoError(t, err)

	// Deadline is the next minute boundary; nothing fires yet.
	assert.Equal(t, 0, sched.RunOnce(ctx))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, sched.RunOnce(ctx))
	assert.Equal(t, 1, starter.count())

	// Same tick again: the deadline moved forward, no duplicate.
	assert.Equal(t, 0, sched.RunOnce(ctx))
	assert.Equal(t, 1, starter.count())

	got, err := st.GetResearchSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "triggered", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(clock.Now()))

	// The occurrence is encoded in the workflow ID and the request carries
	// the schedule's goal and mode.
	req := starter.requests[0]
	assert.Contains(t, req.ID, "sched-"+created.ID)
	assert.Equal(t, "reduce validation loss", req.Goal)
	assert.Equal(t, schema.DecisionModeAutonomous, req.DecisionMode)

	// The new workflow's log records the trigger.
	events, err := st.GetEvents(ctx, req.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventScheduleTriggered, events[0].Type)
}

func TestSchedulerSkipsDisabledSchedules(t *testing.T) {
	sched, starter, clock, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name: "paused", Goal: "g", CronExpression: "* * * * *", Enabled: false,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, sched.RunOnce(ctx))
	assert.Equal(t, 0, starter.count())
}

func TestSetEnabledRearmsDeadline(t *testing.T) {
	sched, starter, clock, st := newTestScheduler(t)
	ctx := context.Background()

	created, err := sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name: "toggled", Goal: "g", CronExpression: "* * * * *", Enabled: false,
	})
	require.NoError(t, err)

	// A long pause passes while disabled.
	clock.Advance(3 * time.Hour)
	require.NoError(t, sched.SetEnabled(ctx, created.ID, true))

	// Re-enabling armed a fresh deadline; the backlog does not fire.
	assert.Equal(t, 0, sched.RunOnce(ctx))
	assert.Equal(t, 0, starter.count())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, sched.RunOnce(ctx))

	got, err := st.GetResearchSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestTriggerFailureIsRecorded(t *testing.T) {
	sched, starter, clock, st := newTestScheduler(t)
	ctx := context.Background()
	starter.err = schema.NewError(schema.ErrCodeValidation, "goal rejected")

	created, err := sched.CreateSchedule(ctx, CreateScheduleRequest{
		Name: "broken", Goal: "g", CronExpression: "* * * * *", Enabled: true,
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, sched.RunOnce(ctx))

	got, err := st.GetResearchSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastRunStatus, "goal rejected")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(clock.Now()), "failed triggers still move the deadline")
}
