package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/internal/research"
	"github.com/arclab-ai/arc/internal/streaming"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// Retry backoff: attempts * step, capped. With the default three attempts a
// task waits 5s then 10s before the final try.
const (
	DefaultRetryBackoffStep = 5 * time.Second
	DefaultMaxRetryBackoff  = 60 * time.Second
)

// taskKey builds the idempotency key that makes step chaining exactly-once:
// the same (workflow, next step, predecessor task) can only enqueue one live
// task.
func taskKey(workflowID string, step schema.Step, afterTaskID string) string {
	return fmt.Sprintf("wf:%s:step:%s:after:%s", workflowID, step, afterTaskID)
}

// Executor runs one leased task end to end: cancel check, handler dispatch,
// transactional outcome write, retry bookkeeping. It never panics outward;
// a panicking handler consumes an attempt like any other failure.
type Executor struct {
	store    store.Store
	registry *Registry
	hub      streaming.EventHub
	mirror   research.Mirror
	clock    Clock
	logger   *slog.Logger

	retryBackoffStep time.Duration
	maxRetryBackoff  time.Duration
}

// NewExecutor wires an executor. hub may be nil (no streaming); mirror may
// be nil (no schedule mirror).
func NewExecutor(s store.Store, registry *Registry, hub streaming.EventHub, mirror research.Mirror, clock Clock, logger *slog.Logger) *Executor {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mirror == nil {
		mirror = research.NopMirror{}
	}
	return &Executor{
		store:            s,
		registry:         registry,
		hub:              hub,
		mirror:           mirror,
		clock:            clock,
		logger:           logger,
		retryBackoffStep: DefaultRetryBackoffStep,
		maxRetryBackoff:  DefaultMaxRetryBackoff,
	}
}

// Execute processes a task the caller has already leased. All failure modes
// are absorbed into the task's retry budget; Execute itself never returns an
// error because there is no caller that could do better than the queue.
func (e *Executor) Execute(ctx context.Context, task *store.Task) {
	ctx = logging.WithIDs(ctx, task.WorkflowID, task.ID, string(task.Step))
	log := logging.LogWith(ctx, e.logger)

	if err := e.store.MarkTaskRunning(ctx, task.ID); err != nil {
		// Lease lost between poll and start; someone else owns the task.
		log.WarnContext(ctx, "task no longer leased, skipping", slog.String("error", err.Error()))
		return
	}
	task.Attempts++ // mirrors the increment MarkTaskRunning just persisted

	wf, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		e.handleFailure(ctx, nil, task, err)
		return
	}

	if wf.Status.IsTerminal() || wf.CancelRequested {
		e.cancelTask(ctx, wf, task)
		return
	}

	e.record(ctx, &store.Event{
		WorkflowID: wf.ID,
		TaskID:     task.ID,
		Type:       schema.EventStepStarted,
		Level:      schema.LevelInfo,
		Message:    fmt.Sprintf("step %s started (attempt %d/%d)", task.Step, task.Attempts, task.MaxAttempts),
	})
	e.mirror.Record(ctx, wf.ID, task.Step, "running", "")

	sc := &StepContext{
		Workflow: wf,
		Task:     task,
		State:    cloneState(&wf.State),
		Logger:   log,
	}
	out, err := e.dispatch(ctx, task.Step, sc)
	if err == nil {
		err = out.Validate()
	}
	if err != nil {
		e.handleFailure(ctx, wf, task, err)
		return
	}

	e.applyOutcome(ctx, wf, task, out)
}

// dispatch resolves and runs the handler, converting panics into errors.
func (e *Executor) dispatch(ctx context.Context, step schema.Step, sc *StepContext) (out *Outcome, err error) {
	fn, err := e.registry.Resolve(step)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "step %s panicked: %v", step, r)
		}
	}()
	return fn(ctx, sc)
}

// cancelTask honors a cooperative cancellation: the task and workflow close
// out in one transaction before any handler work happens.
func (e *Executor) cancelTask(ctx context.Context, wf *store.Workflow, task *store.Task) {
	w := &store.OutcomeWrite{
		WorkflowID: wf.ID,
		TaskID:     task.ID,
		Task:       store.TaskWrite{Status: schema.TaskStatusCancelled},
		Event: e.newEvent(wf.ID, task.ID, schema.EventStepCancelled, schema.LevelInfo,
			fmt.Sprintf("step %s cancelled", task.Step), nil),
	}
	if !wf.Status.IsTerminal() {
		status := schema.WorkflowStatusCancelled
		now := e.clock.Now()
		w.WorkflowStatus = &status
		w.CompletedAt = &now
	}
	if err := e.store.ApplyOutcome(ctx, w); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "cancel write failed", slog.String("error", err.Error()))
		return
	}
	e.publish(ctx, w.Event)
	if w.WorkflowStatus != nil {
		e.finishWorkflow(ctx, wf.ID, task.ID, schema.WorkflowStatusCancelled, "cancel requested")
	}
	e.mirror.Record(ctx, wf.ID, task.Step, "cancelled", "cancel requested")
}

// handleFailure spends one attempt: requeue with backoff while budget
// remains, otherwise fail the task and the workflow together.
func (e *Executor) handleFailure(ctx context.Context, wf *store.Workflow, task *store.Task, cause error) {
	log := logging.LogWith(ctx, e.logger)

	if task.Attempts < task.MaxAttempts {
		backoff := e.backoff(task.Attempts)
		runAfter := e.clock.Now().Add(backoff)
		if err := e.store.RetryTask(ctx, task.ID, task.Attempts, runAfter, cause.Error()); err != nil {
			log.ErrorContext(ctx, "retry write failed", slog.String("error", err.Error()))
			return
		}
		log.WarnContext(ctx, "step failed, retrying",
			slog.Int("attempt", task.Attempts),
			slog.Duration("backoff", backoff),
			slog.String("error", cause.Error()))
		e.record(ctx, &store.Event{
			WorkflowID: task.WorkflowID,
			TaskID:     task.ID,
			Type:       schema.EventStepRetry,
			Level:      schema.LevelWarning,
			Message:    cause.Error(),
			Data:       mustJSON(map[string]any{"attempt": task.Attempts, "backoff_ms": backoff.Milliseconds()}),
		})
		e.mirror.Record(ctx, task.WorkflowID, task.Step, "retrying", cause.Error())
		return
	}

	// Attempt budget spent: the workflow fails with the task.
	errMsg := cause.Error()
	status := schema.WorkflowStatusFailed
	now := e.clock.Now()
	w := &store.OutcomeWrite{
		WorkflowID:     task.WorkflowID,
		TaskID:         task.ID,
		WorkflowStatus: &status,
		ErrorMessage:   &errMsg,
		CompletedAt:    &now,
		Task:           store.TaskWrite{Status: schema.TaskStatusFailed},
		Event: e.newEvent(task.WorkflowID, task.ID, schema.EventStepFailed, schema.LevelError,
			fmt.Sprintf("step %s failed after %d attempts: %s", task.Step, task.Attempts, errMsg), nil),
	}
	if err := e.store.ApplyOutcome(ctx, w); err != nil {
		log.ErrorContext(ctx, "failure write failed", slog.String("error", err.Error()))
		return
	}
	log.ErrorContext(ctx, "step exhausted its attempts",
		slog.Int("attempts", task.Attempts), slog.String("error", errMsg))
	e.publish(ctx, w.Event)
	e.finishWorkflow(ctx, task.WorkflowID, task.ID, schema.WorkflowStatusFailed, errMsg)
	e.mirror.Record(ctx, task.WorkflowID, task.Step, "failed", errMsg)
}

// applyOutcome turns a handler outcome into the single transactional write.
func (e *Executor) applyOutcome(ctx context.Context, wf *store.Workflow, task *store.Task, out *Outcome) {
	log := logging.LogWith(ctx, e.logger)

	state := *patchedState(wf, out)
	w := &store.OutcomeWrite{
		WorkflowID: wf.ID,
		TaskID:     task.ID,
		State:      &state,
		Task:       store.TaskWrite{Status: schema.TaskStatusCompleted},
	}

	switch {
	case out.Terminal != "":
		now := e.clock.Now()
		w.WorkflowStatus = &out.Terminal
		w.CompletedAt = &now
		w.Task.Result = mustJSON(map[string]any{"terminal": string(out.Terminal), "detail": out.Detail})
		w.Event = e.newEvent(wf.ID, task.ID, schema.EventStepCompleted, schema.LevelInfo,
			fmt.Sprintf("step %s completed: workflow %s", task.Step, out.Terminal), out.Data)

	case out.RequeueAfter > 0:
		runAfter := e.clock.Now().Add(out.RequeueAfter)
		w.Task = store.TaskWrite{Status: schema.TaskStatusPending, RunAfter: &runAfter}
		if out.WaitingHuman && wf.Status != schema.WorkflowStatusWaitingHuman {
			status := schema.WorkflowStatusWaitingHuman
			w.WorkflowStatus = &status
		}
		w.Event = e.newEvent(wf.ID, task.ID, schema.EventStepWaiting, schema.LevelInfo,
			fmt.Sprintf("step %s waiting: %s", task.Step, out.Detail), out.Data)

	default:
		w.CurrentStep = &out.NextStep
		if wf.Status != schema.WorkflowStatusRunning {
			status := schema.WorkflowStatusRunning
			w.WorkflowStatus = &status
		}
		w.Task.Result = mustJSON(map[string]any{"next_step": string(out.NextStep), "detail": out.Detail})
		w.NextTask = &store.Task{
			ID:             uuid.New().String(),
			WorkflowID:     wf.ID,
			Step:           out.NextStep,
			MaxAttempts:    task.MaxAttempts,
			IdempotencyKey: taskKey(wf.ID, out.NextStep, task.ID),
			RunAfter:       e.clock.Now(),
		}
		w.Event = e.newEvent(wf.ID, task.ID, schema.EventStepCompleted, schema.LevelInfo,
			fmt.Sprintf("step %s completed: %s", task.Step, out.Detail), out.Data)
	}

	if err := e.store.ApplyOutcome(ctx, w); err != nil {
		var arcErr *schema.ArcError
		if errors.As(err, &arcErr) && arcErr.Code == schema.ErrCodeConflict {
			// Lease was reclaimed mid-step and another executor finished the
			// task; this result is stale and must not be written.
			log.WarnContext(ctx, "outcome discarded, task no longer owned", slog.String("error", err.Error()))
			return
		}
		e.handleFailure(ctx, wf, task, err)
		return
	}

	e.publish(ctx, w.Event)
	switch {
	case out.Terminal != "":
		e.finishWorkflow(ctx, wf.ID, task.ID, out.Terminal, out.Detail)
		e.mirror.Record(ctx, wf.ID, task.Step, string(out.Terminal), out.Detail)
	case out.RequeueAfter > 0:
		e.mirror.Record(ctx, wf.ID, task.Step, "waiting", out.Detail)
	default:
		e.mirror.Record(ctx, wf.ID, task.Step, "completed", out.Detail)
	}
}

// finishWorkflow appends the workflow.finished marker after the terminal
// transaction has committed.
func (e *Executor) finishWorkflow(ctx context.Context, workflowID, taskID string, status schema.WorkflowStatus, detail string) {
	level := schema.LevelInfo
	if status == schema.WorkflowStatusFailed {
		level = schema.LevelError
	}
	e.record(ctx, &store.Event{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Type:       schema.EventWorkflowFinished,
		Level:      level,
		Message:    fmt.Sprintf("workflow %s: %s", status, detail),
		Data:       mustJSON(map[string]any{"status": string(status)}),
	})
}

func (e *Executor) backoff(attempts int) time.Duration {
	d := time.Duration(attempts) * e.retryBackoffStep
	if d > e.maxRetryBackoff {
		d = e.maxRetryBackoff
	}
	return d
}

func (e *Executor) newEvent(workflowID, taskID, typ string, level schema.EventLevel, msg string, data map[string]any) *store.Event {
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
	return ev
}

// record appends an event outside the outcome transaction and publishes it.
// Append failures are logged, not fatal: the log is a trace, the queue is
// the authority.
func (e *Executor) record(ctx context.Context, ev *store.Event) {
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "event append failed",
			slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
	e.publish(ctx, ev)
}

func (e *Executor) publish(ctx context.Context, ev *store.Event) {
	if e.hub == nil || ev == nil {
		return
	}
	se := streaming.StreamEvent{
		WorkflowID: ev.WorkflowID,
		TaskID:     ev.TaskID,
		Type:       ev.Type,
		Level:      string(ev.Level),
		Message:    ev.Message,
		CreatedAt:  e.clock.Now(),
	}
	if len(ev.Data) > 0 {
		var data any
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			se.Data = data
		}
	}
	if err := e.hub.Publish(ctx, se); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "stream publish failed",
			slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// patchedState applies the outcome patch to a copy of the workflow state.
func patchedState(wf *store.Workflow, out *Outcome) *schema.ResearchState {
	state := cloneState(&wf.State)
	out.Patch.Apply(state)
	return state
}

// cloneState copies the state deeply enough that handler-side mutation of
// the Extra map cannot leak back into the workflow snapshot.
func cloneState(s *schema.ResearchState) *schema.ResearchState {
	clone := *s
	if s.Extra != nil {
		clone.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			clone.Extra[k] = v
		}
	}
	return &clone
}

func mustJSON(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
