package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arclab-ai/arc/pkg/schema"
)

// CreateTask enqueues a task. When the task carries an idempotency key and a
// non-terminal task with the same key already exists, the insert is skipped
// and (false, nil) is returned. Completed, failed and cancelled tasks do not
// block re-enqueues of the same key.
func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) (bool, error) {
	res, err := s.insertTask(ctx, s.db, task)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LibSQLStore) insertTask(ctx context.Context, db execer, task *Task) (sql.Result, error) {
	if task.Status == "" {
		task.Status = schema.TaskStatusPending
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	createdAt := timeOrNow(task.CreatedAt)
	runAfter := task.RunAfter
	if runAfter.IsZero() {
		runAfter = createdAt
	}

	if task.IdempotencyKey == "" {
		return db.ExecContext(ctx,
			`INSERT INTO workflow_tasks (id, workflow_id, step, status, payload, attempts, max_attempts, run_after, idempotency_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			task.ID, task.WorkflowID, string(task.Step), string(task.Status), nullRaw(task.Payload),
			task.Attempts, task.MaxAttempts, runAfter, createdAt, createdAt,
		)
	}

	// Guarded insert: a live (non-terminal) task with the same key wins.
	return db.ExecContext(ctx,
		`INSERT INTO workflow_tasks (id, workflow_id, step, status, payload, attempts, max_attempts, run_after, idempotency_key, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM workflow_tasks
		   WHERE idempotency_key = ? AND status IN ('pending', 'leased', 'running')
		 )`,
		task.ID, task.WorkflowID, string(task.Step), string(task.Status), nullRaw(task.Payload),
		task.Attempts, task.MaxAttempts, runAfter, task.IdempotencyKey, createdAt, createdAt,
		task.IdempotencyKey,
	)
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context, workflowID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ReclaimExpiredLeases returns leased tasks whose lease expired before now to
// the pending state, making them visible to the next poll. Crash recovery:
// an executor that died mid-step loses its claim after the lease window.
func (s *LibSQLStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'pending', lease_until = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE status = 'leased' AND lease_until IS NOT NULL AND lease_until < ?`,
		now,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DueTasks returns up to limit pending tasks whose run_after has passed,
// oldest deadline first, ties broken by creation time.
func (s *LibSQLStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE status = 'pending' AND run_after <= ?
		 ORDER BY run_after ASC, created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// LeaseTask atomically claims a pending task until the given deadline.
// Returns false when another poller won the race or the task is no longer
// pending.
func (s *LibSQLStore) LeaseTask(ctx context.Context, id string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'leased', lease_until = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		until, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkTaskRunning moves a leased task to running and increments its attempt
// counter. The attempt is counted at start so a crash mid-step still consumes
// it after lease reclaim.
func (s *LibSQLStore) MarkTaskRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'running', attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'leased'`,
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q is not leased", id)
	}
	return nil
}

// RetryTask returns a failed attempt to the pending state with a backoff
// deadline. Attempts is the authoritative post-failure count.
func (s *LibSQLStore) RetryTask(ctx context.Context, id string, attempts int, runAfter time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'pending', attempts = ?, run_after = ?, lease_until = NULL, error_message = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ('leased', 'running')`,
		attempts, runAfter, nullStr(errMsg), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

// FailTask terminally fails a task after retry exhaustion.
func (s *LibSQLStore) FailTask(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'failed', lease_until = NULL, error_message = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		nullStr(errMsg), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

// CancelTask terminally cancels a non-terminal task.
func (s *LibSQLStore) CancelTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'cancelled', lease_until = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

// ApplyOutcome commits a step outcome atomically: the executing task is
// finalized, the workflow row is updated, the follow-up task (if any) is
// enqueued under its idempotency guard, and the transition event is appended.
// Either everything lands or nothing does, so a crash between "task done" and
// "next task enqueued" cannot strand the workflow.
func (s *LibSQLStore) ApplyOutcome(ctx context.Context, w *OutcomeWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Finalize the executing task. Guarded on the running state so a
	// double-apply (stale executor after lease reclaim) is a no-op error,
	// not a second transition.
	switch w.Task.Status {
	case schema.TaskStatusPending:
		if w.Task.RunAfter == nil {
			return schema.NewError(schema.ErrCodeValidation, "requeue outcome requires run_after")
		}
		// A polling wait is not a failed attempt: give back the attempt
		// counted by MarkTaskRunning so gate and run-wait cycles never eat
		// into the retry budget.
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = 'pending', run_after = ?, lease_until = NULL, result = ?, attempts = MAX(attempts - 1, 0), updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND status = 'running'`,
			*w.Task.RunAfter, nullRaw(w.Task.Result), w.TaskID,
		)
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		if err := checkTaskStillRunning(res, w.TaskID); err != nil {
			return err
		}
	default:
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_tasks SET status = ?, lease_until = NULL, result = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND status = 'running'`,
			string(w.Task.Status), nullRaw(w.Task.Result), w.TaskID,
		)
		if err != nil {
			return fmt.Errorf("finalize task: %w", err)
		}
		if err := checkTaskStillRunning(res, w.TaskID); err != nil {
			return err
		}
	}

	// Workflow row: state snapshot, step pointer, status.
	var sets []string
	var args []any
	if w.State != nil {
		state, err := json.Marshal(w.State)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		sets = append(sets, "state = ?")
		args = append(args, string(state))
	}
	if w.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, string(*w.CurrentStep))
	}
	if w.WorkflowStatus != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*w.WorkflowStatus))
	}
	if w.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*w.ErrorMessage))
	}
	if w.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *w.CompletedAt)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
		args = append(args, w.WorkflowID)
		query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		if err := checkRowsAffected(res, "workflow", w.WorkflowID); err != nil {
			return err
		}
	}

	if w.NextTask != nil {
		if _, err := s.insertTask(ctx, tx, w.NextTask); err != nil {
			return fmt.Errorf("enqueue next task: %w", err)
		}
	}

	if w.Event != nil {
		if err := appendEventTx(ctx, tx, w.Event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// ResetForResume returns a stopped workflow's failed and stale tasks to the
// pending state so the poller picks them up again. Returns the number of
// tasks revived.
func (s *LibSQLStore) ResetForResume(ctx context.Context, workflowID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET status = 'pending', lease_until = NULL, error_message = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND status IN ('failed', 'leased', 'running')`,
		workflowID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// checkTaskStillRunning maps a zero-row finalize to a conflict: the task
// left the running state under us (lease reclaimed, finished elsewhere).
func checkTaskStillRunning(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q is no longer running", id)
	}
	return nil
}

const taskSelect = `SELECT id, workflow_id, step, status, payload, result, attempts, max_attempts, run_after, lease_until, idempotency_key, error_message, created_at, updated_at FROM workflow_tasks`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	t := &Task{}
	var (
		step, status    string
		payload, result sql.NullString
		idemKey, errMsg sql.NullString
		leaseUntil      sql.NullTime
	)
	if err := scan(&t.ID, &t.WorkflowID, &step, &status, &payload, &result,
		&t.Attempts, &t.MaxAttempts, &t.RunAfter, &leaseUntil, &idemKey, &errMsg,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Step = schema.Step(step)
	t.Status = schema.TaskStatus(status)
	t.Payload = rawOrNil(payload)
	t.Result = rawOrNil(result)
	t.IdempotencyKey = idemKey.String
	t.ErrorMessage = errMsg.String
	if leaseUntil.Valid {
		t.LeaseUntil = &leaseUntil.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
