package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/arclab-ai/arc/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	state, err := json.Marshal(wf.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, project_id, name, status, current_step, state, cancel_requested, error_message, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.ProjectID), nullStr(wf.Name), string(wf.Status), string(wf.CurrentStep),
		string(state), boolInt(wf.CancelRequested), nullStr(wf.ErrorMessage),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt), nullTime(wf.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, status, current_step, state, cancel_requested, error_message, created_at, updated_at, completed_at
		 FROM workflows WHERE id = ?`, id,
	)
	wf, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, string(*update.CurrentStep))
	}
	if update.State != nil {
		state, err := json.Marshal(update.State)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		sets = append(sets, "state = ?")
		args = append(args, string(state))
	}
	if update.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, boolInt(*update.CancelRequested))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, project_id, name, status, current_step, state, cancel_requested, error_message, created_at, updated_at, completed_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(scan func(dest ...any) error) (*Workflow, error) {
	wf := &Workflow{}
	var (
		projectID, name, errMsg sql.NullString
		status, step, stateJSON string
		cancelRequested         int
		completedAt             sql.NullTime
	)
	if err := scan(&wf.ID, &projectID, &name, &status, &step, &stateJSON,
		&cancelRequested, &errMsg, &wf.CreatedAt, &wf.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	wf.ProjectID = projectID.String
	wf.Name = name.String
	wf.Status = schema.WorkflowStatus(status)
	wf.CurrentStep = schema.Step(step)
	wf.CancelRequested = cancelRequested != 0
	wf.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(stateJSON), &wf.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// appendEventTx assigns the next per-workflow sequence number and inserts the
// event inside the caller's transaction.
func appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Level == "" {
		event.Level = schema.LevelInfo
	}
	event.CreatedAt = timeOrNow(event.CreatedAt)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_events (workflow_id, task_id, event_type, level, message, data, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.TaskID), event.Type, string(event.Level),
		nullStr(event.Message), nullRaw(event.Data), seq, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, task_id, event_type, level, message, data, sequence, created_at
		 FROM workflow_events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var taskID, message, data sql.NullString
		var level string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &taskID, &e.Type, &level, &message, &data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.Level = schema.EventLevel(level)
		e.Message = message.String
		e.Data = rawOrNil(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Gates ---

func (s *LibSQLStore) CreateGate(ctx context.Context, gate *Gate) error {
	options, err := json.Marshal(gate.Options)
	if err != nil {
		return fmt.Errorf("marshal gate options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gates (id, workflow_id, step, title, question, options, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gate.ID, gate.WorkflowID, string(gate.Step), nullStr(gate.Title), nullStr(gate.Question),
		string(options), string(gate.Status), timeOrNow(gate.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetGate(ctx context.Context, id string) (*Gate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, step, title, question, options, status, selected_option, comment, created_at, resolved_at
		 FROM gates WHERE id = ?`, id,
	)
	g, err := scanGate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("gate", id)
	}
	return g, err
}

func (s *LibSQLStore) LatestGate(ctx context.Context, workflowID string, step string) (*Gate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, step, title, question, options, status, selected_option, comment, created_at, resolved_at
		 FROM gates WHERE workflow_id = ? AND step = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		workflowID, step,
	)
	g, err := scanGate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("gate", workflowID+"/"+step)
	}
	return g, err
}

func (s *LibSQLStore) ResolveGate(ctx context.Context, id string, status string, selectedOption string, comment string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gates SET status = ?, selected_option = ?, comment = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		status, nullStr(selectedOption), nullStr(comment), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "gate", id)
}

func (s *LibSQLStore) ListPendingGates(ctx context.Context, workflowID string) ([]*Gate, error) {
	query := `SELECT id, workflow_id, step, title, question, options, status, selected_option, comment, created_at, resolved_at
	 FROM gates WHERE status = 'pending'`
	var args []any
	if workflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []*Gate
	for rows.Next() {
		g, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

func scanGate(scan func(dest ...any) error) (*Gate, error) {
	g := &Gate{}
	var (
		step, status, optionsJSON       string
		title, question, selected, note sql.NullString
		resolvedAt                      sql.NullTime
	)
	if err := scan(&g.ID, &g.WorkflowID, &step, &title, &question, &optionsJSON,
		&status, &selected, &note, &g.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	g.Step = schema.Step(step)
	g.Title = title.String
	g.Question = question.String
	g.Status = schema.GateStatus(status)
	g.SelectedOption = selected.String
	g.Comment = note.String
	if err := json.Unmarshal([]byte(optionsJSON), &g.Options); err != nil {
		return nil, fmt.Errorf("unmarshal gate options: %w", err)
	}
	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.Time
	}
	return g, nil
}

// --- Experiments ---

func (s *LibSQLStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	resources, err := json.Marshal(exp.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, workflow_id, group_name, name, script, working_dir, resources, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.WorkflowID, nullStr(exp.GroupName), exp.Name, nullStr(exp.Script),
		nullStr(exp.WorkingDir), string(resources), string(exp.Status),
		timeOrNow(exp.CreatedAt), timeOrNow(exp.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, group_name, name, script, working_dir, resources, status, created_at, updated_at
		 FROM experiments WHERE id = ?`, id,
	)
	e, err := scanExperiment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("experiment", id)
	}
	return e, err
}

func (s *LibSQLStore) UpdateExperimentStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "experiment", id)
}

func (s *LibSQLStore) ListExperiments(ctx context.Context, workflowID string) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, group_name, name, script, working_dir, resources, status, created_at, updated_at
		 FROM experiments WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []*Experiment
	for rows.Next() {
		e, err := scanExperiment(rows.Scan)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, e)
	}
	return experiments, rows.Err()
}

func scanExperiment(scan func(dest ...any) error) (*Experiment, error) {
	e := &Experiment{}
	var (
		groupName, script, workingDir sql.NullString
		resourcesJSON, status         string
	)
	if err := scan(&e.ID, &e.WorkflowID, &groupName, &e.Name, &script, &workingDir,
		&resourcesJSON, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.GroupName = groupName.String
	e.Script = script.String
	e.WorkingDir = workingDir.String
	e.Status = schema.ExperimentStatus(status)
	if err := json.Unmarshal([]byte(resourcesJSON), &e.Resources); err != nil {
		return nil, fmt.Errorf("unmarshal resources: %w", err)
	}
	return e, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, experiment_id, cluster_type, job_id, status, metrics, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.ExperimentID, nullStr(run.ClusterType), nullStr(run.JobID),
		string(run.Status), nullRaw(run.Metrics), nullStr(run.ErrorMessage),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, experiment_id, cluster_type, job_id, status, metrics, error_message, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ClusterType != nil {
		sets = append(sets, "cluster_type = ?")
		args = append(args, *update.ClusterType)
	}
	if update.JobID != nil {
		sets = append(sets, "job_id = ?")
		args = append(args, *update.JobID)
	}
	if update.Metrics != nil {
		sets = append(sets, "metrics = ?")
		args = append(args, string(update.Metrics))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, workflowID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, experiment_id, cluster_type, job_id, status, metrics, error_message, created_at, updated_at
		 FROM runs WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	r := &Run{}
	var (
		clusterType, jobID, metrics, errMsg sql.NullString
		status                              string
	)
	if err := scan(&r.ID, &r.WorkflowID, &r.ExperimentID, &clusterType, &jobID,
		&status, &metrics, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ClusterType = clusterType.String
	r.JobID = jobID.String
	r.Status = schema.RunStatus(status)
	r.Metrics = rawOrNil(metrics)
	r.ErrorMessage = errMsg.String
	return r, nil
}

// --- Schedule mirror ---

func (s *LibSQLStore) UpsertScheduleEntry(ctx context.Context, entry *ScheduleEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_entries (workflow_id, step, status, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, step) DO UPDATE SET
		   status=excluded.status, reason=excluded.reason, updated_at=excluded.updated_at`,
		entry.WorkflowID, string(entry.Step), entry.Status, nullStr(entry.Reason), timeOrNow(entry.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduleEntries(ctx context.Context, workflowID string) ([]*ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, step, status, reason, updated_at
		 FROM schedule_entries WHERE workflow_id = ? ORDER BY updated_at ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ScheduleEntry
	for rows.Next() {
		e := &ScheduleEntry{}
		var step string
		var reason sql.NullString
		if err := rows.Scan(&e.WorkflowID, &step, &e.Status, &reason, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Step = schema.Step(step)
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Research schedules ---

func (s *LibSQLStore) CreateResearchSchedule(ctx context.Context, sched *ResearchSchedule) error {
	constraints, err := json.Marshal(sched.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_schedules (id, name, goal, constraints, decision_mode, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Goal, string(constraints), string(sched.DecisionMode),
		sched.CronExpression, boolInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetResearchSchedule(ctx context.Context, id string) (*ResearchSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, goal, constraints, decision_mode, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM research_schedules WHERE id = ?`, id,
	)
	sched, err := scanResearchSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("research_schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateResearchSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE research_schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "research_schedule", id)
}

func (s *LibSQLStore) ListResearchSchedules(ctx context.Context, filter ScheduleFilter) ([]*ResearchSchedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, name, goal, constraints, decision_mode, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM research_schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*ResearchSchedule
	for rows.Next() {
		sched, err := scanResearchSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func scanResearchSchedule(scan func(dest ...any) error) (*ResearchSchedule, error) {
	sched := &ResearchSchedule{}
	var (
		constraintsJSON, mode string
		enabled               int
		lastRunAt, nextRunAt  sql.NullTime
		lastRunStatus         sql.NullString
	)
	if err := scan(&sched.ID, &sched.Name, &sched.Goal, &constraintsJSON, &mode,
		&sched.CronExpression, &enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &sched.CreatedAt); err != nil {
		return nil, err
	}
	sched.DecisionMode = schema.DecisionMode(mode)
	sched.Enabled = enabled != 0
	sched.LastRunStatus = lastRunStatus.String
	if err := json.Unmarshal([]byte(constraintsJSON), &sched.Constraints); err != nil {
		return nil, fmt.Errorf("unmarshal constraints: %w", err)
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ArcError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
