package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/internal/cluster"
	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/internal/research"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// runsCreateSubmit submits one run per experiment that has none yet. Each
// submission is isolated: a failed submit records a failed run and moves on,
// so one broken experiment never blocks the batch. The step only errs on
// store failures.
func (h *Handlers) runsCreateSubmit(ctx context.Context, sc *StepContext) (*Outcome, error) {
	exps, err := h.store.ListExperiments(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}
	runs, err := h.store.ListRuns(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}

	haveRun := make(map[string]bool, len(runs))
	runIDs := make([]string, 0, len(runs)+len(exps))
	for _, r := range runs {
		haveRun[r.ExperimentID] = true
		runIDs = append(runIDs, r.ID)
	}

	submitted, failed := 0, 0
	for _, exp := range exps {
		if haveRun[exp.ID] {
			continue
		}
		run := h.submitExperiment(ctx, sc, exp)
		if err := h.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
		runIDs = append(runIDs, run.ID)
		if run.Status == schema.RunStatusFailed {
			failed++
		} else {
			submitted++
		}
	}

	out := Advance(schema.StepRunsWaitTerminal, &schema.StatePatch{RunIDs: runIDs})
	out.Detail = fmt.Sprintf("%d runs submitted, %d failed to submit", submitted, failed)
	out.Data = map[string]any{"submitted": submitted, "submit_failed": failed}
	return out, nil
}

// submitExperiment picks a backend and submits one job. Never errs: a
// submission problem comes back as a failed run row.
func (h *Handlers) submitExperiment(ctx context.Context, sc *StepContext, exp *store.Experiment) *store.Run {
	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowID:   sc.Workflow.ID,
		ExperimentID: exp.ID,
	}

	adapter, err := h.clusters.Select(ctx, sc.State.PreferredCluster)
	if err == nil {
		run.ClusterType = adapter.Type()
		run.JobID, err = adapter.Submit(ctx, cluster.JobSpec{
			Name:       exp.Name,
			Script:     exp.Script,
			WorkingDir: exp.WorkingDir,
			Resources:  exp.Resources,
		})
	}
	if err != nil {
		run.Status = schema.RunStatusFailed
		run.ErrorMessage = err.Error()
		h.setExperimentStatus(ctx, exp.ID, schema.ExperimentStatusFailed)
		h.appendRunEvent(ctx, sc, schema.EventRunSubmitFailed, schema.LevelWarning,
			fmt.Sprintf("submit failed for experiment %s: %s", exp.Name, err.Error()), run)
		return run
	}

	run.Status = schema.RunStatusPending
	h.setExperimentStatus(ctx, exp.ID, schema.ExperimentStatusSubmitted)
	h.appendRunEvent(ctx, sc, schema.EventRunSubmitted, schema.LevelInfo,
		fmt.Sprintf("experiment %s submitted to %s", exp.Name, run.ClusterType), run)
	return run
}

// runsWaitTerminal polls the cluster until every run reaches a terminal
// state, then advances to analysis. Completed local runs that reported no
// metrics get deterministic synthetic metrics when enabled; otherwise the
// gap is recorded as a run.no_metrics event.
func (h *Handlers) runsWaitTerminal(ctx context.Context, sc *StepContext) (*Outcome, error) {
	runs, err := h.store.ListRuns(ctx, sc.Workflow.ID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no runs to wait for")
	}

	live := 0
	for _, r := range runs {
		if r.Status.IsTerminal() {
			continue
		}
		settled, err := h.pollRun(ctx, sc, r)
		if err != nil {
			return nil, err
		}
		if !settled {
			live++
		}
	}

	if live > 0 {
		return Requeue(h.cfg.RunPollInterval, fmt.Sprintf("%d runs still in flight", live)), nil
	}

	out := Advance(schema.StepResultsAnalyze, nil)
	out.Detail = fmt.Sprintf("all %d runs terminal", len(runs))
	return out, nil
}

// pollRun fetches one run's backend status and persists a terminal result.
// Returns settled=false while the job is still in flight; backend status
// errors are treated as in-flight so a flaky controller does not fail runs.
func (h *Handlers) pollRun(ctx context.Context, sc *StepContext, r *store.Run) (bool, error) {
	adapter, err := h.clusters.Get(r.ClusterType)
	if err != nil {
		return true, h.settleRun(ctx, sc, r, &cluster.JobStatus{
			Status:  schema.RunStatusFailed,
			Message: err.Error(),
		})
	}

	st, err := adapter.Status(ctx, r.JobID)
	if err != nil {
		logging.LogWith(ctx, h.logger).WarnContext(ctx, "run status poll failed",
			slog.String("run_id", r.ID), slog.String("error", err.Error()))
		return false, nil
	}

	if !st.Status.IsTerminal() {
		if st.Status != r.Status {
			if err := h.store.UpdateRun(ctx, r.ID, store.RunUpdate{Status: &st.Status}); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	return true, h.settleRun(ctx, sc, r, st)
}

// settleRun writes a run's terminal status, metrics and the matching
// experiment status, and records the transition.
func (h *Handlers) settleRun(ctx context.Context, sc *StepContext, r *store.Run, st *cluster.JobStatus) error {
	metrics := st.Metrics
	if st.Status == schema.RunStatusCompleted && len(metrics) == 0 {
		if h.cfg.SyntheticMetrics && r.ClusterType == cluster.TypeLocal {
			metrics = research.SyntheticMetrics(r.ID)
		} else {
			h.appendRunEvent(ctx, sc, schema.EventRunNoMetrics, schema.LevelWarning,
				fmt.Sprintf("run %s completed without metrics", r.ID), r)
		}
	}

	update := store.RunUpdate{Status: &st.Status}
	if st.Message != "" {
		update.ErrorMessage = &st.Message
	}
	if len(metrics) > 0 {
		update.Metrics, _ = json.Marshal(metrics)
	}
	if err := h.store.UpdateRun(ctx, r.ID, update); err != nil {
		return err
	}
	h.setExperimentStatus(ctx, r.ExperimentID, experimentStatusFor(st.Status))

	level := schema.LevelInfo
	if st.Status != schema.RunStatusCompleted {
		level = schema.LevelWarning
	}
	h.appendRunEvent(ctx, sc, schema.EventRunTerminal, level,
		fmt.Sprintf("run %s is %s", r.ID, st.Status), r)
	return nil
}

// setExperimentStatus is best-effort: the run row is authoritative.
func (h *Handlers) setExperimentStatus(ctx context.Context, id string, status schema.ExperimentStatus) {
	if err := h.store.UpdateExperimentStatus(ctx, id, string(status)); err != nil {
		logging.LogWith(ctx, h.logger).WarnContext(ctx, "experiment status update failed",
			slog.String("experiment_id", id), slog.String("error", err.Error()))
	}
}

func (h *Handlers) appendRunEvent(ctx context.Context, sc *StepContext, typ string, level schema.EventLevel, msg string, r *store.Run) {
	data, _ := json.Marshal(map[string]any{
		"run_id":        r.ID,
		"experiment_id": r.ExperimentID,
		"cluster_type":  r.ClusterType,
		"job_id":        r.JobID,
	})
	err := h.store.AppendEvent(ctx, &store.Event{
		WorkflowID: sc.Workflow.ID,
		TaskID:     sc.Task.ID,
		Type:       typ,
		Level:      level,
		Message:    msg,
		Data:       data,
	})
	if err != nil {
		logging.LogWith(ctx, h.logger).WarnContext(ctx, "run event append failed",
			slog.String("type", typ), slog.String("error", err.Error()))
	}
}

func experimentStatusFor(rs schema.RunStatus) schema.ExperimentStatus {
	switch rs {
	case schema.RunStatusCompleted:
		return schema.ExperimentStatusCompleted
	case schema.RunStatusCancelled:
		return schema.ExperimentStatusCancelled
	default:
		return schema.ExperimentStatusFailed
	}
}
