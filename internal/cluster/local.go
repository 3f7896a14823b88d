package cluster

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arclab-ai/arc/pkg/schema"
)

// TypeLocal is the in-process backend. It accepts every job and reports it
// terminal on the first status poll, which makes it the backend of last
// resort in the priority list and the workhorse for development setups
// without a real scheduler.
const TypeLocal = "local"

type localJob struct {
	spec      JobSpec
	status    schema.RunStatus
	cancelled bool
}

// LocalAdapter runs jobs "locally": submission records the job and the job
// is complete by the time anyone asks. No processes are spawned; the point
// is to exercise the full run lifecycle without external infrastructure.
type LocalAdapter struct {
	mu   sync.Mutex
	jobs map[string]*localJob
}

// NewLocalAdapter creates a local adapter.
func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{jobs: make(map[string]*localJob)}
}

func (a *LocalAdapter) Type() string { return TypeLocal }

// Available always reports true; local execution has no external dependency.
func (a *LocalAdapter) Available(ctx context.Context) bool { return true }

func (a *LocalAdapter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if spec.Name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "job spec requires a name")
	}
	id := uuid.New().String()
	a.mu.Lock()
	a.jobs[id] = &localJob{spec: spec, status: schema.RunStatusCompleted}
	a.mu.Unlock()
	return id, nil
}

func (a *LocalAdapter) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[jobID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "local job %q not found", jobID)
	}
	if job.cancelled {
		return &JobStatus{Status: schema.RunStatusCancelled}, nil
	}
	return &JobStatus{Status: job.status}, nil
}

func (a *LocalAdapter) Cancel(ctx context.Context, jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "local job %q not found", jobID)
	}
	job.cancelled = true
	return nil
}

var _ Adapter = (*LocalAdapter)(nil)
