// Package cluster abstracts compute backends that execute experiment runs.
// Adapters translate a resource request into a backend job and report its
// lifecycle; the registry picks the first available backend by priority.
package cluster

import (
	"context"

	"github.com/arclab-ai/arc/pkg/schema"
)

// JobSpec is a backend-neutral description of one experiment run.
type JobSpec struct {
	Name       string                `json:"name"`
	Script     string                `json:"script"`
	WorkingDir string                `json:"working_dir,omitempty"`
	Resources  schema.ResourceConfig `json:"resources"`
	Env        map[string]string     `json:"env,omitempty"`
}

// JobStatus is what an adapter reports back about a submitted job.
type JobStatus struct {
	Status  schema.RunStatus   `json:"status"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Adapter submits and tracks jobs on one backend. Submit returns a
// backend-scoped job ID used for later Status and Cancel calls.
type Adapter interface {
	Type() string
	Available(ctx context.Context) bool
	Submit(ctx context.Context, spec JobSpec) (string, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
}
