package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/pkg/schema"
)

// fakeAdapter lets tests control availability and submission behavior.
type fakeAdapter struct {
	typ       string
	available bool
	submitted []JobSpec
}

func (f *fakeAdapter) Type() string                                { return f.typ }
func (f *fakeAdapter) Available(ctx context.Context) bool          { return f.available }
func (f *fakeAdapter) Cancel(ctx context.Context, id string) error { return nil }

func (f *fakeAdapter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	f.submitted = append(f.submitted, spec)
	return f.typ + "-job", nil
}

func (f *fakeAdapter) Status(ctx context.Context, id string) (*JobStatus, error) {
	return &JobStatus{Status: schema.RunStatusRunning}, nil
}

func TestRegistry_SelectByPriority(t *testing.T) {
	reg := NewRegistry([]string{"slurm", "local"})
	slurm := &fakeAdapter{typ: "slurm", available: true}
	reg.Register(slurm)
	reg.Register(NewLocalAdapter())

	a, err := reg.Select(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "slurm", a.Type())
}

func TestRegistry_SkipsUnavailable(t *testing.T) {
	reg := NewRegistry([]string{"slurm", "local"})
	reg.Register(&fakeAdapter{typ: "slurm", available: false})
	reg.Register(NewLocalAdapter())

	a, err := reg.Select(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, a.Type())
}

func TestRegistry_PreferredWins(t *testing.T) {
	reg := NewRegistry([]string{"slurm", "local"})
	reg.Register(&fakeAdapter{typ: "slurm", available: true})
	reg.Register(NewLocalAdapter())

	a, err := reg.Select(context.Background(), TypeLocal)
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, a.Type())
}

func TestRegistry_UnavailablePreferredFallsThrough(t *testing.T) {
	reg := NewRegistry([]string{"local"})
	reg.Register(&fakeAdapter{typ: "slurm", available: false})
	reg.Register(NewLocalAdapter())

	a, err := reg.Select(context.Background(), "slurm")
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, a.Type())
}

func TestRegistry_NothingAvailable(t *testing.T) {
	reg := NewRegistry([]string{"slurm"})
	reg.Register(&fakeAdapter{typ: "slurm", available: false})

	_, err := reg.Select(context.Background(), "")
	require.Error(t, err)
	arcErr, ok := err.(*schema.ArcError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCluster, arcErr.Code)
}

func TestLocalAdapter_Lifecycle(t *testing.T) {
	a := NewLocalAdapter()
	ctx := context.Background()

	id, err := a.Submit(ctx, JobSpec{
		Name:      "baseline-adamw",
		Script:    "train.py --optimizer adamw",
		Resources: schema.ResourceConfig{GPUs: 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := a.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, st.Status)

	require.NoError(t, a.Cancel(ctx, id))
	st, err = a.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, st.Status)
}

func TestLocalAdapter_UnknownJob(t *testing.T) {
	a := NewLocalAdapter()
	_, err := a.Status(context.Background(), "missing")
	require.Error(t, err)
	require.Error(t, a.Cancel(context.Background(), "missing"))
}

func TestLocalAdapter_RequiresName(t *testing.T) {
	a := NewLocalAdapter()
	_, err := a.Submit(context.Background(), JobSpec{})
	require.Error(t, err)
}
