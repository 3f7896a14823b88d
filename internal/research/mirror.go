package research

import (
	"context"
	"log/slog"
	"time"

	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/pkg/schema"
)

// Mirror records step progress for human consumption. Writes are
// best-effort: the engine never fails a step because the mirror is broken.
type Mirror interface {
	Record(ctx context.Context, workflowID string, step schema.Step, status, reason string)
}

// StoreMirror persists entries in the schedule_entries table. Failures are
// logged and swallowed.
type StoreMirror struct {
	store  store.Store
	logger *slog.Logger
}

// NewStoreMirror creates a mirror backed by the store.
func NewStoreMirror(s store.Store, logger *slog.Logger) *StoreMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreMirror{store: s, logger: logger}
}

func (m *StoreMirror) Record(ctx context.Context, workflowID string, step schema.Step, status, reason string) {
	err := m.store.UpsertScheduleEntry(ctx, &store.ScheduleEntry{
		WorkflowID: workflowID,
		Step:       step,
		Status:     status,
		Reason:     reason,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		logging.LogWith(ctx, m.logger).WarnContext(ctx, "schedule mirror write failed",
			slog.String("step", string(step)), slog.String("error", err.Error()))
	}
}

// NopMirror discards every record.
type NopMirror struct{}

func (NopMirror) Record(ctx context.Context, workflowID string, step schema.Step, status, reason string) {
}

var (
	_ Mirror = (*StoreMirror)(nil)
	_ Mirror = NopMirror{}
)
