package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arclab-ai/arc/pkg/schema"
)

func TestZZDiagEventFK(t *testing.T) {
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "fk.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	err = s.AppendEvent(context.Background(), &Event{
		WorkflowID: "does-not-exist",
		Type:       schema.EventScheduleTriggered,
		Level:      schema.LevelInfo,
		Message:    "probe",
	})
	t.Logf("append for missing workflow: err=%v", err)
}
