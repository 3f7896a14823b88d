package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/pkg/schema"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		resp := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestLLMClient_Decide(t *testing.T) {
	srv := chatServer(t, `{"action":"approve_plan","reason":"plan covers the goal"}`)
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL, Model: "test-model"})
	require.NotNil(t, c)

	got, err := c.Decide(context.Background(), Request{
		Step:  schema.StepDirectionGate,
		State: &schema.ResearchState{Goal: "test", Plan: planWith(1, 1)},
	}, schema.DirectionGateActions)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionApprovePlan, got.Action)
	assert.Equal(t, "plan covers the goal", got.Reason)
	assert.Equal(t, SourceLLM, got.Source)
}

func TestLLMClient_StripsCodeFence(t *testing.T) {
	srv := chatServer(t, "```json\n{\"action\":\"continue_workflow\",\"reason\":\"results look fine\"}\n```")
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	got, err := c.Decide(context.Background(), Request{Step: schema.StepImprovementGate},
		schema.ImprovementGateActions)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionContinue, got.Action)
}

func TestLLMClient_RejectsActionOutsideEnum(t *testing.T) {
	// continue_workflow is not in the direction gate's action set.
	srv := chatServer(t, `{"action":"continue_workflow","reason":"nope"}`)
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), Request{Step: schema.StepDirectionGate},
		schema.DirectionGateActions)
	require.Error(t, err)
	arcErr, ok := err.(*schema.ArcError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, arcErr.Code)
}

func TestLLMClient_RejectsMissingReason(t *testing.T) {
	srv := chatServer(t, `{"action":"approve_plan"}`)
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), Request{Step: schema.StepDirectionGate},
		schema.DirectionGateActions)
	require.Error(t, err)
}

func TestLLMClient_RejectsNonJSON(t *testing.T) {
	srv := chatServer(t, `I would approve the plan because it looks good.`)
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), Request{Step: schema.StepDirectionGate},
		schema.DirectionGateActions)
	require.Error(t, err)
}

func TestLLMClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), Request{Step: schema.StepDirectionGate},
		schema.DirectionGateActions)
	require.Error(t, err)
}

func TestNewLLMClient_NilWithoutBaseURL(t *testing.T) {
	assert.Nil(t, NewLLMClient(LLMConfig{}))
}

func TestAutonomousDecider_LLMFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewAutonomousDecider(NewLLMClient(LLMConfig{BaseURL: srv.URL}), nil, nil, nil)
	got, err := d.Decide(context.Background(), Request{
		Step:  schema.StepDirectionGate,
		State: &schema.ResearchState{Plan: planWith(1, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionApprovePlan, got.Action)
	assert.Equal(t, SourceFallback, got.Source)
}

func TestAutonomousDecider_LLMDecisionAccepted(t *testing.T) {
	srv := chatServer(t, fmt.Sprintf(`{"action":%q,"reason":"stop early"}`, schema.ActionStopWorkflow))
	defer srv.Close()

	d := NewAutonomousDecider(NewLLMClient(LLMConfig{BaseURL: srv.URL}), nil, nil, nil)
	got, err := d.Decide(context.Background(), Request{
		Step:  schema.StepDirectionGate,
		State: &schema.ResearchState{Plan: planWith(1, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStopWorkflow, got.Action)
	assert.Equal(t, SourceLLM, got.Source)
}
