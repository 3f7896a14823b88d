package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclab-ai/arc/pkg/schema"
)

func TestExprEngine_GuardRule(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"plan": map[string]any{
			"group_count":      2,
			"experiment_count": 6,
		},
	}

	out, err := e.Evaluate(ctx, `plan.experiment_count > 0 && plan.group_count <= 5`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `plan.experiment_count > 10`, data)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_ArrayOperations(t *testing.T) {
	e := NewExprEngine()

	data := map[string]any{
		"runs": []any{
			map[string]any{"status": "completed"},
			map[string]any{"status": "failed"},
			map[string]any{"status": "completed"},
		},
	}

	out, err := e.Evaluate(context.Background(), `count(runs, .status == "completed")`, data)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
	arcErr, isArc := err.(*schema.ArcError)
	require.True(t, isArc)
	assert.Equal(t, schema.ErrCodeValidation, arcErr.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
