package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func TestGoJQEngine_SingleOutput(t *testing.T) {
	eng := NewGoJQEngine()

	v, err := eng.Evaluate(context.Background(), `.data.order.total`, map[string]any{
		"data": map[string]any{"order": map[string]any{"total": 99.5}},
	})
	require.NoError(t, err)
	assert.Equal(t, 99.5, v)
}

func TestGoJQEngine_Reshaping(t *testing.T) {
	eng := NewGoJQEngine()

	v, err := eng.Evaluate(context.Background(),
		`{count: (.data.items | length), first: .data.items[0].id}`,
		map[string]any{
			"data": map[string]any{"items": []any{
				map[string]any{"id": "a"},
				map[string]any{"id": "b"},
			}},
		})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, m["count"])
	assert.Equal(t, "a", m["first"])
}

func TestGoJQEngine_MultipleOutputsCollect(t *testing.T) {
	eng := NewGoJQEngine()

	scope := map[string]any{
		"data": map[string]any{"items": []any{1, 2, 3}},
	}

	v, err := eng.Evaluate(context.Background(), `.data.items[]`, scope)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, v, "ints normalize to jq numbers")

	all, err := eng.EvaluateAll(context.Background(), `.data.items[]`, scope)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGoJQEngine_NoOutputIsNil(t *testing.T) {
	eng := NewGoJQEngine()

	v, err := eng.Evaluate(context.Background(), `.data.items[] | select(. > 100)`, map[string]any{
		"data": map[string]any{"items": []any{1, 2}},
	})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	eng := NewGoJQEngine()

	err := eng.Check(`.data |`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "parse error")
}

func TestGoJQEngine_RuntimeError(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), `.data.amount / 0`, map[string]any{
		"data": map[string]any{"amount": 5},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "evaluation failed")
}

func TestGoJQEngine_EnvironmentIsBlocked(t *testing.T) {
	eng := NewGoJQEngine()

	v, err := eng.Evaluate(context.Background(), `env.PATH`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, v, "the environ loader is empty")
}

func TestGoJQEngine_EmptyExpression(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}
