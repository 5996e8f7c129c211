package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func TestCELEngine_EvaluateGuards(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	scope := map[string]any{
		"data": map[string]any{"amount": 5000.0, "region": "eu"},
		"steps": map[string]any{
			"validate": map[string]any{"status": "succeeded"},
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`data.amount >= 1000.0`, true},
		{`data.amount < 1000.0`, false},
		{`data.region == 'eu' && data.amount > 100.0`, true},
		{`steps.validate.status == 'succeeded'`, true},
		{`has(data.missing) ? true : false`, false},
	}
	for _, tc := range cases {
		v, err := eng.Evaluate(context.Background(), tc.expr, scope)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, v, tc.expr)
	}
}

func TestCELEngine_MissingKeyIsRuntimeError(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `data.absent == 1.0`, map[string]any{
		"data": map[string]any{"present": 1.0},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "evaluation failed")
}

func TestCELEngine_MissingNamespacesDefaultToEmpty(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	// No meta in the scope at all; the activation must still bind it.
	v, err := eng.Evaluate(context.Background(), `size(meta)`, map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestCELEngine_CheckCatchesCompileErrors(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	require.NoError(t, eng.Check(`data.x == 1.0`))

	err = eng.Check(`data.x ==`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "compile error")

	// Variables outside the sandbox are compile errors, not runtime ones.
	err = eng.Check(`request.amount > 0.0`)
	require.Error(t, err)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestCELEngine_CachesCompiledPrograms(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	scope := map[string]any{"data": map[string]any{"x": 1.0}}
	for i := 0; i < 3; i++ {
		_, err := eng.Evaluate(context.Background(), `data.x > 0.0`, scope)
		require.NoError(t, err)
	}

	eng.mu.RLock()
	defer eng.mu.RUnlock()
	assert.Len(t, eng.cache, 1)
}
