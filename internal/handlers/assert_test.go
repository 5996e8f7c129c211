package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/validation"
	"github.com/loomrun/loom/pkg/schema"
)

func assertHandlers(t *testing.T) []Handler {
	t.Helper()
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return AssertHandlers(validator)
}

func TestAssertEquals(t *testing.T) {
	h := handlerByName(t, assertHandlers(t), "assert.equals")

	require.Error(t, h.Validate(map[string]any{"actual": 1}))
	require.Error(t, h.Validate(map[string]any{"expected": 1}))

	out, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"expected": 42, "actual": 42.0},
	})
	require.NoError(t, err, "numeric types normalize before comparison")
	assert.Equal(t, passResult, out)

	out, err = h.Execute(context.Background(), Request{
		Params: map[string]any{
			"expected": map[string]any{"n": 1, "tags": []any{"a"}},
			"actual":   map[string]any{"n": 1.0, "tags": []any{"a"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, passResult, out)
}

func TestAssertEquals_Failure(t *testing.T) {
	h := handlerByName(t, assertHandlers(t), "assert.equals")

	_, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"expected": 1, "actual": 2, "message": "totals diverge"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "totals diverge")

	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 1, lerr.Details["expected"])
	assert.Equal(t, 2, lerr.Details["actual"])
}

func TestAssertContains(t *testing.T) {
	h := handlerByName(t, assertHandlers(t), "assert.contains")

	out, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"haystack": "hello world", "needle": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, passResult, out)

	out, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"haystack": []any{1, 2, 3}, "needle": 2.0},
	})
	require.NoError(t, err, "array membership normalizes numerics")
	assert.Equal(t, passResult, out)

	_, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"haystack": "hello", "needle": "mars"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))

	_, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"haystack": 42, "needle": 4},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAssertMatches(t *testing.T) {
	h := handlerByName(t, assertHandlers(t), "assert.matches")

	require.Error(t, h.Validate(map[string]any{"value": "x"}))

	out, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"value": "ord-1234", "pattern": `^ord-\d+$`},
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["pass"])
	assert.Equal(t, "ord-1234", result["matches"])

	_, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"value": "nope", "pattern": `^ord-\d+$`},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))

	_, err = h.Execute(context.Background(), Request{
		Params: map[string]any{"value": "x", "pattern": `([`},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAssertSchema(t *testing.T) {
	h := handlerByName(t, assertHandlers(t), "assert.schema")

	personSchema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "number", "minimum": 0},
		},
	}

	out, err := h.Execute(context.Background(), Request{
		Params: map[string]any{
			"data":   map[string]any{"name": "ada", "age": 36},
			"schema": personSchema,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, passResult, out)

	_, err = h.Execute(context.Background(), Request{
		Params: map[string]any{
			"data":   map[string]any{"age": -1},
			"schema": personSchema,
		},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))

	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.NotNil(t, lerr.Details["violations"])
}
