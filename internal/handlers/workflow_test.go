package handlers

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func handlerByName(t *testing.T, hs []Handler, name string) Handler {
	t.Helper()
	for _, h := range hs {
		if h.Name() == name {
			return h
		}
	}
	t.Fatalf("handler %q not in set", name)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestContextSet(t *testing.T) {
	h := handlerByName(t, WorkflowHandlers(discardLogger()), "context.set")

	require.Error(t, h.Validate(map[string]any{}), "values is required")
	require.NoError(t, h.Validate(map[string]any{"values": map[string]any{"a": 1}}))

	wc := schema.NewWorkflowContext(map[string]any{"a": 1, "keep": true}, nil)
	out, err := h.Execute(context.Background(), Request{
		Params:  map[string]any{"values": map[string]any{"a": 2, "b": 3}},
		Context: wc,
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.ElementsMatch(t, []string{"a", "b"}, result["set"])

	v, _ := wc.Get("a")
	assert.Equal(t, 2, v)
	v, _ = wc.Get("b")
	assert.Equal(t, 3, v)
	v, _ = wc.Get("keep")
	assert.Equal(t, true, v)
}

func TestContextSet_NoContext(t *testing.T) {
	h := handlerByName(t, WorkflowHandlers(discardLogger()), "context.set")

	_, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"values": map[string]any{"a": 1}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestFlowFail(t *testing.T) {
	h := handlerByName(t, WorkflowHandlers(discardLogger()), "flow.fail")

	require.Error(t, h.Validate(map[string]any{}))
	require.NoError(t, h.Validate(map[string]any{"reason": "budget exceeded"}))

	_, err := h.Execute(context.Background(), Request{
		Params: map[string]any{"reason": "budget exceeded"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "budget exceeded")
}

func TestLogEmit(t *testing.T) {
	h := handlerByName(t, WorkflowHandlers(discardLogger()), "log.emit")

	require.Error(t, h.Validate(map[string]any{"level": "info"}))
	require.NoError(t, h.Validate(map[string]any{"message": "step reached"}))

	wc := schema.NewWorkflowContext(nil, nil)
	wc.Bind("inst-1", "payment", "1.0.0")

	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		out, err := h.Execute(context.Background(), Request{
			Params:  map[string]any{"message": "step reached", "level": level, "data": map[string]any{"k": 1}},
			Context: wc,
		})
		require.NoError(t, err, level)
		assert.Equal(t, map[string]any{"logged": true}, out)
	}
}
