package expressions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func TestBuildScope_AllNamespacesPresent(t *testing.T) {
	scope := BuildScope(nil, nil)

	for _, ns := range []string{ScopeData, ScopeMeta, ScopeSteps, ScopeInstance} {
		v, ok := scope[ns]
		require.True(t, ok, ns)
		assert.Empty(t, v, ns)
	}
}

func TestBuildScope_FromContext(t *testing.T) {
	wc := schema.NewWorkflowContext(
		map[string]any{"amount": 500.0},
		map[string]any{"source": "api"},
	)
	wc.Bind("inst-1", "payment", "1.0.0")

	scope := BuildScope(wc, nil)

	assert.Equal(t, map[string]any{"amount": 500.0}, scope[ScopeData])
	assert.Equal(t, map[string]any{"source": "api"}, scope[ScopeMeta])

	inst := scope[ScopeInstance].(map[string]any)
	assert.Equal(t, "inst-1", inst["id"])
	assert.Equal(t, "payment", inst["definition"])
	assert.Equal(t, "1.0.0", inst["version"])
}

func TestBuildScope_InstanceOverridesContextBinding(t *testing.T) {
	wc := schema.NewWorkflowContext(nil, nil)
	wc.Bind("stale", "payment", "1.0.0")

	scope := BuildScope(wc, &schema.WorkflowInstance{
		ID:                "inst-2",
		DefinitionName:    "payment",
		DefinitionVersion: "2.0.0",
		Status:            schema.InstanceStatusRunning,
	})

	inst := scope[ScopeInstance].(map[string]any)
	assert.Equal(t, "inst-2", inst["id"])
	assert.Equal(t, "2.0.0", inst["version"])
	assert.Equal(t, "running", inst["status"])
}

func TestBuildScope_StepSummaries(t *testing.T) {
	wc := schema.NewWorkflowContext(nil, nil)
	base := time.Now().UTC()

	wc.Record(schema.StepExecution{
		StepID: "fetch", Status: schema.StepStatusFailed,
		StartedAt: base, Error: "timeout",
	})
	wc.Record(schema.StepExecution{
		StepID: "fetch", Status: schema.StepStatusSucceeded,
		StartedAt: base.Add(time.Second), Output: map[string]any{"rows": 3.0},
	})
	wc.Record(schema.StepExecution{
		StepID: "skipped_audit", Status: schema.StepStatusSkipped,
		StartedAt: base.Add(2 * time.Second),
	})

	steps := BuildScope(wc, nil)[ScopeSteps].(map[string]any)

	fetch := steps["fetch"].(map[string]any)
	assert.Equal(t, "succeeded", fetch["status"], "the latest attempt wins")
	assert.Equal(t, map[string]any{"rows": 3.0}, fetch["output"])
	_, hasErr := fetch["error"]
	assert.False(t, hasErr, "the error of the earlier attempt is gone")

	audit := steps["skipped_audit"].(map[string]any)
	assert.Equal(t, "skipped", audit["status"])
	_, hasOut := audit["output"]
	assert.False(t, hasOut)
}
