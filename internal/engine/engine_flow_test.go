package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

// --- Flow helpers ---

func constStep(id string, out any) *schema.Step {
	return schema.Automated(id, func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
		return out, nil
	})
}

func addStep(id string, n int) *schema.Step {
	return schema.Automated(id, func(_ context.Context, _ *schema.WorkflowContext, input any) (any, error) {
		cur, _ := input.(int)
		return cur + n, nil
	})
}

func neverPass(_ context.Context, _ *schema.WorkflowContext) (bool, error) { return false, nil }

func singleStepDefinition(t *testing.T, name string, s *schema.Step) *schema.Definition {
	t.Helper()
	return mustBuild(t, schema.NewDefinition(name, "1.0.0").
		Step(s).
		Initial(s.ID).
		Terminal(s.ID))
}

// --- Sequential group tests ---

func TestFlowSequential_ThreadsOutputs(t *testing.T) {
	pipeline := schema.Sequence("pipeline",
		constStep("seed", 1),
		addStep("first", 1),
		addStep("second", 1),
	)
	te := newTestEnv(t, singleStepDefinition(t, "math", pipeline))

	inst, err := te.eng.Start(context.Background(), "math", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	exec, ok := inst.Context.LastExecution("pipeline")
	require.True(t, ok)
	assert.Equal(t, 3, exec.Output)
}

func TestFlowSequential_SkippedChildIsTransparent(t *testing.T) {
	pipeline := schema.Sequence("pipeline",
		constStep("seed", 10),
		addStep("surcharge", 5).WithGuard(neverPass),
		addStep("tax", 1),
	)
	te := newTestEnv(t, singleStepDefinition(t, "math", pipeline))

	inst, err := te.eng.Start(context.Background(), "math", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	exec, ok := inst.Context.LastExecution("pipeline")
	require.True(t, ok)
	assert.Equal(t, 11, exec.Output, "the skipped child passes its input through")

	skipped, ok := inst.Context.LastExecution("surcharge")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusSkipped, skipped.Status)
	assert.Len(t, te.sink.byKind(schema.EventStepSkipped), 1)
}

func TestFlowSequential_ChildFailureFailsGroup(t *testing.T) {
	pipeline := schema.Sequence("pipeline",
		constStep("seed", 1),
		schema.Automated("boom", func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
			return nil, errors.New("disk full")
		}),
		addStep("after", 1),
	)
	te := newTestEnv(t, singleStepDefinition(t, "math", pipeline))

	inst, err := te.eng.Start(context.Background(), "math", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Equal(t, "pipeline", inst.FailedStepID)
	assert.Contains(t, inst.Error, "disk full")
	assert.Empty(t, inst.Context.Executions("after"))
}

func TestFlowSequential_HumanPauseAndResumeInside(t *testing.T) {
	var finishInput any
	pipeline := schema.Sequence("onboard",
		constStep("prepare", "docs"),
		schema.HumanTask("review", "Review paperwork"),
		schema.Automated("finish", func(_ context.Context, _ *schema.WorkflowContext, input any) (any, error) {
			finishInput = input
			return "onboarded", nil
		}),
	)
	te := newTestEnv(t, singleStepDefinition(t, "hr", pipeline))

	inst, err := te.eng.Start(context.Background(), "hr", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)
	require.Len(t, inst.Waits, 1)
	assert.Equal(t, "review", inst.Waits[0].StepID)

	task := openTask(t, te, inst.ID)
	done, err := te.eng.CompleteTask(context.Background(), task.ID, TaskResolution{
		Data: map[string]any{"signed": true},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"signed": true}, finishInput, "the task payload threads into the next child")

	exec, ok := done.Context.LastExecution("onboard")
	require.True(t, ok)
	assert.Equal(t, "onboarded", exec.Output)
}

// --- Parallel group tests ---

func TestFlowParallel_JoinAfterEveryChild(t *testing.T) {
	var joinInputIDs []string
	var childrenDone atomic.Int64
	var doneAtJoin int64

	child := func(id string, delay time.Duration) *schema.Step {
		return schema.Automated(id, func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
			time.Sleep(delay)
			childrenDone.Add(1)
			return id + "-sent", nil
		})
	}
	join := schema.Automated("record", func(_ context.Context, _ *schema.WorkflowContext, input any) (any, error) {
		doneAtJoin = childrenDone.Load()
		outputs, _ := input.(map[string]any)
		for id := range outputs {
			joinInputIDs = append(joinInputIDs, id)
		}
		sort.Strings(joinInputIDs)
		return joinInputIDs, nil
	})
	notify := schema.FanOut("notify",
		child("email", 5*time.Millisecond),
		child("sms", 15*time.Millisecond),
		child("push", 25*time.Millisecond),
	).WithJoin(join)
	te := newTestEnv(t, singleStepDefinition(t, "alerts", notify))

	inst, err := te.eng.Start(context.Background(), "alerts", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.EqualValues(t, 3, doneAtJoin, "the join runs only after every child settled")
	assert.Equal(t, []string{"email", "push", "sms"}, joinInputIDs)

	exec, ok := inst.Context.LastExecution("notify")
	require.True(t, ok)
	assert.Equal(t, []string{"email", "push", "sms"}, exec.Output, "the group resolves to the join output")

	assert.Len(t, te.sink.byKind(schema.EventBranchStarted), 3)
	assert.Len(t, te.sink.byKind(schema.EventBranchCompleted), 3)
	assert.Len(t, te.sink.byKind(schema.EventJoinCompleted), 1)
	assert.Empty(t, inst.Branches, "settled frames are cleared on completion")
}

func TestFlowParallel_FailingChildDoesNotCancelSiblings(t *testing.T) {
	var slowA, slowB atomic.Bool
	notify := schema.FanOut("notify",
		schema.Automated("broken", func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "channel down")
		}),
		schema.Automated("slow_a", func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			slowA.Store(true)
			return nil, nil
		}),
		schema.Automated("slow_b", func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			slowB.Store(true)
			return nil, nil
		}),
	)
	te := newTestEnv(t, singleStepDefinition(t, "alerts", notify))

	inst, err := te.eng.Start(context.Background(), "alerts", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Equal(t, "notify", inst.FailedStepID)
	assert.Contains(t, inst.Error, "channel down")
	assert.True(t, slowA.Load(), "siblings run to settlement before the group fails")
	assert.True(t, slowB.Load())
}

func TestFlowParallel_NoJoinCollectsOutputs(t *testing.T) {
	notify := schema.FanOut("notify",
		constStep("email", "email-sent"),
		constStep("sms", "sms-sent"),
	)
	te := newTestEnv(t, singleStepDefinition(t, "alerts", notify))

	inst, err := te.eng.Start(context.Background(), "alerts", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	exec, ok := inst.Context.LastExecution("notify")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"email": "email-sent", "sms": "sms-sent"}, exec.Output)
}

func TestFlowParallel_CallbackChord(t *testing.T) {
	var joinIDs []string
	join := schema.Automated("record", func(_ context.Context, _ *schema.WorkflowContext, input any) (any, error) {
		outputs, _ := input.(map[string]any)
		for id := range outputs {
			joinIDs = append(joinIDs, id)
		}
		sort.Strings(joinIDs)
		return joinIDs, nil
	})
	fanout := schema.FanOut("deliveries",
		schema.AwaitCallback("email", "cb-email"),
		schema.AwaitCallback("sms", "cb-sms"),
		schema.AwaitCallback("push", "cb-push"),
	).WithJoin(join)
	te := newTestEnv(t, singleStepDefinition(t, "alerts", fanout))

	inst, err := te.eng.Start(context.Background(), "alerts", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)
	require.Len(t, inst.Waits, 3)

	cur, err := te.eng.SignalCallback(context.Background(), "cb-email", map[string]any{"email_ok": true})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusWaiting, cur.Status)
	assert.Len(t, cur.Waits, 2, "one wait released, two outstanding")

	cur, err = te.eng.SignalCallback(context.Background(), "cb-sms", map[string]any{"sms_ok": true})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusWaiting, cur.Status)

	done, err := te.eng.SignalCallback(context.Background(), "cb-push", map[string]any{"push_ok": true})
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	assert.Equal(t, []string{"email", "push", "sms"}, joinIDs, "the join sees every delivery")
	for _, key := range []string{"email_ok", "sms_ok", "push_ok"} {
		v, ok := done.Context.Get(key)
		assert.True(t, ok, "payload %s merged", key)
		assert.Equal(t, true, v)
	}
	assert.Len(t, te.sink.byKind(schema.EventCallbackRegistered), 3)
	assert.Len(t, te.sink.byKind(schema.EventCallbackReceived), 3)
	assert.Len(t, te.sink.byKind(schema.EventJoinCompleted), 1)
}

func TestFlowParallel_PausingChildParksGroup(t *testing.T) {
	mixed := schema.FanOut("mixed",
		constStep("instant", "fast"),
		schema.HumanTask("sign", "Sign off"),
	)
	te := newTestEnv(t, singleStepDefinition(t, "release", mixed))

	inst, err := te.eng.Start(context.Background(), "release", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)
	require.Len(t, inst.Waits, 1)
	assert.Equal(t, "sign", inst.Waits[0].StepID)

	// The settled sibling's frame is persisted for the eventual join.
	frames := inst.FramesUnder("mixed")
	require.Len(t, frames, 2)
	statuses := map[string]schema.StepStatus{}
	for _, fr := range frames {
		statuses[fr.StepID] = fr.Status
	}
	assert.Equal(t, schema.StepStatusSucceeded, statuses["instant"])
	assert.Equal(t, schema.StepStatusWaiting, statuses["sign"])

	task := openTask(t, te, inst.ID)
	done, err := te.eng.CompleteTask(context.Background(), task.ID, TaskResolution{
		Data: map[string]any{"approved": true},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	exec, ok := done.Context.LastExecution("mixed")
	require.True(t, ok)
	outputs, isMap := exec.Output.(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, "fast", outputs["instant"])
	assert.Equal(t, map[string]any{"approved": true}, outputs["sign"])
}

// --- Conditional group tests ---

func TestFlowConditional_SelectsOneBranch(t *testing.T) {
	var selectorCalls atomic.Int64
	dispatch := schema.Choose("dispatch",
		func(_ context.Context, wc *schema.WorkflowContext) (string, error) {
			selectorCalls.Add(1)
			v, _ := wc.Get("channel")
			name, _ := v.(string)
			return name, nil
		},
		map[string]*schema.Step{
			"email": constStep("send_email", "emailed"),
			"sms":   constStep("send_sms", "texted"),
		})
	te := newTestEnv(t, singleStepDefinition(t, "router", dispatch))

	inst, err := te.eng.Start(context.Background(), "router", "", map[string]any{"channel": "email"}, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), selectorCalls.Load(), "the selector is evaluated once")
	assert.NotEmpty(t, inst.Context.Executions("send_email"))
	assert.Empty(t, inst.Context.Executions("send_sms"))

	exec, ok := inst.Context.LastExecution("dispatch")
	require.True(t, ok)
	assert.Equal(t, "emailed", exec.Output)
}

func TestFlowConditional_FallsBackToDefault(t *testing.T) {
	dispatch := schema.Choose("dispatch",
		func(_ context.Context, _ *schema.WorkflowContext) (string, error) { return "fax", nil },
		map[string]*schema.Step{
			"email": constStep("send_email", "emailed"),
			"sms":   constStep("send_sms", "texted"),
		}).WithDefault("sms")
	te := newTestEnv(t, singleStepDefinition(t, "router", dispatch))

	inst, err := te.eng.Start(context.Background(), "router", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.NotEmpty(t, inst.Context.Executions("send_sms"))
	assert.Empty(t, inst.Context.Executions("send_email"))
}

func TestFlowConditional_UndeclaredBranchFails(t *testing.T) {
	dispatch := schema.Choose("dispatch",
		func(_ context.Context, _ *schema.WorkflowContext) (string, error) { return "fax", nil },
		map[string]*schema.Step{
			"email": constStep("send_email", "emailed"),
		})
	te := newTestEnv(t, singleStepDefinition(t, "router", dispatch))

	inst, err := te.eng.Start(context.Background(), "router", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Contains(t, inst.Error, `undeclared branch "fax"`)
}

func TestFlowConditional_PausingBranch(t *testing.T) {
	review := schema.Choose("review",
		func(_ context.Context, _ *schema.WorkflowContext) (string, error) { return "manual", nil },
		map[string]*schema.Step{
			"manual": schema.HumanTask("sign", "Sign off"),
			"auto":   constStep("stamp", "stamped"),
		})
	te := newTestEnv(t, singleStepDefinition(t, "release", review))

	inst, err := te.eng.Start(context.Background(), "release", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)

	task := openTask(t, te, inst.ID)
	done, err := te.eng.CompleteTask(context.Background(), task.ID, TaskResolution{
		Data: map[string]any{"ok": true},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	exec, ok := done.Context.LastExecution("review")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, exec.Output)
}

// --- Timer tests ---

func TestFlowTimer_FireTimerResumes(t *testing.T) {
	def := mustBuild(t, schema.NewDefinition("drip", "1.0.0").
		Steps(setStep("prepare", nil), schema.Delay("cooldown", time.Hour), setStep("send", nil)).
		Edge("prepare", "cooldown").
		Edge("cooldown", "send").
		Initial("prepare").
		Terminal("send"))
	te := newTestEnv(t, def)

	inst, err := te.eng.Start(context.Background(), "drip", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)
	require.Len(t, inst.Waits, 1)
	assert.Equal(t, schema.StepKindTimer, inst.Waits[0].Kind)
	assert.WithinDuration(t, time.Now().Add(time.Hour), inst.Waits[0].DueAt, 10*time.Second)

	done, err := te.eng.FireTimer(context.Background(), inst.ID, "cooldown")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	_, sent := done.Context.Get("send_done")
	assert.True(t, sent)

	assert.Len(t, te.sink.byKind(schema.EventTimerScheduled), 1)
	assert.Len(t, te.sink.byKind(schema.EventTimerFired), 1)

	// Firing again is a stale signal.
	_, err = te.eng.FireTimer(context.Background(), inst.ID, "cooldown")
	require.Error(t, err)
	assert.True(t, schema.IsInvalidTransition(err))
}

func TestFlowTimer_ArmedTimerAutoFires(t *testing.T) {
	def := mustBuild(t, schema.NewDefinition("drip", "1.0.0").
		Steps(schema.Delay("cooldown", 20*time.Millisecond), setStep("send", nil)).
		Edge("cooldown", "send").
		Initial("cooldown").
		Terminal("send"))

	eng := New(newMapResolver(def), Options{Logger: discardLogger()})
	t.Cleanup(eng.Close)

	inst, err := eng.Start(context.Background(), "drip", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)

	require.Eventually(t, func() bool {
		cur, err := eng.Get(context.Background(), inst.ID)
		return err == nil && cur.Status == schema.InstanceStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

// --- Callback tests ---

func TestFlowCallback_ResumesOnToken(t *testing.T) {
	def := mustBuild(t, schema.NewDefinition("payment", "1.0.0").
		Steps(setStep("charge", nil), schema.AwaitCallback("confirmation", "pay-42"), setStep("receipt", nil)).
		Edge("charge", "confirmation").
		Edge("confirmation", "receipt").
		Initial("charge").
		Terminal("receipt"))
	te := newTestEnv(t, def)

	inst, err := te.eng.Start(context.Background(), "payment", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaiting, inst.Status)
	require.Len(t, inst.Waits, 1)
	assert.Equal(t, "pay-42", inst.Waits[0].Token)

	_, err = te.eng.SignalCallback(context.Background(), "bogus-token", nil)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))

	done, err := te.eng.SignalCallback(context.Background(), "pay-42", map[string]any{"txn": "abc123"})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	txn, _ := done.Context.Get("txn")
	assert.Equal(t, "abc123", txn)

	assert.Len(t, te.sink.byKind(schema.EventCallbackRegistered), 1)
	assert.Len(t, te.sink.byKind(schema.EventCallbackReceived), 1)
}

func TestFlowCallback_EmptyTokenFailsStep(t *testing.T) {
	te := newTestEnv(t, singleStepDefinition(t, "payment", schema.AwaitCallback("confirmation", "")))

	inst, err := te.eng.Start(context.Background(), "payment", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "callback token resolved empty")
}

// --- Edge routing tests ---

func TestFlowEdges_FanOutRunsAllTargets(t *testing.T) {
	var ran sync.Map
	mark := func(id string) *schema.Step {
		return schema.Automated(id, func(_ context.Context, _ *schema.WorkflowContext, _ any) (any, error) {
			ran.Store(id, true)
			return nil, nil
		})
	}
	def := mustBuild(t, schema.NewDefinition("broadcast", "1.0.0").
		Steps(setStep("prepare", nil), mark("east"), mark("west")).
		Edge("prepare", "east").
		Edge("prepare", "west").
		Initial("prepare").
		Terminal("east", "west"))
	te := newTestEnv(t, def)

	inst, err := te.eng.Start(context.Background(), "broadcast", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	_, east := ran.Load("east")
	_, west := ran.Load("west")
	assert.True(t, east)
	assert.True(t, west)
	assert.Len(t, te.sink.byKind(schema.EventBranchStarted), 2)
	assert.Empty(t, inst.Branches)
}

func TestFlowEdges_GuardsPickDeclarationOrderMatches(t *testing.T) {
	isBig := func(_ context.Context, wc *schema.WorkflowContext) (bool, error) {
		v, _ := wc.Get("big")
		b, _ := v.(bool)
		return b, nil
	}
	isSmall := func(ctx context.Context, wc *schema.WorkflowContext) (bool, error) {
		big, err := isBig(ctx, wc)
		return !big, err
	}
	def := mustBuild(t, schema.NewDefinition("classify", "1.0.0").
		Steps(setStep("inspect", nil), setStep("bulk", nil), setStep("single", nil)).
		GuardedEdge("inspect", "bulk", isBig).
		GuardedEdge("inspect", "single", isSmall).
		Initial("inspect").
		Terminal("bulk", "single"))
	te := newTestEnv(t, def)

	inst, err := te.eng.Start(context.Background(), "classify", "", map[string]any{"big": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	_, bulk := inst.Context.Get("bulk_done")
	_, single := inst.Context.Get("single_done")
	assert.True(t, bulk)
	assert.False(t, single)

	inst, err = te.eng.Start(context.Background(), "classify", "", map[string]any{"big": false}, nil)
	require.NoError(t, err)
	_, single = inst.Context.Get("single_done")
	assert.True(t, single)
}

func TestFlowGuard_SkippedStepContinuesWalk(t *testing.T) {
	def := mustBuild(t, schema.NewDefinition("report", "1.0.0").
		Steps(
			setStep("fetch", nil),
			setStep("audit", nil).WithGuard(neverPass),
			setStep("final", nil),
		).
		Edge("fetch", "audit").
		Edge("audit", "final").
		Initial("fetch").
		Terminal("final"))
	te := newTestEnv(t, def)

	inst, err := te.eng.Start(context.Background(), "report", "", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	_, audited := inst.Context.Get("audit_done")
	assert.False(t, audited, "the guarded step did not run")
	_, finished := inst.Context.Get("final_done")
	assert.True(t, finished, "the walk continues past a skipped step")

	exec, ok := inst.Context.LastExecution("audit")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusSkipped, exec.Status)
}
