package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/schema"
)

func receiveEvent(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return schema.Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %s %s", e.Kind, e.InstanceID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted})

	e := receiveEvent(t, ch)
	assert.Equal(t, "inst-1", e.InstanceID)
	assert.Equal(t, schema.EventInstanceStarted, e.Kind)
}

func TestMemoryHub_FilterByInstance(t *testing.T) {
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{InstanceID: "inst-1"})
	require.NoError(t, err)
	defer cancel()

	hub.Publish(schema.Event{InstanceID: "inst-2", Kind: schema.EventInstanceStarted})
	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventStepStarted})

	e := receiveEvent(t, ch)
	assert.Equal(t, "inst-1", e.InstanceID)
	assertNoEvent(t, ch)
}

func TestMemoryHub_FilterByKinds(t *testing.T) {
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{
		Kinds: []string{schema.EventInstanceCompleted, schema.EventInstanceFailed},
	})
	require.NoError(t, err)
	defer cancel()

	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventStepStarted})
	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventStepCompleted})
	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceCompleted})

	e := receiveEvent(t, ch)
	assert.Equal(t, schema.EventInstanceCompleted, e.Kind)
	assertNoEvent(t, ch)
}

func TestMemoryHub_MultipleSubscribersEachReceive(t *testing.T) {
	hub := NewMemoryHub()

	ch1, cancel1, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel2()

	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted})

	assert.Equal(t, "inst-1", receiveEvent(t, ch1).InstanceID)
	assert.Equal(t, "inst-1", receiveEvent(t, ch2).InstanceID)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	cancel()
	hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted})
	assertNoEvent(t, ch)

	// Cancelling twice is safe.
	cancel()
}

func TestMemoryHub_SubscribeOnCancelledContext(t *testing.T) {
	hub := NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer without draining. Publish must return promptly
	// every time; the overflow is dropped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultChannelBuffer+10; i++ {
			hub.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventStepStarted, Sequence: int64(i + 1)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultChannelBuffer, received)
}

func TestFanout_PublishesToAllHubs(t *testing.T) {
	first := NewMemoryHub()
	second := NewMemoryHub()
	fan := Fanout{first, second}

	ch1, cancel1, err := first.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := second.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel2()

	fan.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted})

	assert.Equal(t, "inst-1", receiveEvent(t, ch1).InstanceID)
	assert.Equal(t, "inst-1", receiveEvent(t, ch2).InstanceID)
}

func TestFanout_SubscribeUsesFirstHub(t *testing.T) {
	first := NewMemoryHub()
	second := NewMemoryHub()
	fan := Fanout{first, second}

	ch, cancel, err := fan.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	// Events published only on the second hub never reach a fanout
	// subscription.
	second.Publish(schema.Event{InstanceID: "inst-2", Kind: schema.EventInstanceStarted})
	assertNoEvent(t, ch)

	first.Publish(schema.Event{InstanceID: "inst-1", Kind: schema.EventInstanceStarted})
	assert.Equal(t, "inst-1", receiveEvent(t, ch).InstanceID)
}

func TestFanout_EmptySubscribeFails(t *testing.T) {
	_, _, err := Fanout{}.Subscribe(context.Background(), Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hubs")
}
