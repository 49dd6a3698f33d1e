package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dropCounter struct {
	core.MetricsRecorder
	dropped map[string]int
}

func (d *dropCounter) MessageDropped(prefix string) {
	d.dropped[prefix]++
}

func startedBus(t *testing.T, opts ...Option) *MemoryEventBus {
	t.Helper()
	bus := New(opts...)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func receive(t *testing.T, sub core.EventSubscription) *types.Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message for prefix %q", sub.Prefix())
		return nil
	}
}

func assertEmpty(t *testing.T, sub core.EventSubscription) {
	t.Helper()
	select {
	case msg := <-sub.C():
		t.Fatalf("prefix %q unexpectedly received %q", sub.Prefix(), msg.Topic)
	default:
	}
}

func TestMemoryEventBus_PrefixDelivery(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	all, err := bus.Subscribe(ctx, "GroundSystem")
	require.NoError(t, err)
	sc1, err := bus.Subscribe(ctx, "GroundSystem.Spacecraft1")
	require.NoError(t, err)
	sc10, err := bus.Subscribe(ctx, "GroundSystem.Spacecraft10")
	require.NoError(t, err)
	exact, err := bus.Subscribe(ctx, "GroundSystem.Spacecraft1.TelemetryPackets.0x886")
	require.NoError(t, err)

	msg := &types.Message{Topic: "GroundSystem.Spacecraft1.TelemetryPackets.0x886", Payload: []byte{0x08, 0x86}}
	require.NoError(t, bus.Publish(ctx, msg))

	assert.Same(t, msg, receive(t, all))
	assert.Same(t, msg, receive(t, sc1))
	assert.Same(t, msg, receive(t, exact))
	assertEmpty(t, sc10)

	require.NoError(t, bus.Publish(ctx, &types.Message{Topic: "GroundSystem.Spacecraft2.TelemetryPackets.0x886"}))
	assert.Equal(t, "GroundSystem.Spacecraft2.TelemetryPackets.0x886", receive(t, all).Topic)
	assertEmpty(t, sc1)
	assertEmpty(t, sc10)
	assertEmpty(t, exact)
}

func TestMemoryEventBus_PreservesOrderPerSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	sub, err := bus.Subscribe(ctx, "GroundSystem.Spacecraft1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, &types.Message{
			Topic:   "GroundSystem.Spacecraft1.TelemetryPackets.0x801",
			Payload: []byte{byte(i)},
		}))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, []byte{byte(i)}, receive(t, sub).Payload)
	}
}

func TestMemoryEventBus_DropsWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	rec := &dropCounter{MetricsRecorder: core.NoopRecorder(), dropped: map[string]int{}}
	bus := startedBus(t, WithBufferSize(2), WithMetrics(rec))

	slow, err := bus.Subscribe(ctx, "GroundSystem")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = bus.Publish(ctx, &types.Message{Topic: "GroundSystem.Spacecraft1.TelemetryPackets.0x801"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, slow.C(), 2)
	assert.Equal(t, 3, rec.dropped["GroundSystem"])
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := startedBus(t)

	sub, err := bus.Subscribe(ctx, "GroundSystem")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount())

	require.NoError(t, sub.Unsubscribe(ctx))
	assert.Equal(t, 0, bus.SubscriberCount())
	require.NoError(t, sub.Unsubscribe(ctx))

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestMemoryEventBus_Lifecycle(t *testing.T) {
	ctx := context.Background()
	bus := New()

	err := bus.Publish(ctx, &types.Message{Topic: "GroundSystem"})
	assert.ErrorIs(t, err, core.ErrBusStopped)
	_, err = bus.Subscribe(ctx, "GroundSystem")
	assert.ErrorIs(t, err, core.ErrBusStopped)
	assert.ErrorIs(t, bus.Stop(ctx), core.ErrNotRunning)

	require.NoError(t, bus.Start(ctx))
	assert.ErrorIs(t, bus.Start(ctx), core.ErrAlreadyRunning)

	sub, err := bus.Subscribe(ctx, "GroundSystem")
	require.NoError(t, err)
	assert.Error(t, bus.Publish(ctx, nil))

	require.NoError(t, bus.Stop(ctx))
	_, ok := <-sub.C()
	assert.False(t, ok, "stop closes subscriber channels")
	assert.NoError(t, sub.Unsubscribe(ctx))
	assert.ErrorIs(t, bus.Publish(ctx, &types.Message{Topic: "GroundSystem"}), core.ErrBusStopped)
}
