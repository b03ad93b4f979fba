package boot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bus"
)

func TestRunExecutesStagesInOrder(t *testing.T) {
	m := New(bus.New())
	var order []string
	record := func(name string) StepFunc {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	// Registered out of stage order on purpose.
	m.Register(StageConnect, "ws", record("connect/ws"))
	m.Register(StageStores, "design", record("stores/design"))
	m.Register(StageSystems, "reconciler", record("systems/reconciler"))
	m.Register(StageStores, "clarify", record("stores/clarify"))

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, []string{
		"stores/design",
		"stores/clarify",
		"systems/reconciler",
		"connect/ws",
	}, order)
	assert.Equal(t, StatusReady, m.Status())
}

func TestEarlyPushEventsAreBufferedThenFlushed(t *testing.T) {
	b := bus.New()
	m := New(b)

	var mu sync.Mutex
	var seen []string
	b.On("geometry:update", func(ev bus.Event) {
		mu.Lock()
		seen = append(seen, ev.Payload["update_id"].(string))
		mu.Unlock()
	})

	// Events delivered before Run must be held, not dropped.
	m.Deliver(bus.Event{Type: "geometry:update", Payload: map[string]any{"update_id": "u1"}})
	m.Deliver(bus.Event{Type: "geometry:update", Payload: map[string]any{"update_id": "u2"}})
	assert.Equal(t, 2, m.Buffered())
	assert.Empty(t, seen)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, 0, m.Buffered())
	assert.Equal(t, []string{"u1", "u2"}, seen)

	// Once ready, delivery is direct.
	m.Deliver(bus.Event{Type: "geometry:update", Payload: map[string]any{"update_id": "u3"}})
	assert.Equal(t, []string{"u1", "u2", "u3"}, seen)
}

func TestBufferFlushesBeforeConnect(t *testing.T) {
	b := bus.New()
	m := New(b)

	var flushedAtConnect int
	b.On("late:event", func(bus.Event) {})
	m.Deliver(bus.Event{Type: "late:event"})

	m.Register(StageConnect, "probe", func(context.Context) error {
		flushedAtConnect = m.Buffered()
		return nil
	})

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 0, flushedAtConnect)
}

func TestFailingStepAbortsRun(t *testing.T) {
	m := New(bus.New())
	var connected bool
	m.Register(StageStores, "bad", func(context.Context) error {
		return errors.New("store init failed")
	})
	m.Register(StageConnect, "ws", func(context.Context) error {
		connected = true
		return nil
	})

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stores/bad")
	assert.False(t, connected)
	assert.Equal(t, StatusFailed, m.Status())
}

func TestRunTwiceIsRejected(t *testing.T) {
	m := New(bus.New())
	require.NoError(t, m.Run(context.Background()))
	require.Error(t, m.Run(context.Background()))
}

func TestRunHonorsContextCancellation(t *testing.T) {
	m := New(bus.New())
	ctx, cancel := context.WithCancel(context.Background())
	m.Register(StageStores, "first", func(context.Context) error {
		cancel()
		return nil
	})
	var ran bool
	m.Register(StageSystems, "second", func(context.Context) error {
		ran = true
		return nil
	})

	require.Error(t, m.Run(ctx))
	assert.False(t, ran)
	assert.Equal(t, StatusFailed, m.Status())
}
