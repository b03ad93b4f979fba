package focus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bus"
)

func TestRequest_HigherPriorityWins(t *testing.T) {
	a := New(bus.New())

	require.True(t, a.Request(SurfacePanel, "sidebar"))
	require.True(t, a.Request(SurfaceClarification, "clarify"))
	assert.Equal(t, SurfaceClarification, a.Current())
}

func TestRequest_LowerPriorityDeniedStateUnchanged(t *testing.T) {
	a := New(bus.New())

	require.True(t, a.Request(SurfaceModal, "dialog"))
	before := a.Snapshot()

	assert.False(t, a.Request(SurfacePanel, "sidebar"))
	assert.Equal(t, before, a.Snapshot(), "denied requests leave state unchanged")
}

func TestRequest_EqualPriorityAllowed(t *testing.T) {
	a := New(bus.New())

	require.True(t, a.Request(SurfaceModal, "dialog-a"))
	assert.True(t, a.Request(SurfaceModal, "dialog-b"), "equal priority lets a holder reclaim the tier")
}

func TestRequest_TracksPreviousAndHistory(t *testing.T) {
	a := New(bus.New())

	a.Request(SurfacePanel, "sidebar")
	a.Request(SurfaceModal, "dialog")

	st := a.Snapshot()
	assert.Equal(t, SurfaceModal, st.Current)
	assert.Equal(t, SurfacePanel, st.Previous)
	assert.Equal(t, []Surface{SurfaceDefault, SurfacePanel}, st.History)
}

func TestRelease_PopsHistory(t *testing.T) {
	a := New(bus.New())

	a.Request(SurfacePanel, "sidebar")
	a.Request(SurfaceModal, "dialog")

	require.True(t, a.Release("dialog"))
	assert.Equal(t, SurfacePanel, a.Current())

	require.True(t, a.Release("sidebar"))
	assert.Equal(t, SurfaceDefault, a.Current())

	// Empty history falls back to the default surface.
	require.True(t, a.Release("anyone"))
	assert.Equal(t, SurfaceDefault, a.Current())
}

func TestLock_NonHolderRequestsDenied(t *testing.T) {
	a := New(bus.New())

	a.Request(SurfaceClarification, "clarify")
	require.True(t, a.Lock("clarify"))

	assert.False(t, a.Request(SurfaceSystem, "other"), "locking prevents any non-holder from changing focus")
	assert.Equal(t, SurfaceClarification, a.Current())

	assert.True(t, a.Request(SurfaceSystem, "clarify"), "the lock holder's own requests are honored")
}

func TestLock_ReentrantForSameHolder(t *testing.T) {
	a := New(bus.New())

	require.True(t, a.Lock("clarify"))
	assert.True(t, a.Lock("clarify"))
	assert.False(t, a.Lock("other"))
}

func TestUnlock_NonHolderFails(t *testing.T) {
	a := New(bus.New())

	require.True(t, a.Lock("clarify"))
	assert.False(t, a.Unlock("other"))
	assert.True(t, a.Unlock("clarify"))

	// After unlock, anyone may request again.
	assert.True(t, a.Request(SurfacePanel, "sidebar"))
}

func TestRelease_DeniedWhileLockedByOther(t *testing.T) {
	a := New(bus.New())

	a.Request(SurfaceModal, "dialog")
	a.Lock("dialog")

	assert.False(t, a.Release("other"))
	assert.Equal(t, SurfaceModal, a.Current())
}

func TestNotify_OnlyOnActualChange(t *testing.T) {
	b := bus.New()
	a := New(b)

	changes := 0
	b.On("focus:changed", func(bus.Event) { changes++ })

	a.Request(SurfacePanel, "sidebar")
	a.Request(SurfacePanel, "sidebar") // no-op: same surface
	a.Request(SurfaceDefault, "x")     // denied: lower priority

	assert.Equal(t, 1, changes)
}

func TestHistory_DepthBounded(t *testing.T) {
	a := New(bus.New(), WithMaxHistory(2), WithPriorities(map[Surface]int{
		SurfaceDefault: 0, "s1": 1, "s2": 2, "s3": 3, "s4": 4,
	}))

	for _, s := range []Surface{"s1", "s2", "s3", "s4"} {
		a.Request(s, "h")
	}

	st := a.Snapshot()
	assert.Equal(t, []Surface{"s2", "s3"}, st.History)
}
