package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bus"
)

func newReconciler(opts ...Option) *Reconciler {
	return New(bus.New(), opts...)
}

func TestValidate_ReinitializationIsAlwaysValid(t *testing.T) {
	r := newReconciler()

	// Put the domain in an arbitrary position first.
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_002", PrevUpdateID: "update_001"})

	v := r.ValidateChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_100"})
	assert.True(t, v.IsValid)
	assert.Equal(t, ActionApply, v.Action)
}

func TestValidate_LinkedEventApplies(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001"})

	v := r.ValidateChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_002", PrevUpdateID: "update_001"})
	assert.True(t, v.IsValid)
	assert.Equal(t, ActionApply, v.Action)
}

func TestValidate_GapBuffers(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001"})

	// update_002 never arrived.
	v := r.ValidateChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_003", PrevUpdateID: "update_002"})
	assert.False(t, v.IsValid)
	assert.True(t, v.HasGap)
	assert.False(t, v.HasCycle)
	assert.Equal(t, ActionBuffer, v.Action)
}

func TestValidate_SeenIDIsCycle(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_002", PrevUpdateID: "update_001"})

	// Reusing update_001 with a broken link marks state corruption.
	v := r.ValidateChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001", PrevUpdateID: "update_099"})
	assert.True(t, v.HasCycle)
	assert.Equal(t, ActionResync, v.Action)
}

func TestValidate_SeenIDIsCycleEvenWhenLinked(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_002", PrevUpdateID: "update_001"})

	// Linkage is correct but the id was already consumed.
	v := r.ValidateChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001", PrevUpdateID: "update_002"})
	assert.True(t, v.HasCycle)
	assert.Equal(t, ActionResync, v.Action)
}

func TestValidate_DepthCapForcesResync(t *testing.T) {
	r := newReconciler(WithMaxDepth(2))

	r.ProcessChainEvent(ChainEvent{Domain: DomainRouting, UpdateID: "u1"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainRouting, UpdateID: "u2", PrevUpdateID: "u1"})

	v := r.ValidateChainEvent(ChainEvent{Domain: DomainRouting, UpdateID: "u3", PrevUpdateID: "u2"})
	assert.True(t, v.DepthExceeded)
	assert.False(t, v.IsValid)
	assert.Equal(t, ActionResync, v.Action)
}

func TestProcess_DepthIncrementsByOnePerAcceptedUpdate(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainPhase, UpdateID: "u1"})
	assert.Equal(t, 1, r.State(DomainPhase).Depth)

	r.ProcessChainEvent(ChainEvent{Domain: DomainPhase, UpdateID: "u2", PrevUpdateID: "u1"})
	assert.Equal(t, 2, r.State(DomainPhase).Depth)

	// Buffered events do not advance the chain.
	r.ProcessChainEvent(ChainEvent{Domain: DomainPhase, UpdateID: "u9", PrevUpdateID: "u8"})
	assert.Equal(t, 2, r.State(DomainPhase).Depth)
	assert.Equal(t, "u2", r.State(DomainPhase).LastUpdateID)
}

func TestProcess_EmitsReconciliationOutcomes(t *testing.T) {
	b := bus.New()
	r := New(b)

	var types []string
	b.On("chain:applied", func(ev bus.Event) { types = append(types, ev.Type) })
	b.On("chain:buffered", func(ev bus.Event) { types = append(types, ev.Type) })

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u1"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u5", PrevUpdateID: "u4"})

	assert.Equal(t, []string{"chain:applied", "chain:buffered"}, types)
}

func TestProcess_ScenarioGapFromSpecStream(t *testing.T) {
	r := newReconciler()

	v1 := r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_001"})
	require.True(t, v1.IsValid)

	v2 := r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "update_003", PrevUpdateID: "update_002"})
	assert.True(t, v2.HasGap)
	assert.Equal(t, ActionBuffer, v2.Action)
}

func TestAcknowledge_OnlyChainHead(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u1"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u2", PrevUpdateID: "u1"})

	assert.False(t, r.AcknowledgeUpdate(DomainGeometry, "u1"), "acking behind the head is refused")
	assert.False(t, r.AcknowledgeUpdate(DomainGeometry, "u3"), "acking ahead of the chain is refused")
	assert.True(t, r.AcknowledgeUpdate(DomainGeometry, "u2"))
	assert.Equal(t, "u2", r.State(DomainGeometry).LastAckedID)
}

func TestForceRefresh_ResetsStateAndSeenIDs(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u1"})
	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u2", PrevUpdateID: "u1"})
	r.ForceRefreshDomain(DomainGeometry)

	assert.Equal(t, ChainState{}, r.State(DomainGeometry))

	// After the refresh, a previously-seen id no longer reads as a cycle.
	v := r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u1"})
	assert.True(t, v.IsValid)
	assert.Equal(t, 1, r.State(DomainGeometry).Depth)
}

func TestForceRefreshAll_CoversEveryDomain(t *testing.T) {
	r := newReconciler()

	for _, d := range AllDomains() {
		r.ProcessChainEvent(ChainEvent{Domain: d, UpdateID: "u1"})
	}
	r.ForceRefreshAll()

	for _, d := range AllDomains() {
		assert.Equal(t, ChainState{}, r.State(d))
	}
}

func TestCompareHashes_IgnoresEmptyIncomingFields(t *testing.T) {
	r := newReconciler()
	r.MergeHashes(Hashes{Geometry: "aaa", Routing: "bbb"})

	mismatches := r.CompareHashes(Hashes{Geometry: "aaa", Routing: "ccc"})
	require.Len(t, mismatches, 1)
	assert.Equal(t, Mismatch{Field: "routing", Local: "bbb", Incoming: "ccc"}, mismatches[0])

	// Absent incoming fields are never mismatches.
	assert.Empty(t, r.CompareHashes(Hashes{Geometry: "aaa"}))
}

func TestMergeHashes_EmptyValuesNeverOverwrite(t *testing.T) {
	r := newReconciler()

	r.MergeHashes(Hashes{Geometry: "aaa", Phase: "ppp"})
	r.MergeHashes(Hashes{Geometry: "", Arrangement: "qqq"})

	h := r.KnownHashes()
	assert.Equal(t, "aaa", h.Geometry)
	assert.Equal(t, "qqq", h.Arrangement)
	assert.Equal(t, "ppp", h.Phase)
}

func TestStates_SnapshotAndRestore(t *testing.T) {
	r := newReconciler()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u1"})
	snap := r.States()

	r.ProcessChainEvent(ChainEvent{Domain: DomainGeometry, UpdateID: "u2", PrevUpdateID: "u1"})
	require.Equal(t, 2, r.State(DomainGeometry).Depth)

	r.RestoreStates(snap)
	assert.Equal(t, 1, r.State(DomainGeometry).Depth)
	assert.Equal(t, "u1", r.State(DomainGeometry).LastUpdateID)
}

func TestFingerprintPayload_Deterministic(t *testing.T) {
	a, err := FingerprintPayload(map[string]any{"hull": "h-1", "rev": 3})
	require.NoError(t, err)
	b, err := FingerprintPayload(map[string]any{"rev": 3, "hull": "h-1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
