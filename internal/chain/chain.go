// Package chain validates per-domain backend update streams.
//
// Each backend subsystem pushes a causally-ordered stream of chain
// events: every event carries its own update id and the id of the
// update it logically follows. The reconciler classifies each incoming
// event as applicable, bufferable (possible out-of-order arrival), or
// requiring a full resync (corrupted linkage), and tracks last-known
// content fingerprints per domain to detect silent drift.
package chain

import (
	"log/slog"
	"sync"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/metrics"
)

// Domain identifies one independently-synchronized backend subsystem.
type Domain string

const (
	DomainGeometry    Domain = "geometry"
	DomainArrangement Domain = "arrangement"
	DomainRouting     Domain = "routing"
	DomainPhase       Domain = "phase"
)

// AllDomains lists every synchronized domain in a fixed order.
func AllDomains() []Domain {
	return []Domain{DomainGeometry, DomainArrangement, DomainRouting, DomainPhase}
}

// DefaultMaxDepth caps chain growth between full refreshes. Beyond
// this depth a resync is mandatory regardless of otherwise-valid
// linkage, bounding how much unacknowledged history the client carries.
const DefaultMaxDepth = 1000

// ChainEvent is a backend update notification.
// An empty PrevUpdateID marks a chain re-initialization.
type ChainEvent struct {
	Domain       Domain
	UpdateID     string
	PrevUpdateID string
	Payload      map[string]any
}

// ChainState tracks one domain's position in its update chain.
// Depth strictly increases by 1 per accepted update.
type ChainState struct {
	LastUpdateID string
	LastAckedID  string
	Depth        int
}

// Action tells the caller how to handle a classified event.
type Action string

const (
	// ActionApply: the event extends the chain and may be committed.
	ActionApply Action = "apply"
	// ActionBuffer: linkage gap; hold the event for possible
	// out-of-order arrival of its predecessor.
	ActionBuffer Action = "buffer"
	// ActionResync: the chain is corrupted or too deep; force a full
	// refresh before applying anything further.
	ActionResync Action = "resync"
)

// Validation is the outcome of classifying one chain event.
type Validation struct {
	IsValid       bool
	HasGap        bool
	HasCycle      bool
	DepthExceeded bool
	Action        Action
}

// Reconciler validates and commits chain events for every domain.
//
// Thread-safety: all methods are safe from any goroutine. Bus events
// are emitted outside the internal lock.
type Reconciler struct {
	mu       sync.Mutex
	bus      *bus.Bus
	metrics  *metrics.Collector
	maxDepth int
	states   map[Domain]*ChainState
	seen     map[Domain]map[string]bool
	hashes   Hashes
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(r *Reconciler) { r.maxDepth = depth }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler with fresh state for every domain.
func New(b *bus.Bus, opts ...Option) *Reconciler {
	r := &Reconciler{
		bus:      b,
		maxDepth: DefaultMaxDepth,
		states:   make(map[Domain]*ChainState),
		seen:     make(map[Domain]map[string]bool),
	}
	for _, d := range AllDomains() {
		r.states[d] = &ChainState{}
		r.seen[d] = make(map[string]bool)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateChainEvent classifies an event without committing it.
//
// Rules:
//   - Empty PrevUpdateID is always valid (re-initialization).
//   - Otherwise valid iff PrevUpdateID equals the domain's LastUpdateID.
//   - A linkage mismatch is a gap (buffer), unless the event reuses an
//     already-seen update id, which is a cycle (resync).
//   - If committing would push Depth past the maximum, the action is
//     resync even when the linkage itself is valid.
func (r *Reconciler) ValidateChainEvent(ev ChainEvent) Validation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateLocked(ev)
}

func (r *Reconciler) validateLocked(ev ChainEvent) Validation {
	state, ok := r.states[ev.Domain]
	if !ok {
		// Unknown domain: nothing to link against, nothing to corrupt.
		return Validation{Action: ActionResync}
	}

	if ev.PrevUpdateID == "" {
		return Validation{IsValid: true, Action: ActionApply}
	}

	// A reused update id means the chain loops back on itself,
	// regardless of how the event claims to link.
	if r.seen[ev.Domain][ev.UpdateID] {
		return Validation{HasCycle: true, Action: ActionResync}
	}

	if ev.PrevUpdateID == state.LastUpdateID {
		if state.Depth+1 > r.maxDepth {
			return Validation{DepthExceeded: true, Action: ActionResync}
		}
		return Validation{IsValid: true, Action: ActionApply}
	}

	return Validation{HasGap: true, Action: ActionBuffer}
}

// ProcessChainEvent classifies an event and, when applicable, commits
// it: LastUpdateID advances, Depth increments (resetting to 1 on
// re-initialization), and the update id is recorded as seen.
//
// The reconciliation outcome is announced on the bus as
// chain:applied, chain:buffered, or chain:resync, each carrying the
// domain and update id.
func (r *Reconciler) ProcessChainEvent(ev ChainEvent) Validation {
	r.mu.Lock()
	v := r.validateLocked(ev)

	if v.IsValid {
		state := r.states[ev.Domain]
		if ev.PrevUpdateID == "" {
			// Re-initialization starts a fresh chain.
			state.Depth = 1
			r.seen[ev.Domain] = make(map[string]bool)
		} else {
			state.Depth++
		}
		state.LastUpdateID = ev.UpdateID
		r.seen[ev.Domain][ev.UpdateID] = true
	}
	r.mu.Unlock()

	switch v.Action {
	case ActionApply:
		r.record(ev.Domain, "applied")
		r.emit("chain:applied", ev)
	case ActionBuffer:
		slog.Debug("chain event buffered",
			"domain", ev.Domain,
			"update_id", ev.UpdateID,
			"prev_update_id", ev.PrevUpdateID,
		)
		r.record(ev.Domain, "buffered")
		r.emit("chain:buffered", ev)
	case ActionResync:
		slog.Warn("chain requires resync",
			"domain", ev.Domain,
			"update_id", ev.UpdateID,
			"cycle", v.HasCycle,
			"depth_exceeded", v.DepthExceeded,
		)
		r.record(ev.Domain, "resync")
		r.emit("chain:resync", ev)
	}

	return v
}

// AcknowledgeUpdate advances LastAckedID, but only for the chain head:
// acking ahead of the chain is refused.
func (r *Reconciler) AcknowledgeUpdate(domain Domain, updateID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[domain]
	if !ok || state.LastUpdateID != updateID {
		return false
	}
	state.LastAckedID = updateID
	return true
}

// State returns a copy of one domain's chain state.
func (r *Reconciler) State(domain Domain) ChainState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[domain]; ok {
		return *s
	}
	return ChainState{}
}

// States returns a copy of every domain's chain state, for
// transaction snapshots.
func (r *Reconciler) States() map[Domain]ChainState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Domain]ChainState, len(r.states))
	for d, s := range r.states {
		out[d] = *s
	}
	return out
}

// RestoreStates replaces chain states from a transaction snapshot.
func (r *Reconciler) RestoreStates(states map[Domain]ChainState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for d, s := range states {
		if existing, ok := r.states[d]; ok {
			*existing = s
		}
	}
}

// ForceRefreshDomain resets one domain to initial chain state,
// clearing its seen-id memory. Used after a resync action, once the
// caller has fetched authoritative state.
func (r *Reconciler) ForceRefreshDomain(domain Domain) {
	r.mu.Lock()
	if state, ok := r.states[domain]; ok {
		*state = ChainState{}
		r.seen[domain] = make(map[string]bool)
	}
	r.mu.Unlock()

	slog.Info("domain force-refreshed", "domain", domain)
	r.bus.Emit(bus.Event{
		Type:    "chain:refreshed",
		Domain:  string(domain),
		Source:  "reconciler",
		Payload: map[string]any{"domain": string(domain)},
	})
}

// ForceRefreshAll resets every domain.
func (r *Reconciler) ForceRefreshAll() {
	for _, d := range AllDomains() {
		r.ForceRefreshDomain(d)
	}
}

func (r *Reconciler) record(domain Domain, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordChainEvent(string(domain), outcome)
	}
}

func (r *Reconciler) emit(eventType string, ev ChainEvent) {
	r.bus.Emit(bus.Event{
		Type:   eventType,
		Domain: string(ev.Domain),
		Source: "reconciler",
		Payload: map[string]any{
			"domain":         string(ev.Domain),
			"update_id":      ev.UpdateID,
			"prev_update_id": ev.PrevUpdateID,
		},
	})
}
