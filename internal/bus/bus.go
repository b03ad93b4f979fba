package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is an immutable notification dispatched through the bus.
// Payload contents are owned by the emitter and must not be mutated
// by handlers.
type Event struct {
	Type      string
	Domain    string
	Source    string
	Timestamp time.Time
	Payload   map[string]any
}

// Handler receives a dispatched event. Handlers run synchronously
// inside Emit; a panicking handler is recovered and logged so one
// faulty subscriber cannot block the others.
type Handler func(Event)

type subscription struct {
	id   int
	fn   Handler
	once bool
}

// Bus is a typed publish/subscribe hub with wildcard and per-domain
// subscription. It is the substrate every other component uses to
// announce state transitions without tight coupling.
//
// Dispatch order within one Emit call: exact-type subscribers in
// subscription order, then wildcard subscribers in subscription order.
// No ordering guarantee is promised beyond that.
//
// Thread-safety model:
//   - All methods are safe from any goroutine.
//   - Handlers are invoked outside the internal lock against a
//     snapshot of the subscriber list, so handlers may themselves
//     subscribe, unsubscribe, or emit.
type Bus struct {
	mu         sync.Mutex
	nextID     int
	subs       map[string][]subscription
	domainSubs map[string][]subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[string][]subscription),
		domainSubs: make(map[string][]subscription),
	}
}

// On registers a handler for an exact event type (or Wildcard).
// The returned function removes the subscription; calling it more
// than once is harmless.
func (b *Bus) On(eventType string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, fn: fn})

	return func() { b.remove(b.subs, eventType, id) }
}

// Once registers a handler that auto-unsubscribes after its first
// delivery.
func (b *Bus) Once(eventType string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, fn: fn, once: true})

	return func() { b.remove(b.subs, eventType, id) }
}

// SubscribeDomain registers a handler that receives only events
// emitted to the given domain. Cross-domain delivery never happens.
func (b *Bus) SubscribeDomain(domain string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.domainSubs[domain] = append(b.domainSubs[domain], subscription{id: id, fn: fn})

	return func() { b.remove(b.domainSubs, domain, id) }
}

// SubscribeDomains registers one handler across several domains.
// The returned function removes all of the underlying subscriptions.
func (b *Bus) SubscribeDomains(domains []string, fn Handler) func() {
	unsubs := make([]func(), 0, len(domains))
	for _, d := range domains {
		unsubs = append(unsubs, b.SubscribeDomain(d, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Emit dispatches an event to exact-type subscribers, then wildcard
// subscribers. Emission is synchronous and never panics: handler
// panics are recovered and isolated per handler.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	targets := b.snapshot(ev.Type)
	for _, sub := range targets {
		dispatch(sub.fn, ev)
	}
}

// EmitToDomain dispatches an event only to subscribers of the given
// domain. The event's Domain field is stamped with the target domain.
func (b *Bus) EmitToDomain(domain string, ev Event) {
	ev.Domain = domain
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	targets := append([]subscription(nil), b.domainSubs[domain]...)
	b.mu.Unlock()

	for _, sub := range targets {
		dispatch(sub.fn, ev)
	}
}

// Clear drops all subscriptions, both typed and per-domain.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
	b.domainSubs = make(map[string][]subscription)
}

// SubscriberCount returns the number of handlers that would see an
// event of the given type. Used for testing and diagnostics.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs[eventType])
	if eventType != Wildcard {
		n += len(b.subs[Wildcard])
	}
	return n
}

// snapshot collects the exact-type and wildcard subscribers for one
// dispatch, consuming any once-subscriptions so they are delivered
// at most once even under concurrent Emit calls.
func (b *Bus) snapshot(eventType string) []subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []subscription
	targets = append(targets, b.take(eventType)...)
	if eventType != Wildcard {
		targets = append(targets, b.take(Wildcard)...)
	}
	return targets
}

// take copies the subscriber list for a type and strips once-handlers
// from the registered list. Caller must hold b.mu.
func (b *Bus) take(eventType string) []subscription {
	subs := b.subs[eventType]
	if len(subs) == 0 {
		return nil
	}

	targets := append([]subscription(nil), subs...)

	kept := subs[:0]
	hasOnce := false
	for _, s := range subs {
		if s.once {
			hasOnce = true
			continue
		}
		kept = append(kept, s)
	}
	if hasOnce {
		b.subs[eventType] = kept
	}
	return targets
}

// remove deletes a subscription by id. Safe to call when the id has
// already been removed (once-delivery or Clear).
func (b *Bus) remove(table map[string][]subscription, key string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := table[key]
	for i, s := range subs {
		if s.id == id {
			table[key] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// dispatch invokes a single handler with panic isolation.
func dispatch(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", ev.Type,
				"domain", ev.Domain,
				"source", ev.Source,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
