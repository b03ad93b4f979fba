// Package focus serializes exclusive UI attention across subsystems.
//
// Exactly one surface owns user attention at a time. Requests are
// arbitrated by static priority, and a holder may lock focus so that
// only its own requests are honored (a clarification suspends normal
// input focus this way).
package focus

import (
	"log/slog"
	"sync"

	"github.com/roach88/keel/internal/bus"
)

// Surface is one of the fixed focus surfaces.
type Surface string

const (
	SurfaceDefault       Surface = "default"
	SurfacePanel         Surface = "panel"
	SurfaceModal         Surface = "modal"
	SurfaceClarification Surface = "clarification"
	SurfaceSystem        Surface = "system"
)

// DefaultPriorities orders the fixed surfaces. Higher wins.
func DefaultPriorities() map[Surface]int {
	return map[Surface]int{
		SurfaceDefault:       0,
		SurfacePanel:         1,
		SurfaceModal:         2,
		SurfaceClarification: 3,
		SurfaceSystem:        4,
	}
}

// DefaultMaxHistory bounds the focus history stack.
const DefaultMaxHistory = 8

// State is a copy of the arbiter's current register.
type State struct {
	Current    Surface
	Previous   Surface
	History    []Surface
	LockHolder string
}

// Arbiter is the priority-ordered, lockable single-focus-holder
// register. All methods are synchronous; denied requests leave state
// unchanged and return false; focus conflicts are never errors.
type Arbiter struct {
	mu         sync.Mutex
	bus        *bus.Bus
	priorities map[Surface]int
	defaultSfc Surface
	maxHistory int

	current    Surface
	previous   Surface
	history    []Surface
	lockHolder string
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithPriorities overrides the static priority table.
func WithPriorities(p map[Surface]int) Option {
	return func(a *Arbiter) { a.priorities = p }
}

// WithMaxHistory overrides DefaultMaxHistory.
func WithMaxHistory(n int) Option {
	return func(a *Arbiter) { a.maxHistory = n }
}

// New creates an Arbiter holding the default surface.
func New(b *bus.Bus, opts ...Option) *Arbiter {
	a := &Arbiter{
		bus:        b,
		priorities: DefaultPriorities(),
		defaultSfc: SurfaceDefault,
		maxHistory: DefaultMaxHistory,
		current:    SurfaceDefault,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request asks to move focus to a surface on behalf of a holder.
// Granted if (a) focus is not locked, or locked by this exact holder,
// and (b) the requested surface's priority is >= the current
// surface's priority. Equal priority is allowed so a holder can
// reclaim the same tier.
//
// Subscribers are notified only on an actual change, never on no-op
// requests.
func (a *Arbiter) Request(surface Surface, holder string) bool {
	a.mu.Lock()

	if a.lockHolder != "" && a.lockHolder != holder {
		a.mu.Unlock()
		return false
	}
	if a.priorities[surface] < a.priorities[a.current] {
		a.mu.Unlock()
		return false
	}

	old := a.current
	if old != surface {
		a.previous = old
		a.pushHistoryLocked(old)
		a.current = surface
	}
	a.mu.Unlock()

	if old != surface {
		a.notify(old, surface, holder)
	}
	return true
}

// Release pops the most recent history entry (or falls back to the
// default surface) on behalf of a holder. Denied if focus is locked
// by a different holder.
func (a *Arbiter) Release(holder string) bool {
	a.mu.Lock()

	if a.lockHolder != "" && a.lockHolder != holder {
		a.mu.Unlock()
		return false
	}

	next := a.defaultSfc
	if n := len(a.history); n > 0 {
		next = a.history[n-1]
		a.history = a.history[:n-1]
	}

	old := a.current
	if old != next {
		a.previous = old
		a.current = next
	}
	a.mu.Unlock()

	if old != next {
		a.notify(old, next, holder)
	}
	return true
}

// Lock makes holder the only actor whose focus requests are honored.
// Fails if a different holder already owns the lock.
func (a *Arbiter) Lock(holder string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lockHolder != "" && a.lockHolder != holder {
		return false
	}
	a.lockHolder = holder
	return true
}

// Unlock releases the focus lock. Unlock by a non-holder fails.
func (a *Arbiter) Unlock(holder string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lockHolder != holder {
		return false
	}
	a.lockHolder = ""
	return true
}

// Current returns the surface that currently owns attention.
func (a *Arbiter) Current() Surface {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Snapshot returns a copy of the full focus register.
func (a *Arbiter) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Current:    a.current,
		Previous:   a.previous,
		History:    append([]Surface(nil), a.history...),
		LockHolder: a.lockHolder,
	}
}

func (a *Arbiter) pushHistoryLocked(s Surface) {
	a.history = append(a.history, s)
	if len(a.history) > a.maxHistory {
		a.history = a.history[len(a.history)-a.maxHistory:]
	}
}

func (a *Arbiter) notify(old, new Surface, holder string) {
	slog.Debug("focus changed", "from", old, "to", new, "holder", holder)
	a.bus.Emit(bus.Event{
		Type:   "focus:changed",
		Source: "focus",
		Payload: map[string]any{
			"from":   string(old),
			"to":     string(new),
			"holder": holder,
		},
	})
}
