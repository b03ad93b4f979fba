// Package clarify coordinates the human-clarification request queue
// and its acknowledgment protocol.
//
// Requests arrive from backend agents with a priority; the coordinator
// keeps them sorted, presents the head to the user, and accompanies
// every lifecycle step with an acknowledgment send. Acknowledgment
// delivery is not guaranteed, so failed sends enter a bounded
// exponential-backoff retry loop and are surfaced as ack_failed when
// exhausted, never silently swallowed and never a gate on the user's
// own queue flow.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/focus"
	"github.com/roach88/keel/internal/metrics"
)

// ErrNoCurrent is returned by Respond/Skip when nothing is presented.
var ErrNoCurrent = errors.New("no clarification is currently presented")

// focusHolder identifies the coordinator to the focus arbiter.
const focusHolder = "clarify"

// Coordinator owns the clarification queue and the ack retry protocol.
//
// Queue mutation is applied atomically per call under the internal
// lock; transport sends happen after the lock is released, so a slow
// or failing backend never blocks queue insertion.
type Coordinator struct {
	mu        sync.Mutex
	bus       *bus.Bus
	transport Transport
	focus     *focus.Arbiter
	metrics   *metrics.Collector
	policy    RetryPolicy
	now       func() time.Time

	queue      []*Request
	current    *Request
	pending    map[string]*PendingAck
	generation int
	loading    bool
	err        string

	scanInterval  time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	started       bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithFocus lets presentations claim and lock the clarification focus
// surface while a request is shown.
func WithFocus(a *focus.Arbiter) Option {
	return func(c *Coordinator) { c.focus = a }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithScanInterval overrides the retry-scan period (default 500ms).
// The scan period is fixed and independent of per-ack delay.
func WithScanInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.scanInterval = d }
}

// WithSweepInterval overrides the timeout-sweep period (default 1s).
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.sweepInterval = d }
}

// New creates a stopped Coordinator.
func New(b *bus.Bus, transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:           b,
		transport:     transport,
		policy:        DefaultRetryPolicy(),
		now:           time.Now,
		pending:       make(map[string]*PendingAck),
		scanInterval:  500 * time.Millisecond,
		sweepInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add inserts a request into the queue in priority order (descending,
// ties keep insertion order) and sends a queued acknowledgment. The
// head is presented when nothing is current, or re-presented when the
// new request outranks the current one; the preempted request stays
// queued and comes back once the higher-priority one resolves.
func (c *Coordinator) Add(ctx context.Context, req Request) {
	c.mu.Lock()
	r := req
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	c.insertLocked(&r)
	present := c.current == nil || c.queue[0] != c.current
	c.mu.Unlock()

	c.setQueueDepth()
	c.bus.Emit(bus.Event{
		Type:    "clarification:received",
		Source:  "clarify",
		Payload: map[string]any{"request_id": r.RequestID, "priority": r.Priority},
	})
	c.sendAck(ctx, &r, QueuedAck{RequestToken: r.RequestToken})

	if present {
		c.PresentNext(ctx)
	}
}

// PresentNext makes the queue head current without removing it from
// the queue (presentation is non-destructive; the request stays queued
// until resolved), sends a presented acknowledgment, and announces the
// presentation. Returns nil if the queue is empty.
func (c *Coordinator) PresentNext(ctx context.Context) *Request {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.current = nil
		c.mu.Unlock()
		return nil
	}
	head := c.queue[0]
	c.current = head
	c.mu.Unlock()

	if c.focus != nil {
		c.focus.Request(focus.SurfaceClarification, focusHolder)
		c.focus.Lock(focusHolder)
	}
	if c.metrics != nil {
		c.metrics.RecordPresented()
	}
	c.bus.Emit(bus.Event{
		Type:    "clarification:presented",
		Source:  "clarify",
		Payload: map[string]any{"request_id": head.RequestID, "priority": head.Priority},
	})
	c.sendAck(ctx, head, PresentedAck{RequestToken: head.RequestToken})
	return head
}

// Respond delivers the user's answer for the current clarification,
// removes it from the queue, and immediately presents the
// next-highest-priority item. Responding with nothing presented is a
// protocol violation and fails fast.
func (c *Coordinator) Respond(ctx context.Context, value string, data map[string]any) error {
	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		return ErrNoCurrent
	}
	c.removeLocked(cur.RequestID)
	c.current = nil
	c.mu.Unlock()

	c.resolve(ctx, cur, RespondedAck{
		RequestToken: cur.RequestToken,
		Response:     value,
		ResponseData: data,
	}, "clarification:responded")
	return nil
}

// Skip resolves the current clarification without an answer.
func (c *Coordinator) Skip(ctx context.Context, reason string) error {
	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		return ErrNoCurrent
	}
	c.removeLocked(cur.RequestID)
	c.current = nil
	c.mu.Unlock()

	c.resolve(ctx, cur, SkippedAck{RequestToken: cur.RequestToken, Reason: reason}, "clarification:skipped")
	return nil
}

// Cancel resolves a specific request by id, presented or not. The
// current presentation is cleared only when the cancelled id was the
// one being shown.
func (c *Coordinator) Cancel(ctx context.Context, requestID, reason string) error {
	c.mu.Lock()
	req := c.findLocked(requestID)
	if req == nil {
		c.mu.Unlock()
		return fmt.Errorf("unknown clarification %q", requestID)
	}
	c.removeLocked(requestID)
	wasCurrent := c.current != nil && c.current.RequestID == requestID
	if wasCurrent {
		c.current = nil
	}
	c.mu.Unlock()

	if wasCurrent {
		c.resolve(ctx, req, CancelledAck{RequestToken: req.RequestToken, Reason: reason}, "clarification:cancelled")
	} else {
		c.setQueueDepth()
		if c.metrics != nil {
			c.metrics.RecordResolved(string(AckCancelled))
		}
		c.bus.Emit(bus.Event{
			Type:    "clarification:cancelled",
			Source:  "clarify",
			Payload: map[string]any{"request_id": req.RequestID, "reason": reason},
		})
		c.sendAck(ctx, req, CancelledAck{RequestToken: req.RequestToken, Reason: reason})
	}
	return nil
}

// Current returns a copy of the presented request, if any.
func (c *Coordinator) Current() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cur := *c.current
	return &cur
}

// Active returns copies of the queued requests in presentation order.
func (c *Coordinator) Active() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Request, len(c.queue))
	for i, r := range c.queue {
		out[i] = *r
	}
	return out
}

// Err returns the last sync error surface, empty when healthy.
func (c *Coordinator) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Loading reports whether a sync is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Sync reconciles the local queue against the backend's pending list,
// replacing local state. Sync failures set the error surface and clear
// the loading flag instead of returning an error. A response landing
// after Reset is ignored via the generation check.
func (c *Coordinator) Sync(ctx context.Context) {
	c.mu.Lock()
	c.loading = true
	c.err = ""
	gen := c.generation
	c.mu.Unlock()

	list, err := c.transport.ListPending(ctx)

	c.mu.Lock()
	if gen != c.generation {
		// Stale response from before a Reset; drop it.
		c.mu.Unlock()
		return
	}
	c.loading = false
	if err != nil {
		c.err = err.Error()
		c.mu.Unlock()
		slog.Warn("clarification sync failed", "error", err)
		return
	}

	currentID := ""
	if c.current != nil {
		currentID = c.current.RequestID
	}
	c.queue = nil
	for i := range list {
		r := list[i]
		c.insertLocked(&r)
	}
	c.current = nil
	for _, r := range c.queue {
		if r.RequestID == currentID {
			c.current = r
			break
		}
	}
	needPresent := c.current == nil && len(c.queue) > 0
	c.mu.Unlock()

	c.setQueueDepth()
	if needPresent {
		c.PresentNext(ctx)
	}
}

// Reset clears all coordinator state and bumps the generation so that
// stale in-flight responses are ignored when they land.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.queue = nil
	c.current = nil
	c.pending = make(map[string]*PendingAck)
	c.loading = false
	c.err = ""
}

// resolve finishes a removed request: terminal ack, resolution event,
// focus handback, and advance to the next head.
func (c *Coordinator) resolve(ctx context.Context, req *Request, ack Ack, eventType string) {
	if c.focus != nil {
		c.focus.Unlock(focusHolder)
		c.focus.Release(focusHolder)
	}
	c.setQueueDepth()
	if c.metrics != nil {
		c.metrics.RecordResolved(string(ack.Type()))
	}
	c.bus.Emit(bus.Event{
		Type:    eventType,
		Source:  "clarify",
		Payload: map[string]any{"request_id": req.RequestID},
	})
	c.sendAck(ctx, req, ack)
	c.PresentNext(ctx)
}

// insertLocked places a request at its sorted position: descending
// priority, stable for equal priorities. Caller must hold c.mu.
func (c *Coordinator) insertLocked(r *Request) {
	idx := sort.Search(len(c.queue), func(i int) bool {
		return c.queue[i].Priority < r.Priority
	})
	c.queue = append(c.queue, nil)
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = r
}

func (c *Coordinator) findLocked(requestID string) *Request {
	for _, r := range c.queue {
		if r.RequestID == requestID {
			return r
		}
	}
	return nil
}

func (c *Coordinator) removeLocked(requestID string) {
	for i, r := range c.queue {
		if r.RequestID == requestID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) setQueueDepth() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	n := len(c.queue)
	c.mu.Unlock()
	c.metrics.SetQueueDepth(n)
}
