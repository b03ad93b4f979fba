package clarify

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/keel/internal/bus"
)

// sendAck attempts one synchronous delivery. On failure the ack joins
// the pending set for the retry scan; the queue flow that triggered
// the send has already completed and is unaffected.
func (c *Coordinator) sendAck(ctx context.Context, req *Request, ack Ack) {
	if c.metrics != nil {
		c.metrics.RecordAckAttempt()
	}
	if _, err := c.dispatch(ctx, req.AgentID, req.RequestID, ack); err != nil {
		slog.Warn("acknowledgment send failed, scheduling retry",
			"request_id", req.RequestID, "ack_type", ack.Type(), "error", err)
		now := c.now()
		key := req.RequestID + "/" + string(ack.Type())
		c.mu.Lock()
		// A re-send of an ack type that is already pending (a preempted
		// request re-presented, say) folds into the existing entry so
		// the retry budget keeps counting instead of restarting.
		pa, ok := c.pending[key]
		if ok {
			pa.Ack = ack
			pa.Attempts++
			pa.LastAttemptAt = now
			pa.NextRetryAt = now.Add(c.policy.Backoff(pa.Attempts - 1))
		} else {
			pa = &PendingAck{
				RequestID:     req.RequestID,
				AgentID:       req.AgentID,
				Ack:           ack,
				Attempts:      1,
				LastAttemptAt: now,
				NextRetryAt:   now.Add(c.policy.InitialDelay),
			}
			c.pending[key] = pa
		}
		attempts := pa.Attempts
		n := len(c.pending)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.SetPendingAcks(n)
		}
		c.bus.Emit(bus.Event{
			Type:    "clarification:ack_retry",
			Source:  "clarify",
			Payload: map[string]any{"request_id": req.RequestID, "ack_type": string(ack.Type()), "attempts": attempts},
		})
		return
	}
	c.recordAck(req.RequestID, ack.Type())
}

// dispatch routes an ack variant to its transport call.
func (c *Coordinator) dispatch(ctx context.Context, agentID, requestID string, ack Ack) (AckResponse, error) {
	switch a := ack.(type) {
	case RespondedAck:
		return c.transport.Respond(ctx, agentID, requestID, a.Response, a.ResponseData)
	case CancelledAck:
		return c.transport.Cancel(ctx, agentID, requestID, a.Reason)
	default:
		return c.transport.Acknowledge(ctx, agentID, requestID, ack)
	}
}

// recordAck updates the request's ack state if it is still queued.
// Terminal acks arrive after removal and have nothing to update.
func (c *Coordinator) recordAck(requestID string, t AckType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req := c.findLocked(requestID); req != nil {
		req.CurrentAck = t
		req.AckHistory = append(req.AckHistory, AckRecord{AckType: t, SentAt: c.now()})
	}
}

// FlushPending retries every pending ack whose backoff delay has
// elapsed. An ack that fails with retries remaining is rescheduled
// with the next backoff step; one that exhausts the budget is dropped
// and reported as ack_failed. Called periodically by the retry loop;
// exported so a caller with an injected clock can drive it directly.
func (c *Coordinator) FlushPending(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due []*PendingAck
	for _, pa := range c.pending {
		if !now.Before(pa.NextRetryAt) {
			due = append(due, pa)
		}
	}
	c.mu.Unlock()

	for _, pa := range due {
		if c.metrics != nil {
			c.metrics.RecordAckAttempt()
		}
		_, err := c.dispatch(ctx, pa.AgentID, pa.RequestID, pa.Ack)

		key := pa.RequestID + "/" + string(pa.Ack.Type())
		c.mu.Lock()
		pa.Attempts++
		pa.LastAttemptAt = now
		var failed bool
		switch {
		case err == nil:
			delete(c.pending, key)
		case pa.Attempts > c.policy.MaxRetries:
			delete(c.pending, key)
			failed = true
		default:
			pa.NextRetryAt = now.Add(c.policy.Backoff(pa.Attempts - 1))
		}
		n := len(c.pending)
		attempts := pa.Attempts
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.SetPendingAcks(n)
		}
		switch {
		case err == nil:
			c.recordAck(pa.RequestID, pa.Ack.Type())
		case failed:
			if c.metrics != nil {
				c.metrics.RecordAckFailure()
			}
			slog.Error("acknowledgment abandoned after retries",
				"request_id", pa.RequestID, "ack_type", pa.Ack.Type(), "attempts", attempts)
			c.bus.Emit(bus.Event{
				Type:    "clarification:ack_failed",
				Source:  "clarify",
				Payload: map[string]any{"request_id": pa.RequestID, "ack_type": string(pa.Ack.Type()), "attempts": attempts},
			})
		default:
			c.bus.Emit(bus.Event{
				Type:    "clarification:ack_retry",
				Source:  "clarify",
				Payload: map[string]any{"request_id": pa.RequestID, "ack_type": string(pa.Ack.Type()), "attempts": attempts},
			})
		}
	}
}

// SweepTimeouts cancels queued requests whose timeout has elapsed.
// A timed-out request is resolved exactly like a cancellation, with
// an extra timeout event naming the cause.
func (c *Coordinator) SweepTimeouts(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var expired []*Request
	for _, r := range c.queue {
		if r.TimeoutSeconds <= 0 {
			continue
		}
		if now.Sub(r.CreatedAt) >= time.Duration(r.TimeoutSeconds)*time.Second {
			expired = append(expired, r)
		}
	}
	for _, r := range expired {
		c.removeLocked(r.RequestID)
	}
	wasCurrent := false
	if c.current != nil {
		for _, r := range expired {
			if r.RequestID == c.current.RequestID {
				wasCurrent = true
				c.current = nil
				break
			}
		}
	}
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	c.setQueueDepth()
	for _, r := range expired {
		c.bus.Emit(bus.Event{
			Type:    "clarification:timeout",
			Source:  "clarify",
			Payload: map[string]any{"request_id": r.RequestID, "timeout_seconds": r.TimeoutSeconds},
		})
		if c.metrics != nil {
			c.metrics.RecordResolved(string(AckCancelled))
		}
		c.sendAck(ctx, r, CancelledAck{RequestToken: r.RequestToken, Reason: "timeout"})
	}
	if wasCurrent {
		if c.focus != nil {
			c.focus.Unlock(focusHolder)
			c.focus.Release(focusHolder)
		}
		c.PresentNext(ctx)
	}
}

// PendingAcks returns a copy of the in-flight acknowledgment set.
func (c *Coordinator) PendingAcks() []PendingAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingAck, 0, len(c.pending))
	for _, pa := range c.pending {
		out = append(out, *pa)
	}
	return out
}

// Start launches the retry and timeout loops. Calling Start on a
// running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scan := time.NewTicker(c.scanInterval)
		sweep := time.NewTicker(c.sweepInterval)
		defer scan.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-scan.C:
				c.FlushPending(ctx)
			case <-sweep.C:
				c.SweepTimeouts(ctx)
			}
		}
	}()
}

// Stop halts the background loops and waits for them to exit.
// Safe to call on a stopped coordinator.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}
