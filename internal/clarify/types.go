package clarify

import (
	"context"
	"time"
)

// AckType names the acknowledgment lifecycle stages.
type AckType string

const (
	AckQueued    AckType = "queued"
	AckPresented AckType = "presented"
	AckResponded AckType = "responded"
	AckSkipped   AckType = "skipped"
	AckCancelled AckType = "cancelled"
)

// Ack is the closed set of acknowledgment payloads. Each variant
// carries only the fields valid for its stage; the send path switches
// over the variants exhaustively.
type Ack interface {
	Type() AckType
}

// QueuedAck confirms receipt of a request into the local queue.
type QueuedAck struct {
	RequestToken string
}

func (QueuedAck) Type() AckType { return AckQueued }

// PresentedAck confirms the request is now shown to the user.
type PresentedAck struct {
	RequestToken string
}

func (PresentedAck) Type() AckType { return AckPresented }

// RespondedAck carries the user's answer.
type RespondedAck struct {
	RequestToken string
	Response     string
	ResponseData map[string]any
}

func (RespondedAck) Type() AckType { return AckResponded }

// SkippedAck records that the user declined to answer.
type SkippedAck struct {
	RequestToken string
	Reason       string
}

func (SkippedAck) Type() AckType { return AckSkipped }

// CancelledAck records cancellation, by the user or by timeout.
type CancelledAck struct {
	RequestToken string
	Reason       string
}

func (CancelledAck) Type() AckType { return AckCancelled }

// AckRecord is one entry in a request's acknowledgment history.
type AckRecord struct {
	AckType AckType
	SentAt  time.Time
}

// Request is one pending human-clarification request. Owned by the
// Coordinator from receipt until a terminal acknowledgment or timeout.
type Request struct {
	RequestID      string
	AgentID        string
	RequestToken   string
	Priority       int // 0 (lowest) … 4 (highest)
	Message        string
	Options        []string
	DefaultOption  string
	CreatedAt      time.Time
	TimeoutSeconds int
	CurrentAck     AckType
	AckHistory     []AckRecord
}

// PendingAck tracks one in-flight, not-yet-confirmed acknowledgment.
// Removed on success; escalated to ack_failed after exhausting
// retries.
type PendingAck struct {
	RequestID     string
	AgentID       string
	Ack           Ack
	Attempts      int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
}

// AckResponse is the backend's answer to an acknowledgment or
// response delivery.
type AckResponse struct {
	Status string
}

// Transport is the external clarification-service collaborator.
// All calls may fail transiently; the coordinator owns retry policy.
type Transport interface {
	Acknowledge(ctx context.Context, agentID, requestID string, ack Ack) (AckResponse, error)
	Respond(ctx context.Context, agentID, requestID, response string, data map[string]any) (AckResponse, error)
	ListPending(ctx context.Context) ([]Request, error)
	Cancel(ctx context.Context, agentID, requestID, reason string) (AckResponse, error)
}

// RetryPolicy bounds the acknowledgment retry protocol.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultRetryPolicy matches the protocol defaults:
// 3 retries, 1s initial delay, 2x backoff, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}
}

// Backoff returns the retry delay after attempt k:
// min(initial * multiplier^k, max). Monotonically non-decreasing in k.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	delay := p.InitialDelay
	for i := 0; i < attempts; i++ {
		delay = time.Duration(float64(delay) * p.BackoffMultiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
