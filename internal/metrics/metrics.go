// Package metrics exposes Prometheus instrumentation for the sync core.
//
// Each Collector owns its own registry so tests can build isolated
// instances; nothing registers against the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the sync-core metric set.
type Collector struct {
	registry *prometheus.Registry

	chainEvents  *prometheus.CounterVec
	ackAttempts  prometheus.Counter
	ackFailures  prometheus.Counter
	presented    prometheus.Counter
	resolved     *prometheus.CounterVec
	rollbacks    prometheus.Counter
	pendingAcks  prometheus.Gauge
	queueDepth   prometheus.Gauge
	phaseChanges prometheus.Counter
}

// NewCollector creates and registers the metric set on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		chainEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_chain_events_total",
			Help: "Chain events processed, by domain and reconciliation outcome",
		}, []string{"domain", "outcome"}),
		ackAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_ack_attempts_total",
			Help: "Total acknowledgment send attempts, including retries",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_ack_failures_total",
			Help: "Acknowledgments dropped after exhausting retries",
		}),
		presented: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_clarifications_presented_total",
			Help: "Clarification requests presented to the user",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_clarifications_resolved_total",
			Help: "Clarification requests resolved, by terminal ack type",
		}, []string{"ack_type"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_transactions_rolled_back_total",
			Help: "Optimistic transactions rolled back after backend rejection",
		}),
		pendingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keel_pending_acks",
			Help: "Acknowledgments awaiting retry",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keel_clarification_queue_depth",
			Help: "Clarification requests currently queued",
		}),
		phaseChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_phase_transitions_total",
			Help: "Workflow phase status transitions",
		}),
	}

	c.registry.MustRegister(
		c.chainEvents,
		c.ackAttempts,
		c.ackFailures,
		c.presented,
		c.resolved,
		c.rollbacks,
		c.pendingAcks,
		c.queueDepth,
		c.phaseChanges,
	)

	return c
}

// RecordChainEvent counts one reconciliation outcome for a domain.
// Outcome is one of "applied", "buffered", "resync".
func (c *Collector) RecordChainEvent(domain, outcome string) {
	c.chainEvents.WithLabelValues(domain, outcome).Inc()
}

// RecordAckAttempt counts one acknowledgment send attempt.
func (c *Collector) RecordAckAttempt() { c.ackAttempts.Inc() }

// RecordAckFailure counts one acknowledgment escalated to ack_failed.
func (c *Collector) RecordAckFailure() { c.ackFailures.Inc() }

// RecordPresented counts one clarification presentation.
func (c *Collector) RecordPresented() { c.presented.Inc() }

// RecordResolved counts one clarification resolution by ack type.
func (c *Collector) RecordResolved(ackType string) {
	c.resolved.WithLabelValues(ackType).Inc()
}

// RecordRollback counts one transaction rollback.
func (c *Collector) RecordRollback() { c.rollbacks.Inc() }

// SetPendingAcks reports the current retry backlog size.
func (c *Collector) SetPendingAcks(n int) { c.pendingAcks.Set(float64(n)) }

// SetQueueDepth reports the current clarification queue depth.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// RecordPhaseTransition counts one workflow phase transition.
func (c *Collector) RecordPhaseTransition() { c.phaseChanges.Inc() }

// Handler returns an HTTP handler serving this collector's registry
// in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (c *Collector) Gather() prometheus.Gatherer {
	return c.registry
}
