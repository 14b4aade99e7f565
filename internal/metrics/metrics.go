// Package metrics exposes Prometheus collectors for the fleet core.
// A nil *Metrics is valid and records nothing, which keeps tests terse.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaot623/agentfleet/internal/domain"
)

const namespace = "agentfleet"

// Metrics holds every collector used by the core.
type Metrics struct {
	upserts             *prometheus.CounterVec
	rejectedTransitions *prometheus.CounterVec
	identityConflicts   prometheus.Counter
	agents              *prometheus.GaugeVec
	commands            *prometheus.CounterVec
	policyDecisions     *prometheus.CounterVec
	discoveryErrors     *prometheus.CounterVec
	discoveryDuration   *prometheus.HistogramVec
	subscribers         prometheus.Gauge
	droppedEvents       prometheus.Counter
	auditSinkFailures   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_upserts_total",
			Help:      "Registry upserts by source and result.",
		}, []string{"source", "result"}),
		rejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_rejected_transitions_total",
			Help:      "Reported status changes that were not legal transitions.",
		}, []string{"from", "to"}),
		identityConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_identity_conflicts_total",
			Help:      "Observations dropped because they claimed a different platform handle.",
		}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents currently tracked, by status.",
		}, []string{"status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched commands by action and outcome.",
		}, []string{"action", "outcome"}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy assessments by decision.",
		}, []string{"decision"}),
		discoveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_errors_total",
			Help:      "Failed discovery cycles by platform.",
		}, []string{"platform"}),
		discoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Duration of discovery cycles by platform.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Connected event subscribers.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_events_total",
			Help:      "Events dropped from full subscriber queues.",
		}),
		auditSinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_failures_total",
			Help:      "Audit entries that could not be persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.upserts, m.rejectedTransitions, m.identityConflicts, m.agents,
			m.commands, m.policyDecisions, m.discoveryErrors, m.discoveryDuration,
			m.subscribers, m.droppedEvents, m.auditSinkFailures,
		)
	}
	return m
}

func (m *Metrics) Upsert(source, result string) {
	if m == nil {
		return
	}
	m.upserts.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RejectedTransition(from, to domain.AgentStatus) {
	if m == nil {
		return
	}
	m.rejectedTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IdentityConflict() {
	if m == nil {
		return
	}
	m.identityConflicts.Inc()
}

// SetAgentCounts replaces the per-status agent gauge.
func (m *Metrics) SetAgentCounts(counts map[domain.AgentStatus]int) {
	if m == nil {
		return
	}
	for _, st := range domain.Statuses {
		m.agents.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) Command(action domain.Action, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(action), outcome).Inc()
}

func (m *Metrics) PolicyDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) DiscoveryError(platform domain.Platform) {
	if m == nil {
		return
	}
	m.discoveryErrors.WithLabelValues(string(platform)).Inc()
}

func (m *Metrics) DiscoveryDuration(platform domain.Platform, seconds float64) {
	if m == nil {
		return
	}
	m.discoveryDuration.WithLabelValues(string(platform)).Observe(seconds)
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) AuditSinkFailure() {
	if m == nil {
		return
	}
	m.auditSinkFailures.Inc()
}
