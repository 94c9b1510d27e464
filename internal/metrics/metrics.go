// Package metrics exposes the approval engine's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "withdrawal_approvals"

// Metrics groups every collector the service records. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	refused         *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	triggersFired   *prometheus.CounterVec
	slaStatus       *prometheus.CounterVec
	bulkItems       *prometheus.CounterVec
	hierarchyOps    *prometheus.CounterVec
	subscribers     prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	httpRequests    *prometheus.HistogramVec
}

// New registers all collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions applied, by action and resulting stage",
		}, []string{"action", "stage"}),
		decisionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time to validate, transition and persist one decision",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		refused: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_refused_total",
			Help:      "Decisions refused, by action and error code",
		}, []string{"action", "code"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations, by source (decision, hierarchy, sla) and target role",
		}, []string{"source", "target_role"}),
		triggersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_triggers_fired_total",
			Help:      "SLA escalation triggers fired, by trigger action",
		}, []string{"action"}),
		slaStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_status_changes_total",
			Help:      "SLA status transitions observed by recompute",
		}, []string{"status"}),
		bulkItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_items_total",
			Help:      "Bulk decision items processed, by outcome",
		}, []string{"outcome"}),
		hierarchyOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hierarchy_operations_total",
			Help:      "Delegate, reassign, escalate and override operations, by outcome",
		}, []string{"operation", "outcome"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Currently connected realtime subscribers",
		}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime events published, by type and outcome",
		}, []string{"type", "outcome"}),
		httpRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DecisionApplied(action, stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, stage).Inc()
	m.decisionLatency.WithLabelValues(action).Observe(took.Seconds())
}

func (m *Metrics) DecisionRefused(action, code string) {
	if m == nil {
		return
	}
	m.refused.WithLabelValues(action, code).Inc()
}

func (m *Metrics) Escalation(source, targetRole string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(source, targetRole).Inc()
}

func (m *Metrics) TriggerFired(action string) {
	if m == nil {
		return
	}
	m.triggersFired.WithLabelValues(action).Inc()
}

func (m *Metrics) SLAStatusChanged(status string) {
	if m == nil {
		return
	}
	m.slaStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) BulkItem(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.bulkItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HierarchyOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.hierarchyOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SubscriberConnected() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberDisconnected() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(took.Seconds())
}
