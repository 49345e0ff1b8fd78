// Package metrics provides Prometheus metrics for the appointment services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	TransitionsApplied    *prometheus.CounterVec
	TransitionsRejected   *prometheus.CounterVec
	ConsultationsRecorded *prometheus.CounterVec
	FollowUpFailures      prometheus.Counter
	HTTPDuration          *prometheus.HistogramVec
	OutboxPublishes       *prometheus.CounterVec
	OutboxFailures        *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	NotificationsSent     *prometheus.CounterVec
	NotificationsFailed   *prometheus.CounterVec
	RealtimeClients       prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. Pass
// prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransitionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_transitions_total",
			Help: "Appointment status transitions committed",
		}, []string{"from", "to"}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_transitions_rejected_total",
			Help: "Appointment operations rejected, by reason",
		}, []string{"reason"}),
		ConsultationsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consultations_recorded_total",
			Help: "Consultations recorded on completion",
		}, []string{"follow_up"}),
		FollowUpFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "follow_up_schedule_failures_total",
			Help: "Follow-up appointments that could not be created after completion",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
		OutboxPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published to the broker",
		}, []string{"event_type"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed outbox publish attempts",
		}, []string{"event_type"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Notifications written, by type",
		}, []string{"type"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications that could not be written, by type",
		}, []string{"type"}),
		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_clients",
			Help: "Connected realtime websocket clients",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.TransitionsApplied,
		m.TransitionsRejected,
		m.ConsultationsRecorded,
		m.FollowUpFailures,
		m.HTTPDuration,
		m.OutboxPublishes,
		m.OutboxFailures,
		m.OutboxPending,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.RealtimeClients,
		m.CircuitBreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the Prometheus HTTP handler for m's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) TransitionApplied(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "new"
	}
	m.TransitionsApplied.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TransitionRejected(reason string) {
	if m == nil {
		return
	}
	m.TransitionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConsultationRecorded(followUp bool) {
	if m == nil {
		return
	}
	m.ConsultationsRecorded.WithLabelValues(strconv.FormatBool(followUp)).Inc()
}

func (m *Metrics) FollowUpFailed() {
	if m == nil {
		return
	}
	m.FollowUpFailures.Inc()
}

func (m *Metrics) OutboxPublished(eventType string) {
	if m == nil {
		return
	}
	m.OutboxPublishes.WithLabelValues(eventType).Inc()
}

func (m *Metrics) OutboxPublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.OutboxFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) NotificationSent(kind string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotificationFailed(kind string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(kind).Inc()
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// SetBreakerState exports a breaker state as 0, 1 or 2.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// SetRealtimeClients exports the connected websocket client count.
func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.RealtimeClients.Set(float64(n))
}

// SetOutboxPending exports the number of unprocessed outbox entries.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}
