package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TransitionApplied("", "pending")
	m.TransitionRejected("forbidden")
	m.ConsultationRecorded(true)
	m.FollowUpFailed()
	m.SetBreakerState("sink", "open")
	m.SetRealtimeClients(3)
	m.SetOutboxPending(7)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TransitionApplied("", "pending")
	m.TransitionApplied("pending", "confirmed")
	m.ConsultationRecorded(true)
	m.SetBreakerState("notification-sink", "half-open")
	m.SetOutboxPending(4)

	if got := testutil.ToFloat64(m.TransitionsApplied.WithLabelValues("new", "pending")); got != 1 {
		t.Errorf("new>pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConsultationsRecorded.WithLabelValues("true")); got != 1 {
		t.Errorf("consultations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("notification-sink")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OutboxPending); got != 4 {
		t.Errorf("outbox pending = %v, want 4", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.TransitionRejected("stale")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `appointment_transitions_rejected_total{reason="stale"} 1`) {
		t.Error("rejected counter missing from exposition")
	}
}
