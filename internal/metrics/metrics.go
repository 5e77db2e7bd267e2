// Package metrics exposes Prometheus collectors for the booking flows.
// All methods are nil-safe so wiring metrics stays optional in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type BookingMetrics struct {
	claimsTotal      *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	claimLatency     *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "allocator",
			Name:      "claims_total",
			Help:      "Slot claim attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment transitions by operation and outcome",
		}, []string{"operation", "outcome"}),
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "payments",
			Name:      "events_total",
			Help:      "Payment events by status and outcome",
		}, []string{"status", "outcome"}),
		claimLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "allocator",
			Name:      "claim_latency_seconds",
			Help:      "Latency of slot claims",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.claimsTotal, m.transitionsTotal, m.paymentEvents, m.claimLatency)
	return m
}

func (m *BookingMetrics) ObserveClaim(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(outcome).Inc()
	m.claimLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *BookingMetrics) ObserveTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *BookingMetrics) ObservePaymentEvent(status, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(status, outcome).Inc()
}
