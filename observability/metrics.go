package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CustodyMetrics records payment, escrow and refund activity.
type CustodyMetrics struct {
	payments    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	refunds     *prometheus.CounterVec
	releases    prometheus.Histogram
}

var (
	custodyOnce     sync.Once
	custodyRegistry *CustodyMetrics
)

// Custody returns the lazily-initialised custody metrics registry.
func Custody() *CustodyMetrics {
	custodyOnce.Do(func() {
		custodyRegistry = &CustodyMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylock",
				Subsystem: "payments",
				Name:      "events_total",
				Help:      "Payment lifecycle events segmented by resulting status.",
			}, []string{"status"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylock",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow state transitions segmented by target state.",
			}, []string{"to"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylock",
				Subsystem: "refunds",
				Name:      "attempts_total",
				Help:      "Refund saga attempts segmented by outcome.",
			}, []string{"outcome"}),
			releases: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "paylock",
				Subsystem: "escrow",
				Name:      "hold_duration_seconds",
				Help:      "Time funds spent in custody before release.",
				Buckets:   prometheus.ExponentialBuckets(60, 4, 10),
			}),
		}
		prometheus.MustRegister(
			custodyRegistry.payments,
			custodyRegistry.transitions,
			custodyRegistry.refunds,
			custodyRegistry.releases,
		)
	})
	return custodyRegistry
}

// RecordPayment counts a payment reaching the given status.
func (m *CustodyMetrics) RecordPayment(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

// RecordTransition counts an escrow entering the given state.
func (m *CustodyMetrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// RecordRefundAttempt counts a refund saga attempt.
func (m *CustodyMetrics) RecordRefundAttempt(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
}

// ObserveHoldDuration records how long funds stayed in custody.
func (m *CustodyMetrics) ObserveHoldDuration(seconds float64) {
	if m == nil {
		return
	}
	m.releases.Observe(seconds)
}
