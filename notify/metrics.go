package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type queueMetrics struct {
	deliveries *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *queueMetrics
)

func metrics() *queueMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = &queueMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylock",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Count of webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paylock",
				Subsystem: "notify",
				Name:      "dropped_total",
				Help:      "Count of notifications dropped before delivery segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(sharedMetrics.deliveries, sharedMetrics.dropped)
	})
	return sharedMetrics
}

func (m *queueMetrics) recordDelivery(outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *queueMetrics) recordDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
