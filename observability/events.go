package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured RAMM events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramm",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted events segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramm",
				Subsystem: "events",
				Name:      "subscriber_drops_total",
				Help:      "Count of events not delivered to a slow subscriber.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

func eventLabel(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// RecordEmitted increments the counter for the supplied event type.
func (m *eventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(eventLabel(eventType)).Inc()
}

// RecordDropped counts an event skipped for a subscriber whose buffer was full.
func (m *eventMetrics) RecordDropped(eventType string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(eventLabel(eventType)).Inc()
}
