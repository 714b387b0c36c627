package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"aimarket/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured marketplace events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_events_emitted_total",
				Help: "Count of emitted marketplace events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the event counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// MeteredEmitter forwards events to the wrapped emitter while counting each
// one by type.
type MeteredEmitter struct {
	next events.Emitter
}

// NewMeteredEmitter wraps next with per-type event counting. A nil next is
// replaced with a no-op sink.
func NewMeteredEmitter(next events.Emitter) *MeteredEmitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &MeteredEmitter{next: next}
}

// Emit implements events.Emitter.
func (m *MeteredEmitter) Emit(evt *events.Event) {
	if evt == nil {
		return
	}
	Events().RecordEvent(evt.Type)
	m.next.Emit(evt)
}
