package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics tracks ingestion of contract events and the handlers they trigger.
type EventMetrics struct {
	events        *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	handlerTime   *prometheus.HistogramVec
	subscription  prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking decoded chain events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "events_total",
				Help:      "Count of decoded contract events segmented by kind.",
			}, []string{"kind"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "skipped_logs_total",
				Help:      "Count of contract logs skipped by the subscriber segmented by reason.",
			}, []string{"reason"}),
			handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "handler_errors_total",
				Help:      "Count of failed event handlers segmented by event kind.",
			}, []string{"kind"}),
			handlerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftbridge",
				Name:      "handler_duration_seconds",
				Help:      "Latency distribution for event handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			subscription: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftbridge",
				Name:      "subscription_active",
				Help:      "Indicates whether the contract log subscription is live (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			eventRegistry.events,
			eventRegistry.skipped,
			eventRegistry.handlerErrors,
			eventRegistry.handlerTime,
			eventRegistry.subscription,
		)
	})
	return eventRegistry
}

// RecordEvent increments the event counter for the supplied kind.
func (m *EventMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(kind)).Inc()
}

// RecordSkipped counts a log the subscriber dropped.
func (m *EventMetrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(label(reason)).Inc()
}

// ObserveHandler records a handler run. Failed runs also bump the error counter.
func (m *EventMetrics) ObserveHandler(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	kind = label(kind)
	m.handlerTime.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(kind).Inc()
	}
}

// SetSubscriptionActive toggles the subscription gauge.
func (m *EventMetrics) SetSubscriptionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.subscription.Set(1)
		return
	}
	m.subscription.Set(0)
}

func label(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
