package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BridgeMetrics wraps collectors for the outbound side of the bridge: queued contract calls
// and the moderation and posting collaborators.
type BridgeMetrics struct {
	actions        *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	moderation     *prometheus.CounterVec
	posts          *prometheus.CounterVec
	snapshotWrites *prometheus.CounterVec
}

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics
)

// Bridge returns the lazily-initialised bridge metrics registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "actions_total",
				Help:      "Count of executed contract actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftbridge",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for contract actions, from dequeue to submission.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftbridge",
				Name:      "queue_depth",
				Help:      "Number of contract actions waiting for the consumer.",
			}),
			moderation: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "moderation_total",
				Help:      "Count of moderation checks segmented by verdict.",
			}, []string{"verdict"}),
			posts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "posts_total",
				Help:      "Count of social posts segmented by outcome.",
			}, []string{"outcome"}),
			snapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftbridge",
				Name:      "snapshot_writes_total",
				Help:      "Count of state snapshot writes segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.actions,
			bridgeRegistry.actionLatency,
			bridgeRegistry.queueDepth,
			bridgeRegistry.moderation,
			bridgeRegistry.posts,
			bridgeRegistry.snapshotWrites,
		)
	})
	return bridgeRegistry
}

// ObserveAction records a contract action executed by the queue consumer.
func (m *BridgeMetrics) ObserveAction(action string, d time.Duration, err error) {
	if m == nil {
		return
	}
	action = label(action)
	m.actions.WithLabelValues(action, outcome(err)).Inc()
	m.actionLatency.WithLabelValues(action).Observe(d.Seconds())
}

// SetQueueDepth reports the number of queued actions.
func (m *BridgeMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordModeration counts a moderation verdict ("safe", "unsafe" or "error").
func (m *BridgeMetrics) RecordModeration(verdict string) {
	if m == nil {
		return
	}
	m.moderation.WithLabelValues(label(verdict)).Inc()
}

// RecordPost counts a social post attempt.
func (m *BridgeMetrics) RecordPost(err error) {
	if m == nil {
		return
	}
	m.posts.WithLabelValues(outcome(err)).Inc()
}

// RecordSnapshot counts a snapshot write.
func (m *BridgeMetrics) RecordSnapshot(err error) {
	if m == nil {
		return
	}
	m.snapshotWrites.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
