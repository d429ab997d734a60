// Package obs exports Prometheus instrumentation for the bus, the
// dead-letter manager and the storage layer.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/veldtlabs/ebus/internal/dlq"
)

// Metrics implements the bus, dead-letter and storage metric hooks on a
// single registry.
type Metrics struct {
	published     *prometheus.CounterVec
	publishedSize *prometheus.CounterVec
	delivered     *prometheus.CounterVec

	dlqCaptured  *prometheus.CounterVec
	dlqRetried   *prometheus.CounterVec
	dlqDiscarded *prometheus.CounterVec
	dlqDepth     *prometheus.GaugeVec

	storeReads   prometheus.Histogram
	storeCommits prometheus.Histogram
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer
// for the process-global registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebus_events_published_total",
			Help: "Events appended, by topic.",
		}, []string{"topic"}),
		publishedSize: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebus_events_published_bytes_total",
			Help: "Payload bytes appended, by topic.",
		}, []string{"topic"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebus_deliveries_total",
			Help: "Handler invocations, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		dlqCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebus_dlq_captured_total",
			Help: "Dead-lettered messages, by queue and error category.",
		}, []string{"queue", "category"}),
		dlqRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebus_dlq_retries_total",
			Help: "Dead-letter retry attempts, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		dlqDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ebus_dlq_discarded_total",
			Help: "Discarded dead-letter messages, by queue.",
		}, []string{"queue"}),
		dlqDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ebus_dlq_depth",
			Help: "Live dead-letter messages, by queue.",
		}, []string{"queue"}),
		storeReads: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ebus_store_read_seconds",
			Help:    "Storage read latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		storeCommits: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ebus_store_commit_seconds",
			Help:    "Storage batch commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
	}
}

// EventPublished implements the bus metrics hook.
func (m *Metrics) EventPublished(topic string, _ int, bytes int) {
	m.published.WithLabelValues(topic).Inc()
	m.publishedSize.WithLabelValues(topic).Add(float64(bytes))
}

// EventDelivered implements the bus metrics hook.
func (m *Metrics) EventDelivered(topic string, ok bool) {
	m.delivered.WithLabelValues(topic, outcome(ok)).Inc()
}

// MessageCaptured implements the dead-letter metrics hook.
func (m *Metrics) MessageCaptured(queue string, category dlq.ErrorCategory) {
	m.dlqCaptured.WithLabelValues(queue, string(category)).Inc()
}

// MessageRetried implements the dead-letter metrics hook.
func (m *Metrics) MessageRetried(queue string, ok bool) {
	m.dlqRetried.WithLabelValues(queue, outcome(ok)).Inc()
}

// MessageDiscarded implements the dead-letter metrics hook.
func (m *Metrics) MessageDiscarded(queue string) {
	m.dlqDiscarded.WithLabelValues(queue).Inc()
}

// QueueDepth implements the dead-letter metrics hook.
func (m *Metrics) QueueDepth(queue string, depth int) {
	m.dlqDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveRead implements the storage metrics hook.
func (m *Metrics) ObserveRead(d time.Duration, _ int) {
	m.storeReads.Observe(d.Seconds())
}

// ObserveCommit implements the storage metrics hook.
func (m *Metrics) ObserveCommit(d time.Duration, _ int) {
	m.storeCommits.Observe(d.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
