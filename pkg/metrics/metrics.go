// Package metrics holds the Prometheus collectors of the indexing pipeline.
//
// Every method is safe to call on a nil *Metrics so components can run
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "registry_indexer"

// Metrics holds all collectors
type Metrics struct {
	// Scanner
	WindowsScanned prometheus.Counter
	WindowDuration prometheus.Histogram
	ScannedHeight  prometheus.Gauge
	RecordsIndexed *prometheus.CounterVec
	EventFailures  *prometheus.CounterVec

	// Monitor
	MonitorState    prometheus.Gauge
	MonitorHealthy  prometheus.Gauge
	ReconnectsTotal *prometheus.CounterVec

	// Remote calls
	RemoteRetries *prometheus.CounterVec

	// Event bus
	EventsPublished *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
	MirrorWrites    *prometheus.CounterVec
	MirrorDropped   *prometheus.CounterVec

	// Enrichment
	EnrichTotal      *prometheus.CounterVec
	EnrichQueueDepth prometheus.Gauge

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
	WebhookQueueDepth prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		WindowsScanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "windows_total",
			Help:      "Total number of block windows scanned",
		}),
		WindowDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "window_duration_seconds",
			Help:      "Time taken to process one block window",
			Buckets:   prometheus.DefBuckets,
		}),
		ScannedHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "last_scanned_height",
			Help:      "Highest block height recorded in the checkpoint",
		}),
		RecordsIndexed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_indexed_total",
			Help:      "Total number of records persisted, by source and novelty",
		}, []string{"source", "new"}),
		EventFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_failures_total",
			Help:      "Total number of events skipped after exhausting retries",
		}, []string{"source"}),

		MonitorState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "state",
			Help:      "Current monitor state (0 stopped, 1 connecting, 2 watching, 3 reconnecting)",
		}),
		MonitorHealthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "healthy",
			Help:      "1 when the monitor is watching the chain",
		}),
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome",
		}, []string{"outcome"}),

		RemoteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_retries_total",
			Help:      "Retries of remote calls by operation",
		}, []string{"operation"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Total number of events published",
		}, []string{"event_type"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Handler failures by subscriber",
		}, []string{"subscriber"}),
		MirrorWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "mirror_writes_total",
			Help:      "Events written to external sinks by outcome",
		}, []string{"sink", "outcome"}),
		MirrorDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "mirror_dropped_total",
			Help:      "Events dropped because the mirror buffer was full",
		}, []string{"sink"}),

		EnrichTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enricher",
			Name:      "enrichments_total",
			Help:      "Enrichment attempts by outcome",
		}, []string{"outcome"}),
		EnrichQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enricher",
			Name:      "queue_depth",
			Help:      "Record ids waiting for enrichment",
		}),

		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by outcome",
		}, []string{"webhook", "outcome"}),
		WebhookLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Latency of a single webhook request",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		WebhookQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Deliveries waiting for a worker",
		}),
	}
}

// ObserveWindow records a completed window.
func (m *Metrics) ObserveWindow(end uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.WindowsScanned.Inc()
	m.WindowDuration.Observe(d.Seconds())
	m.ScannedHeight.Set(float64(end))
}

// SetScannedHeight updates the checkpoint gauge.
func (m *Metrics) SetScannedHeight(h uint64) {
	if m == nil {
		return
	}
	m.ScannedHeight.Set(float64(h))
}

// IncIndexed counts a persisted record.
func (m *Metrics) IncIndexed(source string, isNew bool) {
	if m == nil {
		return
	}
	label := "false"
	if isNew {
		label = "true"
	}
	m.RecordsIndexed.WithLabelValues(source, label).Inc()
}

// IncEventFailure counts a skipped event.
func (m *Metrics) IncEventFailure(source string) {
	if m == nil {
		return
	}
	m.EventFailures.WithLabelValues(source).Inc()
}

// SetMonitorState records the monitor state and health.
func (m *Metrics) SetMonitorState(state int, healthy bool) {
	if m == nil {
		return
	}
	m.MonitorState.Set(float64(state))
	if healthy {
		m.MonitorHealthy.Set(1)
	} else {
		m.MonitorHealthy.Set(0)
	}
}

// IncReconnect counts a reconnect attempt outcome.
func (m *Metrics) IncReconnect(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(outcome).Inc()
}

// IncRetry counts a retried remote call.
func (m *Metrics) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.RemoteRetries.WithLabelValues(operation).Inc()
}

// IncPublished counts a published event.
func (m *Metrics) IncPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// IncHandlerError counts a failed or panicking handler.
func (m *Metrics) IncHandlerError(subscriber string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(subscriber).Inc()
}

// IncMirrorWrite counts a sink write outcome.
func (m *Metrics) IncMirrorWrite(sink string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.MirrorWrites.WithLabelValues(sink, outcome).Inc()
}

// IncMirrorDropped counts an event dropped by a full mirror buffer.
func (m *Metrics) IncMirrorDropped(sink string) {
	if m == nil {
		return
	}
	m.MirrorDropped.WithLabelValues(sink).Inc()
}

// IncEnrich counts an enrichment outcome.
func (m *Metrics) IncEnrich(outcome string) {
	if m == nil {
		return
	}
	m.EnrichTotal.WithLabelValues(outcome).Inc()
}

// SetEnrichQueueDepth updates the enrichment queue gauge.
func (m *Metrics) SetEnrichQueueDepth(n int) {
	if m == nil {
		return
	}
	m.EnrichQueueDepth.Set(float64(n))
}

// ObserveWebhook records one webhook request.
func (m *Metrics) ObserveWebhook(id, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(id, outcome).Inc()
	m.WebhookLatency.Observe(d.Seconds())
}

// SetWebhookQueueDepth updates the webhook queue gauge.
func (m *Metrics) SetWebhookQueueDepth(n int) {
	if m == nil {
		return
	}
	m.WebhookQueueDepth.Set(float64(n))
}
