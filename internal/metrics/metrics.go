package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the detection pipeline.
type Metrics struct {
	ObservationsProcessed prometheus.Counter
	ObservationsInvalid   prometheus.Counter
	AnalysisDuration      prometheus.Histogram
	FindingsGenerated     *prometheus.CounterVec
	AlertsCreated         *prometheus.CounterVec
	AlertsActive          prometheus.Gauge
	SignaturesLoaded      prometheus.Gauge
	SubscribersConnected  prometheus.Gauge
	BlockedIPs            prometheus.Gauge
	NatsConnected         prometheus.Gauge
}

// NewMetrics registers and returns the pipeline metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ObservationsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_observations_processed_total",
			Help: "Total traffic observations processed",
		}),
		ObservationsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_observations_invalid_total",
			Help: "Total observations that failed to parse",
		}),
		AnalysisDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "netsentry_analysis_duration_seconds",
			Help:    "Time spent classifying one observation",
			Buckets: prometheus.DefBuckets,
		}),
		FindingsGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_findings_generated_total",
			Help: "Findings generated, by type",
		}, []string{"type"}),
		AlertsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_alerts_created_total",
			Help: "Alerts created, by severity",
		}, []string{"severity"}),
		AlertsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_alerts_active",
			Help: "Currently unresolved alerts",
		}),
		SignaturesLoaded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_signatures_loaded",
			Help: "Threat signatures currently registered",
		}),
		SubscribersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_subscribers_connected",
			Help: "Live notification subscribers",
		}),
		BlockedIPs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_blocked_ips",
			Help: "Identifiers currently on the block list",
		}),
		NatsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_nats_connected",
			Help: "Whether the NATS connection is up (1) or down (0)",
		}),
	}
}

// SetNatsConnected records NATS connectivity as a 0/1 gauge.
func (m *Metrics) SetNatsConnected(connected bool) {
	if connected {
		m.NatsConnected.Set(1)
		return
	}
	m.NatsConnected.Set(0)
}
