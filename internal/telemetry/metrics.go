package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"tengine/internal/files"
	"tengine/internal/probe"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	sourceBytes     prometheus.Histogram
	targetBytes     prometheus.Histogram
	releaseFailures prometheus.Counter
	probeChecks     *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

// NewMetrics registers the collectors on reg; nil means the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tengine_transform_requests_total",
			Help: "Transform requests by transformer and response status.",
		}, []string{"transformer", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tengine_transform_duration_seconds",
			Help:    "Wall time from request receipt to packaged result.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"transformer"}),
		sourceBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tengine_transform_source_bytes",
			Help:    "Size of staged source files.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		targetBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tengine_transform_target_bytes",
			Help:    "Size of produced target files.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tengine_staging_release_failures_total",
			Help: "Staged files that could not be deleted.",
		}),
		probeChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tengine_probe_checks_total",
			Help: "Liveness and readiness checks by result.",
		}, []string{"kind", "result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tengine_transforms_in_flight",
			Help: "Transforms currently being dispatched.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.sourceBytes, m.targetBytes, m.releaseFailures, m.probeChecks, m.inFlight)
	return m
}

// ObserveRelease is a files.ReleaseFunc counting failed deletions.
func (m *Metrics) ObserveRelease(_ *files.StagedFile, err error) {
	if err != nil {
		m.releaseFailures.Inc()
	}
}

// ObserveProbe is a probe report hook.
func (m *Metrics) ObserveProbe(kind probe.Kind, r probe.Report) {
	result := "fail"
	if r.OK {
		result = "pass"
	}
	m.probeChecks.WithLabelValues(string(kind), result).Inc()
}

func statusLabel(status int) string { return strconv.Itoa(status) }
