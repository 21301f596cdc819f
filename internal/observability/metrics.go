// Package observability exposes connectctl's own Prometheus metrics.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be constructed without metrics in tests.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "connectctl"

// Metrics holds the collectors registered on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	// DeploysTotal counts deploy, restore and deploy-pending runs.
	// Labels: operation, result (success, error)
	DeploysTotal *prometheus.CounterVec

	// AlertsRaisedTotal counts alert detections.
	// Labels: alert_type, outcome (created, refreshed)
	AlertsRaisedTotal *prometheus.CounterVec

	// SweepDurationSeconds measures one monitoring sweep over all pipelines
	SweepDurationSeconds prometheus.Histogram

	// SweepsSkippedTotal counts ticks dropped because a sweep was still running
	SweepsSkippedTotal prometheus.Counter

	// MonitoredPipelines is the number of pipelines checked by the last sweep
	MonitoredPipelines prometheus.Gauge

	// ConnectRequestErrorsTotal counts failed Kafka Connect calls by operation
	ConnectRequestErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors, plus Go and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DeploysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "deploys_total",
			Help:      "Pipeline deployments by operation and result.",
		}, []string{"operation", "result"}),
		AlertsRaisedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "monitor",
			Name:      "alerts_raised_total",
			Help:      "Alert detections by type and whether a new alert was opened.",
		}, []string{"alert_type", "outcome"}),
		SweepDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "monitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a monitoring sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SweepsSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "monitor",
			Name:      "sweeps_skipped_total",
			Help:      "Ticks skipped because the previous sweep had not finished.",
		}),
		MonitoredPipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "monitor",
			Name:      "pipelines",
			Help:      "Pipelines checked by the last sweep.",
		}),
		ConnectRequestErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connect",
			Name:      "request_errors_total",
			Help:      "Failed Kafka Connect calls by operation.",
		}, []string{"operation"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordDeploy(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.DeploysTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordAlert(alertType string, created bool) {
	if m == nil {
		return
	}
	outcome := "refreshed"
	if created {
		outcome = "created"
	}
	m.AlertsRaisedTotal.WithLabelValues(alertType, outcome).Inc()
}

func (m *Metrics) RecordSweep(d time.Duration, pipelines int) {
	if m == nil {
		return
	}
	m.SweepDurationSeconds.Observe(d.Seconds())
	m.MonitoredPipelines.Set(float64(pipelines))
}

func (m *Metrics) RecordSkippedSweep() {
	if m == nil {
		return
	}
	m.SweepsSkippedTotal.Inc()
}

func (m *Metrics) RecordConnectError(operation string) {
	if m == nil {
		return
	}
	m.ConnectRequestErrorsTotal.WithLabelValues(operation).Inc()
}
