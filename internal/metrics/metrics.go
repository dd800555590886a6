// Package metrics exposes the Prometheus collectors of the wpfleet daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters and histograms for package jobs, scans and
// registry checks. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	jobStatusTotal     *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	jobsRunning        prometheus.Gauge
	scanSitesTotal     *prometheus.CounterVec
	scanDuration       *prometheus.HistogramVec
	registryCheckTotal *prometheus.CounterVec
}

// New constructs a registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	jobStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wpfleet",
			Subsystem: "package_job",
			Name:      "status_total",
			Help:      "Finished package jobs by operation and outcome.",
		},
		[]string{"operation", "status"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wpfleet",
			Subsystem: "package_job",
			Name:      "duration_seconds",
			Help:      "Package job runtime from dispatch to result.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)
	jobsRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wpfleet",
			Subsystem: "package_job",
			Name:      "running",
			Help:      "Package jobs currently running.",
		},
	)
	scanSitesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wpfleet",
			Subsystem: "scan",
			Name:      "installations_total",
			Help:      "Installations processed by server scans.",
		},
		[]string{"server", "result"},
	)
	scanDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wpfleet",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Server scan wall time.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"server"},
	)
	registryCheckTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wpfleet",
			Subsystem: "registry",
			Name:      "checks_total",
			Help:      "WordPress.org update checks by kind and result.",
		},
		[]string{"kind", "result"},
	)

	registry.MustRegister(
		jobStatusTotal,
		jobDurationSeconds,
		jobsRunning,
		scanSitesTotal,
		scanDuration,
		registryCheckTotal,
	)

	return &Metrics{
		registry:           registry,
		jobStatusTotal:     jobStatusTotal,
		jobDurationSeconds: jobDurationSeconds,
		jobsRunning:        jobsRunning,
		scanSitesTotal:     scanSitesTotal,
		scanDuration:       scanDuration,
		registryCheckTotal: registryCheckTotal,
	}
}

// Handler returns an HTTP handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobStatusTotal.WithLabelValues(operation, status).Inc()
	m.jobDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) ScanFinished(server string, success, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.scanSitesTotal.WithLabelValues(server, "success").Add(float64(success))
	m.scanSitesTotal.WithLabelValues(server, "failed").Add(float64(failed))
	m.scanDuration.WithLabelValues(server).Observe(duration.Seconds())
}

func (m *Metrics) RegistryChecked(kind, result string) {
	if m == nil {
		return
	}
	m.registryCheckTotal.WithLabelValues(kind, result).Inc()
}
