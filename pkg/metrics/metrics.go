// Package metrics exposes the Prometheus instrumentation shared by the PaV
// agents: provisioner bundle reconciliation on the controller side, phase
// execution on both sides.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Metrics bundles the collectors. It is created once at agent start and
// passed explicitly into the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	ReconcileTotal    *prometheus.CounterVec
	ReconcileFailures *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram

	PhaseTotal    *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec

	WorkerPodsLive prometheus.Gauge
}

// New builds a Metrics with its own registry (no default-registry globals).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pav_provisioner_reconcile_total",
			Help: "Number of provisioner reconcile passes, by resulting phase.",
		}, []string{"phase"}),
		ReconcileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pav_provisioner_reconcile_failures_total",
			Help: "Number of provisioner reconcile passes that returned an error.",
		}, []string{"provisioner"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pav_provisioner_reconcile_duration_seconds",
			Help:    "Wall-clock duration of provisioner reconcile passes.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PhaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pav_phase_total",
			Help: "Number of completed lifecycle phase executions, by phase and outcome.",
		}, []string{"phase", "outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pav_phase_duration_seconds",
			Help:    "Wall-clock duration of lifecycle phase executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		WorkerPodsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pav_worker_pods_live",
			Help: "Worker pods currently submitted and not yet concluded.",
		}),
	}
	m.registry.MustRegister(
		m.ReconcileTotal,
		m.ReconcileFailures,
		m.ReconcileDuration,
		m.PhaseTotal,
		m.PhaseDuration,
		m.WorkerPodsLive,
	)
	return m
}

// TrackWorker accounts one in-flight worker pod. The returned func must be
// called once the worker has concluded.
func (m *Metrics) TrackWorker() func() {
	m.WorkerPodsLive.Inc()
	return m.WorkerPodsLive.Dec
}

// ObservePhase records one completed phase execution.
func (m *Metrics) ObservePhase(phase string, start time.Time, succeeded bool) {
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	m.PhaseTotal.WithLabelValues(phase, outcome).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until the listener fails. Run it in its
// own goroutine.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("metrics server on %s failed: %v", addr, err)
	}
}
