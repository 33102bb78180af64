package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncguard"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Number of finished runs by terminal status.",
		}, []string{"name", "status"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to completed teardown.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, []string{"name", "status"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "restarts_total",
			Help:      "Number of runs started after a previous run ended.",
		}, []string{"name"},
	)
	linesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "lines_total",
			Help:      "Diagnostic lines read from the child by classification.",
		}, []string{"name", "kind"},
	)
	progressBest = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "best",
			Help:      "Last progress value reported by the current run.",
		}, []string{"name"},
	)
	progressIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "idle",
			Help:      "Consecutive repeats of the current progress value.",
		}, []string{"name"},
	)
	staleReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stale_reaped_total",
			Help:      "Children left behind by a previous supervisor and killed at startup.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runsTotal, runDuration, restarts, linesRead, progressBest, progressIdle, staleReaped}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Registered reports whether Register succeeded.
func Registered() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// NewServer returns an HTTP server exposing /metrics from g on addr.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	if g == nil {
		mux.Handle("/metrics", Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveRun(name, status string, d time.Duration) {
	if regOK.Load() {
		runsTotal.WithLabelValues(name, status).Inc()
		runDuration.WithLabelValues(name, status).Observe(d.Seconds())
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		restarts.WithLabelValues(name).Inc()
	}
}

func IncLine(name, kind string) {
	if regOK.Load() {
		linesRead.WithLabelValues(name, kind).Inc()
	}
}

func SetProgress(name string, best, idle uint64) {
	if regOK.Load() {
		progressBest.WithLabelValues(name).Set(float64(best))
		progressIdle.WithLabelValues(name).Set(float64(idle))
	}
}

func IncStaleReaped(name string) {
	if regOK.Load() {
		staleReaped.WithLabelValues(name).Inc()
	}
}
