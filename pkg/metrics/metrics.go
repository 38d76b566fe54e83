// Package metrics exposes the §6 Prometheus surface: counters and gauges
// for the control loop's lifecycle events, registered on a caller-owned
// registry and served by cmd/ciremediator's HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric named in §6. Every method is safe to
// call on a nil *Collectors (a no-op), so callers that construct an
// Orchestrator without metrics wiring don't need a guard at every call
// site.
type Collectors struct {
	FailuresDetected      *prometheus.CounterVec
	RemediationsOpened    *prometheus.CounterVec
	RemediationsSucceeded *prometheus.CounterVec
	Rollbacks             *prometheus.CounterVec
	CircuitsOpen          prometheus.Gauge
	Patterns              prometheus.Gauge
	LLMLatencyMS          prometheus.Histogram
}

// New builds the collector set unregistered; call Register to attach it
// to a prometheus.Registerer.
func New() *Collectors {
	return &Collectors{
		FailuresDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failures_detected_total",
			Help: "Total number of CI failures detected by the Poller.",
		}, []string{"repository"}),
		RemediationsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediations_opened_total",
			Help: "Total number of remediation pull requests opened.",
		}, []string{"repository"}),
		RemediationsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediations_succeeded_total",
			Help: "Total number of remediations confirmed successful by a health check or approval.",
		}, []string{"repository"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Total number of remediations rolled back after a failed health check.",
		}, []string{"repository"}),
		CircuitsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuits_open",
			Help: "Current number of open circuit breakers across all tracked signatures.",
		}),
		Patterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patterns_total",
			Help: "Current number of patterns held in PatternMemory across all repositories.",
		}),
		LLMLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_latency_ms_histogram",
			Help:    "ModelClient.Chat round-trip latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}),
	}
}

// Register attaches every collector to reg.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	for _, collector := range []prometheus.Collector{
		c.FailuresDetected, c.RemediationsOpened, c.RemediationsSucceeded,
		c.Rollbacks, c.CircuitsOpen, c.Patterns, c.LLMLatencyMS,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collectors) FailureDetected(repository string) {
	if c == nil {
		return
	}
	c.FailuresDetected.WithLabelValues(repository).Inc()
}

func (c *Collectors) RemediationOpened(repository string) {
	if c == nil {
		return
	}
	c.RemediationsOpened.WithLabelValues(repository).Inc()
}

func (c *Collectors) RemediationSucceeded(repository string) {
	if c == nil {
		return
	}
	c.RemediationsSucceeded.WithLabelValues(repository).Inc()
}

func (c *Collectors) Rollback(repository string) {
	if c == nil {
		return
	}
	c.Rollbacks.WithLabelValues(repository).Inc()
}

func (c *Collectors) SetCircuitsOpen(n int) {
	if c == nil {
		return
	}
	c.CircuitsOpen.Set(float64(n))
}

func (c *Collectors) SetPatternsTotal(n int) {
	if c == nil {
		return
	}
	c.Patterns.Set(float64(n))
}

func (c *Collectors) ObserveLLMLatency(ms int64) {
	if c == nil {
		return
	}
	c.LLMLatencyMS.Observe(float64(ms))
}

// Handler serves reg's collected metrics in the Prometheus text exposition
// format, for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
