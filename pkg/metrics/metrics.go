// Package metrics exposes the dispatcher's Prometheus gauges, counters,
// and histograms, following the teacher's registration-in-init plus
// promhttp.Handler() pattern. Metric names take the vap_dispatcher_
// prefix.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveJobsByState tracks the active-job table's current occupancy
	// per lifecycle state (queued, starting, ready).
	ActiveJobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vap_dispatcher_active_jobs",
			Help: "Number of active jobs by lifecycle state",
		},
		[]string{"state"},
	)

	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vap_dispatcher_queue_length",
			Help: "Number of jobs currently waiting for a free pool slot",
		},
	)

	PortPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vap_dispatcher_port_pool_in_use",
			Help: "Number of ports currently allocated to a running sandbox",
		},
	)

	PortPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vap_dispatcher_port_pool_size",
			Help: "Total number of ports in the configured pool",
		},
	)

	ProxyTokensActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vap_dispatcher_proxy_tokens_active",
			Help: "Number of bearer tokens currently registered at the credential proxy",
		},
	)

	JobsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vap_dispatcher_jobs_admitted_total",
			Help: "Total number of jobs accepted from the marketplace",
		},
	)

	JobsRetiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vap_dispatcher_jobs_retired_total",
			Help: "Total number of jobs retired, by reason",
		},
		[]string{"reason"},
	)

	AttestationsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vap_dispatcher_attestations_submitted_total",
			Help: "Total number of attestation submissions to the marketplace, by outcome",
		},
		[]string{"outcome"},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vap_dispatcher_container_start_duration_seconds",
			Help:    "Time from port allocation to a sandbox reaching ready",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vap_dispatcher_sandbox_request_duration_seconds",
			Help:    "Time taken by one buyer turn's sandbox round trip",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vap_dispatcher_proxy_requests_total",
			Help: "Total number of requests handled by the credential proxy, by status (exact code for the proxy's own error responses, status class for relayed upstream responses)",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(ActiveJobsByState)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(PortPoolInUse)
	prometheus.MustRegister(PortPoolSize)
	prometheus.MustRegister(ProxyTokensActive)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsRetiredTotal)
	prometheus.MustRegister(AttestationsSubmittedTotal)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(SandboxRequestDuration)
	prometheus.MustRegister(ProxyRequestsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
