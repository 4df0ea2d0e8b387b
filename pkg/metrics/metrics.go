// Package metrics exposes Prometheus collectors for the coordination
// kernel and subsystem-readiness tracking for the dashboard projection
// (spec §8).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmsh_agents_total",
			Help: "Total number of agents by team and status",
		},
		[]string{"team", "status"},
	)

	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmsh_work_items_total",
			Help: "Total number of work items by status and priority",
		},
		[]string{"status", "priority"},
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swarmsh_claim_latency_seconds",
			Help:    "Time between a work item's creation and its first claim",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClaimAsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmsh_claim_as_duration_seconds",
			Help:    "Time taken by claim_as to select and lock a work item",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"team"},
	)

	WorkCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_work_completed_total",
			Help: "Total number of work items completed, by team",
		},
		[]string{"team"},
	)

	WorkFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_work_failed_total",
			Help: "Total number of work items that reached terminal failed, by team",
		},
		[]string{"team"},
	)

	ControlLoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmsh_control_loop_duration_seconds",
			Help:    "Duration of one control loop cycle, by loop name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	ControlLoopCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_control_loop_cycles_total",
			Help: "Total number of control loop cycles completed, by loop name",
		},
		[]string{"loop"},
	)

	JournalSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swarmsh_journal_records",
			Help: "Number of records in a coordination-directory journal file, by journal name",
		},
		[]string{"journal"},
	)

	TelemetrySpansEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsh_telemetry_spans_emitted_total",
			Help: "Total number of telemetry spans written, by sampled/dropped",
		},
		[]string{"sampled"},
	)

	FastPathClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swarmsh_fast_path_claims_total",
			Help: "Total number of claims accepted through the fast path",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		WorkItemsTotal,
		ClaimLatency,
		ClaimAsLatency,
		WorkCompletedTotal,
		WorkFailedTotal,
		ControlLoopDuration,
		ControlLoopCyclesTotal,
		JournalSizeBytes,
		TelemetrySpansEmitted,
		FastPathClaimsTotal,
	)
}

// Handler returns the Prometheus scrape handler, for an operator who
// wants to mount it behind their own HTTP server; swarmsh itself never
// starts one (spec §6: no HTTP/gRPC/pub-sub endpoint).
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

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
