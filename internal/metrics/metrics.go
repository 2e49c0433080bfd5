// Package metrics exposes Prometheus collectors for the fleet control plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fleetLiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefleet_live_workers",
		Help: "Number of currently live worker processes.",
	})

	fleetTargetWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefleet_target_workers",
		Help: "Current fleet size target.",
	})

	fleetRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefleet_records_total",
		Help: "Total records emitted, labeled by store.",
	}, []string{"store"})

	fleetPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefleet_pages_total",
		Help: "Total listing pages fetched, labeled by store.",
	}, []string{"store"})

	fleetBlockEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefleet_block_events_total",
		Help: "Total positive block detections, labeled by store.",
	}, []string{"store"})

	fleetScaleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefleet_scale_actions_total",
		Help: "Total scaling actions applied, labeled by action.",
	}, []string{"action"})

	fleetWorkerCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefleet_worker_crashes_total",
		Help: "Total worker processes that exited without a clean stop.",
	})

	fleetDecisionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storefleet_decision_seconds",
		Help:    "Histogram of decision strategy latencies.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
	})
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetLiveWorkers records the live worker count.
func SetLiveWorkers(n int) {
	fleetLiveWorkers.Set(float64(n))
}

// SetTargetWorkers records the fleet target.
func SetTargetWorkers(n int) {
	fleetTargetWorkers.Set(float64(n))
}

// AddRecords adds newly observed records for a store.
func AddRecords(store string, n int) {
	if n > 0 {
		fleetRecordsTotal.WithLabelValues(store).Add(float64(n))
	}
}

// AddPages adds newly observed pages for a store.
func AddPages(store string, n int) {
	if n > 0 {
		fleetPagesTotal.WithLabelValues(store).Add(float64(n))
	}
}

// ObserveBlockEvent increments the block counter for a store.
func ObserveBlockEvent(store string) {
	fleetBlockEvents.WithLabelValues(store).Inc()
}

// ObserveScaleAction increments the action counter.
func ObserveScaleAction(action string) {
	fleetScaleActions.WithLabelValues(action).Inc()
}

// ObserveWorkerCrash increments the crash counter.
func ObserveWorkerCrash() {
	fleetWorkerCrashes.Inc()
}

// ObserveDecision records the latency of one strategy evaluation.
func ObserveDecision(d time.Duration) {
	fleetDecisionSeconds.Observe(d.Seconds())
}
