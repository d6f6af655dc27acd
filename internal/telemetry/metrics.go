package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "trackpipe_jobs_enqueued_total", Help: "Jobs enqueued by the dispatcher"})
	DispatchFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "trackpipe_dispatch_enqueue_failures_total", Help: "Entities the dispatcher failed to enqueue"})
	DispatchCycles    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trackpipe_dispatch_cycles_total", Help: "Dispatch cycles by result"}, []string{"result"})
	DeadLetterReplays = prometheus.NewCounter(prometheus.CounterOpts{Name: "trackpipe_dead_letter_replays_total", Help: "Dead letters re-enqueued on operator request"})

	JobsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trackpipe_jobs_processed_total", Help: "Worker job outcomes"}, []string{"outcome"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "trackpipe_jobs_dead_letter_total", Help: "Jobs moved to the dead-letter store"})
	CarrierCalls     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trackpipe_carrier_calls_total", Help: "Carrier API calls by carrier and result"}, []string{"carrier", "result"})
	CircuitOpenSkips = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trackpipe_circuit_open_skips_total", Help: "Jobs skipped because the carrier circuit is open"}, []string{"carrier"})
	PublishErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "trackpipe_publish_errors_total", Help: "tracking.updated events that could not be published"})
	RateLimited      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trackpipe_rate_limited_total", Help: "Carrier calls delayed by the per-minute limit"}, []string{"carrier"})

	QueueReady     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trackpipe_queue_ready", Help: "Jobs waiting in the ready list"})
	QueueInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trackpipe_queue_inflight", Help: "Jobs currently leased"})
	QueueScheduled = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trackpipe_queue_scheduled", Help: "Jobs waiting for a retry delay"})
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trackpipe_worker_inflight", Help: "Jobs being processed by this worker"})
)

// Handler exposes /metrics with the default registry; collectors are registered once.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			DispatchFailures,
			DispatchCycles,
			DeadLetterReplays,
			JobsProcessed,
			JobsDeadLetter,
			CarrierCalls,
			CircuitOpenSkips,
			PublishErrors,
			RateLimited,
			QueueReady,
			QueueInFlight,
			QueueScheduled,
			WorkerInFlight,
		)
	})
	return promhttp.Handler()
}
