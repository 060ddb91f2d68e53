package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "New jobs created"})
	DedupHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dedup_hits_total", Help: "Enqueues coalesced onto an in-flight job"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_result_cache_hits_total", Help: "Enqueues served from a recent completed result"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_quota_rejects_total", Help: "Enqueues rejected by the per-user concurrency ceiling"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by workers"})
	CompleteCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	FailCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed during execution"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed jobs requeued by the retry sweep"})
	ExpiredCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_expired_total", Help: "Pending jobs expired by the reaper"})
	TimeoutCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_timed_out_total", Help: "Processing jobs failed by stuck detection"})
	CancelCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs cancelled by their owner"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently processing on this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupHits,
			CacheHits,
			QuotaRejects,
			RateLimitRejects,
			ClaimCounter,
			CompleteCounter,
			FailCounter,
			RetryCounter,
			ExpiredCounter,
			TimeoutCounter,
			CancelCounter,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
