package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upload_tasks_created_total", Help: "Tasks created by kind"}, []string{"kind"})
	TasksEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_tasks_enqueued_total", Help: "Tasks pushed to the dispatch queue"})
	TasksDequeued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_tasks_dequeued_total", Help: "Deliveries handed to worker slots"})
	TasksCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_tasks_completed_total", Help: "Tasks completed successfully"})
	TasksFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upload_tasks_failed_total", Help: "Task failures by category"}, []string{"category"})
	TasksRequeued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upload_tasks_requeued_total", Help: "Deliveries returned to the queue by reason"}, []string{"reason"})
	TasksDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_tasks_dead_letter_total", Help: "Tasks that exhausted their retry budget"})
	TasksCleaned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_tasks_cleaned_total", Help: "Terminal tasks removed by retention"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upload_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upload_tasks_inflight", Help: "Tasks currently running on this node"})

	AccountOutcomes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upload_account_outcomes_total", Help: "Outcomes recorded against accounts"}, []string{"outcome"})
	AdmissionMisses  = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_admission_misses_total", Help: "Selections that found no eligible account"})
	DailyResets      = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_account_daily_resets_total", Help: "Daily counter resets executed"})
	PoolSize         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upload_pool_instances", Help: "Browser instances tracked by this node"})
	PoolBusy         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upload_pool_busy_instances", Help: "Browser instances currently acquired"})
	PoolDestroyed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upload_pool_destroyed_total", Help: "Browser instances destroyed by reason"}, []string{"reason"})
	PoolAcquireTime  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "upload_pool_acquire_seconds", Help: "Time spent acquiring a browser instance", Buckets: prometheus.ExponentialBuckets(0.01, 4, 8)})
	DriverDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "upload_driver_seconds", Help: "Upload driver run time by outcome", Buckets: prometheus.ExponentialBuckets(1, 2, 12)}, []string{"outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_rate_limit_rejects_total", Help: "Dispatches deferred by the per-profile rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TasksEnqueued,
			TasksDequeued,
			TasksCompleted,
			TasksFailed,
			TasksRequeued,
			TasksDeadLetter,
			TasksCleaned,
			QueueDepthGauge,
			InFlightGauge,
			AccountOutcomes,
			AdmissionMisses,
			DailyResets,
			PoolSize,
			PoolBusy,
			PoolDestroyed,
			PoolAcquireTime,
			DriverDuration,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
