package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "modelq_tasks_enqueued_total", Help: "Tasks accepted by the producer API"})
	TasksCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "modelq_tasks_completed_total", Help: "Tasks completed successfully"})
	TasksFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "modelq_tasks_failed_total", Help: "Tasks that reached the failed state"})
	TasksRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "modelq_tasks_retried_total", Help: "Delayed re-enqueues scheduled after failure or explicit retry"})
	TasksRequeuedStuck = prometheus.NewCounter(prometheus.CounterOpts{Name: "modelq_tasks_requeued_stuck_total", Help: "Stuck tasks the reaper moved back to the queue"})
	TasksExpired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "modelq_tasks_expired_total", Help: "Queued tasks dropped after outliving their TTL"})
	InFlight           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "modelq_tasks_inflight", Help: "Tasks currently being executed by this instance"})
	QueueDepth         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "modelq_queue_depth", Help: "Length of the main queue at last observation"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksCompleted,
			TasksFailed,
			TasksRetried,
			TasksRequeuedStuck,
			TasksExpired,
			InFlight,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
