// Package metrics holds the Prometheus instrumentation shared by the
// queue, dispatcher, scheduler and HTTP layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	WebhooksReceived   *prometheus.CounterVec
	WebhooksRejected   prometheus.Counter
	TasksEnqueued      prometheus.Counter
	TasksDeduplicated  prometheus.Counter
	TasksFailed        prometheus.Counter
	TaskDuration       prometheus.Histogram
	QueueDepth         prometheus.Gauge
	DedupCacheSize     prometheus.Gauge
	SchedulerPending   prometheus.Gauge
	SchedulerApprovals prometheus.Counter
	SchedulerExpired   prometheus.Counter
	SchedulerDropped   prometheus.Counter
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchflow_webhooks_received_total",
			Help: "Verified webhook deliveries by event type.",
		}, []string{"event_type"}),
		WebhooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_webhooks_rejected_total",
			Help: "Deliveries rejected at the ingress (bad signature or payload).",
		}),
		TasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_tasks_enqueued_total",
			Help: "Tasks accepted by the queue.",
		}),
		TasksDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_tasks_deduplicated_total",
			Help: "Enqueue attempts dropped as duplicates.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_tasks_failed_total",
			Help: "Tasks that finished in the failed state.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchflow_task_duration_seconds",
			Help:    "Wall time from dequeue to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchflow_queue_depth",
			Help: "Tasks currently pending.",
		}),
		DedupCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchflow_dedup_cache_size",
			Help: "Entries currently held in the dedup cache.",
		}),
		SchedulerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchflow_scheduler_pending_deployments",
			Help: "Deployments waiting on a temporal window.",
		}),
		SchedulerApprovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_scheduler_approvals_total",
			Help: "Pending deployments approved after re-evaluation.",
		}),
		SchedulerExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_scheduler_expired_total",
			Help: "Pending deployments discarded after exceeding max age.",
		}),
		SchedulerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchflow_scheduler_dropped_total",
			Help: "Pending deployments dropped after a non-temporal violation appeared.",
		}),
	}
	reg.MustRegister(
		m.WebhooksReceived, m.WebhooksRejected,
		m.TasksEnqueued, m.TasksDeduplicated, m.TasksFailed, m.TaskDuration,
		m.QueueDepth, m.DedupCacheSize,
		m.SchedulerPending, m.SchedulerApprovals, m.SchedulerExpired, m.SchedulerDropped,
	)
	return m
}
