package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeat registry / reconciler metrics

	RegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnapi_heartbeat_registry_size",
			Help: "Number of servers currently tracked in the in-process heartbeat registry",
		},
	)

	NewHeartbeatersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_new_heartbeaters_total",
			Help: "Total number of servers selected for reconciliation because they were new to this replica",
		},
	)

	StaleHeartbeatersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_stale_heartbeaters_total",
			Help: "Total number of servers selected for reconciliation because their heartbeat went stale",
		},
	)

	UsurpedHeartbeatersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_usurped_heartbeaters_total",
			Help: "Total number of servers dropped from the registry because another replica took over",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnapi_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciler tick across all selected servers",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_reconciliation_cycles_total",
			Help: "Total number of reconciler ticks completed",
		},
	)

	StatusRowPutAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_status_row_put_attempts_total",
			Help: "Total number of StatusRow put attempts",
		},
	)

	StatusRowPutErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_status_row_put_errors_total",
			Help: "Total number of failed StatusRow puts",
		},
	)

	StatusRowPutEtagErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_status_row_put_etag_errors_total",
			Help: "Total number of StatusRow puts that lost an ETag race",
		},
	)

	// Server store metrics

	ServerStoreGetAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_server_store_get_attempts_total",
			Help: "Total number of server GetObject attempts",
		},
	)

	ServerStorePutAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_server_store_put_attempts_total",
			Help: "Total number of server PutObject attempts",
		},
	)

	ServerStorePutEtagErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_server_store_put_etag_errors_total",
			Help: "Total number of server PutObject attempts that lost an ETag race",
		},
	)

	// Waitlist metrics

	WaitlistQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnapi_waitlist_queue_depth",
			Help: "Number of pending (queued+active) tickets per scope",
		},
		[]string{"scope"},
	)

	TicketsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnapi_tickets_created_total",
			Help: "Total number of tickets created by initial status",
		},
		[]string{"status"},
	)

	TicketsTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnapi_tickets_terminated_total",
			Help: "Total number of tickets reaching a terminal state",
		},
		[]string{"status"},
	)

	DirectorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnapi_waitlist_director_tick_duration_seconds",
			Help:    "Time taken for one waitlist director poll iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Task dispatch metrics

	TaskDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnapi_task_dispatch_duration_seconds",
			Help:    "Time taken for a task dispatch HTTP round trip",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnapi_tasks_dispatched_total",
			Help: "Total number of tasks dispatched by terminal outcome",
		},
		[]string{"status"},
	)

	TaskWaitersRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_task_waiters_registered_total",
			Help: "Total number of WaitForTask registrations",
		},
	)

	TaskWaitTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnapi_task_wait_timeouts_total",
			Help: "Total number of WaitForTask registrations that timed out",
		},
	)

	TaskStatusCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnapi_task_status_cache_size",
			Help: "Number of completed task statuses cached awaiting a late waiter",
		},
	)

	ServersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnapi_servers_by_status",
			Help: "Number of servers currently observed at each effective status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		RegistrySize,
		NewHeartbeatersTotal,
		StaleHeartbeatersTotal,
		UsurpedHeartbeatersTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		StatusRowPutAttemptsTotal,
		StatusRowPutErrorsTotal,
		StatusRowPutEtagErrorsTotal,
		ServerStoreGetAttemptsTotal,
		ServerStorePutAttemptsTotal,
		ServerStorePutEtagErrorsTotal,
		WaitlistQueueDepth,
		TicketsCreatedTotal,
		TicketsTerminatedTotal,
		DirectorTickDuration,
		TaskDispatchDuration,
		TasksDispatchedTotal,
		TaskWaitersRegisteredTotal,
		TaskWaitTimeoutsTotal,
		TaskStatusCacheSize,
		ServersByStatus,
	)
}

// Handler returns the Prometheus HTTP handler.
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

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to one label of a
// histogram vec.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, label string) {
	histogramVec.WithLabelValues(label).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
