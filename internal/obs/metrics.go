// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_enqueued_total",
		Help: "Total number of run requests enqueued",
	})
	RunsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_dispatched_total",
		Help: "Total number of runs admitted onto a machine and started",
	})
	RunsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_succeeded_total",
		Help: "Total number of runs that reached terminal success",
	})
	RunsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_failed_total",
		Help: "Total number of runs that reached terminal failure",
	})
	RunsRetriedQueue = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_retried_queue_total",
		Help: "Total number of queue-level (transient) retries",
	})
	RunsRetriedExecution = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_retried_execution_total",
		Help: "Total number of execution-level (callback) retries",
	})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dead_lettered_total",
		Help: "Total number of jobs that exhausted queue-level retries",
	})
	RunDispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "run_dispatch_duration_seconds",
		Help:    "Histogram of time spent in a single dispatch attempt",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a job queue state (queue, active, delayed, completed, failed)",
	}, []string{"queue", "state"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per machine",
	}, []string{"machine_id"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a machine's circuit breaker transitioned to Open",
	}, []string{"machine_id"})
	StalledJobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stalled_jobs_recovered_total",
		Help: "Total number of delayed jobs promoted back into the queue once due",
	})
	DispatcherWorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_workers_active",
		Help: "Number of active dispatcher worker goroutines",
	})
	MachineAdmitFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "machine_admit_failures_total",
		Help: "Total number of admit attempts rejected due to capacity or eligibility",
	}, []string{"machine_id"})
	MachineCurrentQueue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "machine_current_queue",
		Help: "Current admitted job count per machine",
	}, []string{"machine_id"})
	NotificationDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_total",
		Help: "Total webhook delivery attempts by outcome",
	}, []string{"outcome"})
	NotificationDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notification_delivery_duration_seconds",
		Help:    "Histogram of webhook delivery durations",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RunsEnqueued, RunsDispatched, RunsSucceeded, RunsFailed,
		RunsRetriedQueue, RunsRetriedExecution, JobsDeadLettered,
		RunDispatchDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		StalledJobsRecovered, DispatcherWorkersActive, MachineAdmitFailures,
		MachineCurrentQueue, NotificationDeliveries, NotificationDeliveryDuration,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; prefer StartHTTPServer which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
