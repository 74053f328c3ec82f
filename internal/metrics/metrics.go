package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localrag_tasks_enqueued_total",
		Help: "Tasks accepted by the broker, by kind",
	}, []string{"kind"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localrag_tasks_finished_total",
		Help: "Task executions by kind and outcome (success, failure, cancelled, retry, lease_lost)",
	}, []string{"kind", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "localrag_task_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	TasksReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localrag_tasks_reaped_total",
		Help: "Tasks force-terminated by the reaper, by final status",
	}, []string{"status"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localrag_workers_busy",
		Help: "Executors currently running a handler",
	})

	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localrag_broker_errors_total",
		Help: "Broker operations that failed, by operation",
	}, []string{"op"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localrag_cache_lookups_total",
		Help: "Cache lookups by result (l1_hit, l2_hit, miss, bypass)",
	}, []string{"result"})

	IndexChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localrag_index_chunks",
		Help: "Chunks in the live vector index snapshot",
	})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "localrag_search_duration_seconds",
		Help:    "Embedding plus nearest-neighbour lookup time",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localrag_http_requests_total",
		Help: "HTTP requests by route pattern and status code",
	}, []string{"route", "code"})
)
