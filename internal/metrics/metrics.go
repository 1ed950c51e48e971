package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Attempts
	AttemptsTotal       *prometheus.CounterVec // by final status name
	AttemptDuration     prometheus.Histogram
	BytesTransferred    prometheus.Counter
	AttemptBytesHist    prometheus.Histogram
	NetworkDecisions    *prometheus.CounterVec // by decision
	ProbesTotal         *prometheus.CounterVec // by result: known, unknown
	WriteRetriesTotal   prometheus.Counter
	RetriesScheduled    prometheus.Counter
	ClaimConflictsTotal prometheus.Counter

	// Concurrency
	ActiveDownloads prometheus.Gauge
	QueueDepth      prometheus.Gauge
	LiveWorkers     prometheus.Gauge

	// API
	RequestsTotal *prometheus.CounterVec // by route, status code

	// Batches
	BatchTransitions *prometheus.CounterVec // by status name
	EventsPublished  *prometheus.CounterVec // by sink, result
	EventRetries     prometheus.Counter

	// Backend performance
	DatabaseQueryDuration *prometheus.HistogramVec // DB query latency by db_type
	StorageOpenDuration   *prometheus.HistogramVec // by result

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec // by backend: probe, storage

	// Health checks
	HealthStatus       *prometheus.GaugeVec // by component: database, storage (1=healthy, 0=unhealthy)
	HealthChecksFailed *prometheus.CounterVec

	// System metrics
	MemoryGauge     prometheus.Gauge
	GoroutinesGauge prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_attempts_total",
				Help: "Total number of download attempts by final status",
			}, []string{"status"}),
			AttemptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "batchfetch_attempt_duration_seconds",
				Help:    "Duration of one download attempt in seconds",
				Buckets: []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			}),
			BytesTransferred: promauto.NewCounter(prometheus.CounterOpts{
				Name: "batchfetch_bytes_transferred_total",
				Help: "Total bytes written to destinations",
			}),
			AttemptBytesHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "batchfetch_attempt_bytes",
				Help:    "Bytes transferred per attempt",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 35), // Up to ~32GB+
			}),
			NetworkDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_network_decisions_total",
				Help: "Network policy decisions by result",
			}, []string{"decision"}),
			ProbesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_probes_total",
				Help: "Content length probes by result (known, unknown)",
			}, []string{"result"}),
			WriteRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "batchfetch_write_retries_total",
				Help: "Total number of destination writes retried after a failure",
			}),
			RetriesScheduled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "batchfetch_retries_scheduled_total",
				Help: "Total number of failed attempts moved to WAITING_TO_RETRY",
			}),
			ClaimConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "batchfetch_claim_conflicts_total",
				Help: "Total number of lease claims lost to another owner",
			}),

			ActiveDownloads: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "batchfetch_active_downloads",
				Help: "Number of currently running download attempts",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "batchfetch_queue_depth",
				Help: "Number of claimed downloads waiting for a worker",
			}),
			LiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "batchfetch_live_workers",
				Help: "Number of live pool workers",
			}),

			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_api_requests_total",
				Help: "API requests by route and status code",
			}, []string{"route", "code"}),

			BatchTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_batch_transitions_total",
				Help: "Batch status transitions by new status",
			}, []string{"status"}),
			EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_events_published_total",
				Help: "Lifecycle events published by sink and result",
			}, []string{"sink", "result"}),
			EventRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "batchfetch_event_retries_total",
				Help: "Total number of webhook delivery retries",
			}),

			DatabaseQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "batchfetch_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			}, []string{"db_type"}),
			StorageOpenDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "batchfetch_storage_open_duration_seconds",
				Help:    "Destination open duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"result"}),

			CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "batchfetch_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			}, []string{"backend"}),

			HealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "batchfetch_health_status",
				Help: "Health status by component (1=healthy, 0=unhealthy)",
			}, []string{"component"}),
			HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "batchfetch_health_checks_failed_total",
				Help: "Total number of failed health checks by component",
			}, []string{"component"}),

			MemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "batchfetch_memory_heap_alloc_bytes",
				Help: "Current heap allocation in bytes",
			}),
			GoroutinesGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "batchfetch_goroutines",
				Help: "Number of goroutines",
			}),
		}
	})

	return defaultMetrics
}

// StartRuntimeMetricsCollector updates runtime gauges every 10s until ctx is done
func (m *Metrics) StartRuntimeMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			m.MemoryGauge.Set(float64(mem.HeapAlloc))
			m.GoroutinesGauge.Set(float64(runtime.NumGoroutine()))

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
