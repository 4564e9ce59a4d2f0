package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 调度 tick 耗时（秒）
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of one discovery pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	// 每个窗口命中的时区数
	WindowTimezones = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_window_timezones",
			Help: "Number of timezones in the active / catch-up window on the last tick",
		},
		[]string{"window"}, // active, catch_up
	)

	// 发现的 occurrence 数
	OccurrencesDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occurrences_discovered_total",
			Help: "Occurrences returned by the discoverer",
		},
		[]string{"window"},
	)

	// claim 结果
	ClaimResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occurrence_claims_total",
			Help: "Dedup guard claim results",
		},
		[]string{"result"}, // claimed, reclaimed, duplicate, error
	)

	// 入队批次
	DispatchBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_batches_total",
			Help: "Batches submitted to the delivery queue",
		},
		[]string{"result"}, // published, parked, error
	)

	// 投递结果
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Notification worker outcomes",
		},
		[]string{"status"}, // sent, failed, skipped, dropped, dead_lettered
	)

	// 外部投递接口延迟（毫秒）
	SinkCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_call_latency_ms",
			Help:    "Delivery sink call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"queue", "action"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	OutboxRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Outbox rows processed by the relay",
		},
		[]string{"result"}, // sent, retry, failed
	)

	Reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occurrences_reconciled_total",
			Help: "Occurrences re-enqueued by the reconciler",
		},
		[]string{"reason"}, // stale_pending, replay_failed
	)
)

func ObserveTick(d time.Duration) {
	TickDuration.Observe(d.Seconds())
}

func SetWindowTimezones(window string, n int) {
	WindowTimezones.WithLabelValues(window).Set(float64(n))
}

func AddDiscovered(window string, n int) {
	OccurrencesDiscovered.WithLabelValues(window).Add(float64(n))
}

func IncrementClaim(result string) {
	ClaimResults.WithLabelValues(result).Inc()
}

func IncrementDispatchBatch(result string) {
	DispatchBatches.WithLabelValues(result).Inc()
}

func IncrementDelivery(status string) {
	Deliveries.WithLabelValues(status).Inc()
}

// RecordSinkCallLatency 记录投递接口调用延迟
func RecordSinkCallLatency(status string, d time.Duration) {
	SinkCallLatency.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(queue, action string, d time.Duration) {
	MQConsumeLatency.WithLabelValues(queue, action).Observe(float64(d.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation string, d time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func IncrementSlowQuery(operation string) {
	SlowQueries.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

func IncrementOutboxRelayed(result string) {
	OutboxRelayed.WithLabelValues(result).Inc()
}

func AddReconciled(reason string, n int) {
	Reconciled.WithLabelValues(reason).Add(float64(n))
}
