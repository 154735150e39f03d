package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 远程存储调用延迟（毫秒）
	RemoteCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_store_call_latency_ms",
			Help:    "Remote store call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5ms to ~5s
		},
		[]string{"backend", "op", "kind", "status"},
	)

	// 同步单步延迟（秒）
	SyncStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_step_duration_seconds",
			Help:    "Duration of one sequenced sync step in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind", "action", "outcome"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 保存结果计数
	SyncOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "project_sync_outcome_count",
			Help: "Total number of project saves by outcome",
		},
		[]string{"outcome"}, // outcome: committed, failed, invalid, rejected, noop
	)

	// 状态机转换计数
	SyncTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "project_sync_transition_count",
			Help: "Total number of sync state machine transitions",
		},
		[]string{"to"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordRemoteCall 记录远程存储调用延迟
func RecordRemoteCall(backend, op, kind, status string, duration time.Duration) {
	RemoteCallLatency.WithLabelValues(backend, op, kind, status).Observe(float64(duration.Milliseconds()))
}

// RecordSyncStep 记录同步单步延迟
func RecordSyncStep(kind, action, outcome string, duration time.Duration) {
	SyncStepDuration.WithLabelValues(kind, action, outcome).Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSyncOutcome 增加保存结果计数
func IncrementSyncOutcome(outcome string) {
	SyncOutcomeCount.WithLabelValues(outcome).Inc()
}

// IncrementSyncTransition 增加状态转换计数
func IncrementSyncTransition(to string) {
	SyncTransitionCount.WithLabelValues(to).Inc()
}
