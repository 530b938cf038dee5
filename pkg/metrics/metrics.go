package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store 操作计数
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_store_operations_total",
			Help: "Notification store operations by operation and outcome",
		},
		[]string{"op", "status"}, // status: ok, error, skipped
	)

	// 推送到 Store 的通知数
	PushDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_push_delivered_total",
			Help: "Notifications delivered to a session through the push channel",
		},
		[]string{"result"}, // result: applied, duplicate, stale
	)

	// Relay 转发计数
	RelayForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_relay_forwarded_total",
			Help: "notification.created events forwarded to the realtime channel",
		},
		[]string{"result"}, // result: published, duplicate, failed
	)

	// 活动事件生成的通知数
	ActivityNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_activity_created_total",
			Help: "Notifications created from activity events",
		},
		[]string{"type"},
	)

	// 当前活跃会话
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_active_sessions",
			Help: "Number of open notification store sessions",
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms to ~4s
		},
		[]string{"routing_key", "queue"},
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

	// 慢查询计数
	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"sql"},
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

	// Outbox 发布计数
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handled by the dispatcher",
		},
		[]string{"status"}, // status: sent, failed
	)

	// 熔断器状态：0 closed, 1 open, 2 half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// RecordStoreOp 记录 Store 操作结果
func RecordStoreOp(op, status string) {
	StoreOperations.WithLabelValues(op, status).Inc()
}

// RecordPush 记录推送处理结果
func RecordPush(result string) {
	PushDelivered.WithLabelValues(result).Inc()
}

// RecordRelay 记录 relay 转发结果
func RecordRelay(result string) {
	RelayForwarded.WithLabelValues(result).Inc()
}

// IncrementActivityNotification 增加活动通知计数
func IncrementActivityNotification(notificationType string) {
	ActivityNotifications.WithLabelValues(notificationType).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string) {
	SlowQueries.WithLabelValues(sql).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordOutbox 记录 outbox 发布结果
func RecordOutbox(status string) {
	OutboxPublished.WithLabelValues(status).Inc()
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
