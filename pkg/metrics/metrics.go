package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 邮箱轮询次数
	MailboxPollCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbox_poll_count",
			Help: "Total number of mailbox poll attempts",
		},
		[]string{"status"}, // status: ok, busy, failed
	)

	// 入站邮件处理结果计数
	InboundMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_message_count",
			Help: "Total number of inbound messages by outcome",
		},
		[]string{"outcome"}, // outcome: accepted, duplicate, not_actionable, parse_failure, failed
	)

	// AI 调用延迟（毫秒）
	AICallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_call_latency_ms",
			Help:    "AI completion call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"purpose", "status"},
	)

	// 分类回退次数
	ClassificationFallbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classification_fallback_count",
			Help: "Total number of classifications that fell back to the neutral default",
		},
		[]string{"reason"},
	)

	// 计划回复延迟（分钟）
	ScheduledDelayMinutes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduled_reply_delay_minutes",
			Help:    "Delay between ingestion and scheduled reply in minutes",
			Buckets: []float64{10, 20, 30, 60, 120, 240, 360, 720, 1440},
		},
		[]string{"projected"},
	)

	// 回复发送结果计数
	ReplyDispatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_dispatch_count",
			Help: "Total number of scheduled reply dispatch attempts",
		},
		[]string{"status"}, // status: sent, failed, rescheduled, abandoned
	)

	// 提醒处理结果计数
	ReminderCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_count",
			Help: "Total number of swept reminders by result",
		},
		[]string{"type", "result"}, // result: sent, dismissed, failed
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
		[]string{"sql"},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow database queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)
)

// IncrementMailboxPoll 记录一次邮箱轮询
func IncrementMailboxPoll(status string) {
	MailboxPollCount.WithLabelValues(status).Inc()
}

// IncrementInboundMessage 记录一封入站邮件的处理结果
func IncrementInboundMessage(outcome string) {
	InboundMessageCount.WithLabelValues(outcome).Inc()
}

// RecordAICallLatency 记录 AI 调用延迟
func RecordAICallLatency(purpose, status string, duration time.Duration) {
	AICallLatency.WithLabelValues(purpose, status).Observe(float64(duration.Milliseconds()))
}

// IncrementClassificationFallback 记录分类回退
func IncrementClassificationFallback(reason string) {
	ClassificationFallbackCount.WithLabelValues(reason).Inc()
}

// RecordScheduledDelay 记录计划回复延迟
func RecordScheduledDelay(delay time.Duration, projected bool) {
	label := "false"
	if projected {
		label = "true"
	}
	ScheduledDelayMinutes.WithLabelValues(label).Observe(delay.Minutes())
}

// IncrementReplyDispatch 记录回复发送结果
func IncrementReplyDispatch(status string) {
	ReplyDispatchCount.WithLabelValues(status).Inc()
}

// IncrementReminder 记录提醒处理结果
func IncrementReminder(reminderType, result string) {
	ReminderCount.WithLabelValues(reminderType, result).Inc()
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}
