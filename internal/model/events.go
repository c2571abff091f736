package model

// outbox 事件 routing key
const (
	EventInboundAccepted = "inbound.accepted"
	EventReplyScheduled  = "reply.scheduled"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
	EventReminderFired   = "reminder.fired"
)

// outbox aggregate_type
const (
	AggregateInbound  = "inbound_message"
	AggregateReply    = "scheduled_reply"
	AggregateReminder = "reminder"
)
