package model

import "time"

// 计划回复状态
const (
	ReplyPending   = "pending"
	ReplySent      = "sent"
	ReplyFailed    = "failed"
	ReplyAbandoned = "abandoned"
)

// DelayPlan 一次延迟计算的过程记录
type DelayPlan struct {
	Urgency   int           `json:"urgency"`
	BaseDelay time.Duration `json:"baseDelay"`
	Delay     time.Duration `json:"delay"`
	Candidate time.Time     `json:"candidate"`
	DueAt     time.Time     `json:"dueAt"`
	Projected bool          `json:"projected"`
}

// ReplyPayload 写入 scheduled_replies.payload 的审计信息
type ReplyPayload struct {
	Classification Classification `json:"classification"`
	Plan           DelayPlan      `json:"plan"`
}

// ScheduledReply 持久化的延迟回复任务
type ScheduledReply struct {
	ID               int64
	ConversationID   int64
	InboundMessageID int64
	DueAt            time.Time
	Payload          ReplyPayload
	Status           string
	Attempts         int
	LastError        string
	SentAt           *time.Time
	// 非空表示 SMTP 已投递，只差落库，Body 为当时发出的正文
	DeliveredAt *time.Time
	Body        string
	CreatedAt   time.Time
}

// CompletedReply 回复发出后需要在同一事务里落库的内容
type CompletedReply struct {
	ReplyID          int64
	ConversationID   int64
	InboundMessageID int64
	RFCMessageID     string
	Subject          string
	Body             string
	SentAt           time.Time
	// 非空时创建 follow_up 提醒
	FollowUpAt *time.Time
}
