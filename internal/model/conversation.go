package model

import "time"

// 会话类型
const (
	KindAssignment = "assignment"
	KindMerchant   = "merchant"
)

// 会话消息方向
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation 托管邮箱与一个对端地址之间的会话，携带回复策略
type Conversation struct {
	ID                int64
	AccountID         int64
	Counterpart       string
	Kind              string
	Status            string
	MinDelay          int // 分钟
	MaxDelay          int // 分钟
	Timezone          string
	WorkingHoursStart string // HH:MM
	WorkingHoursEnd   string // HH:MM
	Tone              string
	ReplySent         bool
	LastInboundAt     *time.Time
	LastReplyAt       *time.Time
	CreatedAt         time.Time
}

func (c *Conversation) Active() bool {
	return c.Status == StatusActive
}

// ConversationMessage 会话历史中的一条
type ConversationMessage struct {
	ID               int64
	ConversationID   int64
	Direction        string
	InboundMessageID *int64
	RFCMessageID     string
	Subject          string
	Body             string
	CreatedAt        time.Time
}

// Turn 提供给 AI 的一轮历史对话
type Turn struct {
	Direction string
	Text      string
}
