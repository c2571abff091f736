package model

import "time"

// Attachment 附件元数据，内容不落盘
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
}

// ParsedMessage 从 IMAP 拉取并解析后的邮件
type ParsedMessage struct {
	UID           uint32
	MessageID     string
	InReplyTo     string
	From          string
	To            string
	Subject       string
	BodyText      string
	BodyHTML      string
	Attachments   []Attachment
	AutoSubmitted bool
	Date          time.Time
}

// InboundMessage 去重后落库的入站邮件
type InboundMessage struct {
	ID             int64
	AccountID      int64
	ConversationID *int64
	MessageID      *string
	ContentHash    string
	From           string
	To             string
	Subject        string
	Body           string
	BodyHTML       string
	Processed      bool
	CreatedAt      time.Time
}
