package model

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// 连接安全模式
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// MailboxAccount 一个被托管的邮箱
type MailboxAccount struct {
	ID           int64
	Address      string
	DisplayName  string
	Kind         string // 该邮箱下新会话的类型
	IMAPHost     string
	IMAPPort     int
	IMAPSecurity string
	SMTPHost     string
	SMTPPort     int
	SMTPSecurity string
	Username     string
	PasswordEnc  string
	// 发信前才解密，不落日志
	Password          string `json:"-"`
	NotifyAddress     string
	Status            string
	Timezone          string
	WorkingHoursStart string
	WorkingHoursEnd   string
}

func (a *MailboxAccount) Active() bool {
	return a.Status == StatusActive
}

// SyncMark 账号 INBOX 已处理到的 UID，UIDValidity 变化后从头开始
type SyncMark struct {
	AccountID   int64
	UIDValidity uint32
	LastUID     uint32
}
