package model

import "time"

const (
	ReminderReply    = "reply_reminder"
	ReminderFollowUp = "follow_up"
)

// Reminder 需要回复 / 跟进的提醒
type Reminder struct {
	ID             int64
	ConversationID int64
	Type           string
	ScheduledFor   time.Time
	SnoozedUntil   *time.Time
	// follow_up 所指向的那次回复时间
	ReferenceAt *time.Time
	Sent        bool
	Dismissed   bool
	SentAt      *time.Time
	CreatedAt   time.Time
}

// Terminal sent 或 dismissed 之后不再变化
func (r *Reminder) Terminal() bool {
	return r.Sent || r.Dismissed
}

// Due 与 ReminderRepository.Due 的 SQL 条件一致
func (r *Reminder) Due(now time.Time) bool {
	if r.Terminal() || r.ScheduledFor.After(now) {
		return false
	}
	return r.SnoozedUntil == nil || !r.SnoozedUntil.After(now)
}
