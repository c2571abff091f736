package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ezreply/internal/model"
	"ezreply/pkg/outbox"
)

// ReplyRepository scheduled_replies 的访问层；所有状态迁移都附带 outbox 事件
type ReplyRepository struct {
	db *pgxpool.Pool
}

func NewReplyRepository(db *pgxpool.Pool) *ReplyRepository {
	return &ReplyRepository{db: db}
}

// Schedule 为一封入站邮件创建计划回复，reminder 非空时一并创建
// 同一 inbound 已有计划时返回 false
func (r *ReplyRepository) Schedule(ctx context.Context, reply *model.ScheduledReply, reminder *model.Reminder) (bool, error) {
	payload, err := json.Marshal(reply.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal reply payload: %w", err)
	}

	created := false
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO scheduled_replies (conversation_id, inbound_message_id, due_at, payload, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (inbound_message_id) DO NOTHING
			RETURNING id, created_at
		`, reply.ConversationID, reply.InboundMessageID, reply.DueAt, payload, model.ReplyPending,
		).Scan(&reply.ID, &reply.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert scheduled reply: %w", err)
		}
		created = true
		reply.Status = model.ReplyPending

		if reminder != nil {
			reminder.ConversationID = reply.ConversationID
			if err := insertReminder(ctx, tx, reminder); err != nil {
				return err
			}
		}

		return outbox.Insert(ctx, tx, model.AggregateReply, reply.ID, model.EventReplyScheduled, map[string]any{
			"reply_id":           reply.ID,
			"conversation_id":    reply.ConversationID,
			"inbound_message_id": reply.InboundMessageID,
			"due_at":             reply.DueAt,
			"urgency":            reply.Payload.Classification.UrgencyLevel,
		})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// Due 返回到期的 pending 回复，按 due_at 升序
func (r *ReplyRepository) Due(ctx context.Context, now time.Time, limit int) ([]model.ScheduledReply, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, inbound_message_id, due_at, payload, status, attempts, last_error,
		       sent_at, delivered_at, body, created_at
		FROM scheduled_replies
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC, id ASC
		LIMIT $3
	`, model.ReplyPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due replies: %w", err)
	}
	defer rows.Close()

	var replies []model.ScheduledReply
	for rows.Next() {
		var (
			sr      model.ScheduledReply
			payload []byte
		)
		if err := rows.Scan(&sr.ID, &sr.ConversationID, &sr.InboundMessageID, &sr.DueAt, &payload,
			&sr.Status, &sr.Attempts, &sr.LastError, &sr.SentAt, &sr.DeliveredAt, &sr.Body, &sr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled reply: %w", err)
		}
		// 审计字段损坏不影响发送
		_ = json.Unmarshal(payload, &sr.Payload)
		replies = append(replies, sr)
	}
	return replies, rows.Err()
}

// MarkDelivered SMTP 投递成功后立即记录，之后的扫描只补落库不再重发
func (r *ReplyRepository) MarkDelivered(ctx context.Context, id int64, body string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_replies
		SET delivered_at = $2, body = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND delivered_at IS NULL
	`, id, at, body, model.ReplyPending)
	if err != nil {
		return fmt.Errorf("failed to mark reply delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrReplyNotPending
	}
	return nil
}

// Reschedule 记录一次失败并推迟到 dueAt
func (r *ReplyRepository) Reschedule(ctx context.Context, id int64, dueAt time.Time, lastErr string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_replies
		SET attempts = attempts + 1, due_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, dueAt, lastErr, model.ReplyPending)
	if err != nil {
		return fmt.Errorf("failed to reschedule reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrReplyNotPending
	}
	return nil
}

// MarkFailed 重试耗尽，保持 inbound 未处理以便人工介入
func (r *ReplyRepository) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var convID int64
		err := tx.QueryRow(ctx, `
			UPDATE scheduled_replies
			SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING conversation_id
		`, id, model.ReplyFailed, lastErr, model.ReplyPending).Scan(&convID)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrReplyNotPending
		}
		if err != nil {
			return fmt.Errorf("failed to mark reply failed: %w", err)
		}
		return outbox.Insert(ctx, tx, model.AggregateReply, id, model.EventReplyFailed, map[string]any{
			"reply_id":        id,
			"conversation_id": convID,
			"error":           lastErr,
		})
	})
}

// Abandon 会话已停用等情况下放弃回复，inbound 视为已处理
func (r *ReplyRepository) Abandon(ctx context.Context, id int64, reason string) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var inboundID int64
		err := tx.QueryRow(ctx, `
			UPDATE scheduled_replies
			SET status = $2, last_error = $3, updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING inbound_message_id
		`, id, model.ReplyAbandoned, reason, model.ReplyPending).Scan(&inboundID)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrReplyNotPending
		}
		if err != nil {
			return fmt.Errorf("failed to abandon reply: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE inbound_messages SET processed = TRUE WHERE id = $1`, inboundID)
		return err
	})
}

// Complete 在一个事务内完成：回复置为 sent、写出站历史、inbound 置 processed、
// 会话 reply_sent、可选的 follow_up 提醒以及 reply.sent 事件
func (r *ReplyRepository) Complete(ctx context.Context, p model.CompletedReply) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE scheduled_replies
			SET status = $2, sent_at = $3, body = $5, attempts = attempts + 1, last_error = '', updated_at = NOW()
			WHERE id = $1 AND status = $4
		`, p.ReplyID, model.ReplySent, p.SentAt, model.ReplyPending, p.Body)
		if err != nil {
			return fmt.Errorf("failed to mark reply sent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrReplyNotPending
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_messages (conversation_id, direction, rfc_message_id, subject, body, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ConversationID, model.DirectionOutbound, p.RFCMessageID, p.Subject, p.Body, p.SentAt); err != nil {
			return fmt.Errorf("failed to append outbound message: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE inbound_messages SET processed = TRUE WHERE id = $1
		`, p.InboundMessageID); err != nil {
			return fmt.Errorf("failed to mark inbound processed: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET reply_sent = TRUE, last_reply_at = $2 WHERE id = $1
		`, p.ConversationID, p.SentAt); err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}

		if p.FollowUpAt != nil {
			sentAt := p.SentAt
			if err := insertReminder(ctx, tx, &model.Reminder{
				ConversationID: p.ConversationID,
				Type:           model.ReminderFollowUp,
				ScheduledFor:   *p.FollowUpAt,
				ReferenceAt:    &sentAt,
			}); err != nil {
				return err
			}
		}

		return outbox.Insert(ctx, tx, model.AggregateReply, p.ReplyID, model.EventReplySent, map[string]any{
			"reply_id":           p.ReplyID,
			"conversation_id":    p.ConversationID,
			"inbound_message_id": p.InboundMessageID,
			"message_id":         p.RFCMessageID,
			"sent_at":            p.SentAt,
		})
	})
}
