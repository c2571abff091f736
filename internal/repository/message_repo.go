package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ezreply/internal/model"
	"ezreply/pkg/outbox"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// InsertInbound 写入入站邮件；message_id 或 content_hash 任一冲突时不写入并返回 false
// 有会话时同一事务内追加会话历史、刷新 last_inbound_at 并清除 reply_sent
func (r *MessageRepository) InsertInbound(ctx context.Context, msg *model.InboundMessage) (bool, error) {
	inserted := false
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO inbound_messages (account_id, conversation_id, message_id, content_hash,
			                              from_addr, to_addr, subject, body, body_html)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING
			RETURNING id, created_at
		`, msg.AccountID, msg.ConversationID, msg.MessageID, msg.ContentHash,
			msg.From, msg.To, msg.Subject, msg.Body, msg.BodyHTML,
		).Scan(&msg.ID, &msg.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert inbound message: %w", err)
		}
		inserted = true

		if msg.ConversationID != nil {
			rfcID := ""
			if msg.MessageID != nil {
				rfcID = *msg.MessageID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO conversation_messages (conversation_id, direction, inbound_message_id, rfc_message_id, subject, body, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, *msg.ConversationID, model.DirectionInbound, msg.ID, rfcID, msg.Subject, msg.Body, msg.CreatedAt); err != nil {
				return fmt.Errorf("failed to append conversation message: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE conversations SET last_inbound_at = $2, reply_sent = FALSE WHERE id = $1
			`, *msg.ConversationID, msg.CreatedAt); err != nil {
				return fmt.Errorf("failed to touch conversation: %w", err)
			}
		}

		return outbox.Insert(ctx, tx, model.AggregateInbound, msg.ID, model.EventInboundAccepted, map[string]any{
			"inbound_message_id": msg.ID,
			"account_id":         msg.AccountID,
			"conversation_id":    msg.ConversationID,
			"from":               msg.From,
			"subject":            msg.Subject,
		})
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// MarkProcessed 只会从 false 变为 true
func (r *MessageRepository) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE inbound_messages SET processed = TRUE WHERE id = $1 AND processed = FALSE`, id)
	if err != nil {
		return fmt.Errorf("failed to mark inbound processed: %w", err)
	}
	return nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id int64) (model.InboundMessage, error) {
	var m model.InboundMessage
	err := r.db.QueryRow(ctx, `
		SELECT id, account_id, conversation_id, message_id, content_hash, from_addr, to_addr,
		       subject, body, body_html, processed, created_at
		FROM inbound_messages WHERE id = $1
	`, id).Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.MessageID, &m.ContentHash, &m.From, &m.To,
		&m.Subject, &m.Body, &m.BodyHTML, &m.Processed, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, fmt.Errorf("inbound message %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("failed to get inbound message: %w", err)
	}
	return m, nil
}

// FindUnscheduled 按 content_hash 或 message_id 查找已落库但既未处理也没有计划回复的入站邮件
func (r *MessageRepository) FindUnscheduled(ctx context.Context, hash string, messageID *string) (model.InboundMessage, bool, error) {
	var m model.InboundMessage
	err := r.db.QueryRow(ctx, `
		SELECT m.id, m.account_id, m.conversation_id, m.message_id, m.content_hash, m.from_addr, m.to_addr,
		       m.subject, m.body, m.body_html, m.processed, m.created_at
		FROM inbound_messages m
		WHERE (m.content_hash = $1 OR ($2::text IS NOT NULL AND m.message_id = $2))
		  AND m.processed = FALSE
		  AND NOT EXISTS (SELECT 1 FROM scheduled_replies r WHERE r.inbound_message_id = m.id)
		ORDER BY m.id
		LIMIT 1
	`, hash, messageID).Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.MessageID, &m.ContentHash, &m.From, &m.To,
		&m.Subject, &m.Body, &m.BodyHTML, &m.Processed, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("failed to find unscheduled inbound message: %w", err)
	}
	return m, true, nil
}

// RecentTurns 返回会话最近 limit 条历史（时间正序），不含 excludeInboundID 本身
func (r *MessageRepository) RecentTurns(ctx context.Context, conversationID, excludeInboundID int64, limit int) ([]model.Turn, error) {
	rows, err := r.db.Query(ctx, `
		SELECT direction, body
		FROM conversation_messages
		WHERE conversation_id = $1
		  AND (inbound_message_id IS NULL OR inbound_message_id <> $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, conversationID, excludeInboundID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Direction, &t.Text); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

// HasInboundAfter 对端在 t 之后是否来过信
func (r *MessageRepository) HasInboundAfter(ctx context.Context, conversationID int64, t time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_messages
			WHERE conversation_id = $1 AND direction = $2 AND created_at > $3
		)
	`, conversationID, model.DirectionInbound, t).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check inbound after: %w", err)
	}
	return exists, nil
}
