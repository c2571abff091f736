package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ezreply/internal/model"
)

type ConversationRepository struct {
	db *pgxpool.Pool
}

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `
	id, account_id, counterpart, kind, status, min_delay, max_delay, timezone,
	working_hours_start, working_hours_end, tone, reply_sent, last_inbound_at, last_reply_at, created_at
`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID, &c.AccountID, &c.Counterpart, &c.Kind, &c.Status, &c.MinDelay, &c.MaxDelay, &c.Timezone,
		&c.WorkingHoursStart, &c.WorkingHoursEnd, &c.Tone, &c.ReplySent, &c.LastInboundAt, &c.LastReplyAt, &c.CreatedAt,
	)
	return c, err
}

// FindOrCreate 按 (account, counterpart) 取会话，不存在时用账号默认值创建
func (r *ConversationRepository) FindOrCreate(ctx context.Context, account model.MailboxAccount, counterpart string) (model.Conversation, error) {
	kind := account.Kind
	if kind == "" {
		kind = model.KindAssignment
	}
	// DO UPDATE 让冲突时也能 RETURNING 已存在的行
	c, err := scanConversation(r.db.QueryRow(ctx, `
		INSERT INTO conversations (account_id, counterpart, kind, timezone, working_hours_start, working_hours_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, counterpart) DO UPDATE SET counterpart = EXCLUDED.counterpart
		RETURNING `+conversationColumns,
		account.ID, counterpart, kind, account.Timezone, account.WorkingHoursStart, account.WorkingHoursEnd,
	))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to find or create conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) FindByID(ctx context.Context, id int64) (model.Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("conversation %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}
