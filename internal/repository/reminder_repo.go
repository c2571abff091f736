package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ezreply/internal/model"
	"ezreply/pkg/outbox"
)

type ReminderRepository struct {
	db *pgxpool.Pool
}

func NewReminderRepository(db *pgxpool.Pool) *ReminderRepository {
	return &ReminderRepository{db: db}
}

const reminderColumns = `id, conversation_id, type, scheduled_for, snoozed_until, reference_at, sent, dismissed, sent_at, created_at`

func scanReminder(row pgx.Row) (model.Reminder, error) {
	var rm model.Reminder
	err := row.Scan(&rm.ID, &rm.ConversationID, &rm.Type, &rm.ScheduledFor, &rm.SnoozedUntil,
		&rm.ReferenceAt, &rm.Sent, &rm.Dismissed, &rm.SentAt, &rm.CreatedAt)
	return rm, err
}

func insertReminder(ctx context.Context, tx pgx.Tx, rm *model.Reminder) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO reminders (conversation_id, type, scheduled_for, reference_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, rm.ConversationID, rm.Type, rm.ScheduledFor, rm.ReferenceAt).Scan(&rm.ID, &rm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reminder: %w", err)
	}
	return nil
}

// Due 条件与 model.Reminder.Due 保持一致
func (r *ReminderRepository) Due(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE sent = FALSE AND dismissed = FALSE
		  AND scheduled_for <= $1
		  AND (snoozed_until IS NULL OR snoozed_until <= $1)
		ORDER BY scheduled_for ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due reminders: %w", err)
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		rm, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r *ReminderRepository) FindByID(ctx context.Context, id int64) (model.Reminder, error) {
	rm, err := scanReminder(r.db.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rm, fmt.Errorf("reminder %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return rm, fmt.Errorf("failed to get reminder: %w", err)
	}
	return rm, nil
}

// terminalOrMissing 区分 0 行更新的原因
func (r *ReminderRepository) terminalOrMissing(ctx context.Context, id int64) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return model.ErrReminderTerminal
}

// MarkSent 同一事务写 reminder.fired 事件
func (r *ReminderRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var (
			convID int64
			typ    string
		)
		err := tx.QueryRow(ctx, `
			UPDATE reminders SET sent = TRUE, sent_at = $2
			WHERE id = $1 AND sent = FALSE AND dismissed = FALSE
			RETURNING conversation_id, type
		`, id, at).Scan(&convID, &typ)
		if err != nil {
			return err
		}
		return outbox.Insert(ctx, tx, model.AggregateReminder, id, model.EventReminderFired, map[string]any{
			"reminder_id":     id,
			"conversation_id": convID,
			"type":            typ,
			"sent_at":         at,
		})
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return r.terminalOrMissing(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return nil
}

func (r *ReminderRepository) MarkDismissed(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reminders SET dismissed = TRUE
		WHERE id = $1 AND sent = FALSE AND dismissed = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("failed to dismiss reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.terminalOrMissing(ctx, id)
	}
	return nil
}

func (r *ReminderRepository) Snooze(ctx context.Context, id int64, until time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reminders SET snoozed_until = $2
		WHERE id = $1 AND sent = FALSE AND dismissed = FALSE
	`, id, until)
	if err != nil {
		return fmt.Errorf("failed to snooze reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.terminalOrMissing(ctx, id)
	}
	return nil
}
