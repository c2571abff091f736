package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"ezreply/internal/dedup"
	"ezreply/internal/model"
	"ezreply/pkg/logger"
	"ezreply/pkg/metrics"
	"ezreply/pkg/trace"
	"ezreply/pkg/util"
)

const (
	StatusSent      = "sent"
	StatusDismissed = "dismissed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

const (
	DefaultCron   = "*/5 * * * *"
	notifyHandler = "reminder_notify"
	markTimeout   = 10 * time.Second
)

var (
	// ErrSweepInProgress 上一次扫描还没结束
	ErrSweepInProgress = errors.New("reminder sweep already in progress")
	ErrInvalidSnooze   = errors.New("snooze time must be in the future")
)

type Store interface {
	Due(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	FindByID(ctx context.Context, id int64) (model.Reminder, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkDismissed(ctx context.Context, id int64) error
	Snooze(ctx context.Context, id int64, until time.Time) error
}

type ConversationReader interface {
	FindByID(ctx context.Context, id int64) (model.Conversation, error)
}

type AccountReader interface {
	FindByID(ctx context.Context, id int64) (model.MailboxAccount, error)
}

type HistoryReader interface {
	HasInboundAfter(ctx context.Context, conversationID int64, t time.Time) (bool, error)
}

// Notifier 通知账号主人
type Notifier interface {
	Notify(ctx context.Context, to, subject, body string) error
}

type SendGuard interface {
	AcquireOnce(ctx context.Context, handler, id string) bool
	Release(ctx context.Context, handler, id string)
}

type Config struct {
	Cron      string
	BatchSize int
}

type Result struct {
	ReminderID int64  `json:"reminder_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Engine 扫描到期提醒：条件已满足的直接 dismiss，否则通知主人
type Engine struct {
	store         Store
	conversations ConversationReader
	accounts      AccountReader
	history       HistoryReader
	notifier      Notifier
	sendGuard     SendGuard
	flight        *dedup.Guard
	cfg           Config
	now           func() time.Time
	logger        *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSendGuard(g SendGuard) Option {
	return func(e *Engine) { e.sendGuard = g }
}

func New(
	store Store,
	conversations ConversationReader,
	accounts AccountReader,
	history HistoryReader,
	notifier Notifier,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Engine, error) {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("%w: invalid reminder cron expression %q", util.ErrConfigurationMissing, cfg.Cron)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	e := &Engine{
		store:         store,
		conversations: conversations,
		accounts:      accounts,
		history:       history,
		notifier:      notifier,
		sendGuard:     util.NewDeduper(nil, 0),
		flight:        dedup.NewGuard(),
		cfg:           cfg,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start 按 cron 表达式触发 Sweep，直到 ctx 取消
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Reminder engine started", zap.String("cron", e.cfg.Cron))
	for {
		next, err := gronx.NextTickAfter(e.cfg.Cron, time.Now(), false)
		wait := time.Until(next)
		if err != nil {
			e.logger.Error("Failed to compute next reminder tick", zap.Error(err))
			wait = 30 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Reminder engine stopped")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}

		if _, err := e.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
			e.logger.Error("Reminder sweep failed", zap.Error(err))
		}
	}
}

// Sweep 同一时刻只会有一个在执行
func (e *Engine) Sweep(ctx context.Context) ([]Result, error) {
	release, ok := e.flight.TryAcquire("sweep")
	if !ok {
		return nil, ErrSweepInProgress
	}
	defer release()

	ctx = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, e.logger)

	now := e.now()
	due, err := e.store.Due(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load due reminders: %w", err)
	}

	results := make([]Result, 0, len(due))
	for _, rm := range due {
		if ctx.Err() != nil {
			break
		}
		r := e.process(ctx, rm, now)
		metrics.IncrementReminder(rm.Type, r.Status)
		if r.Error != "" {
			log.Warn("Reminder processing failed",
				zap.Int64("reminder_id", rm.ID),
				zap.String("type", rm.Type),
				zap.String("error", r.Error),
			)
		}
		results = append(results, r)
	}

	if len(results) > 0 {
		log.Info("Reminder sweep completed", zap.Int("processed", len(results)))
	}
	return results, nil
}

func (e *Engine) process(ctx context.Context, rm model.Reminder, now time.Time) Result {
	res := Result{ReminderID: rm.ID, Type: rm.Type}
	fail := func(err error) Result {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	conv, err := e.conversations.FindByID(ctx, rm.ConversationID)
	if err != nil {
		return fail(err)
	}

	reason, err := e.satisfied(ctx, rm, conv)
	if err != nil {
		return fail(err)
	}
	if reason != "" {
		if err := e.store.MarkDismissed(ctx, rm.ID); err != nil {
			if errors.Is(err, model.ErrReminderTerminal) {
				res.Status = StatusSkipped
				return res
			}
			return fail(err)
		}
		res.Status = StatusDismissed
		res.Reason = reason
		return res
	}

	account, err := e.accounts.FindByID(ctx, conv.AccountID)
	if err != nil {
		return fail(err)
	}
	to := account.NotifyAddress
	if to == "" {
		to = account.Address
	}

	key := strconv.FormatInt(rm.ID, 10)
	if e.sendGuard.AcquireOnce(ctx, notifyHandler, key) {
		subject, body := notification(rm, conv)
		if err := e.notifier.Notify(ctx, to, subject, body); err != nil {
			e.sendGuard.Release(ctx, notifyHandler, key)
			return fail(err)
		}
		// 通知已发出，停机也要把状态写完
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
		defer cancel()
		ctx = rctx
	}

	if err := e.store.MarkSent(ctx, rm.ID, now); err != nil {
		if errors.Is(err, model.ErrReminderTerminal) {
			res.Status = StatusSkipped
			return res
		}
		return fail(err)
	}
	res.Status = StatusSent
	return res
}

// satisfied 返回非空表示提醒已无必要
func (e *Engine) satisfied(ctx context.Context, rm model.Reminder, conv model.Conversation) (string, error) {
	if !conv.Active() {
		return "conversation_inactive", nil
	}
	switch rm.Type {
	case model.ReminderReply:
		if conv.ReplySent {
			return "reply_sent", nil
		}
	case model.ReminderFollowUp:
		ref := rm.CreatedAt
		if rm.ReferenceAt != nil {
			ref = *rm.ReferenceAt
		}
		answered, err := e.history.HasInboundAfter(ctx, conv.ID, ref)
		if err != nil {
			return "", err
		}
		if answered {
			return "counterpart_replied", nil
		}
	}
	return "", nil
}

func notification(rm model.Reminder, conv model.Conversation) (string, string) {
	if rm.Type == model.ReminderFollowUp {
		return "Follow up with " + conv.Counterpart,
			fmt.Sprintf("%s has not answered since %s. Consider following up.", conv.Counterpart, referenceTime(rm))
	}
	return "Reply needed: " + conv.Counterpart,
		fmt.Sprintf("A message from %s is still waiting for a reply.", conv.Counterpart)
}

func referenceTime(rm model.Reminder) string {
	if rm.ReferenceAt != nil {
		return rm.ReferenceAt.UTC().Format(time.RFC1123)
	}
	return rm.CreatedAt.UTC().Format(time.RFC1123)
}

// Snooze 推迟到 until；scheduled_for 不变
func (e *Engine) Snooze(ctx context.Context, id int64, until time.Time) error {
	if !until.After(e.now()) {
		return fmt.Errorf("%w: %s", ErrInvalidSnooze, until.Format(time.RFC3339))
	}
	return e.store.Snooze(ctx, id, until)
}

// Dismiss 之后不可再恢复
func (e *Engine) Dismiss(ctx context.Context, id int64) error {
	return e.store.MarkDismissed(ctx, id)
}
