package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ezreply/internal/classifier"
	"ezreply/internal/dedup"
	"ezreply/internal/model"
	"ezreply/internal/responder"
	"ezreply/internal/transport"
	"ezreply/pkg/logger"
	"ezreply/pkg/metrics"
	"ezreply/pkg/otel"
	"ezreply/pkg/trace"
	"ezreply/pkg/util"
)

// 单条回复的处理结果
const (
	StatusSent        = "sent"
	StatusRescheduled = "rescheduled"
	StatusFailed      = "failed"
	StatusAbandoned   = "abandoned"
	StatusSkipped     = "skipped"
)

// Redis send-once key 的 handler 名
const sendOnceHandler = "reply_send"

// 投递之后的落库不受 sweep ctx 取消影响
const recordTimeout = 10 * time.Second

// errUnrecorded 邮件已投递但 Complete 未成功
var errUnrecorded = errors.New("reply delivered but not recorded")

type ReplyStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]model.ScheduledReply, error)
	Reschedule(ctx context.Context, id int64, dueAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id int64, lastErr string) error
	Abandon(ctx context.Context, id int64, reason string) error
	MarkDelivered(ctx context.Context, id int64, body string, at time.Time) error
	Complete(ctx context.Context, p model.CompletedReply) error
}

type ConversationReader interface {
	FindByID(ctx context.Context, id int64) (model.Conversation, error)
}

// AccountReader FindResolved 返回已解密凭据的账号
type AccountReader interface {
	FindResolved(ctx context.Context, id int64) (model.MailboxAccount, error)
}

type MessageReader interface {
	FindByID(ctx context.Context, id int64) (model.InboundMessage, error)
	RecentTurns(ctx context.Context, conversationID, excludeInboundID int64, limit int) ([]model.Turn, error)
}

type Generator interface {
	Generate(ctx context.Context, in responder.Input) (string, error)
}

type Sender interface {
	Send(ctx context.Context, ep transport.Endpoint, out *transport.Outbound) error
}

// SendGuard 跨进程重启的 send-once 标记，util.Deduper 实现
type SendGuard interface {
	AcquireOnce(ctx context.Context, handler, id string) bool
	Release(ctx context.Context, handler, id string)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// 第 n 次失败后推迟 n*Backoff
	Backoff       time.Duration
	FollowUpAfter time.Duration
}

// Result 单条回复的处理结果
type Result struct {
	ReplyID int64  `json:"reply_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type Dispatcher struct {
	replies       ReplyStore
	conversations ConversationReader
	accounts      AccountReader
	messages      MessageReader
	generator     Generator
	sender        Sender
	sendGuard     SendGuard
	inFlight      *dedup.Guard
	cfg           Config
	now           func() time.Time
	logger        *zap.Logger
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithSendGuard(g SendGuard) Option {
	return func(d *Dispatcher) { d.sendGuard = g }
}

func New(
	replies ReplyStore,
	conversations ConversationReader,
	accounts AccountReader,
	messages MessageReader,
	generator Generator,
	sender Sender,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Minute
	}
	if cfg.FollowUpAfter <= 0 {
		cfg.FollowUpAfter = 18 * time.Hour
	}
	d := &Dispatcher{
		replies:       replies,
		conversations: conversations,
		accounts:      accounts,
		messages:      messages,
		generator:     generator,
		sender:        sender,
		sendGuard:     util.NewDeduper(nil, 0),
		inFlight:      dedup.NewGuard(),
		cfg:           cfg,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start 按固定间隔扫描到期回复，直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("Reply dispatcher started", zap.Duration("interval", d.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Reply dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Dispatch sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep 处理一批到期回复，逐条返回结果
func (d *Dispatcher) Sweep(ctx context.Context) ([]Result, error) {
	due, err := d.replies.Due(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load due replies: %w", err)
	}

	results := make([]Result, 0, len(due))
	for _, reply := range due {
		if ctx.Err() != nil {
			break
		}
		status, err := d.dispatch(ctx, reply)
		r := Result{ReplyID: reply.ID, Status: status}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, reply model.ScheduledReply) (status string, err error) {
	release, ok := d.inFlight.TryAcquire("reply:" + strconv.FormatInt(reply.ID, 10))
	if !ok {
		return StatusSkipped, nil
	}
	defer release()

	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	ctx, span := otel.StartSpan(ctx, "reply.dispatch")
	defer func() { otel.End(span, err) }()

	log := logger.WithTrace(ctx, d.logger).With(
		zap.Int64("reply_id", reply.ID),
		zap.Int64("conversation_id", reply.ConversationID),
	)

	status, err = d.send(ctx, reply, log)
	if err != nil && status == "" {
		status, err = d.fail(ctx, reply, err, log)
	}
	metrics.IncrementReplyDispatch(status)
	return status, err
}

// send 返回空 status 表示需要按失败处理
func (d *Dispatcher) send(ctx context.Context, reply model.ScheduledReply, log *zap.Logger) (string, error) {
	conv, err := d.conversations.FindByID(ctx, reply.ConversationID)
	if err != nil {
		return "", err
	}
	// 已投递的回复不再放弃，只补记录
	delivered := reply.DeliveredAt != nil
	if !conv.Active() && !delivered {
		return d.abandon(ctx, reply, "conversation_inactive", log)
	}

	account, err := d.accounts.FindResolved(ctx, conv.AccountID)
	if err != nil {
		return "", err
	}
	if !account.Active() && !delivered {
		return d.abandon(ctx, reply, "account_inactive", log)
	}

	inbound, err := d.messages.FindByID(ctx, reply.InboundMessageID)
	if err != nil {
		return "", err
	}

	out := &transport.Outbound{
		FromName:  account.DisplayName,
		From:      account.Address,
		To:        inbound.From,
		Subject:   transport.ReplySubject(inbound.Subject),
		MessageID: transport.StableMessageID(account.Address, "reply:"+strconv.FormatInt(reply.ID, 10)),
		Date:      d.now(),
	}
	if inbound.MessageID != nil && *inbound.MessageID != "" {
		out.InReplyTo = *inbound.MessageID
		out.References = []string{*inbound.MessageID}
	}

	key := strconv.FormatInt(reply.ID, 10)
	sentAt := d.now()
	switch {
	case delivered:
		out.Text = reply.Body
		sentAt = *reply.DeliveredAt
		log.Info("Reply delivered by an earlier attempt, committing record only")
	case d.sendGuard.AcquireOnce(ctx, sendOnceHandler, key):
		history, err := d.messages.RecentTurns(ctx, conv.ID, inbound.ID, classifier.MaxPriorTurns)
		if err != nil {
			log.Warn("Failed to load conversation history", zap.Error(err))
		}
		text, err := d.generator.Generate(ctx, responder.Input{
			Account:        account,
			Conversation:   conv,
			Inbound:        inbound,
			Classification: reply.Payload.Classification,
			History:        history,
		})
		if err != nil {
			d.sendGuard.Release(ctx, sendOnceHandler, key)
			return "", fmt.Errorf("%w: generate reply: %w", util.ErrDispatch, err)
		}
		out.Text = text

		if err := d.sender.Send(ctx, transport.AccountEndpoint(account), out); err != nil {
			d.sendGuard.Release(ctx, sendOnceHandler, key)
			return "", err
		}
		sentAt = d.now()
		log.Info("Reply sent", zap.String("to", out.To), zap.String("message_id", out.MessageID))

		// 从这里开始邮件已发出，记录不能因停机中断
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		ctx = rctx
		if err := d.replies.MarkDelivered(ctx, reply.ID, out.Text, sentAt); err != nil && !errors.Is(err, model.ErrReplyNotPending) {
			// send-once key 仍然保留，不会重发
			log.Warn("Failed to record delivery", zap.Error(err))
		}
	default:
		// key 在但没有投递记录：上次投递后 MarkDelivered 也失败了，正文已无法找回
		log.Warn("Reply already sent by an earlier attempt, committing record only")
	}

	done := model.CompletedReply{
		ReplyID:          reply.ID,
		ConversationID:   conv.ID,
		InboundMessageID: inbound.ID,
		RFCMessageID:     out.MessageID,
		Subject:          out.Subject,
		Body:             out.Text,
		SentAt:           sentAt,
	}
	if conv.Kind == model.KindMerchant {
		at := sentAt.Add(d.cfg.FollowUpAfter)
		done.FollowUpAt = &at
	}

	if err := d.replies.Complete(ctx, done); err != nil {
		if errors.Is(err, model.ErrReplyNotPending) {
			log.Info("Reply already completed elsewhere")
			return StatusSkipped, nil
		}
		return "", fmt.Errorf("%w: %w: %w", util.ErrTransientIO, errUnrecorded, err)
	}
	return StatusSent, nil
}

func (d *Dispatcher) abandon(ctx context.Context, reply model.ScheduledReply, reason string, log *zap.Logger) (string, error) {
	if err := d.replies.Abandon(ctx, reply.ID, reason); err != nil && !errors.Is(err, model.ErrReplyNotPending) {
		return "", err
	}
	log.Info("Reply abandoned", zap.String("reason", reason))
	return StatusAbandoned, nil
}

// fail 按线性退避推迟，重试耗尽或不可重试时标记 failed
// 已投递未落库的回复只会继续补记录，不计入 MaxAttempts
func (d *Dispatcher) fail(ctx context.Context, reply model.ScheduledReply, cause error, log *zap.Logger) (string, error) {
	if errors.Is(cause, errUnrecorded) {
		next := d.now().Add(d.cfg.Backoff)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := d.replies.Reschedule(rctx, reply.ID, next, cause.Error()); err != nil && !errors.Is(err, model.ErrReplyNotPending) {
			log.Error("Failed to reschedule unrecorded reply", zap.NamedError("store_error", err))
		}
		log.Warn("Reply delivered but record failed, will retry record", zap.Time("next_due_at", next), zap.Error(cause))
		return StatusRescheduled, cause
	}
	// 停机时不计入重试次数
	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		return StatusSkipped, cause
	}
	kind, retryable := util.ClassifyError(cause)

	attempts := reply.Attempts + 1
	log = log.With(
		zap.Int("attempt", attempts),
		zap.String("error_type", string(kind)),
		zap.Error(cause),
	)

	if !retryable || attempts >= d.cfg.MaxAttempts {
		if err := d.replies.MarkFailed(ctx, reply.ID, cause.Error()); err != nil && !errors.Is(err, model.ErrReplyNotPending) {
			log.Error("Failed to mark reply failed", zap.NamedError("store_error", err))
		}
		log.Error("Reply dispatch failed permanently")
		return StatusFailed, cause
	}

	next := d.now().Add(time.Duration(attempts) * d.cfg.Backoff)
	if err := d.replies.Reschedule(ctx, reply.ID, next, cause.Error()); err != nil && !errors.Is(err, model.ErrReplyNotPending) {
		log.Error("Failed to reschedule reply", zap.NamedError("store_error", err))
	}
	log.Warn("Reply dispatch failed, rescheduled", zap.Time("next_due_at", next))
	return StatusRescheduled, cause
}
