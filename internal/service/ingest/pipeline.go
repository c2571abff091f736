package ingest

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"ezreply/internal/classifier"
	"ezreply/internal/dedup"
	"ezreply/internal/model"
	"ezreply/internal/scheduler"
	"ezreply/pkg/logger"
	"ezreply/pkg/metrics"
	"ezreply/pkg/util"
)

// Outcome 单封邮件的处理结果
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeNotActionable Outcome = "not_actionable"
	OutcomeFailed        Outcome = "failed"
)

type ConversationStore interface {
	FindOrCreate(ctx context.Context, account model.MailboxAccount, counterpart string) (model.Conversation, error)
}

type MessageStore interface {
	InsertInbound(ctx context.Context, msg *model.InboundMessage) (bool, error)
	MarkProcessed(ctx context.Context, id int64) error
	// FindUnscheduled 找回上次落库后中断、还没有计划回复的邮件
	FindUnscheduled(ctx context.Context, hash string, messageID *string) (model.InboundMessage, bool, error)
	RecentTurns(ctx context.Context, conversationID, excludeInboundID int64, limit int) ([]model.Turn, error)
}

type ReplyScheduler interface {
	Schedule(ctx context.Context, reply *model.ScheduledReply, reminder *model.Reminder) (bool, error)
}

type Classifier interface {
	Classify(ctx context.Context, body string, history []model.Turn) model.Classification
}

// Result Process 的返回
type Result struct {
	Outcome   Outcome
	InboundID int64
	ReplyID   int64
	DueAt     time.Time
	Reason    string
	Err       error
}

// Pipeline 去重、落库、分类、计算延迟、写入计划回复
type Pipeline struct {
	conversations ConversationStore
	messages      MessageStore
	replies       ReplyScheduler
	classifier    Classifier
	guard         *dedup.Guard
	logger        *zap.Logger

	now                func() time.Time
	rngMu              sync.Mutex
	rng                *rand.Rand
	replyReminderAfter time.Duration
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(p *Pipeline) { p.rng = rng }
}

func WithGuard(g *dedup.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithReplyReminderAfter merchant 会话入站后多久提醒主人回复
func WithReplyReminderAfter(d time.Duration) Option {
	return func(p *Pipeline) { p.replyReminderAfter = d }
}

func NewPipeline(
	conversations ConversationStore,
	messages MessageStore,
	replies ReplyScheduler,
	cls Classifier,
	logger *zap.Logger,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		conversations:      conversations,
		messages:           messages,
		replies:            replies,
		classifier:         cls,
		guard:              dedup.NewGuard(),
		logger:             logger,
		now:                time.Now,
		rng:                rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		replyReminderAfter: 4 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process 处理一封已解析的邮件
// 只有 OutcomeAccepted 的邮件需要在 IMAP 上标记 \Seen
func (p *Pipeline) Process(ctx context.Context, account model.MailboxAccount, msg model.ParsedMessage) Result {
	log := logger.WithTrace(ctx, p.logger).With(
		zap.Int64("account_id", account.ID),
		zap.Uint32("uid", msg.UID),
		zap.String("message_id", msg.MessageID),
	)

	hash := dedup.ContentHash(msg.From, msg.To, msg.Subject, msg.BodyText)
	keys := []string{"hash:" + hash}
	if msg.MessageID != "" {
		keys = append(keys, "mid:"+msg.MessageID)
	}
	release, ok := p.guard.TryAcquire(keys...)
	if !ok {
		log.Debug("Message already in flight")
		return p.finish(Result{Outcome: OutcomeDuplicate, Reason: "in_flight"})
	}
	defer release()

	counterpart := normalizeAddress(msg.From)
	reason := senderNotActionable(account, msg, counterpart)

	var conv *model.Conversation
	if reason == "" {
		c, err := p.conversations.FindOrCreate(ctx, account, counterpart)
		if err != nil {
			log.Error("Failed to resolve conversation", zap.Error(err))
			return p.finish(Result{Outcome: OutcomeFailed, Err: err})
		}
		conv = &c
		if !c.Active() {
			reason = "conversation_inactive"
		}
	}

	inbound := &model.InboundMessage{
		AccountID:   account.ID,
		ContentHash: hash,
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		Body:        msg.BodyText,
		BodyHTML:    msg.BodyHTML,
	}
	if msg.MessageID != "" {
		mid := msg.MessageID
		inbound.MessageID = &mid
	}
	if conv != nil {
		id := conv.ID
		inbound.ConversationID = &id
	}

	inserted, err := p.messages.InsertInbound(ctx, inbound)
	if err != nil {
		log.Error("Failed to persist inbound message", zap.Error(err))
		return p.finish(Result{Outcome: OutcomeFailed, Err: err})
	}
	if !inserted {
		stored, found, err := p.messages.FindUnscheduled(ctx, hash, inbound.MessageID)
		if err != nil {
			log.Error("Failed to look up stored inbound message", zap.Error(err))
			return p.finish(Result{Outcome: OutcomeFailed, Err: err})
		}
		if !found {
			log.Debug("Duplicate inbound message")
			return p.finish(Result{Outcome: OutcomeDuplicate, Reason: "stored"})
		}
		log.Info("Resuming stalled inbound message", zap.Int64("inbound_id", stored.ID))
		inbound = &stored
		// 落库时已把本封计入 last_inbound_at
		if conv != nil && conv.LastInboundAt != nil && !conv.LastInboundAt.After(stored.CreatedAt) {
			conv.LastInboundAt = nil
		}
	}

	if reason != "" {
		if err := p.messages.MarkProcessed(ctx, inbound.ID); err != nil {
			log.Error("Failed to mark non-actionable message processed", zap.Error(err))
			return p.finish(Result{Outcome: OutcomeFailed, InboundID: inbound.ID, Err: err})
		}
		log.Info("Message is not actionable", zap.String("reason", reason))
		return p.finish(Result{Outcome: OutcomeNotActionable, InboundID: inbound.ID, Reason: reason})
	}

	history, err := p.messages.RecentTurns(ctx, conv.ID, inbound.ID, classifier.MaxPriorTurns)
	if err != nil {
		// 历史只是分类的参考
		log.Warn("Failed to load conversation history", zap.Error(err))
		history = nil
	}

	cls := p.classifier.Classify(ctx, msg.BodyText, history)

	now := p.now()
	plan := p.compute(scheduler.Input{
		Urgency:           cls.UrgencyLevel,
		Now:               now,
		LastInboundAt:     conv.LastInboundAt,
		MinDelay:          conv.MinDelay,
		MaxDelay:          conv.MaxDelay,
		Timezone:          conv.Timezone,
		WorkingHoursStart: conv.WorkingHoursStart,
		WorkingHoursEnd:   conv.WorkingHoursEnd,
	})
	metrics.RecordScheduledDelay(plan.DueAt.Sub(now), plan.Projected)

	reply := &model.ScheduledReply{
		ConversationID:   conv.ID,
		InboundMessageID: inbound.ID,
		DueAt:            plan.DueAt,
		Payload:          model.ReplyPayload{Classification: cls, Plan: plan},
	}
	var reminder *model.Reminder
	if conv.Kind == model.KindMerchant {
		reminder = &model.Reminder{
			ConversationID: conv.ID,
			Type:           model.ReminderReply,
			ScheduledFor:   now.Add(p.replyReminderAfter),
		}
	}

	created, err := p.replies.Schedule(ctx, reply, reminder)
	if err != nil {
		kind, _ := util.ClassifyError(err)
		log.Error("Failed to schedule reply",
			zap.Int64("inbound_id", inbound.ID),
			zap.String("error_type", string(kind)),
			zap.Error(err),
		)
		return p.finish(Result{Outcome: OutcomeFailed, InboundID: inbound.ID, Err: err})
	}
	if !created {
		// 另一个实例同时续做了这封
		log.Info("Reply already scheduled", zap.Int64("inbound_id", inbound.ID))
		return p.finish(Result{Outcome: OutcomeDuplicate, InboundID: inbound.ID, Reason: "scheduled"})
	}

	log.Info("Reply scheduled",
		zap.Int64("inbound_id", inbound.ID),
		zap.Int64("conversation_id", conv.ID),
		zap.Int("urgency", cls.UrgencyLevel),
		zap.Bool("fallback", cls.Fallback),
		zap.Time("due_at", plan.DueAt),
		zap.Bool("projected", plan.Projected),
	)
	return p.finish(Result{Outcome: OutcomeAccepted, InboundID: inbound.ID, ReplyID: reply.ID, DueAt: plan.DueAt})
}

func (p *Pipeline) compute(in scheduler.Input) model.DelayPlan {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return scheduler.Compute(in, p.rng)
}

func (p *Pipeline) finish(r Result) Result {
	metrics.IncrementInboundMessage(string(r.Outcome))
	return r
}

var noReplyPrefixes = []string{"noreply", "no-reply", "no_reply", "donotreply", "do-not-reply", "mailer-daemon", "postmaster"}

// senderNotActionable 只依赖邮件本身的原因，会话状态另算
func senderNotActionable(account model.MailboxAccount, msg model.ParsedMessage, from string) string {
	switch {
	case msg.AutoSubmitted:
		return "auto_submitted"
	case from == "":
		return "missing_sender"
	case strings.EqualFold(from, normalizeAddress(account.Address)):
		return "self_sent"
	}
	local, _, _ := strings.Cut(from, "@")
	for _, prefix := range noReplyPrefixes {
		if strings.HasPrefix(local, prefix) {
			return "no_reply_sender"
		}
	}
	return ""
}

// normalizeAddress "Name <A@B.com>" -> "a@b.com"
func normalizeAddress(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(v); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(v, "<>"))
}
