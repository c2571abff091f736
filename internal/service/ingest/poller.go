package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ezreply/internal/dedup"
	"ezreply/internal/mailbox"
	"ezreply/internal/model"
	"ezreply/pkg/logger"
	"ezreply/pkg/metrics"
	"ezreply/pkg/otel"
	"ezreply/pkg/trace"
	"ezreply/pkg/util"
)

// 账号轮询结果
const (
	StatusOK     = "ok"
	StatusBusy   = "busy"
	StatusFailed = "failed"
)

type AccountSource interface {
	ListActive(ctx context.Context) ([]model.MailboxAccount, error)
	Resolve(ctx context.Context, account model.MailboxAccount) (model.MailboxAccount, error)
}

// SyncMarkStore 保存每个账号已处理到的 UID
type SyncMarkStore interface {
	SyncMark(ctx context.Context, accountID int64) (model.SyncMark, error)
	SaveSyncMark(ctx context.Context, mark model.SyncMark) error
}

// Mailbox 一次已登录并选中 INBOX 的会话
type Mailbox interface {
	UIDValidity() uint32
	FetchUnseen(ctx context.Context, afterUID uint32, limit int) ([]mailbox.FetchedMessage, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

type DialFunc func(ctx context.Context, account model.MailboxAccount) (Mailbox, error)

// IMAPDialer 基于 internal/mailbox 的 DialFunc
func IMAPDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, account model.MailboxAccount) (Mailbox, error) {
		cl, err := mailbox.Dial(ctx, account, timeout)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}

// AccountResult 单个账号一次轮询的汇总
type AccountResult struct {
	AccountID     int64  `json:"account_id"`
	Address       string `json:"address"`
	Status        string `json:"status"`
	Fetched       int    `json:"fetched"`
	Accepted      int    `json:"accepted"`
	Duplicates    int    `json:"duplicates"`
	NotActionable int    `json:"not_actionable"`
	ParseFailures int    `json:"parse_failures"`
	Failed        int    `json:"failed"`
	Error         string `json:"error,omitempty"`
}

type PollerConfig struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

// Poller 按周期拉取所有 active 账号的未读邮件
type Poller struct {
	accounts AccountSource
	marks    SyncMarkStore
	dial     DialFunc
	pipeline *Pipeline
	guard    *dedup.Guard
	cfg      PollerConfig
	logger   *zap.Logger
}

func NewPoller(accounts AccountSource, marks SyncMarkStore, dial DialFunc, pipeline *Pipeline, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Poller{
		accounts: accounts,
		marks:    marks,
		dial:     dial,
		pipeline: pipeline,
		guard:    dedup.NewGuard(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start 阻塞运行直到 ctx 取消
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Mailbox poller started", zap.Duration("interval", p.cfg.Interval))
	for {
		if _, err := p.PollAll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Poll cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Mailbox poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollAll 并发轮询所有 active 账号，单个账号失败不影响其他账号
func (p *Poller) PollAll(ctx context.Context) ([]AccountResult, error) {
	ctx = trace.Ensure(ctx)
	ctx, span := otel.StartSpan(ctx, "mailbox.poll_all")
	log := logger.WithTrace(ctx, p.logger)

	accounts, err := p.accounts.ListActive(ctx)
	if err != nil {
		otel.End(span, err)
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}

	results := make([]AccountResult, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, account := range accounts {
		g.Go(func() error {
			results[i] = p.PollAccount(gctx, account)
			return nil
		})
	}
	_ = g.Wait()
	otel.End(span, nil)

	log.Info("Poll cycle completed", zap.Int("accounts", len(accounts)))
	return results, nil
}

// PollAccount 同一账号不会重叠执行，重叠时直接返回 busy
func (p *Poller) PollAccount(ctx context.Context, account model.MailboxAccount) AccountResult {
	res := AccountResult{AccountID: account.ID, Address: account.Address, Status: StatusOK}
	log := logger.WithTrace(ctx, p.logger).With(zap.Int64("account_id", account.ID))

	release, ok := p.guard.TryAcquire(fmt.Sprintf("account:%d", account.ID))
	if !ok {
		log.Info("Account poll already in progress, skipping")
		res.Status = StatusBusy
		metrics.IncrementMailboxPoll(res.Status)
		return res
	}
	defer release()

	ctx, span := otel.StartSpan(ctx, "mailbox.poll")
	err := p.pollAccount(ctx, account, &res, log)
	otel.End(span, err)
	if err != nil {
		kind, _ := util.ClassifyError(err)
		log.Error("Account poll failed", zap.String("error_type", string(kind)), zap.Error(err))
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	metrics.IncrementMailboxPoll(res.Status)
	return res
}

func (p *Poller) pollAccount(ctx context.Context, account model.MailboxAccount, res *AccountResult, log *zap.Logger) error {
	account, err := p.accounts.Resolve(ctx, account)
	if err != nil {
		return err
	}

	mb, err := p.dial(ctx, account)
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.Debug("Failed to close mailbox", zap.Error(err))
		}
	}()

	mark, err := p.marks.SyncMark(ctx, account.ID)
	if err != nil {
		return err
	}
	if validity := mb.UIDValidity(); mark.UIDValidity != validity {
		if mark.LastUID > 0 {
			log.Warn("UIDVALIDITY changed, resyncing INBOX",
				zap.Uint32("old", mark.UIDValidity), zap.Uint32("new", validity))
		}
		mark = model.SyncMark{AccountID: account.ID, UIDValidity: validity}
	}
	saved := mark

	fetched, err := mb.FetchUnseen(ctx, mark.LastUID, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	res.Fetched = len(fetched)

	// 第一封失败的邮件之后水位不再前进，下一轮从它开始重试
	advance := true
	for _, fm := range fetched {
		settled := true
		if fm.Err != nil {
			// 解析失败的邮件保持未读，不再重试
			res.ParseFailures++
			metrics.IncrementInboundMessage("parse_failure")
			log.Warn("Skipping unparseable message", zap.Uint32("uid", fm.UID), zap.Error(fm.Err))
		} else {
			r := p.pipeline.Process(ctx, account, fm.Message)
			switch r.Outcome {
			case OutcomeAccepted:
				res.Accepted++
				if err := mb.MarkSeen(ctx, fm.UID); err != nil {
					log.Warn("Failed to mark message seen", zap.Uint32("uid", fm.UID), zap.Error(err))
				}
			case OutcomeDuplicate:
				res.Duplicates++
			case OutcomeNotActionable:
				res.NotActionable++
			default:
				res.Failed++
				settled = false
			}
		}

		if advance && settled {
			mark.LastUID = fm.UID
		} else {
			advance = false
		}
		if ctx.Err() != nil {
			break
		}
	}

	if mark != saved {
		// 停机时也要把已处理的部分写回
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.marks.SaveSyncMark(sctx, mark); err != nil {
			log.Warn("Failed to save sync mark", zap.Uint32("last_uid", mark.LastUID), zap.Error(err))
		}
	}
	return ctx.Err()
}
