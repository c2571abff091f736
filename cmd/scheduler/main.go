package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ezreply/internal/ai"
	"ezreply/internal/classifier"
	"ezreply/internal/config"
	"ezreply/internal/httpserver"
	"ezreply/internal/repository"
	"ezreply/internal/responder"
	"ezreply/internal/service/dispatch"
	"ezreply/internal/service/ingest"
	"ezreply/internal/service/reminder"
	"ezreply/internal/transport"
	"ezreply/pkg/db"
	"ezreply/pkg/logger"
	"ezreply/pkg/mq"
	"ezreply/pkg/otel"
	"ezreply/pkg/outbox"
	redisclient "ezreply/pkg/redis"
	"ezreply/pkg/secret"
	"ezreply/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger 依赖配置中的 level，这里只能用默认 logger
		logger.NewLogger().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting ezreply scheduler...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.Bool("mq_enabled", cfg.MQ.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry
	shutdownTracing, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	if err := db.Migrate(ctx, dbConn); err != nil {
		log.Fatal("Failed to migrate schema", zap.Error(err))
	}
	log.Info("Database connection established successfully")

	// Redis（可选）：跨进程的 send-once 保护
	var dispatchOpts []dispatch.Option
	var reminderOpts []reminder.Option
	if cfg.Redis.Enabled {
		rdb, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		defer rdb.Close()
		deduper := util.NewDeduperWithLogger(rdb, cfg.Dispatcher.SendOnceTTL(), log)
		dispatchOpts = append(dispatchOpts, dispatch.WithSendGuard(deduper))
		reminderOpts = append(reminderOpts, reminder.WithSendGuard(deduper))
		log.Info("Redis send-once guard enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// MQ Publisher（可选）
	var publisher outbox.Publisher = outbox.LogPublisher{Logger: log}
	if cfg.MQ.Enabled {
		mqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer mqPublisher.Close()
		publisher = mqPublisher
	}

	var cipher secret.Cipher = secret.Plain{}
	if cfg.Secret.KeyHex != "" {
		xc, err := secret.NewXChaCha(cfg.Secret.KeyHex)
		if err != nil {
			log.Fatal("Invalid secret key", zap.Error(err))
		}
		cipher = xc
	} else {
		log.Warn("SECRET_KEY_HEX not set, mailbox passwords are stored in plain text")
	}

	// Repositories
	accountRepo := repository.NewAccountRepository(dbConn, cipher)
	conversationRepo := repository.NewConversationRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn)
	replyRepo := repository.NewReplyRepository(dbConn)
	reminderRepo := repository.NewReminderRepository(dbConn)
	outboxRepo := outbox.NewRepository(dbConn)

	// AI
	aiClient := ai.NewClient(cfg.AI, log)
	cls := classifier.New(aiClient, log)
	gen := responder.New(aiClient)

	// Ingest
	pipeline := ingest.NewPipeline(conversationRepo, messageRepo, replyRepo, cls, log,
		ingest.WithReplyReminderAfter(cfg.Reminders.ReplyReminderAfter()),
	)
	poller := ingest.NewPoller(accountRepo, accountRepo, ingest.IMAPDialer(cfg.Poller.IMAPTimeout()), pipeline, ingest.PollerConfig{
		Interval:    cfg.Poller.Interval(),
		Concurrency: cfg.Poller.Concurrency,
		BatchSize:   cfg.Poller.BatchSize,
	}, log)

	// Dispatch
	sender := transport.NewSMTPSender(cfg.Dispatcher.SMTPTimeout())
	dispatcher := dispatch.New(replyRepo, conversationRepo, accountRepo, messageRepo, gen, sender, dispatch.Config{
		Interval:      cfg.Dispatcher.Interval(),
		BatchSize:     cfg.Dispatcher.BatchSize,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		Backoff:       cfg.Dispatcher.Backoff(),
		FollowUpAfter: cfg.Reminders.FollowUpAfter(),
	}, log, dispatchOpts...)

	// Reminders
	notifier := transport.NewMailNotifier(sender, cfg.Notifier)
	reminders, err := reminder.New(reminderRepo, conversationRepo, accountRepo, messageRepo, notifier, reminder.Config{
		Cron:      cfg.Reminders.Cron,
		BatchSize: cfg.Reminders.BatchSize,
	}, log, reminderOpts...)
	if err != nil {
		log.Fatal("Failed to init reminder engine", zap.Error(err))
	}

	// Outbox
	outboxDispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval()).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	replayer := outbox.NewReplayService(outboxRepo)

	var wg sync.WaitGroup
	for name, start := range map[string]func(context.Context){
		"poller":     poller.Start,
		"dispatcher": dispatcher.Start,
		"reminders":  reminders.Start,
		"outbox":     outboxDispatcher.Start,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Starting background loop", zap.String("loop", name))
			start(ctx)
			log.Info("Background loop stopped", zap.String("loop", name))
		}()
	}

	// HTTP Server
	if cfg.JWT.Secret == "" {
		log.Warn("JWT_SECRET not set, admin endpoints will reject every request")
	}
	admin := httpserver.NewAdminHandler(poller, dispatcher, reminders, replayer, log)
	router := httpserver.NewRouter(admin, cfg.JWT.Secret, dbConn, log)
	srv := router.Server(cfg.Addr())

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("ezreply scheduler is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ezreply scheduler gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 等待正在进行的 sweep 收尾
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Background loops did not stop before shutdown timeout")
	}

	shutdownTracing(shutdownCtx)
	log.Info("ezreply scheduler shutdown complete")
}
