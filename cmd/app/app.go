package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"followup-engine/internal/cache"
	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/config"
	"followup-engine/internal/credit"
	"followup-engine/internal/dedup"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/events"
	"followup-engine/internal/mail"
	"followup-engine/internal/metrics"
	"followup-engine/internal/pattern"
	"followup-engine/internal/repo"
	"followup-engine/internal/scheduler"
	"followup-engine/internal/sender"
	"followup-engine/internal/sms"
	"followup-engine/internal/topup"
	"followup-engine/internal/wa"
	"followup-engine/migrations"
)

const (
	dedupPrefix     = "followup:dedup"
	lastCycleKey    = "followup:last_cycle"
	lastCycleTTL    = 7 * 24 * time.Hour
	defaultDedupTTL = 90 * 24 * time.Hour
)

// app holds the wired components shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	repository repo.Repository
	redis      *cache.Redis
	index      dedup.Index
	summaries  scheduler.SummaryStore
	publisher  events.Publisher
	tuning     config.TuningSource

	ledger    *credit.Ledger
	campaigns *campaign.Controller
	router    *sender.Router
	whatsapp  *wa.Client
	batcher   *dispatch.Batcher
	scheduler *scheduler.Scheduler
	topup     *topup.Handler

	closers []func() error
}

func bootstrap(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Registry(cfg.MetricsNamespace),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openRepository(ctx); err != nil {
		return nil, err
	}
	a.openRedis(ctx)
	if err := a.openPublisher(); err != nil {
		return nil, err
	}
	if err := a.loadTuning(); err != nil {
		return nil, err
	}

	a.ledger = credit.NewLedger(a.repository, logger, a.metrics)
	a.campaigns = campaign.NewController(a.repository, func() pattern.HolidayProvider {
		return a.tuning.Current().Holidays
	}, a.publisher, logger, a.metrics)
	a.ledger.Subscribe(a.campaigns)

	if err := a.registerSenders(ctx); err != nil {
		return nil, err
	}
	a.batcher = dispatch.NewBatcher(a.router, a.repository, a.index, logger, a.metrics)
	a.scheduler = scheduler.New(scheduler.Deps{
		Store:      a.repository,
		Ledger:     a.ledger,
		Index:      a.index,
		Dispatcher: a.batcher,
		Campaigns:  a.campaigns,
		Tuning:     a.tuning,
		Publisher:  a.publisher,
		Summaries:  a.summaries,
		Logger:     logger,
		Metrics:    a.metrics,
	})
	a.topup = topup.NewHandler(logger, a.metrics, cfg.TopupUsernameMD5, cfg.TopupPasswordMD5, a.ledger, a.index)
	return a, nil
}

func (a *app) openRepository(ctx context.Context) error {
	if a.cfg.DatabaseURL != "" {
		pg, err := repo.New(ctx, a.cfg.DatabaseURL, a.cfg.DatabaseSchema, a.logger)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		a.repository = pg
	} else {
		lite, err := repo.NewSQLite(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		a.repository = lite
	}
	a.closers = append(a.closers, func() error { a.repository.Close(); return nil })

	if err := a.repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrated")
	return nil
}

func (a *app) openRedis(ctx context.Context) {
	if a.cfg.RedisAddr == "" {
		a.logger.Info("redis not configured, using in-memory dedup index")
		a.index = dedup.NewMemoryIndex()
		a.summaries = &scheduler.MemorySummaries{}
		return
	}
	a.redis = cache.New(cache.Config{
		Addr:      a.cfg.RedisAddr,
		Password:  a.cfg.RedisPassword,
		DB:        a.cfg.RedisDB,
		UseTLS:    a.cfg.RedisTLS,
		OpTimeout: 3 * time.Second,
	}, a.logger)
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx); err != nil {
		a.logger.Warn("redis ping failed", "error", err)
	}
	ttl := a.cfg.DedupTTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	a.index = dedup.NewRedisIndex(a.redis, dedupPrefix, ttl)
	a.summaries = scheduler.NewRedisSummaries(a.redis, lastCycleKey, lastCycleTTL)
}

func (a *app) openPublisher() error {
	publishers := events.Multi{events.NewLogPublisher(a.logger)}
	if a.cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.logger)
		if err != nil {
			return fmt.Errorf("init amqp publisher: %w", err)
		}
		a.closers = append(a.closers, amqpPub.Close)
		publishers = append(publishers, amqpPub)
	}
	a.publisher = publishers
	return nil
}

func (a *app) loadTuning() error {
	if a.cfg.TuningFile == "" {
		a.tuning = config.Static(config.DefaultTuning())
		return nil
	}
	watcher, err := config.NewTuningWatcher(a.cfg.TuningFile, a.logger)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	a.tuning = watcher
	return nil
}

func (a *app) registerSenders(ctx context.Context) error {
	a.router = sender.NewRouter(a.logger, a.metrics)
	if a.cfg.SMSGatewayURL != "" {
		var receipts sms.ReceiptCache
		if a.redis != nil {
			receipts = a.redis
		}
		a.router.Register(channel.SMS, sms.New(sms.Config{
			BaseURL:  a.cfg.SMSGatewayURL,
			APIKey:   a.cfg.SMSAPIKey,
			SenderID: a.cfg.SMSSenderID,
			Timeout:  a.cfg.SMSTimeout,
		}, a.logger, a.metrics, receipts))
	}
	if a.cfg.SMTPHost != "" {
		a.router.Register(channel.Email, mail.New(mail.Config{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			Username: a.cfg.SMTPUsername,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
		}, a.logger, a.metrics))
	}
	if a.cfg.WhatsAppStorePath != "" {
		client, err := wa.New(ctx, wa.Config{
			StorePath: a.cfg.WhatsAppStorePath,
			LogLevel:  a.cfg.WhatsAppLogLevel,
			Metrics:   a.metrics,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		a.whatsapp = client
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		a.router.Register(channel.WhatsApp, client)
	}
	if len(a.router.Channels()) == 0 {
		a.logger.Warn("no channel senders configured, every delivery will fail")
	}
	return nil
}

// startWhatsApp connects the WhatsApp device when one is configured.
func (a *app) startWhatsApp(ctx context.Context) error {
	if a.whatsapp == nil {
		return nil
	}
	return a.whatsapp.Start(ctx)
}

func (a *app) dedupe(ctx context.Context, campaignID string) (int64, error) {
	return dedup.Coalesce(ctx, a.repository, a.index, campaignID)
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("failed closing resources", "error", err)
	}
}
