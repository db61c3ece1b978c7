package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/config"
	"github.com/healthportal/reminders/internal/domain/dispatch"
	"github.com/healthportal/reminders/internal/domain/reminder"
	"github.com/healthportal/reminders/internal/platform/db"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/lock"
	"github.com/healthportal/reminders/internal/platform/notification"
	"github.com/healthportal/reminders/internal/platform/telemetry"
	"github.com/healthportal/reminders/internal/platform/webhook"
)

const lockPrefix = "reminders:lock:"

// app holds the wired engine shared by the server and the one-shot commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    reminder.Store
	storeDB  db.Pinger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	registry *delivery.Registry

	service *reminder.Service
	engine  *dispatch.Engine
	metrics *telemetry.Metrics

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = lock.NewRedisLocker(rdb, lockPrefix, cfg.LockTTL, logger)
		logger.Info().Msg("using redis reminder locks")
	}

	a.registry = buildRegistry(cfg, logger)
	if len(a.registry.Channels()) == 0 {
		logger.Warn().Msg("no delivery channels configured; every dispatch will fail validation")
	} else {
		logger.Info().Strs("channels", a.registry.Channels()).Msg("delivery channels registered")
	}

	orchestrator := delivery.NewOrchestrator(a.registry, a.store, logger)
	orchestrator.SetPacer(delivery.NewPacer(cfg.DispatchPacing))
	templates := notification.NewTemplateEngine()

	coordinator := dispatch.NewCoordinator(a.store, locker, orchestrator, templates, logger)
	coordinator.SetHoldBackoff(cfg.DispatchErrorBackoff)
	monitor := dispatch.NewMonitor(a.store, locker, orchestrator, templates, dispatch.EscalationConfig{
		DefaultDelay:   cfg.EscalationDefaultDelay,
		DefaultChannel: cfg.EscalationDefaultChannel,
		Lookback:       cfg.EscalationLookback,
		BatchSize:      cfg.DispatchBatchSize,
		RetryAfter:     cfg.EscalationRetryAfter,
	}, logger)
	a.engine = dispatch.NewEngine(a.store, coordinator, monitor, cfg.DispatchBatchSize, logger)
	a.metrics = telemetry.NewMetrics()
	a.engine.SetObserver(dispatchMetrics{m: a.metrics})

	a.service = reminder.NewService(a.store, locker, logger)
	a.service.SetChannelChecker(a.registry)
	a.service.SetStatusLookup(a.registry)
	a.service.SetDefaultTimezone(cfg.DefaultTimezone)

	return a, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		Schema:         cfg.DBSchema,
		ConnectTimeout: cfg.DBConnectTimeout,
	}
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, poolConfig(a.cfg))
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = reminder.NewStorePG(pool)
		a.storeDB = pool
		a.logger.Info().Msg("connected to database")
	case config.StoreSQLite:
		s, err := reminder.NewSQLiteStore(a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.store = s
		a.storeDB = s
		a.logger.Info().Str("path", a.cfg.SQLitePath).Msg("opened sqlite store")
	case config.StoreMemory:
		a.store = reminder.NewMemoryStore()
		a.storeDB = db.PingFunc(func(context.Context) error { return nil })
		a.logger.Warn().Msg("using in-memory store; reminders are lost on restart")
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", a.cfg.StoreDriver)
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// buildRegistry registers a provider sender for every channel that has
// credentials. With DELIVERY_LOG_ONLY the remaining built-in channels get a
// LogSender.
func buildRegistry(cfg *config.Config, logger zerolog.Logger) *delivery.Registry {
	r := delivery.NewRegistry()

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		twilio := delivery.TwilioConfig{
			AccountSID:     cfg.TwilioAccountSID,
			AuthToken:      cfg.TwilioAuthToken,
			FromNumber:     cfg.TwilioPhoneNumber,
			WhatsAppNumber: cfg.TwilioWhatsAppNumber,
			CountryCode:    cfg.DefaultCountryCode,
			Timeout:        cfg.SenderTimeout,
		}
		if cfg.TwilioPhoneNumber != "" {
			r.Register(delivery.ChannelSMS, delivery.NewTwilioSMS(twilio))
		}
		if cfg.TwilioWhatsAppNumber != "" {
			r.Register(delivery.ChannelWhatsApp, delivery.NewTwilioWhatsApp(twilio))
		}
	}
	if cfg.ResendAPIKey != "" {
		r.Register(delivery.ChannelEmail, delivery.NewEmailSender(cfg.ResendAPIKey, cfg.EmailFrom))
	}
	if cfg.PushoverToken != "" {
		r.Register(delivery.ChannelPush, delivery.NewPushoverSender(cfg.PushoverToken, cfg.SenderTimeout))
	}
	if cfg.TelegramBotToken != "" {
		r.Register(delivery.ChannelTelegram, delivery.NewTelegramSender(cfg.TelegramBotToken, cfg.SenderTimeout))
	}
	if cfg.WebhookURL != "" {
		s, err := webhook.NewSender(cfg.WebhookURL, cfg.WebhookSecret, cfg.SenderTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("webhook channel disabled")
		} else {
			r.Register(webhook.Channel, s)
		}
	}

	if cfg.DeliveryLogOnly {
		for _, ch := range []string{
			delivery.ChannelSMS, delivery.ChannelWhatsApp, delivery.ChannelEmail,
			delivery.ChannelPush, delivery.ChannelTelegram,
		} {
			if !r.Supports(ch) {
				r.Register(ch, delivery.NewLogSender(ch, logger))
			}
		}
	}
	return r
}
