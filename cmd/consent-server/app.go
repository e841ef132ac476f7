package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/access"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/domain/directory"
	"github.com/ehr/consent/internal/domain/handshake"
	"github.com/ehr/consent/internal/domain/token"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/hipaa"
	"github.com/ehr/consent/internal/platform/metrics"
	"github.com/ehr/consent/internal/platform/notification"
)

// app holds the wired services shared by the server and the admin commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	redis     redis.UniversalClient
	metrics   *metrics.Recorder
	dir       directory.Directory
	store     *consent.Store
	tokens    *token.Service
	queue     *notification.Queue
	processor *notification.Processor
	handshake *handshake.Service
	authz     *access.Authorizer
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, seedFile string) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewRecorder()}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}

	var (
		grants    consent.GrantRepository
		tokenRepo token.Repository
		jobs      notification.Repository
		tx        db.Transactor  = db.NoopTransactor{}
		audit     hipaa.AuditSink = hipaa.NewLogAuditSink(logger)
	)

	if cfg.InMemory() {
		mem := directory.NewMemoryDirectory()
		if seedFile != "" {
			if err := mem.LoadSeedFile(seedFile); err != nil {
				return nil, err
			}
			logger.Info().Str("file", seedFile).Msg("directory seeded")
		}
		a.dir = mem
		grants = consent.NewMemoryGrantRepository()
		tokenRepo = token.NewMemoryRepository()
		jobs = notification.NewMemoryRepository()
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		logger.Info().Msg("connected to database")

		enc, err := hipaa.NewFieldEncryptor(cfg.HIPAAEncryptionKey, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.dir = directory.NewDirectoryPG(pool)
		grants = consent.NewGrantRepoPG(pool, enc)
		tokenRepo = token.NewRepoPG(pool)
		jobs = notification.NewRepoPG(pool)
		tx = db.NewPoolTransactor(pool)
		audit = hipaa.MultiAuditSink{hipaa.NewPGAuditSink(pool), audit}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	a.store = consent.NewStore(grants, cfg.PendingRequestTTL, logger)
	a.tokens = token.NewService(tokenRepo, a.metrics, logger)
	a.queue = notification.NewQueue(jobs, node, notification.QueueConfig{
		MaxAttempts: cfg.NotifyMaxAttempts,
		Lease:       cfg.NotifyProcessingLease,
	}, a.metrics, logger)

	deliverer, requestChannel := a.deliverers()
	a.processor = notification.NewProcessor(a.queue, deliverer, notification.ProcessorConfig{
		DeliveryTimeout: cfg.NotifyDeliveryTimeout,
		Concurrency:     cfg.NotifyConcurrency,
	}, logger)

	a.handshake = handshake.NewService(handshake.Deps{
		Store:     a.store,
		Directory: a.dir,
		Tokens:    a.tokens,
		Queue:     a.queue,
		Templates: notification.NewTemplateEngine(),
		Tx:        tx,
		Audit:     audit,
		Metrics:   a.metrics,
	}, handshake.Config{
		MaxTimeWindowHours:  cfg.MaxTimeWindowHours,
		RequestChannel:      requestChannel,
		OrganizationChannel: organizationChannel(cfg),
	}, logger)
	a.authz = access.NewAuthorizer(a.store, a.dir, a.tokens, audit, a.metrics, logger)
	return a, nil
}

// deliverers routes each channel to a transport. Channels without a
// configured transport fall back to the log deliverer.
func (a *app) deliverers() (notification.Router, notification.Channel) {
	logDeliverer := notification.NewLogDeliverer(a.logger)
	router := notification.Router{
		notification.ChannelLog:   logDeliverer,
		notification.ChannelPush:  logDeliverer,
		notification.ChannelEmail: logDeliverer,
	}
	requestChannel := notification.ChannelLog

	if a.redis != nil {
		router[notification.ChannelPush] = notification.NewPushDeliverer(a.redis)
		requestChannel = notification.ChannelPush
	} else {
		a.logger.Warn().Msg("REDIS_URL not set; push notifications are logged only")
	}
	if a.cfg.SMTPEnabled() {
		router[notification.ChannelEmail] = notification.NewEmailDeliverer(notification.NewSMTPEmailSender(notification.SMTPConfig{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			Username: a.cfg.SMTPUsername,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
		}))
		requestChannel = notification.ChannelEmail
	}
	if a.cfg.WebhookEnabled() {
		router[notification.ChannelWebhook] = notification.NewWebhookDeliverer(a.cfg.NotifyWebhookURL, a.cfg.NotifyWebhookSecret, nil)
	}
	return router, requestChannel
}

func organizationChannel(cfg *config.Config) notification.Channel {
	if cfg.WebhookEnabled() {
		return notification.ChannelWebhook
	}
	return notification.ChannelPush
}

// healthChecks returns the readiness checks for the configured backends.
func (a *app) healthChecks() map[string]db.Check {
	checks := map[string]db.Check{}
	if a.pool != nil {
		checks["database"] = db.PoolCheck(a.pool)
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
