package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "evconnect/backend/libs/db"
	libredis "evconnect/backend/libs/redis"
	"evconnect/backend/services/charging-service/internal/auth"
	"evconnect/backend/services/charging-service/internal/config"
	httpserver "evconnect/backend/services/charging-service/internal/http"
	"evconnect/backend/services/charging-service/internal/http/handlers"
	"evconnect/backend/services/charging-service/internal/http/middleware"
	"evconnect/backend/services/charging-service/internal/lock"
	"evconnect/backend/services/charging-service/internal/metrics"
	"evconnect/backend/services/charging-service/internal/payment"
	"evconnect/backend/services/charging-service/internal/relay"
	"evconnect/backend/services/charging-service/internal/repository/postgres"
	"evconnect/backend/services/charging-service/internal/session"
	"evconnect/backend/services/charging-service/internal/telemetry"
	"evconnect/backend/services/charging-service/internal/webhook"
	"evconnect/backend/services/charging-service/internal/ws"
)

const lockPrefix = "charging:lock:"

// App wires charging-service dependencies.
type App struct {
	server      *httpserver.Server
	wsManager   *ws.Manager
	pool        *pgxpool.Pool
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := libdb.NewPostgresPool(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &App{pool: pool, logger: logger}

	var (
		locker lock.Locker
		dedupe webhook.Deduper
	)
	if cfg.RedisEnabled() {
		redisClient, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redisClient = redisClient
		locker = lock.NewRedisLocker(redisClient, lockPrefix, cfg.Redis.LockTTL, logger.Named("lock"))
		dedupe = webhook.NewRedisDeduper(redisClient, cfg.Redis.DedupeTTL)
	} else {
		logger.Info("redis not configured, using in-process locks and webhook dedupe")
		locker = lock.NewKeyedMutex()
		dedupe = webhook.NewMemoryDeduper(cfg.Redis.DedupeTTL)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(promRegistry)
	if err != nil {
		a.Close()
		return nil, err
	}

	store := postgres.NewStore(pool)
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	gateway, err := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:     cfg.Payment.StripeSecretKey,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Currency:      cfg.Payment.Currency,
		APIURL:        cfg.Payment.APIURL,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	payments := payment.NewClient(gateway, payment.ClientConfig{
		Timeout:        cfg.Payment.Timeout,
		CaptureRetries: cfg.Payment.CaptureRetries,
	}, logger.Named("payment"), collector)

	registry := relay.NewRegistry(logger.Named("relay"), collector)
	dispatcher := relay.NewDispatcher(registry, cfg.Relay.CommandTimeout, logger.Named("relay"), collector)
	recorder := telemetry.NewRecorder(store, store, logger.Named("telemetry"))
	hub := relay.NewHub(registry, dispatcher, recorder, logger.Named("relay"))
	wsManager := ws.NewManager(cfg.Relay.PingInterval, logger.Named("ws"))
	wsServer := ws.NewServer(wsManager, hub, tokens, store, cfg.Relay.WriteTimeout, logger.Named("ws"))

	orchestrator := session.NewOrchestrator(store, payments, dispatcher, locker, session.Config{
		MaxDurationMinutes: cfg.Session.MaxDurationMinutes,
		RequireDeviceAck:   cfg.Relay.RequireDeviceAck,
		LockWait:           cfg.Session.LockWait,
	}, logger.Named("session"), collector)
	reconciler := webhook.NewReconciler(gateway, store, dedupe, logger.Named("webhook"), collector)

	routes := httpserver.Routes{
		Sessions: handlers.NewSessionsHandlers(orchestrator, logger),
		WS:       wsServer.HandleWS,
		Webhook:  handlers.NewPaymentWebhookHandler(reconciler, logger.Named("webhook")),
		Health:   handlers.NewHealthHandler(),
	}
	if cfg.Metrics.Enabled {
		routes.Metrics = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	}

	router := httpserver.NewRouter(routes, middleware.AuthMiddleware(tokens), logger.Named("http"))
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)
	a.wsManager = wsManager
	return a, nil
}

// Run starts the HTTP server and the relay heartbeat; it returns when either stops.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		return a.wsManager.Start(gctx)
	})
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

// Migrate applies the Postgres schema and exits.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := libdb.NewPostgresPool(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.NewStore(pool).Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}
