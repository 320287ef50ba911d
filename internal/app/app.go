// Package app wires together all dependencies and runs the identity service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/identity/internal/auth"
	"github.com/utafrali/identity/internal/config"
	handler "github.com/utafrali/identity/internal/handler/http"
	"github.com/utafrali/identity/internal/idempotency"
	"github.com/utafrali/identity/internal/outbox"
	"github.com/utafrali/identity/internal/repository/postgres"
	redisrepo "github.com/utafrali/identity/internal/repository/redis"
	"github.com/utafrali/identity/internal/saga"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/internal/workflow"
	"github.com/utafrali/identity/migrations"
	"github.com/utafrali/identity/pkg/database"
	"github.com/utafrali/identity/pkg/health"
	pkgkafka "github.com/utafrali/identity/pkg/kafka"
	"github.com/utafrali/identity/pkg/tracing"
)

// App wires together all dependencies and runs the identity service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	producer       *pkgkafka.Producer
	orchestrator   *saga.Orchestrator
	relay          *outbox.Relay
	sweeper        *idempotency.Sweeper
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "identity",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELExporterEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTELExporterEndpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.DefaultPostgresConfig()
	pgCfg.Host = cfg.PostgresHost
	pgCfg.Port = cfg.PostgresPort
	pgCfg.User = cfg.PostgresUser
	pgCfg.Password = cfg.PostgresPass
	pgCfg.DBName = cfg.PostgresDB
	pgCfg.SSLMode = cfg.PostgresSSL

	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "identity")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Initialize Redis for the idempotency cache.
	redisHost, redisPort, err := splitAddr(cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis address %q: %w", cfg.RedisAddr, err)
	}
	redisClient, err := database.NewRedisClient(ctx, database.RedisConfig{
		Host:     redisHost,
		Port:     redisPort,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("addr", cfg.RedisAddr))

	// Initialize Kafka producer.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	sagaStates := postgres.NewSagaStateRepository(pool)
	accounts := postgres.NewAccountRepository(pool)
	profiles := postgres.NewProfileRepository(pool)
	sessions := postgres.NewSessionRepository(pool)
	devices := postgres.NewDeviceRepository(pool)
	outboxEvents := postgres.NewOutboxRepository(pool)
	deadLetters := postgres.NewDeadLetterRepository(pool)
	idempotencyRecords := postgres.NewIdempotencyRepository(pool)
	idempotencyCache := redisrepo.NewIdempotencyCache(redisClient, cfg.IdempotencyCacheTTL, cfg.IdempotencyLockTTL)

	orchestrator := saga.NewOrchestrator(sagaStates, pool, logger, cfg.SagaTimeout)
	registration := workflow.NewRegistration(accounts, profiles, outboxEvents, cfg.SagaTimeout, cfg.EventMaxRetries)
	deletion := workflow.NewDeletion(accounts, profiles, sessions, devices, outboxEvents, cfg.SagaTimeout, cfg.EventMaxRetries)
	orchestrator.Register(registration.Definition())
	orchestrator.Register(deletion.Definition())

	relay := outbox.NewRelay(outboxEvents, deadLetters, producer, logger, outbox.RelayConfig{
		PollInterval:    cfg.RelayPollInterval,
		BatchSize:       cfg.RelayBatchSize,
		BaseRetryDelay:  cfg.RelayBaseRetryDelay,
		Retention:       cfg.RelayRetention,
		CleanupInterval: cfg.RelayCleanupInterval,
		Source:          "identity",
	})

	guard := idempotency.NewGuard(idempotencyCache, idempotencyRecords, logger, idempotency.Config{
		RecordTTL: cfg.IdempotencyRecordTTL,
		FailOpen:  cfg.IdempotencyFailOpen,
	})
	sweeper := idempotency.NewSweeper(idempotencyRecords, logger, cfg.IdempotencySweepInterval)

	accountService := service.NewAccountService(orchestrator, sagaStates, accounts, outboxEvents, logger, cfg.EventMaxRetries)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	// A down broker only degrades readiness: the outbox keeps queueing and
	// the relay catches up once Kafka returns.
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	router := handler.NewRouter(handler.RouterDeps{
		AccountService:  accountService,
		DeadLetters:     deadLetters,
		OutboxEvents:    outboxEvents,
		Guard:           guard,
		Verifier:        verifier,
		Health:          healthHandler,
		Logger:          logger,
		EventMaxRetries: cfg.EventMaxRetries,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redisClient:    redisClient,
		producer:       producer,
		orchestrator:   orchestrator,
		relay:          relay,
		sweeper:        sweeper,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the background workers and the HTTP server, then blocks until
// the context is canceled. Saga recovery runs before the server accepts
// traffic so sagas stranded by a previous process reach a terminal status.
func (a *App) Run(ctx context.Context) error {
	recoverCtx, recoverCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.orchestrator.Recover(recoverCtx); err != nil {
		a.logger.Error("saga recovery failed", slog.String("error", err.Error()))
	}
	recoverCancel()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		a.relay.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		a.relay.RunCleanup(workerCtx)
	}()
	go func() {
		defer workers.Done()
		a.sweeper.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		stopWorkers()
		workers.Wait()
		return err
	}

	stopWorkers()
	workers.Wait()
	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka producer (flush pending messages)
// 4. Redis client
// 5. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Close Kafka producer. The relay has already stopped, so nothing new
	// is in flight.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 4. Close Redis client.
	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// splitAddr parses a host:port address.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
