package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/events"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/payment"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

var version = "dev"

func main() {
	os.Exit(serve())
}

// serve returns the process exit code so deferred cleanup, including the
// logger flush, runs before os.Exit.
func serve() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 1
	}
	if err := cfg.ValidateAPI(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("api-server stopped", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("amqp connection: %w", err)
		}
		defer conn.Close()
		amqpPublisher, err := events.NewAMQPPublisher(conn, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp publisher: %w", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
		logger.Info("publishing lifecycle events", zap.String("exchange", cfg.AMQPExchange))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewBookingMetrics(reg)

	rosterRepo := roster.NewPgRepository(pgPool)
	ledger := slots.NewPgLedger(pgPool)
	lifecycle := appointment.NewLifecycle(appointment.NewPgRepository(pgPool), ledger, publisher, m, logger, appointment.Policy{
		CompleteRequiresPayment: cfg.CompleteRequiresPayment,
		ReleaseAttempts:         cfg.ReleaseAttempts,
		ReleaseBackoff:          100 * time.Millisecond,
	})
	locker := redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, cfg.LockWait)
	bookingSvc := booking.NewService(rosterRepo, ledger, lifecycle, locker, m, logger)

	stripe := payment.NewStripeClient(cfg.StripeSecretKey, cfg.ProviderTimeout).
		WithBaseURL(cfg.StripeBaseURL).
		WithMetrics(m)
	reconciler := payment.NewReconciler(lifecycle, stripe, payment.ReconcilerConfig{
		FrontendOrigin: cfg.FrontendOrigin,
		Currency:       cfg.PaymentCurrency,
		MinorUnit:      cfg.CurrencyMinorUnit,
		Timeout:        cfg.ProviderTimeout,
	}, m, logger)
	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}
	webhook := payment.NewWebhookHandler(cfg.StripeWebhookSecret, reconciler, payment.NewProcessedStore(pgPool), logger)

	router := api.NewRouter(api.RouterConfig{
		Handlers: api.NewHandlers(bookingSvc, lifecycle, reconciler, logger),
		Health: api.NewHealthHandler(pgPool, api.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), cfg.Env, version),
		Webhook:            webhook,
		Metrics:            metrics.Handler(reg),
		Logger:             logger,
		JWTSecret:          cfg.JWTSecret,
		AllowedOrigins:     []string{cfg.FrontendOrigin},
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("api-server stopped cleanly")
	return nil
}
