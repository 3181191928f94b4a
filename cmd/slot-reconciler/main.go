package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

const batchSize = 500

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("slot-reconciler starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("hold_grace", cfg.HoldGrace),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	ledger := slots.NewPgLedger(pgPool)
	m := metrics.NewBookingMetrics(nil)
	lifecycle := appointment.NewLifecycle(appointment.NewPgRepository(pgPool), ledger, nil, m, logger, appointment.Policy{
		CompleteRequiresPayment: cfg.CompleteRequiresPayment,
		ReleaseAttempts:         cfg.ReleaseAttempts,
	})
	// Reconciliation never takes the doctor lock, so no Redis connection.
	svc := booking.NewService(roster.NewPgRepository(pgPool), ledger, lifecycle, redisclient.NoopDoctorLocker{}, m, logger)

	// Run once at startup
	runOnce(rootCtx, logger, svc, ledger, cfg.HoldGrace)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping slot reconciler")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, svc, ledger, cfg.HoldGrace)
		}
	}
}

func runOnce(ctx context.Context, logger *zap.Logger, svc *booking.Service, ledger *slots.PgLedger, grace time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	released, err := svc.ReconcileHolds(runCtx, ledger, grace, batchSize)
	if err != nil {
		logger.Error("reconcile run error", zap.Error(err))
		return
	}
	logger.Info("reconcile run complete",
		zap.Int("released", released),
		zap.Duration("took", time.Since(start)),
	)
}
