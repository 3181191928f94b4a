package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
)

var specialities = []string{
	"General physician",
	"Gynecologist",
	"Dermatologist",
	"Pediatricians",
	"Neurologist",
	"Gastroenterologist",
}

var degrees = []string{"MBBS", "MD", "MS", "DNB"}

func main() {
	doctors := flag.Int("doctors", 20, "number of doctors to insert")
	patients := flag.Int("patients", 2000, "number of patients to insert")
	flag.Parse()

	_ = godotenv.Load()
	logger, err := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{})
	cancel()
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	if err := seedDoctors(context.Background(), logger, pool, faker, *doctors); err != nil {
		logger.Fatal("seed doctors", zap.Error(err))
	}
	if err := seedPatients(context.Background(), logger, pool, faker, *patients); err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}
	logger.Info("seed complete")
}

func seedDoctors(ctx context.Context, logger *zap.Logger, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	logger.Info("seeding doctors", zap.Int("count", count))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, email, speciality, degree, image, fee_amount, available, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		`,
			uuid.New(),
			"Dr. "+faker.Name(),
			faker.Email(),
			specialities[faker.Number(0, len(specialities)-1)],
			degrees[faker.Number(0, len(degrees)-1)],
			faker.URL(),
			int64(faker.Number(20, 150)*10),
			faker.Number(0, 9) > 0,
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	logger.Info("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, logger *zap.Logger, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	logger.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), faker.Name(), faker.Email(), faker.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		logger.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}
	return nil
}
