package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/identity"
	"github.com/hackgods/clinic-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	PatientLimit int
	DoctorLimit  int
	Days         int
	SlotsPerDay  int
	PostgresDSN  string
	JWTSecret    string
}

type patient struct {
	ID    uuid.UUID
	Token string
}

type booked struct {
	ID    uuid.UUID
	Token string
}

// DataPool holds the actors and the slot space the workers draw from. The
// slot space is kept small so bookings collide.
type DataPool struct {
	Patients []patient
	Doctors  []uuid.UUID
	Dates    []string
	Times    []string

	mu           sync.Mutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

// TakeAppointment removes and returns a random booked appointment.
func (dp *DataPool) TakeAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	idx := rng.Intn(len(dp.appointments))
	b := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return b, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[len(latencies)*95/100]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type Metrics struct {
	Booking     OperationMetrics
	Cancel      OperationMetrics
	ListDoctors OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  *zap.Logger
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(getEnv("LOG_LEVEL", "info"), "prod")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking_ratio", cfg.BookingRatio),
		zap.Float64("cancel_ratio", cfg.CancelRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data pool loaded",
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("doctors", len(dataPool.Doctors)),
		zap.Int("slots", len(dataPool.Doctors)*len(dataPool.Dates)*len(dataPool.Times)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	sim.Run()
	sim.PrintReport()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCheck()
	if ok := checkInvariants(checkCtx, pgPool); !ok {
		os.Exit(2)
	}
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, err
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.6),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.25),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.15),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 3),
		Days:         getInt("SIM_DAYS", 2),
		SlotsPerDay:  getInt("SIM_SLOTS_PER_DAY", 4),
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    baseCfg.JWTSecret,
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.JWTSecret == "" {
		return SimConfig{}, fmt.Errorf("JWT_SECRET is required to mint patient tokens")
	}
	if cfg.Workers <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DURATION must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	patientIDs, err := loadIDs(ctx, pool, `SELECT id FROM patients ORDER BY created_at LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for _, id := range patientIDs {
		token, err := api.SignToken(cfg.JWTSecret, identity.Actor{ID: id, Role: identity.RolePatient}, cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		dataPool.Patients = append(dataPool.Patients, patient{ID: id, Token: token})
	}

	dataPool.Doctors, err = loadIDs(ctx, pool, `SELECT id FROM doctors WHERE available ORDER BY name LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no available doctors loaded, run cmd/seed first")
	}

	start := time.Now().AddDate(0, 0, 1)
	for d := 0; d < cfg.Days; d++ {
		dataPool.Dates = append(dataPool.Dates, start.AddDate(0, 0, d).Format("2006-01-02"))
	}
	for i := 0; i < cfg.SlotsPerDay; i++ {
		at := time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * 30 * time.Minute)
		dataPool.Times = append(dataPool.Times, at.Format("15:04"))
	}
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				s.doListDoctors(ctx)
			}
		}
	}
}

type envelope struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Appointment struct {
		ID uuid.UUID `json:"_id"`
	} `json:"appointment"`
}

func (s *Simulator) post(ctx context.Context, path, token string, body any) (int, envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, envelope{}, err
	}
	defer resp.Body.Close()

	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	body := map[string]string{
		"docId":    s.pool.Doctors[rng.Intn(len(s.pool.Doctors))].String(),
		"slotDate": s.pool.Dates[rng.Intn(len(s.pool.Dates))],
		"slotTime": s.pool.Times[rng.Intn(len(s.pool.Times))],
	}

	start := time.Now()
	status, env, err := s.post(ctx, "/api/user/book-appointment", p.Token, body)
	latency := time.Since(start)
	if err != nil && ctx.Err() != nil {
		return
	}

	success := err == nil && status == http.StatusCreated
	conflict := err == nil && status == http.StatusBadRequest && env.Message == "Slot not available"
	if success && env.Appointment.ID != uuid.Nil {
		s.pool.AddAppointment(booked{ID: env.Appointment.ID, Token: p.Token})
	}
	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _, err := s.post(ctx, "/api/user/cancel-appointment", b.Token, map[string]string{"appointmentId": b.ID.String()})
	latency := time.Since(start)
	if err != nil && ctx.Err() != nil {
		return
	}

	success := err == nil && status == http.StatusOK
	conflict := err == nil && status == http.StatusBadRequest
	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doListDoctors(ctx context.Context) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/api/doctor/list", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.ListDoctors.Record(latency, false, false)
		}
		return
	}
	resp.Body.Close()
	s.metrics.ListDoctors.Record(latency, resp.StatusCode == http.StatusOK, false)
}

// checkInvariants reports double bookings and ledger rows that disagree
// with the appointments table. It returns false if any slot has more than
// one live appointment.
func checkInvariants(ctx context.Context, pool *pgxpool.Pool) bool {
	var doubles int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT doctor_id, slot_date, slot_time
			FROM appointments
			WHERE status <> 'cancelled'
			GROUP BY doctor_id, slot_date, slot_time
			HAVING count(*) > 1
		) d
	`).Scan(&doubles)
	if err != nil {
		fmt.Printf("invariant check failed: %v\n", err)
		return false
	}

	var unheld, staleHolds int
	err = pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM appointments a
			 WHERE a.status <> 'cancelled'
			   AND NOT EXISTS (SELECT 1 FROM doctor_slots s WHERE s.appointment_id = a.id)),
			(SELECT count(*) FROM doctor_slots s
			 WHERE NOT EXISTS (SELECT 1 FROM appointments a WHERE a.id = s.appointment_id AND a.status <> 'cancelled'))
	`).Scan(&unheld, &staleHolds)
	if err != nil {
		fmt.Printf("ledger check failed: %v\n", err)
		return false
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INVARIANTS")
	fmt.Printf("  Slots with more than one live appointment: %d\n", doubles)
	fmt.Printf("  Live appointments without a ledger hold:   %d\n", unheld)
	fmt.Printf("  Ledger holds without a live appointment:   %d (released by slot-reconciler)\n", staleHolds)
	return doubles == 0 && unheld == 0
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List doctors", &s.metrics.ListDoctors)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
