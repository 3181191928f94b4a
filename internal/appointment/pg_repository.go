package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-booking/internal/db"
)

type PgRepository struct {
	db db.DBTX
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{db: conn}
}

const appointmentColumns = `id, patient_id, doctor_id, slot_date, slot_time, amount,
	patient_snapshot, doctor_snapshot, status, payment_session_id, payment_details,
	cancelled_by, created_at, updated_at, paid_at, completed_at, cancelled_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a                       Appointment
		status                  string
		patientJSON, doctorJSON []byte
		detailsJSON             []byte
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotDate,
		&a.SlotTime,
		&a.Amount,
		&patientJSON,
		&doctorJSON,
		&status,
		&a.PaymentSessionID,
		&detailsJSON,
		&a.CancelledBy,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.PaidAt,
		&a.CompletedAt,
		&a.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	if err := json.Unmarshal(patientJSON, &a.Patient); err != nil {
		return nil, fmt.Errorf("decode patient snapshot: %w", err)
	}
	if err := json.Unmarshal(doctorJSON, &a.Doctor); err != nil {
		return nil, fmt.Errorf("decode doctor snapshot: %w", err)
	}
	if len(detailsJSON) > 0 {
		var d PaymentDetails
		if err := json.Unmarshal(detailsJSON, &d); err != nil {
			return nil, fmt.Errorf("decode payment details: %w", err)
		}
		a.PaymentDetails = &d
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a *Appointment) (*Appointment, error) {
	patientJSON, err := json.Marshal(a.Patient)
	if err != nil {
		return nil, fmt.Errorf("encode patient snapshot: %w", err)
	}
	doctorJSON, err := json.Marshal(a.Doctor)
	if err != nil {
		return nil, fmt.Errorf("encode doctor snapshot: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_date, slot_time, amount,
		                          patient_snapshot, doctor_snapshot, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'booked', now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, a.SlotDate, a.SlotTime, a.Amount, patientJSON, doctorJSON)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, cancelledBy *string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now(),
		    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN now() ELSE cancelled_at END,
		    cancelled_by = COALESCE($4, cancelled_by)
		WHERE id = $1
		  AND status = ANY($3)
		RETURNING `+appointmentColumns,
		id, string(to), statusStrings(from), cancelledBy)

	return scanAppointment(row)
}

func (r *PgRepository) MarkPaid(ctx context.Context, id uuid.UUID, sessionID string, details PaymentDetails) (*Appointment, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode payment details: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'paid',
		    payment_session_id = $2,
		    payment_details = $3,
		    paid_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
		RETURNING `+appointmentColumns,
		id, sessionID, detailsJSON)

	return scanAppointment(row)
}

func (r *PgRepository) AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET payment_session_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
		RETURNING `+appointmentColumns,
		id, sessionID)

	return scanAppointment(row)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListAll(ctx context.Context, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
