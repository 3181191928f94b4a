package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/db"
)

type PgLedger struct {
	db db.DBTX
}

func NewPgLedger(conn db.DBTX) *PgLedger {
	return &PgLedger{db: conn}
}

// Reserve inserts the hold row; the primary key on
// (doctor_id, slot_date, slot_time) makes a concurrent second insert a no-op.
func (l *PgLedger) Reserve(ctx context.Context, slot Slot, holder uuid.UUID) error {
	tag, err := l.db.Exec(ctx, `
		INSERT INTO doctor_slots (doctor_id, slot_date, slot_time, appointment_id, reserved_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (doctor_id, slot_date, slot_time) DO NOTHING
	`, slot.DoctorID, slot.Date, slot.Time, holder)
	if err != nil {
		return fmt.Errorf("reserve slot %s: %w", slot, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotTaken
	}
	return nil
}

func (l *PgLedger) Release(ctx context.Context, slot Slot, holder uuid.UUID) error {
	_, err := l.db.Exec(ctx, `
		DELETE FROM doctor_slots
		WHERE doctor_id = $1
		  AND slot_date = $2
		  AND slot_time = $3
		  AND appointment_id = $4
	`, slot.DoctorID, slot.Date, slot.Time, holder)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", slot, err)
	}
	return nil
}

func (l *PgLedger) Booked(ctx context.Context, doctorID uuid.UUID) (map[string][]string, error) {
	rows, err := l.db.Query(ctx, `
		SELECT slot_date, slot_time
		FROM doctor_slots
		WHERE doctor_id = $1
		ORDER BY slot_date, slot_time
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load booked slots: %w", err)
	}
	defer rows.Close()

	booked := make(map[string][]string)
	for rows.Next() {
		var date, t string
		if err := rows.Scan(&date, &t); err != nil {
			return nil, err
		}
		booked[date] = append(booked[date], t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return booked, nil
}

// StaleHolds lists holds whose appointment was cancelled, or whose
// appointment row never appeared and that were reserved before orphanedBefore.
func (l *PgLedger) StaleHolds(ctx context.Context, orphanedBefore time.Time, limit int) ([]Hold, error) {
	rows, err := l.db.Query(ctx, `
		SELECT s.doctor_id, s.slot_date, s.slot_time, s.appointment_id, s.reserved_at
		FROM doctor_slots s
		LEFT JOIN appointments a ON a.id = s.appointment_id
		WHERE a.status = 'cancelled'
		   OR (a.id IS NULL AND s.reserved_at < $1)
		ORDER BY s.reserved_at
		LIMIT $2
	`, orphanedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale holds: %w", err)
	}
	defer rows.Close()

	var result []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.DoctorID, &h.Date, &h.Time, &h.AppointmentID, &h.ReservedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
