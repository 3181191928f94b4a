// Package slots is the single source of truth for per-doctor slot
// occupancy. A slot is held by exactly one appointment id; every
// reservation and release is an atomic conditional write keyed by
// (doctor, date, time).
package slots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotTaken   = errors.New("slot not available")
	ErrInvalidDate = errors.New("slot date must be YYYY-MM-DD")
	ErrInvalidTime = errors.New("slot time must be HH:MM or HH:MM AM/PM")
)

const DateLayout = "2006-01-02"

var timeLayouts = []string{"15:04", "03:04 PM", "3:04 PM"}

type Slot struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

func (s Slot) String() string {
	return fmt.Sprintf("%s@%s %s", s.DoctorID, s.Date, s.Time)
}

// Hold is a ledger row: the slot plus the appointment holding it.
type Hold struct {
	Slot
	AppointmentID uuid.UUID
	ReservedAt    time.Time
}

type Ledger interface {
	// Reserve fails with ErrSlotTaken if the slot is held.
	Reserve(ctx context.Context, slot Slot, holder uuid.UUID) error
	// Release frees the slot if holder still holds it. Releasing an
	// absent or foreign hold is a no-op.
	Release(ctx context.Context, slot Slot, holder uuid.UUID) error
	// Booked returns date -> held time strings for one doctor.
	Booked(ctx context.Context, doctorID uuid.UUID) (map[string][]string, error)
}

func ValidDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return ErrInvalidDate
	}
	return nil
}

func ValidTime(s string) error {
	_, err := NormalizeTime(s)
	return err
}

// NormalizeTime returns the 24-hour "15:04" form so "2:30 PM" and "14:30"
// name the same slot.
func NormalizeTime(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", ErrInvalidTime
}
