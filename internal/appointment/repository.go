package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAlreadyCancelled    = errors.New("appointment already cancelled")
	ErrAlreadyPaid         = errors.New("appointment already paid")
	ErrAlreadyCompleted    = errors.New("appointment already completed")
	ErrPaymentRequired     = errors.New("appointment must be paid before completion")
	ErrUnauthorized        = errors.New("not allowed to act on this appointment")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// Repository contains all DB interactions needed by the lifecycle.
//
// The conditional writes (Transition, MarkPaid, AttachPaymentSession) return
// ErrAppointmentNotFound when no row matched, whether because the id is
// unknown or because the status precondition failed.
type Repository interface {
	Create(ctx context.Context, a *Appointment) (*Appointment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, cancelledBy *string) (*Appointment, error)
	// MarkPaid moves a booked appointment to paid.
	MarkPaid(ctx context.Context, id uuid.UUID, sessionID string, details PaymentDetails) (*Appointment, error)
	// AttachPaymentSession records the session on a booked appointment.
	AttachPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAll(ctx context.Context, limit, offset int) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
