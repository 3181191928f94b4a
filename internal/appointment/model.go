package appointment

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

type Status string

const (
	StatusBooked    Status = "booked"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusBooked: {StatusPaid, StatusCompleted, StatusCancelled},
	StatusPaid:   {StatusCompleted, StatusCancelled},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// rejectionFor is the error returned when a transition is refused because
// the appointment is already in status s.
func rejectionFor(s Status) error {
	switch s {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusPaid:
		return ErrAlreadyPaid
	}
	return ErrInvalidTransition
}

// PatientSnapshot and DoctorSnapshot are copied onto the appointment at
// booking time and never refreshed.
type PatientSnapshot struct {
	ID    uuid.UUID `json:"_id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Phone string    `json:"phone"`
	Image string    `json:"image"`
}

type DoctorSnapshot struct {
	ID         uuid.UUID `json:"_id"`
	Name       string    `json:"name"`
	Speciality string    `json:"speciality"`
	Degree     string    `json:"degree"`
	Image      string    `json:"image"`
	Fees       int64     `json:"fees"`
}

func SnapshotPatient(p *roster.Patient) PatientSnapshot {
	return PatientSnapshot{ID: p.ID, Name: p.Name, Email: p.Email, Phone: p.Phone, Image: p.Image}
}

func SnapshotDoctor(d *roster.Doctor) DoctorSnapshot {
	return DoctorSnapshot{
		ID:         d.ID,
		Name:       d.Name,
		Speciality: d.Speciality,
		Degree:     d.Degree,
		Image:      d.Image,
		Fees:       d.FeeAmount,
	}
}

// PaymentDetails is what the provider reported when the payment settled.
type PaymentDetails struct {
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	SlotDate         string
	SlotTime         string
	Amount           int64
	Patient          PatientSnapshot
	Doctor           DoctorSnapshot
	Status           Status
	PaymentSessionID *string
	PaymentDetails   *PaymentDetails
	CancelledBy      *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
}

func (a *Appointment) Slot() slots.Slot {
	return slots.Slot{DoctorID: a.DoctorID, Date: a.SlotDate, Time: a.SlotTime}
}

func (a *Appointment) Cancelled() bool { return a.Status == StatusCancelled }

func (a *Appointment) Completed() bool { return a.Status == StatusCompleted }

// Paid reports whether payment was received. A completed appointment that
// went through Paid keeps its session id.
func (a *Appointment) Paid() bool {
	return a.Status == StatusPaid || (a.Status == StatusCompleted && a.PaidAt != nil)
}

func (a *Appointment) HasSession(sessionID string) bool {
	return a.PaymentSessionID != nil && *a.PaymentSessionID == sessionID
}

type appointmentJSON struct {
	ID               uuid.UUID       `json:"_id"`
	PatientID        uuid.UUID       `json:"userId"`
	DoctorID         uuid.UUID       `json:"docId"`
	SlotDate         string          `json:"slotDate"`
	SlotTime         string          `json:"slotTime"`
	Amount           int64           `json:"amount"`
	Patient          PatientSnapshot `json:"userData"`
	Doctor           DoctorSnapshot  `json:"docData"`
	Status           Status          `json:"status"`
	Cancelled        bool            `json:"cancelled"`
	Payment          bool            `json:"payment"`
	IsCompleted      bool            `json:"isCompleted"`
	PaymentSessionID *string         `json:"paymentSessionId,omitempty"`
	PaymentDetails   *PaymentDetails `json:"paymentDetails,omitempty"`
	CancelledBy      *string         `json:"cancelledBy,omitempty"`
	CreatedAt        time.Time       `json:"date"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CancelledAt      *time.Time      `json:"cancelledAt,omitempty"`
}

// MarshalJSON keeps the cancelled/payment/isCompleted flags clients read,
// derived from Status.
func (a Appointment) MarshalJSON() ([]byte, error) {
	return json.Marshal(appointmentJSON{
		ID:               a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		SlotDate:         a.SlotDate,
		SlotTime:         a.SlotTime,
		Amount:           a.Amount,
		Patient:          a.Patient,
		Doctor:           a.Doctor,
		Status:           a.Status,
		Cancelled:        a.Cancelled(),
		Payment:          a.Paid(),
		IsCompleted:      a.Completed(),
		PaymentSessionID: a.PaymentSessionID,
		PaymentDetails:   a.PaymentDetails,
		CancelledBy:      a.CancelledBy,
		CreatedAt:        a.CreatedAt,
		PaidAt:           a.PaidAt,
		CompletedAt:      a.CompletedAt,
		CancelledAt:      a.CancelledAt,
	})
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
