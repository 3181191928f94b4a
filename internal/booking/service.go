// Package booking orchestrates slot reservation and the appointment
// lifecycle for the caller-facing book and cancel use cases.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/identity"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

var tracer = otel.Tracer("clinic-booking.internal.booking")

var (
	ErrDoctorUnavailable = errors.New("doctor not available")
	ErrDoctorBusy        = errors.New("doctor is being booked, please retry")
)

type Roster interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*roster.Doctor, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*roster.Patient, error)
	ListDoctors(ctx context.Context) ([]roster.Doctor, error)
	ToggleAvailability(ctx context.Context, id uuid.UUID) (*roster.Doctor, error)
}

type Lifecycle interface {
	Create(ctx context.Context, d appointment.Draft) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, actor identity.Actor) (*appointment.Appointment, error)
	ReleaseHold(ctx context.Context, slot slots.Slot, holder uuid.UUID) error
}

// HoldScanner finds ledger rows that no live appointment owns.
type HoldScanner interface {
	StaleHolds(ctx context.Context, orphanedBefore time.Time, limit int) ([]slots.Hold, error)
}

type Service struct {
	roster    Roster
	ledger    slots.Ledger
	lifecycle Lifecycle
	locker    redisclient.DoctorLocker
	metrics   *metrics.BookingMetrics
	logger    *zap.Logger
}

func NewService(r Roster, ledger slots.Ledger, lifecycle Lifecycle, locker redisclient.DoctorLocker, m *metrics.BookingMetrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		roster:    r,
		ledger:    ledger,
		lifecycle: lifecycle,
		locker:    locker,
		metrics:   m,
		logger:    logger,
	}
}

type BookRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	SlotDate  string
	SlotTime  string
}

// Book reserves the slot and creates a Booked appointment for it. The
// doctor lock keeps bookings for one doctor in order; the ledger reserve is
// what guarantees a single holder.
func (s *Service) Book(ctx context.Context, req BookRequest) (*appointment.Appointment, error) {
	ctx, span := tracer.Start(ctx, "booking.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.doctor_id", req.DoctorID.String()),
		attribute.String("clinic.slot_date", req.SlotDate),
		attribute.String("clinic.slot_time", req.SlotTime),
	)

	if err := slots.ValidDate(req.SlotDate); err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}
	slotTime, err := slots.NormalizeTime(req.SlotTime)
	if err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}
	slot := slots.Slot{DoctorID: req.DoctorID, Date: req.SlotDate, Time: slotTime}

	var created *appointment.Appointment
	err = s.locker.WithDoctorLock(ctx, req.DoctorID, func(lockCtx context.Context) error {
		doctor, err := s.roster.GetDoctor(lockCtx, req.DoctorID)
		if err != nil {
			return err
		}
		if !doctor.Available {
			return ErrDoctorUnavailable
		}
		patient, err := s.roster.GetPatient(lockCtx, req.PatientID)
		if err != nil {
			return err
		}

		id := uuid.New()
		if err := s.ledger.Reserve(lockCtx, slot, id); err != nil {
			return err
		}

		appt, err := s.lifecycle.Create(lockCtx, appointment.Draft{
			ID:        id,
			PatientID: patient.ID,
			DoctorID:  doctor.ID,
			SlotDate:  slot.Date,
			SlotTime:  slot.Time,
			Amount:    doctor.FeeAmount,
			Patient:   appointment.SnapshotPatient(patient),
			Doctor:    appointment.SnapshotDoctor(doctor),
		})
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		err = ErrDoctorBusy
	}
	s.metrics.ObserveBooking(bookingOutcome(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("appointment booked",
		zap.String("appointment_id", created.ID.String()),
		zap.String("patient_id", created.PatientID.String()),
		zap.String("slot", slot.String()),
	)
	return created, nil
}

// Cancel delegates to the lifecycle with the requester as actor.
func (s *Service) Cancel(ctx context.Context, actor identity.Actor, appointmentID uuid.UUID) (*appointment.Appointment, error) {
	ctx, span := tracer.Start(ctx, "booking.cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.appointment_id", appointmentID.String()),
		attribute.String("clinic.role", string(actor.Role)),
	)

	appt, err := s.lifecycle.Cancel(ctx, appointmentID, actor)
	s.metrics.ObserveCancellation(string(actor.Role), cancelOutcome(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("appointment cancelled",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("actor", actor.String()),
	)
	return appt, nil
}

type DoctorView struct {
	roster.Doctor
	SlotsBooked map[string][]string `json:"slots_booked"`
}

// Doctors lists the roster with each doctor's held slots.
func (s *Service) Doctors(ctx context.Context) ([]DoctorView, error) {
	doctors, err := s.roster.ListDoctors(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]DoctorView, 0, len(doctors))
	for _, d := range doctors {
		booked, err := s.ledger.Booked(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("booked slots for doctor %s: %w", d.ID, err)
		}
		views = append(views, DoctorView{Doctor: d, SlotsBooked: booked})
	}
	return views, nil
}

func (s *Service) ChangeAvailability(ctx context.Context, doctorID uuid.UUID) (*roster.Doctor, error) {
	d, err := s.roster.ToggleAvailability(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("doctor availability changed",
		zap.String("doctor_id", d.ID.String()),
		zap.Bool("available", d.Available),
	)
	return d, nil
}

// ReconcileHolds releases ledger rows held by cancelled appointments, and
// rows older than grace whose appointment was never persisted. It returns
// the number of holds released.
func (s *Service) ReconcileHolds(ctx context.Context, scanner HoldScanner, grace time.Duration, limit int) (int, error) {
	holds, err := scanner.StaleHolds(ctx, time.Now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("find stale holds: %w", err)
	}

	released := 0
	for _, h := range holds {
		if err := s.lifecycle.ReleaseHold(ctx, h.Slot, h.AppointmentID); err != nil {
			s.logger.Warn("stale hold release failed",
				zap.String("slot", h.Slot.String()),
				zap.String("holder", h.AppointmentID.String()),
				zap.Error(err),
			)
			continue
		}
		released++
		s.logger.Info("stale hold released",
			zap.String("slot", h.Slot.String()),
			zap.String("holder", h.AppointmentID.String()),
			zap.Time("reserved_at", h.ReservedAt),
		)
	}
	return released, nil
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, slots.ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, ErrDoctorUnavailable):
		return "doctor_unavailable"
	case errors.Is(err, roster.ErrDoctorNotFound), errors.Is(err, roster.ErrPatientNotFound):
		return "not_found"
	case errors.Is(err, ErrDoctorBusy):
		return "busy"
	}
	return "error"
}

func cancelOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, appointment.ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, appointment.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, appointment.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return "not_found"
	}
	return "error"
}
