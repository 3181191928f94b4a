package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/events"
	"github.com/hackgods/clinic-booking/internal/identity"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/slots"
)

const (
	EventAppointmentBooked     = "APPOINTMENT_BOOKED"
	EventAppointmentPaid       = "APPOINTMENT_PAID"
	EventAppointmentCompleted  = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled  = "APPOINTMENT_CANCELLED"
	EventPaymentSessionCreated = "PAYMENT_SESSION_CREATED"
	EventSlotReleaseFailed     = "SLOT_RELEASE_FAILED"
	EventReconciliationAnomaly = "RECONCILIATION_ANOMALY"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SlotReleaser is the part of the slot ledger the lifecycle needs.
type SlotReleaser interface {
	Release(ctx context.Context, slot slots.Slot, holder uuid.UUID) error
}

type Policy struct {
	// CompleteRequiresPayment rejects Booked -> Completed.
	CompleteRequiresPayment bool
	// ReleaseAttempts bounds slot release retries after a cancel or a
	// failed create.
	ReleaseAttempts int
	ReleaseBackoff  time.Duration
}

// Draft is an appointment about to be persisted. The caller must already
// hold the slot reservation for (DoctorID, SlotDate, SlotTime) under ID.
type Draft struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	SlotDate  string
	SlotTime  string
	Amount    int64
	Patient   PatientSnapshot
	Doctor    DoctorSnapshot
}

// Lifecycle owns appointment status transitions and keeps the slot ledger
// consistent with them.
type Lifecycle struct {
	repo      Repository
	releaser  SlotReleaser
	publisher events.Publisher
	metrics   *metrics.BookingMetrics
	logger    *zap.Logger
	policy    Policy
}

func NewLifecycle(repo Repository, releaser SlotReleaser, publisher events.Publisher, m *metrics.BookingMetrics, logger *zap.Logger, policy Policy) *Lifecycle {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.ReleaseAttempts < 1 {
		policy.ReleaseAttempts = 1
	}
	return &Lifecycle{
		repo:      repo,
		releaser:  releaser,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		policy:    policy,
	}
}

// Create persists a Booked appointment. If persisting fails the held slot
// is released before the error is returned.
func (l *Lifecycle) Create(ctx context.Context, d Draft) (*Appointment, error) {
	appt, err := l.repo.Create(ctx, &Appointment{
		ID:        d.ID,
		PatientID: d.PatientID,
		DoctorID:  d.DoctorID,
		SlotDate:  d.SlotDate,
		SlotTime:  d.SlotTime,
		Amount:    d.Amount,
		Patient:   d.Patient,
		Doctor:    d.Doctor,
		Status:    StatusBooked,
	})
	if err != nil {
		slot := slots.Slot{DoctorID: d.DoctorID, Date: d.SlotDate, Time: d.SlotTime}
		if relErr := l.releaseSlot(ctx, slot, d.ID); relErr != nil {
			return nil, errors.Join(fmt.Errorf("create appointment: %w", err), relErr)
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	l.logEvent(ctx, &appt.ID, EventAppointmentBooked, map[string]any{
		"patient_id": appt.PatientID.String(),
		"doctor_id":  appt.DoctorID.String(),
		"slot_date":  appt.SlotDate,
		"slot_time":  appt.SlotTime,
		"amount":     appt.Amount,
	})
	return appt, nil
}

func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.repo.GetByID(ctx, id)
}

// MarkPaid moves a Booked appointment to Paid. A repeated confirmation for
// the same session returns the stored appointment with applied=false.
func (l *Lifecycle) MarkPaid(ctx context.Context, id uuid.UUID, sessionID string, details PaymentDetails) (*Appointment, bool, error) {
	appt, err := l.repo.MarkPaid(ctx, id, sessionID, details)
	if err == nil {
		l.logEvent(ctx, &appt.ID, EventAppointmentPaid, map[string]any{
			"session_id":   sessionID,
			"amount_total": details.AmountTotal,
			"currency":     details.Currency,
		})
		return appt, true, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, false, fmt.Errorf("mark appointment paid: %w", err)
	}

	current, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Paid() {
		if current.HasSession(sessionID) {
			return current, false, nil
		}
		// Paid through another session, whether or not it was completed since.
		return current, false, ErrAlreadyPaid
	}
	return current, false, rejectionFor(current.Status)
}

// Complete marks an appointment as completed. Only the appointment's doctor
// or an admin may complete it.
func (l *Lifecycle) Complete(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Appointment, error) {
	current, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == identity.RoleAdmin:
	case actor.Role == identity.RoleDoctor && current.DoctorID == actor.ID:
	default:
		return nil, ErrUnauthorized
	}

	if current.Status.Terminal() {
		return nil, rejectionFor(current.Status)
	}
	from := []Status{StatusPaid}
	if l.policy.CompleteRequiresPayment {
		if current.Status == StatusBooked {
			return nil, ErrPaymentRequired
		}
	} else {
		from = append(from, StatusBooked)
	}

	appt, err := l.transition(ctx, id, from, StatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	l.logEvent(ctx, &appt.ID, EventAppointmentCompleted, map[string]any{
		"actor": actor.String(),
	})
	return appt, nil
}

// Cancel moves a non-terminal appointment to Cancelled and then releases its
// slot. A patient may cancel only their own appointment.
//
// A release that still fails after retries is logged and counted; the
// status write stands and the hold is left for the slot reconciler.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Appointment, error) {
	current, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case identity.RoleAdmin, identity.RoleDoctor:
	case identity.RolePatient:
		if current.PatientID != actor.ID {
			return nil, ErrUnauthorized
		}
	default:
		return nil, ErrUnauthorized
	}
	if current.Status.Terminal() {
		return nil, rejectionFor(current.Status)
	}

	by := string(actor.Role)
	appt, err := l.transition(ctx, id, []Status{StatusBooked, StatusPaid}, StatusCancelled, &by)
	if err != nil {
		return nil, err
	}

	l.logEvent(ctx, &appt.ID, EventAppointmentCancelled, map[string]any{
		"actor":        actor.String(),
		"cancelled_by": by,
		"was_paid":     appt.PaidAt != nil,
	})

	if err := l.releaseSlot(ctx, appt.Slot(), appt.ID); err != nil {
		l.logger.Error("slot left held after cancel",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("slot", appt.Slot().String()),
			zap.Error(err),
		)
	}
	return appt, nil
}

// AttachSession stores the provider session id on a Booked appointment.
func (l *Lifecycle) AttachSession(ctx context.Context, id uuid.UUID, sessionID string) (*Appointment, error) {
	appt, err := l.repo.AttachPaymentSession(ctx, id, sessionID)
	if err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("attach payment session: %w", err)
		}
		return nil, l.classifyMiss(ctx, id)
	}
	l.logEvent(ctx, &appt.ID, EventPaymentSessionCreated, map[string]any{
		"session_id": sessionID,
	})
	return appt, nil
}

func (l *Lifecycle) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return l.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (l *Lifecycle) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return l.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

func (l *Lifecycle) ListAll(ctx context.Context, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return l.repo.ListAll(ctx, limit, offset)
}

// RecordAnomaly stores a settled payment that could not be applied. It is
// never surfaced to the paying user.
func (l *Lifecycle) RecordAnomaly(ctx context.Context, kind string, appointmentID *uuid.UUID, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["kind"] = kind

	fields := []zap.Field{zap.String("kind", kind), zap.Any("payload", payload)}
	if appointmentID != nil {
		fields = append(fields, zap.String("appointment_id", appointmentID.String()))
	}
	l.logger.Error("reconciliation anomaly", fields...)
	l.metrics.ObserveAnomaly(kind)
	l.logEvent(ctx, appointmentID, EventReconciliationAnomaly, payload)
}

// ReleaseHold frees a slot held by holder. Used by the slot reconciler.
func (l *Lifecycle) ReleaseHold(ctx context.Context, slot slots.Slot, holder uuid.UUID) error {
	return l.releaseSlot(ctx, slot, holder)
}

func (l *Lifecycle) transition(ctx context.Context, id uuid.UUID, from []Status, to Status, cancelledBy *string) (*Appointment, error) {
	appt, err := l.repo.Transition(ctx, id, from, to, cancelledBy)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("transition appointment to %s: %w", to, err)
	}
	// The precondition failed: a concurrent transition won.
	return nil, l.classifyMiss(ctx, id)
}

func (l *Lifecycle) classifyMiss(ctx context.Context, id uuid.UUID) error {
	current, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return rejectionFor(current.Status)
}

func (l *Lifecycle) releaseSlot(ctx context.Context, slot slots.Slot, holder uuid.UUID) error {
	// The status write already happened; a caller going away must not
	// abandon the release.
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= l.policy.ReleaseAttempts; attempt++ {
		if err = l.releaser.Release(ctx, slot, holder); err == nil {
			return nil
		}
		l.logger.Warn("slot release failed",
			zap.String("slot", slot.String()),
			zap.String("holder", holder.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < l.policy.ReleaseAttempts && l.policy.ReleaseBackoff > 0 {
			time.Sleep(l.policy.ReleaseBackoff * time.Duration(attempt))
		}
	}

	l.metrics.ObserveReleaseFailure()
	l.logEvent(ctx, &holder, EventSlotReleaseFailed, map[string]any{
		"doctor_id": slot.DoctorID.String(),
		"slot_date": slot.Date,
		"slot_time": slot.Time,
		"error":     err.Error(),
	})
	return fmt.Errorf("release slot %s: %w", slot, err)
}

// logEvent writes the audit row and publishes the event. Neither failure
// fails the caller.
func (l *Lifecycle) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	now := time.Now().UTC()

	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	if err := l.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     now,
	}); err != nil {
		l.logger.Warn("insert event log", zap.String("event_type", eventType), zap.Error(err))
	}

	if err := l.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		AppointmentID: appointmentID,
		Payload:       payload,
		OccurredAt:    now,
	}); err != nil {
		l.logger.Warn("publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
