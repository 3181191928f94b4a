package payment

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
)

var reconcilerTracer = otel.Tracer("clinic-booking.internal.payment.reconciler")

var (
	// ErrNotPaid is a non-fatal outcome: the provider has not settled the
	// session yet.
	ErrNotPaid = errors.New("payment not completed")
	// ErrAlreadyProcessed means the appointment was paid through a
	// different session.
	ErrAlreadyProcessed = errors.New("payment already processed")
	// ErrUnmatchedPayment is returned when a settled session could not be
	// applied to any appointment. The anomaly has been recorded.
	ErrUnmatchedPayment = errors.New("payment not confirmed yet")
)

// Anomaly kinds.
const (
	AnomalyMissingReference    = "missing_appointment_reference"
	AnomalyAppointmentMissing  = "appointment_missing"
	AnomalyAppointmentCanceled = "appointment_cancelled"
	AnomalyConflictingSession  = "conflicting_session"
	AnomalyCompletedUnpaid     = "appointment_completed"
)

// Lifecycle is the part of appointment.Lifecycle the reconciler drives.
type Lifecycle interface {
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	AttachSession(ctx context.Context, id uuid.UUID, sessionID string) (*appointment.Appointment, error)
	MarkPaid(ctx context.Context, id uuid.UUID, sessionID string, details appointment.PaymentDetails) (*appointment.Appointment, bool, error)
	RecordAnomaly(ctx context.Context, kind string, appointmentID *uuid.UUID, payload map[string]any)
}

type ReconcilerConfig struct {
	FrontendOrigin string
	Currency       string
	// MinorUnit converts a fee into the provider's minor unit.
	MinorUnit int64
	// Timeout bounds each provider call.
	Timeout time.Duration
}

type Reconciler struct {
	lifecycle Lifecycle
	provider  Provider
	cfg       ReconcilerConfig
	metrics   *metrics.BookingMetrics
	logger    *zap.Logger
}

func NewReconciler(lifecycle Lifecycle, provider Provider, cfg ReconcilerConfig, m *metrics.BookingMetrics, logger *zap.Logger) *Reconciler {
	if cfg.MinorUnit <= 0 {
		cfg.MinorUnit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{lifecycle: lifecycle, provider: provider, cfg: cfg, metrics: m, logger: logger}
}

// ConfirmResult describes a successful confirmation. Applied is false when
// the same session had already been applied.
type ConfirmResult struct {
	Appointment *appointment.Appointment
	Applied     bool
}

// Initiate opens a checkout session for a booked appointment and records
// the session id on it.
func (r *Reconciler) Initiate(ctx context.Context, appointmentID uuid.UUID, actor identity.Actor) (*Session, error) {
	ctx, span := reconcilerTracer.Start(ctx, "payment.initiate")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", appointmentID.String()))

	appt, err := r.lifecycle.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == identity.RolePatient && appt.PatientID != actor.ID {
		return nil, appointment.ErrUnauthorized
	}
	switch {
	case appt.Cancelled():
		return nil, appointment.ErrAlreadyCancelled
	case appt.Paid():
		return nil, appointment.ErrAlreadyPaid
	case appt.Completed():
		return nil, appointment.ErrAlreadyCompleted
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	sess, err := r.provider.CreateSession(callCtx, CreateSessionParams{
		AmountMinor: appt.Amount * r.cfg.MinorUnit,
		Currency:    r.cfg.Currency,
		Description: "Appointment with " + appt.Doctor.Name,
		Metadata:    map[string]string{MetadataAppointmentID: appt.ID.String()},
		SuccessURL:  r.redirectURL(true),
		CancelURL:   r.redirectURL(false),
	})
	if err != nil {
		return nil, providerError("create checkout session", err)
	}

	if _, err := r.lifecycle.AttachSession(ctx, appt.ID, sess.ID); err != nil {
		return nil, err
	}

	r.logger.Info("checkout session created",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("session_id", sess.ID),
		zap.Int64("amount_minor", appt.Amount*r.cfg.MinorUnit),
	)
	return sess, nil
}

// Confirm applies a checkout session to its appointment. The provider is
// always asked; claimedSuccess from the client is only logged.
func (r *Reconciler) Confirm(ctx context.Context, sessionID string, claimedSuccess bool) (*ConfirmResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "payment.confirm")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.session_id", sessionID),
		attribute.Bool("clinic.claimed_success", claimedSuccess),
	)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	sess, err := r.provider.GetSession(callCtx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			r.metrics.ObserveConfirmation("session_not_found")
			return nil, err
		}
		r.metrics.ObserveConfirmation("provider_error")
		return nil, providerError("get checkout session", err)
	}

	if !sess.Settled() {
		r.logger.Info("payment session not settled",
			zap.String("session_id", sessionID),
			zap.String("payment_status", sess.PaymentStatus),
			zap.Bool("claimed_success", claimedSuccess),
		)
		r.metrics.ObserveConfirmation("not_paid")
		return nil, ErrNotPaid
	}
	if !claimedSuccess {
		r.logger.Warn("client reported failure for a settled session", zap.String("session_id", sessionID))
	}

	payload := map[string]any{
		"session_id":   sess.ID,
		"amount_total": sess.AmountTotal,
		"currency":     sess.Currency,
	}

	appointmentID, err := uuid.Parse(sess.Metadata[MetadataAppointmentID])
	if err != nil {
		r.lifecycle.RecordAnomaly(ctx, AnomalyMissingReference, nil, payload)
		r.metrics.ObserveConfirmation("anomaly")
		return nil, ErrUnmatchedPayment
	}

	appt, applied, err := r.lifecycle.MarkPaid(ctx, appointmentID, sess.ID, appointment.PaymentDetails{
		AmountTotal:   sess.AmountTotal,
		Currency:      sess.Currency,
		CustomerEmail: sess.Customer.Email,
		CustomerName:  sess.Customer.Name,
	})
	switch {
	case err == nil:
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		r.lifecycle.RecordAnomaly(ctx, AnomalyAppointmentMissing, &appointmentID, payload)
		r.metrics.ObserveConfirmation("anomaly")
		return nil, ErrUnmatchedPayment
	case errors.Is(err, appointment.ErrAlreadyCancelled):
		r.lifecycle.RecordAnomaly(ctx, AnomalyAppointmentCanceled, &appointmentID, payload)
		r.metrics.ObserveConfirmation("cancelled")
		return nil, err
	case errors.Is(err, appointment.ErrAlreadyCompleted):
		// Completed without an online payment; the money has no row to land on.
		r.lifecycle.RecordAnomaly(ctx, AnomalyCompletedUnpaid, &appointmentID, payload)
		r.metrics.ObserveConfirmation("anomaly")
		return nil, fmt.Errorf("%w: %w", ErrUnmatchedPayment, err)
	case errors.Is(err, appointment.ErrAlreadyPaid):
		r.lifecycle.RecordAnomaly(ctx, AnomalyConflictingSession, &appointmentID, payload)
		r.metrics.ObserveConfirmation("already_processed")
		return nil, fmt.Errorf("%w: %w", ErrAlreadyProcessed, err)
	default:
		r.metrics.ObserveConfirmation("error")
		return nil, err
	}

	if applied {
		r.metrics.ObserveConfirmation("paid")
		r.logger.Info("appointment paid",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("session_id", sess.ID),
		)
	} else {
		r.metrics.ObserveConfirmation("duplicate")
	}
	return &ConfirmResult{Appointment: appt, Applied: applied}, nil
}

func (r *Reconciler) redirectURL(success bool) string {
	// {CHECKOUT_SESSION_ID} is substituted by the provider.
	return fmt.Sprintf("%s/verify?success=%t&sessionId={CHECKOUT_SESSION_ID}", r.cfg.FrontendOrigin, success)
}

func providerError(op string, err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
