package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/identity"
	"github.com/hackgods/clinic-booking/internal/payment"
	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

type BookingService interface {
	Book(ctx context.Context, req booking.BookRequest) (*appointment.Appointment, error)
	Cancel(ctx context.Context, actor identity.Actor, appointmentID uuid.UUID) (*appointment.Appointment, error)
	Doctors(ctx context.Context) ([]booking.DoctorView, error)
	ChangeAvailability(ctx context.Context, doctorID uuid.UUID) (*roster.Doctor, error)
}

type AppointmentService interface {
	Complete(ctx context.Context, id uuid.UUID, actor identity.Actor) (*appointment.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	ListAll(ctx context.Context, limit, offset int) ([]appointment.Appointment, error)
}

type PaymentService interface {
	Initiate(ctx context.Context, appointmentID uuid.UUID, actor identity.Actor) (*payment.Session, error)
	Confirm(ctx context.Context, sessionID string, claimedSuccess bool) (*payment.ConfirmResult, error)
}

type Handlers struct {
	booking      BookingService
	appointments AppointmentService
	payments     PaymentService
	logger       *zap.Logger
}

func NewHandlers(b BookingService, a AppointmentService, p PaymentService, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{booking: b, appointments: a, payments: p, logger: logger}
}

func (h *Handlers) BookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, _ := identity.FromContext(r.Context())

	appt, err := h.booking.Book(r.Context(), booking.BookRequest{
		PatientID: actor.ID,
		DoctorID:  uuid.MustParse(req.DoctorID),
		SlotDate:  req.SlotDate,
		SlotTime:  req.SlotTime,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Appointment Booked", envelope{"appointment": appt})
}

// CancelAppointment serves the patient, doctor and admin cancel routes;
// the lifecycle decides what each role may cancel.
func (h *Handlers) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req AppointmentIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, _ := identity.FromContext(r.Context())

	appt, err := h.booking.Cancel(r.Context(), actor, uuid.MustParse(req.AppointmentID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Appointment Cancelled", envelope{"appointment": appt})
}

func (h *Handlers) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	var req AppointmentIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, _ := identity.FromContext(r.Context())

	appt, err := h.appointments.Complete(r.Context(), uuid.MustParse(req.AppointmentID), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Appointment Completed", envelope{"appointment": appt})
}

func (h *Handlers) PatientAppointments(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	limit, offset := pageParams(r)
	list, err := h.appointments.ListByPatient(r.Context(), actor.ID, limit, offset)
	h.writeList(w, r, list, err)
}

func (h *Handlers) DoctorAppointments(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	limit, offset := pageParams(r)
	list, err := h.appointments.ListByDoctor(r.Context(), actor.ID, limit, offset)
	h.writeList(w, r, list, err)
}

func (h *Handlers) AllAppointments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	list, err := h.appointments.ListAll(r.Context(), limit, offset)
	h.writeList(w, r, list, err)
}

func (h *Handlers) writeList(w http.ResponseWriter, r *http.Request, list []appointment.Appointment, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []appointment.Appointment{}
	}
	writeSuccess(w, http.StatusOK, "", envelope{"appointments": list})
}

func (h *Handlers) ListDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.booking.Doctors(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", envelope{"doctors": doctors})
}

func (h *Handlers) ChangeAvailability(w http.ResponseWriter, r *http.Request) {
	var req DoctorIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.booking.ChangeAvailability(r.Context(), uuid.MustParse(req.DoctorID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Availability Changed", envelope{"doctor": d})
}

func (h *Handlers) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req AppointmentIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, _ := identity.FromContext(r.Context())

	sess, err := h.payments.Initiate(r.Context(), uuid.MustParse(req.AppointmentID), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", envelope{"session_url": sess.URL})
}

// VerifyPayment ignores the client's success flag for the decision; the
// provider's view of the session is authoritative.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.payments.Confirm(r.Context(), req.SessionID, req.Success)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := "Payment Successful"
	if !res.Applied {
		message = "Payment already recorded"
	}
	writeSuccess(w, http.StatusOK, message, envelope{"appointment": res.Appointment})
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}

type errorMapping struct {
	target  error
	status  int
	message string
}

// errorTable is checked in order; the first matching sentinel wins. An
// empty message means the error's own text is shown.
var errorTable = []errorMapping{
	{payment.ErrNotPaid, http.StatusOK, "Payment not completed"},
	{payment.ErrUnmatchedPayment, http.StatusOK, "Payment not confirmed yet"},

	{slots.ErrInvalidDate, http.StatusBadRequest, ""},
	{slots.ErrInvalidTime, http.StatusBadRequest, ""},
	{slots.ErrSlotTaken, http.StatusBadRequest, "Slot not available"},
	{booking.ErrDoctorUnavailable, http.StatusBadRequest, "Doctor not available"},
	{appointment.ErrAlreadyCancelled, http.StatusBadRequest, "Appointment already cancelled"},
	{appointment.ErrAlreadyPaid, http.StatusBadRequest, "Appointment already paid"},
	{appointment.ErrAlreadyCompleted, http.StatusBadRequest, "Appointment already completed"},
	{appointment.ErrPaymentRequired, http.StatusBadRequest, "Appointment is not paid yet"},
	{appointment.ErrInvalidTransition, http.StatusBadRequest, ""},
	{payment.ErrAlreadyProcessed, http.StatusBadRequest, "Payment already processed"},

	{appointment.ErrUnauthorized, http.StatusForbidden, "Unauthorized action"},

	{roster.ErrDoctorNotFound, http.StatusNotFound, "Doctor not found"},
	{roster.ErrPatientNotFound, http.StatusNotFound, "User not found"},
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "Appointment not found"},
	{payment.ErrSessionNotFound, http.StatusNotFound, "Payment session not found"},

	{booking.ErrDoctorBusy, http.StatusInternalServerError, "Doctor is being booked, please retry"},
	{payment.ErrProviderUnavailable, http.StatusInternalServerError, "Payment provider unavailable, please retry"},
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if message == "" {
			message = m.target.Error()
		}
		if m.status >= http.StatusInternalServerError {
			h.logger.Warn("upstream failure",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Error(err),
			)
		}
		writeFailure(w, m.status, message)
		return
	}

	h.logger.Error("request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeFailure(w, http.StatusInternalServerError, "Something went wrong, please retry")
}
