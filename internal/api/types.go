package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hackgods/clinic-booking/internal/slots"
)

type BookAppointmentRequest struct {
	DoctorID string `json:"docId" validate:"required,uuid"`
	SlotDate string `json:"slotDate" validate:"required,slotdate"`
	SlotTime string `json:"slotTime" validate:"required,slottime"`
}

type AppointmentIDRequest struct {
	AppointmentID string `json:"appointmentId" validate:"required,uuid"`
}

type VerifyPaymentRequest struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId" validate:"required"`
}

type DoctorIDRequest struct {
	DoctorID string `json:"docId" validate:"required,uuid"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("slotdate", func(fl validator.FieldLevel) bool {
		return slots.ValidDate(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("slottime", func(fl validator.FieldLevel) bool {
		return slots.ValidTime(fl.Field().String()) == nil
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it. On failure it has
// already written the 400 response.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeFailure(w, http.StatusBadRequest, "could not parse JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeFailure(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "Missing " + fe.Field()
	case "slotdate":
		return slots.ErrInvalidDate.Error()
	case "slottime":
		return slots.ErrInvalidTime.Error()
	case "uuid":
		return fe.Field() + " must be a valid id"
	}
	return "invalid " + fe.Field()
}

// envelope is the response body shape shared by every endpoint.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, status int, message string, fields envelope) {
	body := envelope{"success": true}
	if message != "" {
		body["message"] = message
	}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"success": false, "message": message})
}
