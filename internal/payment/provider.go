// Package payment bridges the external checkout provider into the
// appointment lifecycle.
package payment

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrProviderUnavailable marks provider failures the caller may retry.
	ErrProviderUnavailable = errors.New("payment provider unavailable, please retry")
)

// MetadataAppointmentID is the session metadata key binding a session to
// an appointment.
const MetadataAppointmentID = "appointmentId"

type CreateSessionParams struct {
	AmountMinor int64
	Currency    string
	Description string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

type Session struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	Customer      CustomerDetails   `json:"customer_details"`
}

type CustomerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Settled reports whether the provider has collected the money.
func (s *Session) Settled() bool {
	return s.PaymentStatus == "paid"
}

type Provider interface {
	CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}
