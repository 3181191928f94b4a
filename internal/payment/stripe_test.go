package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeClientCreateSession(t *testing.T) {
	var gotForm map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Stripe-Version"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		assert.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":  "cs_test_abc123",
			"url": "https://checkout.stripe.com/pay/cs_test_abc123",
		})
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test_123", time.Second).WithBaseURL(srv.URL)
	sess, err := client.CreateSession(context.Background(), CreateSessionParams{
		AmountMinor: 50000,
		Currency:    "usd",
		Description: "Appointment with Dr. Rao",
		Metadata:    map[string]string{MetadataAppointmentID: "a-1"},
		SuccessURL:  "http://localhost:5173/verify?success=true&sessionId={CHECKOUT_SESSION_ID}",
		CancelURL:   "http://localhost:5173/verify?success=false&sessionId={CHECKOUT_SESSION_ID}",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_abc123", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_test_abc123", sess.URL)

	assert.Equal(t, "50000", gotForm["line_items[0][price_data][unit_amount]"][0])
	assert.Equal(t, "usd", gotForm["line_items[0][price_data][currency]"][0])
	assert.Equal(t, "Appointment with Dr. Rao", gotForm["line_items[0][price_data][product_data][name]"][0])
	assert.Equal(t, "a-1", gotForm["metadata[appointmentId]"][0])
	assert.Contains(t, gotForm["success_url"][0], "success=true")
	assert.Contains(t, gotForm["cancel_url"][0], "success=false")
}

func TestStripeClientGetSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/checkout/sessions/cs_test_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cs_test_1",
			"status": "complete",
			"payment_status": "paid",
			"amount_total": 50000,
			"currency": "usd",
			"metadata": {"appointmentId": "a-1"},
			"customer_details": {"email": "payer@example.com", "name": "Payer"}
		}`))
	}))
	defer srv.Close()

	sess, err := NewStripeClient("sk_test_123", time.Second).WithBaseURL(srv.URL).GetSession(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.True(t, sess.Settled())
	assert.Equal(t, int64(50000), sess.AmountTotal)
	assert.Equal(t, "a-1", sess.Metadata[MetadataAppointmentID])
	assert.Equal(t, "payer@example.com", sess.Customer.Email)
}

func TestStripeClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"not found", http.StatusNotFound, ErrSessionNotFound},
		{"rate limited", http.StatusTooManyRequests, ErrProviderUnavailable},
		{"server error", http.StatusBadGateway, ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"api_error"}}`))
			}))
			defer srv.Close()

			_, err := NewStripeClient("sk", time.Second).WithBaseURL(srv.URL).GetSession(context.Background(), "cs_x")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStripeClientBadRequestIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid currency","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewStripeClient("sk", time.Second).WithBaseURL(srv.URL).CreateSession(context.Background(), CreateSessionParams{Currency: "xxx"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "Invalid currency")
}

func TestStripeClientTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewStripeClient("sk", 20*time.Millisecond).WithBaseURL(srv.URL).GetSession(context.Background(), "cs_x")
	require.ErrorIs(t, err, ErrProviderUnavailable)
}
