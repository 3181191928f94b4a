package payment

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/clinic-booking/internal/appointment"
)

type stubConfirmer struct {
	calls []string
	err   error
}

func (s *stubConfirmer) Confirm(_ context.Context, sessionID string, _ bool) (*ConfirmResult, error) {
	s.calls = append(s.calls, sessionID)
	if s.err != nil {
		return nil, s.err
	}
	return &ConfirmResult{Applied: true}, nil
}

type memoryTracker struct {
	seen      map[string]bool
	lookupErr error
	// lagging hides recorded events from lookups, as a second delivery
	// read before the first one committed.
	lagging bool
}

func (m *memoryTracker) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	if m.lagging {
		return false, nil
	}
	return m.seen[provider+"/"+eventID], nil
}

func (m *memoryTracker) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	key := provider + "/" + eventID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

const webhookSecret = "whsec_test"

func signedRequest(t *testing.T, body string, at time.Time) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t="+ts+",v1="+signPayload(webhookSecret, ts, []byte(body)))
	return req
}

const completedEvent = `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","payment_status":"paid","metadata":{"appointmentId":"a-1"}}}}`

func newTestWebhook(c *stubConfirmer, tr *memoryTracker) *WebhookHandler {
	return NewWebhookHandler(webhookSecret, c, tr, zap.NewNop())
}

func TestWebhookConfirmsAndDedupes(t *testing.T) {
	confirmer := &stubConfirmer{}
	tracker := &memoryTracker{seen: map[string]bool{}}
	h := newTestWebhook(confirmer, tracker)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"cs_test_1"}, confirmer.calls)
	assert.True(t, tracker.seen["stripe/evt_1"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, confirmer.calls, 1, "redelivered event must not be confirmed again")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newTestWebhook(&stubConfirmer{}, &memoryTracker{seen: map[string]bool{}})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(completedEvent))
	req.Header.Set("Stripe-Signature", "t="+strconv.FormatInt(time.Now().Unix(), 10)+",v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent, time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusForbidden, rec.Code, "stale timestamp")
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	confirmer := &stubConfirmer{}
	h := newTestWebhook(confirmer, &memoryTracker{seen: map[string]bool{}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"id":"evt_2","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`, time.Now()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, confirmer.calls)
}

func TestWebhookOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMarked bool
	}{
		{"not paid", ErrNotPaid, http.StatusOK, true},
		{"unmatched", ErrUnmatchedPayment, http.StatusOK, true},
		{"cancelled", appointment.ErrAlreadyCancelled, http.StatusOK, true},
		{"completed unpaid", errors.Join(ErrUnmatchedPayment, appointment.ErrAlreadyCompleted), http.StatusOK, true},
		{"provider down", ErrProviderUnavailable, http.StatusInternalServerError, false},
		{"db down", errors.New("connection refused"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &memoryTracker{seen: map[string]bool{}}
			h := newTestWebhook(&stubConfirmer{err: tt.err}, tracker)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signedRequest(t, completedEvent, time.Now()))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantMarked, tracker.seen["stripe/evt_1"])
		})
	}
}

func TestWebhookConcurrentDeliveryIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	confirmer := &stubConfirmer{}
	tracker := &memoryTracker{seen: map[string]bool{"stripe/evt_1": true}, lagging: true}
	h := NewWebhookHandler(webhookSecret, confirmer, tracker, zap.New(core))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent, time.Now()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"cs_test_1"}, confirmer.calls)
	assert.Equal(t, 1, logs.FilterMessage("stripe event delivered concurrently").Len())
}

func TestWebhookLookupFailure(t *testing.T) {
	h := newTestWebhook(&stubConfirmer{}, &memoryTracker{seen: map[string]bool{}, lookupErr: errors.New("db down")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, completedEvent, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestVerifyStripeSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	good := signPayload(webhookSecret, ts, payload)

	assert.True(t, verifyStripeSignature(webhookSecret, payload, "t="+ts+",v1="+good, now))
	assert.True(t, verifyStripeSignature(webhookSecret, payload, "t="+ts+",v1=old,v1="+good, now), "any v1 may match")
	assert.False(t, verifyStripeSignature(webhookSecret, payload, "", now))
	assert.False(t, verifyStripeSignature(webhookSecret, payload, "v1="+good, now))
	assert.False(t, verifyStripeSignature(webhookSecret, []byte(`{"id":"other"}`), "t="+ts+",v1="+good, now))
	assert.True(t, verifyStripeSignature("", payload, "", now), "empty secret disables verification")
}
