package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/appointment"
)

const (
	providerStripe     = "stripe"
	signatureTolerance = 5 * time.Minute
	maxWebhookBody     = 1 << 20
)

var handledEventTypes = map[string]bool{
	"checkout.session.completed":               true,
	"checkout.session.async_payment_succeeded": true,
}

type Confirmer interface {
	Confirm(ctx context.Context, sessionID string, claimedSuccess bool) (*ConfirmResult, error)
}

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// WebhookHandler handles Stripe checkout events. The event body is used
// only for its session id; Confirm re-reads the session from Stripe.
type WebhookHandler struct {
	secret    string
	confirmer Confirmer
	processed processedTracker
	logger    *zap.Logger
	now       func() time.Time
}

func NewWebhookHandler(secret string, confirmer Confirmer, processed processedTracker, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		secret:    secret,
		confirmer: confirmer,
		processed: processed,
		logger:    logger,
		now:       time.Now,
	}
}

type stripeWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifyStripeSignature(h.secret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Warn("decode stripe event", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}
	if !handledEventTypes[evt.Type] {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	if processed, err := h.processed.AlreadyProcessed(ctx, providerStripe, evt.ID); err != nil {
		h.logger.Error("processed lookup failed", zap.String("event_id", evt.ID), zap.Error(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if processed {
		w.WriteHeader(http.StatusOK)
		return
	}

	sessionID := evt.Data.Object.ID
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	_, err = h.confirmer.Confirm(ctx, sessionID, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotPaid),
		errors.Is(err, ErrUnmatchedPayment),
		errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, appointment.ErrAlreadyCancelled),
		errors.Is(err, appointment.ErrAlreadyCompleted):
		h.logger.Info("stripe event not applied",
			zap.String("event_id", evt.ID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	default:
		// Unacknowledged: Stripe retries.
		h.logger.Error("stripe event confirm failed",
			zap.String("event_id", evt.ID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	inserted, err := h.processed.MarkProcessed(ctx, providerStripe, evt.ID)
	switch {
	case err != nil:
		h.logger.Warn("mark stripe event processed", zap.String("event_id", evt.ID), zap.Error(err))
	case !inserted:
		// A concurrent delivery of the same event got there first. Confirm
		// is idempotent per session, so the second pass changed nothing.
		h.logger.Info("stripe event delivered concurrently",
			zap.String("event_id", evt.ID),
			zap.String("session_id", sessionID),
		)
	}
	w.WriteHeader(http.StatusOK)
}

// verifyStripeSignature checks the t=...,v1=... header. An empty secret
// disables verification.
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return true
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return false
	}

	expected := signPayload(secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func signPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
