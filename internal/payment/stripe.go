package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-booking/internal/metrics"
)

var stripeTracer = otel.Tracer("clinic-booking.internal.payment.stripe")

// StripeClient talks to the Stripe Checkout Sessions API over plain HTTP.
type StripeClient struct {
	secretKey  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	metrics    *metrics.BookingMetrics
}

func NewStripeClient(secretKey string, timeout time.Duration) *StripeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeClient{
		secretKey:  secretKey,
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (c *StripeClient) WithBaseURL(baseURL string) *StripeClient {
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

func (c *StripeClient) WithMetrics(m *metrics.BookingMetrics) *StripeClient {
	c.metrics = m
	return c
}

func (c *StripeClient) CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("clinic.amount_minor", params.AmountMinor),
		attribute.String("clinic.currency", params.Currency),
		attribute.String("clinic.appointment_id", params.Metadata[MetadataAppointmentID]),
	)

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", params.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", params.Description)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
		form.Set("payment_intent_data[metadata]["+k+"]", v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("stripe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var sess Session
	if err := c.do(req, "create_session", &sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if sess.URL == "" {
		return nil, errors.New("stripe response missing checkout url")
	}
	span.SetAttributes(attribute.String("clinic.session_id", sess.ID))
	return &sess, nil
}

func (c *StripeClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.get_checkout_session")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.session_id", sessionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("stripe request: %w", err)
	}

	var sess Session
	if err := c.do(req, "get_session", &sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("clinic.payment_status", sess.PaymentStatus))
	return &sess, nil
}

func (c *StripeClient) do(req *http.Request, operation string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", c.apiVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveProviderLatency(operation, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: stripe http: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: stripe api status %d: %s", ErrProviderUnavailable, resp.StatusCode, readStripeError(resp.Body))
	case resp.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("stripe api status %d: %s", resp.StatusCode, readStripeError(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("stripe decode: %w", err)
	}
	return nil
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func readStripeError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "unknown error"
	}
	var parsed stripeErrorResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(data)
}
