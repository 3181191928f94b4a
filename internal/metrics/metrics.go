package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BookingMetrics exposes counters/histograms for booking and payment flows.
// A nil *BookingMetrics is valid and records nothing.
type BookingMetrics struct {
	bookings        *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	confirmations   *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	releaseFailures prometheus.Counter
	providerLatency *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_booking",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_booking",
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by requester role and outcome",
		}, []string{"role", "outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_booking",
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmation attempts by outcome",
		}, []string{"outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_booking",
			Name:      "reconciliation_anomalies_total",
			Help:      "Settled payments that could not be applied to an appointment",
		}, []string{"kind"}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic_booking",
			Name:      "slot_release_failures_total",
			Help:      "Slot releases that still failed after retries",
		}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic_booking",
			Name:      "provider_latency_seconds",
			Help:      "Latency of payment provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookings, m.cancellations, m.confirmations, m.anomalies, m.releaseFailures, m.providerLatency)
	return m
}

func (m *BookingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveCancellation(role, outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(role, outcome).Inc()
}

func (m *BookingMetrics) ObserveConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *BookingMetrics) ObserveReleaseFailure() {
	if m == nil {
		return
	}
	m.releaseFailures.Inc()
}

func (m *BookingMetrics) ObserveProviderLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(operation).Observe(seconds)
}

// Handler serves the registry that gatherer exposes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
