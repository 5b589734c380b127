// Package metrics holds the Prometheus instruments for the allocation core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all instruments. A nil *Metrics is a no-op so unit tests
// of services do not need a registry.
type Metrics struct {
	reservationsCreated   *prometheus.CounterVec
	reservationsConfirmed *prometheus.CounterVec
	reservationsRejected  *prometheus.CounterVec
	reservationsExpired   prometheus.Counter
	anomaliesRecorded     *prometheus.CounterVec
	webhooksProcessed     *prometheus.CounterVec
	sweepDuration         prometheus.Histogram
	httpDuration          *prometheus.HistogramVec
}

// New creates and registers all instruments on the given registerer. Pass
// prometheus.DefaultRegisterer in main; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reservationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salecore_reservations_created_total",
			Help: "Reservations created, by payment rail",
		}, []string{"rail"}),
		reservationsConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salecore_reservations_confirmed_total",
			Help: "Reservations confirmed, by payment rail",
		}, []string{"rail"}),
		reservationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salecore_reservations_rejected_total",
			Help: "Reservations rejected, by payment rail",
		}, []string{"rail"}),
		reservationsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "salecore_reservations_expired_total",
			Help: "Reservations expired by the sweeper or a racing confirm",
		}),
		anomaliesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salecore_anomalies_total",
			Help: "Manual-reconciliation anomalies recorded, by kind",
		}, []string{"kind"}),
		webhooksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "salecore_webhooks_processed_total",
			Help: "Inbound reconciliation events, by outcome",
		}, []string{"outcome"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "salecore_sweep_duration_seconds",
			Help:    "Duration of one sweep pass",
			Buckets: prometheus.DefBuckets,
		}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "salecore_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) ReservationCreated(rail string) {
	if m == nil {
		return
	}
	m.reservationsCreated.WithLabelValues(rail).Inc()
}

func (m *Metrics) ReservationConfirmed(rail string) {
	if m == nil {
		return
	}
	m.reservationsConfirmed.WithLabelValues(rail).Inc()
}

func (m *Metrics) ReservationRejected(rail string) {
	if m == nil {
		return
	}
	m.reservationsRejected.WithLabelValues(rail).Inc()
}

func (m *Metrics) ReservationExpired() {
	if m == nil {
		return
	}
	m.reservationsExpired.Inc()
}

func (m *Metrics) AnomalyRecorded(kind string) {
	if m == nil {
		return
	}
	m.anomaliesRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) WebhookProcessed(outcome string) {
	if m == nil {
		return
	}
	m.webhooksProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, status).Observe(d.Seconds())
}
