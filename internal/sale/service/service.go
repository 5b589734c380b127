// Package service implements the allocation engine: the reservation state
// machine and the sale capacity accounting. Every transition runs inside a
// single store transaction scoped to the reservation's sale, so the counters
// and the reservation row commit together or not at all. The transactional
// store is the serialization point; no in-process lock is relied on across
// instances.
package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"salecore/internal/gating"
	"salecore/internal/oracle"
	"salecore/internal/platform/metrics"
	"salecore/internal/sale/models"
	id "salecore/pkg/domain"

	"github.com/shopspring/decimal"
)

var tracer trace.Tracer = otel.Tracer("salecore/allocation")

// Store is the ledger store contract. Within a RunInTx closure, the row
// accessors join the transaction; *ForUpdate variants take a row lock that
// serializes concurrent transitions touching the same sale.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetSale(ctx context.Context, saleID id.SaleID) (models.Sale, error)
	GetSaleForUpdate(ctx context.Context, saleID id.SaleID) (models.Sale, error)
	UpdateSaleCounters(ctx context.Context, saleID id.SaleID, reserved, confirmed decimal.Decimal) error
	MarkSaleClosed(ctx context.Context, saleID id.SaleID) error
	ListEndedOpenSales(ctx context.Context, now time.Time) ([]models.Sale, error)

	CreateReservation(ctx context.Context, r models.Reservation) error
	GetReservation(ctx context.Context, rid id.ReservationID) (models.Reservation, error)
	GetReservationForUpdate(ctx context.Context, rid id.ReservationID) (models.Reservation, error)
	UpdateReservation(ctx context.Context, r models.Reservation) error
	ListReservationsByBuyer(ctx context.Context, buyerID id.BuyerID) ([]models.Reservation, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]id.ReservationID, error)
	ListPendingByRail(ctx context.Context, rail models.Rail) ([]models.Reservation, error)

	CreateDistribution(ctx context.Context, d models.Distribution) error
	CreateAnomaly(ctx context.Context, a models.Anomaly) error
	ListAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error)
}

// DistributionPublisher emits distribution intents to the external delivery
// subsystem. The engine does not await delivery completion.
type DistributionPublisher interface {
	Publish(ctx context.Context, d models.Distribution) error
}

// Service is the allocation engine.
type Service struct {
	store     Store
	oracle    *oracle.Adapter
	kyc       gating.KYCSource
	gates     gating.Thresholds
	publisher DistributionPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	cryptoTTL    time.Duration
	fiatTTL      time.Duration
	quoteTimeout time.Duration
	quoteRetries int
	clock        func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithReservationTTLs overrides the evidence windows per rail. Crypto gets a
// short window (the buyer only needs to broadcast a transaction); fiat gets a
// long one (bank settlement takes days).
func WithReservationTTLs(crypto, fiat time.Duration) Option {
	return func(s *Service) {
		if crypto > 0 {
			s.cryptoTTL = crypto
		}
		if fiat > 0 {
			s.fiatTTL = fiat
		}
	}
}

// WithQuoteTimeout bounds each rate fetch so a slow oracle cannot stall
// reservation creation. The fetch happens before the sale transaction opens.
func WithQuoteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.quoteTimeout = d
		}
	}
}

// WithQuoteRetries sets how many extra attempts a transient oracle failure
// gets before surfacing to the caller.
func WithQuoteRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.quoteRetries = n
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

const (
	defaultCryptoTTL    = 30 * time.Minute
	defaultFiatTTL      = 72 * time.Hour
	defaultQuoteTimeout = 3 * time.Second
	defaultQuoteRetries = 2
)

// New constructs the allocation engine.
func New(
	store Store,
	priceOracle *oracle.Adapter,
	kyc gating.KYCSource,
	gates gating.Thresholds,
	publisher DistributionPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:        store,
		oracle:       priceOracle,
		kyc:          kyc,
		gates:        gates,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		cryptoTTL:    defaultCryptoTTL,
		fiatTTL:      defaultFiatTTL,
		quoteTimeout: defaultQuoteTimeout,
		quoteRetries: defaultQuoteRetries,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ttlFor(rail models.Rail) time.Duration {
	if rail == models.RailFiat {
		return s.fiatTTL
	}
	return s.cryptoTTL
}
