// Package oracle converts a buyer's spend into a token quantity at a quoted
// rate. Quotes are pure values: the adapter never mutates anything, and the
// caller freezes the quote onto the reservation so later rate drift cannot
// change what was promised.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"salecore/internal/sale/models"
	dErrors "salecore/pkg/domain-errors"
)

// Rate is one unit of Source expressed in Target, as sourced from external
// rate data at FetchedAt.
type Rate struct {
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Rate      decimal.Decimal `json:"rate"`
	Precision int32           `json:"precision"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// RateSource supplies external rate data. Implementations: HTTP feed client,
// Redis cache wrapper, static source for tests.
type RateSource interface {
	Rate(ctx context.Context, source, target string) (Rate, error)
}

// Adapter prices reservations against a RateSource with an explicit
// freshness threshold and an optional management fee loaded on top of the
// sale's base unit price.
type Adapter struct {
	source     RateSource
	maxRateAge time.Duration
	feeRate    decimal.Decimal
	clock      func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxRateAge sets the freshness threshold beyond which a sourced rate is
// rejected with StaleRate.
func WithMaxRateAge(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.maxRateAge = d
		}
	}
}

// WithManagementFee loads a proportional fee (e.g. 0.02 for 2%) onto the
// effective unit price.
func WithManagementFee(rate decimal.Decimal) Option {
	return func(a *Adapter) {
		if rate.IsPositive() {
			a.feeRate = rate
		}
	}
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

const defaultMaxRateAge = 2 * time.Minute

// New constructs an Adapter over the given rate source.
func New(source RateSource, opts ...Option) *Adapter {
	a := &Adapter{
		source:     source,
		maxRateAge: defaultMaxRateAge,
		feeRate:    decimal.Zero,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// QuoteSpend converts an amount of spendCurrency into a token quantity for
// the given sale. Returns the frozen quote and the quantity it buys.
//
// The quantity is truncated (never rounded up) to the rate's precision so a
// buyer can never be allocated more than their spend covers.
func (a *Adapter) QuoteSpend(ctx context.Context, spendCurrency string, spendAmount decimal.Decimal, sale models.Sale) (models.Quote, decimal.Decimal, error) {
	if !spendAmount.IsPositive() {
		return models.Quote{}, decimal.Zero, dErrors.New(dErrors.CodeInvalidInput, "spend amount must be positive")
	}

	rate, err := a.sourceRate(ctx, spendCurrency, sale.PriceCurrency)
	if err != nil {
		return models.Quote{}, decimal.Zero, err
	}

	unitPrice := a.effectiveUnitPrice(sale)
	value := spendAmount.Mul(rate.Rate)
	quantity := value.DivRound(unitPrice, rate.Precision+1).Truncate(rate.Precision)
	if !quantity.IsPositive() {
		return models.Quote{}, decimal.Zero, dErrors.New(dErrors.CodeInvalidInput, "spend amount is below the price of the smallest token unit")
	}

	return a.freeze(spendCurrency, sale, rate, unitPrice, spendAmount), quantity, nil
}

// QuoteQuantity prices a requested token quantity in spendCurrency. The
// returned quote's TotalCost is the spend required to buy the quantity.
func (a *Adapter) QuoteQuantity(ctx context.Context, spendCurrency string, quantity decimal.Decimal, sale models.Sale) (models.Quote, error) {
	if !quantity.IsPositive() {
		return models.Quote{}, dErrors.New(dErrors.CodeInvalidInput, "quantity must be positive")
	}

	rate, err := a.sourceRate(ctx, spendCurrency, sale.PriceCurrency)
	if err != nil {
		return models.Quote{}, err
	}

	unitPrice := a.effectiveUnitPrice(sale)
	cost := quantity.Mul(unitPrice).DivRound(rate.Rate, rate.Precision)
	return a.freeze(spendCurrency, sale, rate, unitPrice, cost), nil
}

func (a *Adapter) sourceRate(ctx context.Context, source, target string) (Rate, error) {
	rate, err := a.source.Rate(ctx, source, target)
	if err != nil {
		return Rate{}, dErrors.Wrap(err, dErrors.CodeRateUnavailable, "no rate for "+source+"/"+target)
	}
	if !rate.Rate.IsPositive() {
		return Rate{}, dErrors.Newf(dErrors.CodeRateUnavailable, "non-positive rate for %s/%s", source, target)
	}
	if a.clock().Sub(rate.FetchedAt) > a.maxRateAge {
		return Rate{}, dErrors.Newf(dErrors.CodeStaleRate, "rate for %s/%s is older than %s", source, target, a.maxRateAge)
	}
	return rate, nil
}

func (a *Adapter) effectiveUnitPrice(sale models.Sale) decimal.Decimal {
	if a.feeRate.IsZero() {
		return sale.UnitPrice
	}
	return sale.UnitPrice.Mul(decimal.NewFromInt(1).Add(a.feeRate))
}

func (a *Adapter) freeze(spendCurrency string, sale models.Sale, rate Rate, unitPrice, totalCost decimal.Decimal) models.Quote {
	return models.Quote{
		SourceCurrency: spendCurrency,
		TargetAsset:    sale.TokenSymbol,
		Rate:           rate.Rate,
		Precision:      rate.Precision,
		UnitPrice:      unitPrice,
		TotalCost:      totalCost,
		FeeApplied:     !a.feeRate.IsZero(),
		ComputedAt:     a.clock(),
	}
}

// StaticSource is an in-memory RateSource for tests and local development.
// Rates can be swapped at runtime, which exercises quote freezing.
type StaticSource struct {
	mu    sync.RWMutex
	rates map[string]Rate
	clock func() time.Time
}

// NewStaticSource builds an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		rates: make(map[string]Rate),
		clock: time.Now,
	}
}

// SetClock overrides the clock used to stamp FetchedAt on inserted rates.
func (s *StaticSource) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Set installs (or replaces) the rate for a currency pair.
func (s *StaticSource) Set(source, target string, rate decimal.Decimal, precision int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[source+"/"+target] = Rate{
		Source:    source,
		Target:    target,
		Rate:      rate,
		Precision: precision,
		FetchedAt: s.clock(),
	}
}

// Rate implements RateSource.
func (s *StaticSource) Rate(_ context.Context, source, target string) (Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[source+"/"+target]
	if !ok {
		return Rate{}, dErrors.Newf(dErrors.CodeRateUnavailable, "no rate configured for %s/%s", source, target)
	}
	return rate, nil
}
