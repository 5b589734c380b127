package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"salecore/internal/gating"
	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"
	"salecore/pkg/platform/sentinel"
)

// CreateReservationInput is the buyer's reservation request. The spend is
// expressed in the buyer's source currency; the oracle converts it into a
// token quantity at the quoted rate.
type CreateReservationInput struct {
	SaleID        id.SaleID
	BuyerID       id.BuyerID
	Rail          models.Rail
	SpendCurrency string
	SpendAmount   decimal.Decimal
	Metadata      map[string]string
}

// CreateReservation checks the gate, quotes the spend, and atomically
// reserves capacity: the sale's reserved counter and the PENDING reservation
// row commit in one transaction under the sale row lock. No concurrent caller
// can observe one without the other.
func (s *Service) CreateReservation(ctx context.Context, in CreateReservationInput) (models.Reservation, error) {
	ctx, span := tracer.Start(ctx, "allocation.CreateReservation")
	defer span.End()

	if !in.Rail.Valid() {
		return models.Reservation{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown payment rail %q", in.Rail)
	}
	if !in.SpendAmount.IsPositive() {
		return models.Reservation{}, dErrors.New(dErrors.CodeInvalidInput, "spend amount must be positive")
	}

	// Unlocked pre-read: cheap rejection of closed sales and wrong rails
	// before any external calls. The authoritative checks repeat under the
	// row lock below.
	sale, err := s.loadSale(ctx, in.SaleID)
	if err != nil {
		return models.Reservation{}, err
	}
	now := s.clock()
	if !sale.OpenAt(now) {
		return models.Reservation{}, dErrors.New(dErrors.CodeSaleNotOpen, "sale is not accepting reservations")
	}
	if !sale.AcceptsRail(in.Rail) {
		return models.Reservation{}, dErrors.Newf(dErrors.CodeInvalidInput, "sale does not accept the %s rail", in.Rail)
	}

	// Quote outside the sale transaction, under its own timeout, with bounded
	// retry of transient oracle failures. The transaction must never wait on
	// the rate feed.
	quote, quantity, err := s.quoteWithRetry(ctx, in.SpendCurrency, in.SpendAmount, sale)
	if err != nil {
		return models.Reservation{}, err
	}

	if err := s.checkGate(ctx, in.BuyerID, sale, quote.TotalCost.Mul(quote.Rate)); err != nil {
		return models.Reservation{}, err
	}

	reservation := models.Reservation{
		ID:        id.NewReservationID(),
		SaleID:    in.SaleID,
		BuyerID:   in.BuyerID,
		Rail:      in.Rail,
		Quantity:  quantity,
		Quote:     quote,
		Status:    models.StatusPending,
		Metadata:  in.Metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttlFor(in.Rail)),
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := s.store.GetSaleForUpdate(ctx, in.SaleID)
		if err != nil {
			return s.translateStore(err, "sale")
		}
		if !locked.OpenAt(s.clock()) {
			return dErrors.New(dErrors.CodeSaleNotOpen, "sale is not accepting reservations")
		}
		if locked.Reserved.Add(locked.Confirmed).Add(quantity).GreaterThan(locked.TotalSupply) {
			return dErrors.Newf(dErrors.CodeCapacityExceeded,
				"requested %s exceeds available capacity %s", quantity, locked.Available())
		}
		if err := s.store.CreateReservation(ctx, reservation); err != nil {
			return s.translateStore(err, "reservation")
		}
		return s.store.UpdateSaleCounters(ctx, in.SaleID, locked.Reserved.Add(quantity), locked.Confirmed)
	})
	if err != nil {
		return models.Reservation{}, err
	}

	s.metrics.ReservationCreated(string(in.Rail))
	s.logger.InfoContext(ctx, "reservation created",
		"reservation_id", reservation.ID,
		"sale_id", in.SaleID,
		"rail", in.Rail,
		"quantity", quantity,
	)
	return reservation, nil
}

func (s *Service) quoteWithRetry(ctx context.Context, currency string, amount decimal.Decimal, sale models.Sale) (models.Quote, decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt <= s.quoteRetries; attempt++ {
		quoteCtx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
		quote, quantity, err := s.oracle.QuoteSpend(quoteCtx, currency, amount, sale)
		cancel()
		if err == nil {
			return quote, quantity, nil
		}
		lastErr = err
		if !dErrors.IsRetryable(dErrors.CodeOf(err)) {
			return models.Quote{}, decimal.Zero, err
		}
	}
	return models.Quote{}, decimal.Zero, lastErr
}

// checkGate evaluates the gating policy. Both BLOCK and an unsatisfied
// REQUIRE_KYC surface as GatingDenied; the message tells the buyer whether
// verification would help.
func (s *Service) checkGate(ctx context.Context, buyerID id.BuyerID, sale models.Sale, costInPriceCurrency decimal.Decimal) error {
	status, err := s.kyc.Status(ctx, buyerID)
	if err != nil {
		// Fail closed: an unreachable verifier must not admit buyers a sale
		// requires verification for.
		return dErrors.Wrap(err, dErrors.CodeInternal, "kyc status lookup failed")
	}
	decision := gating.Evaluate(gating.Input{
		Buyer:           status,
		SaleRequiresKYC: sale.KYCRequired,
		SaleMinTier:     sale.MinKYCTier,
		RequestedCost:   costInPriceCurrency,
	}, s.gates)

	switch decision {
	case gating.DecisionAllow:
		return nil
	case gating.DecisionRequireKYC:
		return dErrors.New(dErrors.CodeGatingDenied, "identity verification required before reserving this amount")
	default:
		return dErrors.New(dErrors.CodeGatingDenied, "buyer is not eligible for this sale")
	}
}

func (s *Service) loadSale(ctx context.Context, saleID id.SaleID) (models.Sale, error) {
	sale, err := s.store.GetSale(ctx, saleID)
	if err != nil {
		return models.Sale{}, s.translateStore(err, "sale")
	}
	return sale, nil
}

func (s *Service) translateStore(err error, what string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, what+" store operation failed")
}
