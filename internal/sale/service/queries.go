package service

import (
	"context"
	"time"

	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"
)

// GetReservation returns a reservation by ID.
func (s *Service) GetReservation(ctx context.Context, rid id.ReservationID) (models.Reservation, error) {
	res, err := s.store.GetReservation(ctx, rid)
	if err != nil {
		return models.Reservation{}, s.translateStore(err, "reservation")
	}
	return res, nil
}

// GetBuyerReservation returns a reservation if it belongs to the buyer.
// Other buyers' reservations are indistinguishable from missing ones.
func (s *Service) GetBuyerReservation(ctx context.Context, rid id.ReservationID, buyerID id.BuyerID) (models.Reservation, error) {
	res, err := s.GetReservation(ctx, rid)
	if err != nil {
		return models.Reservation{}, err
	}
	if res.BuyerID != buyerID {
		return models.Reservation{}, dErrors.New(dErrors.CodeNotFound, "reservation not found")
	}
	return res, nil
}

// ListBuyerReservations returns all of a buyer's reservations, newest first.
func (s *Service) ListBuyerReservations(ctx context.Context, buyerID id.BuyerID) ([]models.Reservation, error) {
	list, err := s.store.ListReservationsByBuyer(ctx, buyerID)
	if err != nil {
		return nil, s.translateStore(err, "reservation")
	}
	return list, nil
}

// GetSale returns the sale with its current capacity counters.
func (s *Service) GetSale(ctx context.Context, saleID id.SaleID) (models.Sale, error) {
	return s.loadSale(ctx, saleID)
}

// DueReservations lists PENDING reservations whose expiry has passed, for the
// sweeper. The limit bounds one sweep pass.
func (s *Service) DueReservations(ctx context.Context, now time.Time, limit int) ([]id.ReservationID, error) {
	due, err := s.store.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return nil, s.translateStore(err, "reservation")
	}
	return due, nil
}

// ListAnomalies returns recent manual-reconciliation records for operators.
func (s *Service) ListAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error) {
	list, err := s.store.ListAnomalies(ctx, limit)
	if err != nil {
		return nil, s.translateStore(err, "anomaly")
	}
	return list, nil
}

// AttachPaymentReference records the buyer-submitted on-chain transaction for
// a PENDING crypto reservation so the receipt poller can watch it. It does
// not confirm anything.
func (s *Service) AttachPaymentReference(ctx context.Context, rid id.ReservationID, buyerID id.BuyerID, chainID, txHash string) (models.Reservation, error) {
	if chainID == "" || txHash == "" {
		return models.Reservation{}, dErrors.New(dErrors.CodeInvalidInput, "chain_id and tx_hash are required")
	}

	var result models.Reservation
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.store.GetReservationForUpdate(ctx, rid)
		if err != nil {
			return s.translateStore(err, "reservation")
		}
		if res.BuyerID != buyerID {
			return dErrors.New(dErrors.CodeNotFound, "reservation not found")
		}
		if res.Rail != models.RailCrypto {
			return dErrors.New(dErrors.CodeInvalidInput, "payment references apply to crypto reservations only")
		}
		if res.Status.Terminal() {
			return dErrors.Newf(dErrors.CodeAlreadyTerminal, "reservation is %s", res.Status)
		}
		if res.Metadata == nil {
			res.Metadata = make(map[string]string)
		}
		res.Metadata[models.MetaChainID] = chainID
		res.Metadata[models.MetaTxHash] = txHash
		if err := s.store.UpdateReservation(ctx, res); err != nil {
			return s.translateStore(err, "reservation")
		}
		result = res
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	s.logger.InfoContext(ctx, "payment reference attached",
		"reservation_id", rid,
		"chain_id", chainID,
	)
	return result, nil
}

// PendingCryptoWatches returns PENDING crypto reservations that carry a
// submitted payment reference. The poller resumes these after a restart.
func (s *Service) PendingCryptoWatches(ctx context.Context) ([]models.Reservation, error) {
	pending, err := s.store.ListPendingByRail(ctx, models.RailCrypto)
	if err != nil {
		return nil, s.translateStore(err, "reservation")
	}
	watches := pending[:0]
	for _, res := range pending {
		if res.Metadata[models.MetaTxHash] != "" && res.Metadata[models.MetaChainID] != "" {
			watches = append(watches, res)
		}
	}
	return watches, nil
}
