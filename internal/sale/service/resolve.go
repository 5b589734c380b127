package service

import (
	"context"
	"time"

	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"
)

// Reject moves a PENDING reservation to REJECTED and returns its quantity to
// the sale's available capacity. Repeating an identical rejection is a no-op
// success; providers retry failure callbacks too.
func (s *Service) Reject(ctx context.Context, rid id.ReservationID, reason string) (models.Reservation, error) {
	ctx, span := tracer.Start(ctx, "allocation.Reject")
	defer span.End()

	res, err := s.release(ctx, rid, models.StatusRejected, reason)
	if err != nil {
		return models.Reservation{}, err
	}
	s.metrics.ReservationRejected(string(res.Rail))
	s.logger.InfoContext(ctx, "reservation rejected",
		"reservation_id", rid,
		"reason", reason,
	)
	return res, nil
}

// Cancel is the buyer-initiated equivalent of Reject. The caller must be the
// reservation's buyer.
func (s *Service) Cancel(ctx context.Context, rid id.ReservationID, buyerID id.BuyerID) (models.Reservation, error) {
	ctx, span := tracer.Start(ctx, "allocation.Cancel")
	defer span.End()

	var result models.Reservation
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.store.GetReservationForUpdate(ctx, rid)
		if err != nil {
			return s.translateStore(err, "reservation")
		}
		if res.BuyerID != buyerID {
			return dErrors.New(dErrors.CodeNotFound, "reservation not found")
		}
		updated, err := s.releaseLocked(ctx, res, models.StatusCancelled, "cancelled by buyer")
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	s.logger.InfoContext(ctx, "reservation cancelled", "reservation_id", rid)
	return result, nil
}

// Expire is the sweeper-driven timeout transition. It is deliberately quiet:
// an already-terminal reservation is a no-op (double expiry must never
// double-return capacity), and a reservation that is not yet due is left
// alone so overlapping sweep runs stay safe.
func (s *Service) Expire(ctx context.Context, rid id.ReservationID) (bool, error) {
	ctx, span := tracer.Start(ctx, "allocation.Expire")
	defer span.End()

	var expired bool
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.store.GetReservationForUpdate(ctx, rid)
		if err != nil {
			return s.translateStore(err, "reservation")
		}
		if res.Status.Terminal() {
			return nil
		}
		now := s.clock()
		if !res.ExpiredAt(now) {
			return nil
		}
		if err := s.expireLocked(ctx, res, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.metrics.ReservationExpired()
		s.logger.InfoContext(ctx, "reservation expired", "reservation_id", rid)
	}
	return expired, nil
}

// expireLocked performs the expiry mutation for a reservation already held
// under the row lock. Callers are responsible for having verified PENDING
// status and that the expiry is due.
func (s *Service) expireLocked(ctx context.Context, res models.Reservation, now time.Time) error {
	sale, err := s.store.GetSaleForUpdate(ctx, res.SaleID)
	if err != nil {
		return s.translateStore(err, "sale")
	}
	res.Status = models.StatusExpired
	res.ResolvedAt = &now
	if err := s.store.UpdateReservation(ctx, res); err != nil {
		return s.translateStore(err, "reservation")
	}
	reserved := sale.Reserved.Sub(res.Quantity)
	if reserved.IsNegative() {
		return dErrors.Newf(dErrors.CodeInternal, "sale %s reserved counter would go negative", sale.ID)
	}
	return s.store.UpdateSaleCounters(ctx, res.SaleID, reserved, sale.Confirmed)
}

// release runs the shared PENDING -> {REJECTED, CANCELLED} path.
func (s *Service) release(ctx context.Context, rid id.ReservationID, target models.ReservationStatus, reason string) (models.Reservation, error) {
	var result models.Reservation
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.store.GetReservationForUpdate(ctx, rid)
		if err != nil {
			return s.translateStore(err, "reservation")
		}
		updated, err := s.releaseLocked(ctx, res, target, reason)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	return result, nil
}

func (s *Service) releaseLocked(ctx context.Context, res models.Reservation, target models.ReservationStatus, reason string) (models.Reservation, error) {
	if res.Status == target {
		return res, nil // duplicate delivery, nothing to do
	}
	if res.Status.Terminal() {
		return models.Reservation{}, dErrors.Newf(dErrors.CodeAlreadyTerminal, "reservation is %s", res.Status)
	}

	sale, err := s.store.GetSaleForUpdate(ctx, res.SaleID)
	if err != nil {
		return models.Reservation{}, s.translateStore(err, "sale")
	}
	now := s.clock()
	res.Status = target
	res.RejectReason = reason
	res.ResolvedAt = &now
	if err := s.store.UpdateReservation(ctx, res); err != nil {
		return models.Reservation{}, s.translateStore(err, "reservation")
	}
	reserved := sale.Reserved.Sub(res.Quantity)
	if reserved.IsNegative() {
		return models.Reservation{}, dErrors.Newf(dErrors.CodeInternal, "sale %s reserved counter would go negative", sale.ID)
	}
	if err := s.store.UpdateSaleCounters(ctx, res.SaleID, reserved, sale.Confirmed); err != nil {
		return models.Reservation{}, s.translateStore(err, "sale")
	}
	return res, nil
}

// CloseEndedSales marks sales whose window has passed as closed to new
// reservations. Existing PENDING reservations resolve normally or expire on
// their own timer.
func (s *Service) CloseEndedSales(ctx context.Context, now time.Time) (int, error) {
	sales, err := s.store.ListEndedOpenSales(ctx, now)
	if err != nil {
		return 0, s.translateStore(err, "sale")
	}
	closed := 0
	for _, sale := range sales {
		err := s.store.RunInTx(ctx, func(ctx context.Context) error {
			return s.store.MarkSaleClosed(ctx, sale.ID)
		})
		if err != nil {
			return closed, s.translateStore(err, "sale")
		}
		closed++
		s.logger.InfoContext(ctx, "sale closed to new reservations", "sale_id", sale.ID)
	}
	return closed, nil
}
