package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	dErrors "salecore/pkg/domain-errors"
)

// Confirm moves a PENDING reservation to CONFIRMED on valid payment evidence,
// shifting its quantity from reserved to confirmed and recording the
// distribution intent — all in one transaction.
//
// Idempotent: confirming an already-CONFIRMED reservation with identical
// evidence is a no-op success, because external callbacks are delivered
// at-least-once.
//
// If the reservation sits past its expiry, Confirm performs the expiry
// transition instead, commits it, and reports ReservationExpired; the late
// evidence is recorded as an anomaly for manual reconciliation (funds may
// have moved for a slot already released).
func (s *Service) Confirm(ctx context.Context, rid id.ReservationID, evidence models.Evidence) (models.Reservation, error) {
	ctx, span := tracer.Start(ctx, "allocation.Confirm")
	defer span.End()

	var (
		result      models.Reservation
		intent      *models.Distribution
		lateArrival bool
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		res, err := s.store.GetReservationForUpdate(ctx, rid)
		if err != nil {
			return s.translateStore(err, "reservation")
		}

		switch res.Status {
		case models.StatusConfirmed:
			if res.Evidence != nil && res.Evidence.Equal(evidence) {
				result = res
				return nil // duplicate delivery of the same confirmation
			}
			return dErrors.New(dErrors.CodeAlreadyTerminal, "reservation already confirmed with different evidence")
		case models.StatusExpired:
			lateArrival = true
			result = res
			return nil
		case models.StatusRejected, models.StatusCancelled:
			return dErrors.Newf(dErrors.CodeAlreadyTerminal, "reservation is %s", res.Status)
		}

		if err := evidence.Validate(res.Rail); err != nil {
			return err
		}

		now := s.clock()
		if res.ExpiredAt(now) {
			// The evidence window closed before this call took the lock.
			// Expire now so the capacity returns; the caller learns the slot
			// is gone and the evidence is preserved as an anomaly.
			if err := s.expireLocked(ctx, res, now); err != nil {
				return err
			}
			lateArrival = true
			result = res
			result.Status = models.StatusExpired
			return nil
		}

		sale, err := s.store.GetSaleForUpdate(ctx, res.SaleID)
		if err != nil {
			return s.translateStore(err, "sale")
		}

		res.Status = models.StatusConfirmed
		res.Evidence = &evidence
		res.ResolvedAt = &now
		if err := s.store.UpdateReservation(ctx, res); err != nil {
			return s.translateStore(err, "reservation")
		}

		reserved := sale.Reserved.Sub(res.Quantity)
		confirmed := sale.Confirmed.Add(res.Quantity)
		if reserved.IsNegative() {
			return dErrors.Newf(dErrors.CodeInternal,
				"sale %s reserved counter would go negative", sale.ID)
		}
		if err := s.store.UpdateSaleCounters(ctx, res.SaleID, reserved, confirmed); err != nil {
			return s.translateStore(err, "sale")
		}

		dist := models.Distribution{
			ReservationID: res.ID,
			SaleID:        res.SaleID,
			BuyerID:       res.BuyerID,
			TokenSymbol:   sale.TokenSymbol,
			Destination:   res.Metadata[models.MetaDestination],
			Quantity:      res.Quantity,
			CreatedAt:     now,
		}
		if err := s.store.CreateDistribution(ctx, dist); err != nil {
			return s.translateStore(err, "distribution")
		}

		result = res
		intent = &dist
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}

	if lateArrival {
		s.recordLateConfirmation(ctx, rid, evidence)
		return models.Reservation{}, dErrors.New(dErrors.CodeReservationExpired,
			"evidence arrived after the reservation expired; flagged for manual reconciliation")
	}

	if intent != nil {
		s.publishDistribution(ctx, *intent)
		s.metrics.ReservationConfirmed(string(result.Rail))
		s.logger.InfoContext(ctx, "reservation confirmed",
			"reservation_id", result.ID,
			"sale_id", result.SaleID,
			"rail", result.Rail,
		)
	}
	return result, nil
}

// recordLateConfirmation persists the manual-reconciliation signal outside
// the failed confirm transaction so it survives the rollback path.
func (s *Service) recordLateConfirmation(ctx context.Context, rid id.ReservationID, evidence models.Evidence) {
	anomaly := models.Anomaly{
		ID:            uuid.NewString(),
		ReservationID: rid,
		Kind:          models.AnomalyLateConfirmation,
		Detail:        fmt.Sprintf("late evidence: %s", describeEvidence(evidence)),
		CreatedAt:     s.clock(),
	}
	if err := s.store.CreateAnomaly(ctx, anomaly); err != nil {
		// Last resort: the signal must surface somewhere.
		s.logger.ErrorContext(ctx, "failed to persist late-confirmation anomaly",
			"reservation_id", rid,
			"evidence", describeEvidence(evidence),
			"error", err,
		)
		return
	}
	s.metrics.AnomalyRecorded(string(models.AnomalyLateConfirmation))
	s.logger.WarnContext(ctx, "late confirmation recorded for manual reconciliation",
		"reservation_id", rid,
	)
}

// publishDistribution nudges the delivery subsystem. The distributions table
// is the durable record; delivery also reconciles from it, so a publish
// failure is logged, not surfaced.
func (s *Service) publishDistribution(ctx context.Context, dist models.Distribution) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, dist); err != nil {
		s.logger.WarnContext(ctx, "distribution intent publish failed, delivery will pick it up from the ledger",
			"reservation_id", dist.ReservationID,
			"error", err,
		)
	}
}

func describeEvidence(e models.Evidence) string {
	if e.Rail == models.RailCrypto {
		return fmt.Sprintf("chain=%s tx=%s", e.ChainID, e.TxHash)
	}
	return fmt.Sprintf("confirmation=%s", e.ConfirmationID)
}
