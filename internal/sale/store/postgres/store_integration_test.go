//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"salecore/internal/sale/models"
	"salecore/internal/sale/store/postgres/migrations"
	id "salecore/pkg/domain"
	"salecore/pkg/platform/sentinel"
	"salecore/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	ctx   context.Context
	pg    *containers.PostgresContainer
	store *Store

	now time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
	s.Require().NoError(migrations.Apply(s.ctx, s.pg.DB))
	// Applying again must be a no-op.
	s.Require().NoError(migrations.Apply(s.ctx, s.pg.DB))
	s.store = New(s.pg.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.pg.TruncateAll(s.ctx))
}

func (s *PostgresStoreSuite) insertSale(supply int64) models.Sale {
	sale := models.Sale{
		ID:            id.SaleID(uuid.New()),
		TokenSymbol:   "NVT",
		TotalSupply:   decimal.NewFromInt(supply),
		Reserved:      decimal.Zero,
		Confirmed:     decimal.Zero,
		UnitPrice:     decimal.NewFromInt(2),
		PriceCurrency: "USD",
		StartsAt:      s.now.Add(-time.Hour),
		EndsAt:        s.now.Add(24 * time.Hour),
		Rails:         []models.Rail{models.RailCrypto, models.RailFiat},
		CreatedAt:     s.now,
		UpdatedAt:     s.now,
	}
	_, err := s.pg.DB.ExecContext(s.ctx, `
		INSERT INTO sales (id, token_symbol, total_supply, reserved, confirmed, unit_price, price_currency,
			starts_at, ends_at, closed, kyc_required, min_kyc_tier, rails, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sale.ID.String(), sale.TokenSymbol, sale.TotalSupply, sale.Reserved, sale.Confirmed,
		sale.UnitPrice, sale.PriceCurrency, sale.StartsAt, sale.EndsAt, sale.Closed,
		sale.KYCRequired, sale.MinKYCTier, pq.Array([]string{"crypto", "fiat"}), sale.CreatedAt, sale.UpdatedAt,
	)
	s.Require().NoError(err)
	return sale
}

func (s *PostgresStoreSuite) newReservation(sale models.Sale) models.Reservation {
	return models.Reservation{
		ID:       id.NewReservationID(),
		SaleID:   sale.ID,
		BuyerID:  id.BuyerID(uuid.New()),
		Rail:     models.RailCrypto,
		Quantity: decimal.NewFromInt(50),
		Quote: models.Quote{
			SourceCurrency: "USD",
			TargetAsset:    "NVT",
			Rate:           decimal.NewFromInt(1),
			Precision:      6,
			UnitPrice:      decimal.NewFromInt(2),
			TotalCost:      decimal.NewFromInt(100),
			ComputedAt:     s.now,
		},
		Status:    models.StatusPending,
		Metadata:  map[string]string{models.MetaDestination: "0xdest"},
		CreatedAt: s.now,
		ExpiresAt: s.now.Add(30 * time.Minute),
	}
}

func (s *PostgresStoreSuite) TestSaleRoundTrip() {
	sale := s.insertSale(1000)

	got, err := s.store.GetSale(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.Equal(sale.ID, got.ID)
	s.Equal("NVT", got.TokenSymbol)
	s.True(got.TotalSupply.Equal(decimal.NewFromInt(1000)))
	s.True(got.Reserved.IsZero())
	s.True(got.UnitPrice.Equal(decimal.NewFromInt(2)))
	s.Equal([]models.Rail{models.RailCrypto, models.RailFiat}, got.Rails)
	s.True(got.StartsAt.Equal(sale.StartsAt))
	s.False(got.Closed)

	_, err = s.store.GetSale(s.ctx, id.SaleID(uuid.New()))
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestUpdateSaleCounters() {
	sale := s.insertSale(1000)

	err := s.store.UpdateSaleCounters(s.ctx, sale.ID, decimal.NewFromInt(400), decimal.NewFromInt(100))
	s.Require().NoError(err)

	got, err := s.store.GetSale(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.True(got.Reserved.Equal(decimal.NewFromInt(400)))
	s.True(got.Confirmed.Equal(decimal.NewFromInt(100)))

	err = s.store.UpdateSaleCounters(s.ctx, id.SaleID(uuid.New()), decimal.Zero, decimal.Zero)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestSupplyCheckConstraint() {
	sale := s.insertSale(100)

	// The engine never writes past supply; the table constraint backstops it.
	err := s.store.UpdateSaleCounters(s.ctx, sale.ID, decimal.NewFromInt(80), decimal.NewFromInt(30))
	s.Require().Error(err)

	var pqErr *pq.Error
	s.Require().ErrorAs(err, &pqErr)
	s.Equal("sales_within_supply", pqErr.Constraint)
}

func (s *PostgresStoreSuite) TestReservationRoundTrip() {
	sale := s.insertSale(1000)
	res := s.newReservation(sale)

	s.Require().NoError(s.store.CreateReservation(s.ctx, res))

	got, err := s.store.GetReservation(s.ctx, res.ID)
	s.Require().NoError(err)
	s.Equal(res.ID, got.ID)
	s.Equal(res.SaleID, got.SaleID)
	s.Equal(res.BuyerID, got.BuyerID)
	s.Equal(models.RailCrypto, got.Rail)
	s.True(got.Quantity.Equal(decimal.NewFromInt(50)))
	s.Equal("USD", got.Quote.SourceCurrency)
	s.Equal("NVT", got.Quote.TargetAsset)
	s.Equal(int32(6), got.Quote.Precision)
	s.True(got.Quote.TotalCost.Equal(decimal.NewFromInt(100)))
	s.False(got.Quote.FeeApplied)
	s.Equal(models.StatusPending, got.Status)
	s.Nil(got.Evidence)
	s.Nil(got.ResolvedAt)
	s.Equal("0xdest", got.Metadata[models.MetaDestination])
	s.True(got.ExpiresAt.Equal(res.ExpiresAt))
}

func (s *PostgresStoreSuite) TestDuplicateReservation() {
	sale := s.insertSale(1000)
	res := s.newReservation(sale)

	s.Require().NoError(s.store.CreateReservation(s.ctx, res))
	s.Require().ErrorIs(s.store.CreateReservation(s.ctx, res), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestUpdateReservation() {
	sale := s.insertSale(1000)
	res := s.newReservation(sale)
	s.Require().NoError(s.store.CreateReservation(s.ctx, res))

	resolved := s.now.Add(10 * time.Minute)
	res.Status = models.StatusConfirmed
	res.Evidence = &models.Evidence{Rail: models.RailCrypto, ChainID: "eth-mainnet", TxHash: "0xabc"}
	res.ResolvedAt = &resolved
	s.Require().NoError(s.store.UpdateReservation(s.ctx, res))

	got, err := s.store.GetReservation(s.ctx, res.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, got.Status)
	s.Require().NotNil(got.Evidence)
	s.Equal("eth-mainnet", got.Evidence.ChainID)
	s.Equal("0xabc", got.Evidence.TxHash)
	s.Empty(got.Evidence.ConfirmationID)
	s.Require().NotNil(got.ResolvedAt)
	s.True(got.ResolvedAt.Equal(resolved))

	missing := s.newReservation(sale)
	s.Require().ErrorIs(s.store.UpdateReservation(s.ctx, missing), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRunInTxRollsBack() {
	sale := s.insertSale(1000)
	res := s.newReservation(sale)

	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if err := s.store.CreateReservation(ctx, res); err != nil {
			return err
		}
		if err := s.store.UpdateSaleCounters(ctx, sale.ID, decimal.NewFromInt(50), decimal.Zero); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	_, err = s.store.GetReservation(s.ctx, res.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	got, err := s.store.GetSale(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.True(got.Reserved.IsZero())
}

func (s *PostgresStoreSuite) TestRunInTxCommitsAndJoins() {
	sale := s.insertSale(1000)
	res := s.newReservation(sale)

	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if _, err := s.store.GetSaleForUpdate(ctx, sale.ID); err != nil {
			return err
		}
		// A nested RunInTx joins the open transaction instead of starting
		// a second one.
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			if err := s.store.CreateReservation(ctx, res); err != nil {
				return err
			}
			return s.store.UpdateSaleCounters(ctx, sale.ID, decimal.NewFromInt(50), decimal.Zero)
		})
	})
	s.Require().NoError(err)

	got, err := s.store.GetSale(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.True(got.Reserved.Equal(decimal.NewFromInt(50)))
	_, err = s.store.GetReservation(s.ctx, res.ID)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestListExpiredPending() {
	sale := s.insertSale(1000)

	due := s.newReservation(sale)
	due.ExpiresAt = s.now.Add(-time.Minute)
	notDue := s.newReservation(sale)
	notDue.ExpiresAt = s.now.Add(time.Hour)
	settled := s.newReservation(sale)
	settled.ExpiresAt = s.now.Add(-time.Minute)
	settled.Status = models.StatusCancelled

	for _, r := range []models.Reservation{due, notDue, settled} {
		s.Require().NoError(s.store.CreateReservation(s.ctx, r))
	}

	ids, err := s.store.ListExpiredPending(s.ctx, s.now, 100)
	s.Require().NoError(err)
	s.Equal([]id.ReservationID{due.ID}, ids)

	ids, err = s.store.ListExpiredPending(s.ctx, s.now, 0)
	s.Require().NoError(err)
	s.Empty(ids)
}

func (s *PostgresStoreSuite) TestListPendingByRail() {
	sale := s.insertSale(1000)

	crypto := s.newReservation(sale)
	fiat := s.newReservation(sale)
	fiat.Rail = models.RailFiat
	done := s.newReservation(sale)
	done.Status = models.StatusConfirmed

	for _, r := range []models.Reservation{crypto, fiat, done} {
		s.Require().NoError(s.store.CreateReservation(s.ctx, r))
	}

	got, err := s.store.ListPendingByRail(s.ctx, models.RailCrypto)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(crypto.ID, got[0].ID)
}

func (s *PostgresStoreSuite) TestListReservationsByBuyer() {
	sale := s.insertSale(1000)
	buyer := id.BuyerID(uuid.New())

	older := s.newReservation(sale)
	older.BuyerID = buyer
	older.CreatedAt = s.now.Add(-time.Hour)
	newer := s.newReservation(sale)
	newer.BuyerID = buyer
	other := s.newReservation(sale)

	for _, r := range []models.Reservation{older, newer, other} {
		s.Require().NoError(s.store.CreateReservation(s.ctx, r))
	}

	got, err := s.store.ListReservationsByBuyer(s.ctx, buyer)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(newer.ID, got[0].ID)
	s.Equal(older.ID, got[1].ID)
}

func (s *PostgresStoreSuite) TestSaleClosing() {
	ended := s.insertSale(1000)
	_, err := s.pg.DB.ExecContext(s.ctx,
		`UPDATE sales SET ends_at = $2 WHERE id = $1`, ended.ID.String(), s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.insertSale(500) // still running

	sales, err := s.store.ListEndedOpenSales(s.ctx, s.now)
	s.Require().NoError(err)
	s.Require().Len(sales, 1)
	s.Equal(ended.ID, sales[0].ID)

	s.Require().NoError(s.store.MarkSaleClosed(s.ctx, ended.ID))

	sales, err = s.store.ListEndedOpenSales(s.ctx, s.now)
	s.Require().NoError(err)
	s.Empty(sales)
}

func (s *PostgresStoreSuite) TestDistributions() {
	sale := s.insertSale(1000)
	res := s.newReservation(sale)
	s.Require().NoError(s.store.CreateReservation(s.ctx, res))

	dist := models.Distribution{
		ReservationID: res.ID,
		SaleID:        sale.ID,
		BuyerID:       res.BuyerID,
		TokenSymbol:   "NVT",
		Destination:   "0xdest",
		Quantity:      decimal.NewFromInt(50),
		CreatedAt:     s.now,
	}
	s.Require().NoError(s.store.CreateDistribution(s.ctx, dist))
	s.Require().ErrorIs(s.store.CreateDistribution(s.ctx, dist), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestAnomalies() {
	sale := s.insertSale(1000)
	first := s.newReservation(sale)
	second := s.newReservation(sale)
	s.Require().NoError(s.store.CreateReservation(s.ctx, first))
	s.Require().NoError(s.store.CreateReservation(s.ctx, second))

	older := models.Anomaly{
		ID:            uuid.NewString(),
		ReservationID: first.ID,
		Kind:          models.AnomalyLateConfirmation,
		Detail:        "evidence arrived after expiry",
		CreatedAt:     s.now.Add(-time.Hour),
	}
	newer := models.Anomaly{
		ID:            uuid.NewString(),
		ReservationID: second.ID,
		Kind:          models.AnomalyLateConfirmation,
		Detail:        "evidence arrived after expiry",
		CreatedAt:     s.now,
	}
	s.Require().NoError(s.store.CreateAnomaly(s.ctx, older))
	s.Require().NoError(s.store.CreateAnomaly(s.ctx, newer))

	// Redelivering the same signal for a reservation is swallowed.
	duplicate := older
	duplicate.ID = uuid.NewString()
	duplicate.Detail = "redelivered"
	s.Require().NoError(s.store.CreateAnomaly(s.ctx, duplicate))

	got, err := s.store.ListAnomalies(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(newer.ID, got[0].ID)
	s.Equal(second.ID, got[0].ReservationID)
	s.Equal(models.AnomalyLateConfirmation, got[0].Kind)

	got, err = s.store.ListAnomalies(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
}
