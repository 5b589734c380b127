package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	"salecore/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
	now   time.Time
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = New()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *MemoryStoreSuite) seedSale() models.Sale {
	sale := models.Sale{
		ID:          id.SaleID(uuid.New()),
		TokenSymbol: "NVT",
		TotalSupply: decimal.NewFromInt(100),
		Reserved:    decimal.Zero,
		Confirmed:   decimal.Zero,
		StartsAt:    s.now.Add(-time.Hour),
		EndsAt:      s.now.Add(time.Hour),
	}
	s.store.PutSale(sale)
	return sale
}

func (s *MemoryStoreSuite) newReservation(saleID id.SaleID) models.Reservation {
	return models.Reservation{
		ID:        id.NewReservationID(),
		SaleID:    saleID,
		BuyerID:   id.BuyerID(uuid.New()),
		Rail:      models.RailCrypto,
		Quantity:  decimal.NewFromInt(10),
		Status:    models.StatusPending,
		CreatedAt: s.now,
		ExpiresAt: s.now.Add(30 * time.Minute),
	}
}

func (s *MemoryStoreSuite) TestNotFound() {
	_, err := s.store.GetSale(s.ctx, id.SaleID(uuid.New()))
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.GetReservation(s.ctx, id.NewReservationID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestTransactionRollback() {
	sale := s.seedSale()
	res := s.newReservation(sale.ID)
	boom := errors.New("boom")

	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if err := s.store.CreateReservation(ctx, res); err != nil {
			return err
		}
		if err := s.store.UpdateSaleCounters(ctx, sale.ID, decimal.NewFromInt(10), decimal.Zero); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	// Neither write survived the rollback.
	_, err = s.store.GetReservation(s.ctx, res.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	stored, err := s.store.GetSale(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.True(stored.Reserved.IsZero())
}

func (s *MemoryStoreSuite) TestTransactionCommit() {
	sale := s.seedSale()
	res := s.newReservation(sale.ID)

	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if err := s.store.CreateReservation(ctx, res); err != nil {
			return err
		}
		return s.store.UpdateSaleCounters(ctx, sale.ID, decimal.NewFromInt(10), decimal.Zero)
	})
	s.Require().NoError(err)

	stored, err := s.store.GetSale(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.True(stored.Reserved.Equal(decimal.NewFromInt(10)))
}

func (s *MemoryStoreSuite) TestNestedTransactionsJoin() {
	sale := s.seedSale()
	res := s.newReservation(sale.ID)

	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			return s.store.CreateReservation(ctx, res)
		})
	})
	s.Require().NoError(err)

	_, err = s.store.GetReservation(s.ctx, res.ID)
	s.NoError(err)
}

func (s *MemoryStoreSuite) TestReturnedValuesAreCopies() {
	sale := s.seedSale()
	res := s.newReservation(sale.ID)
	res.Metadata = map[string]string{"k": "v"}
	s.Require().NoError(s.store.CreateReservation(s.ctx, res))

	got, err := s.store.GetReservation(s.ctx, res.ID)
	s.Require().NoError(err)
	got.Metadata["k"] = "mutated"
	got.Status = models.StatusCancelled

	fresh, err := s.store.GetReservation(s.ctx, res.ID)
	s.Require().NoError(err)
	s.Equal("v", fresh.Metadata["k"])
	s.Equal(models.StatusPending, fresh.Status)
}

func (s *MemoryStoreSuite) TestListExpiredPending() {
	sale := s.seedSale()

	due := s.newReservation(sale.ID)
	due.ExpiresAt = s.now.Add(-time.Minute)
	s.Require().NoError(s.store.CreateReservation(s.ctx, due))

	notDue := s.newReservation(sale.ID)
	s.Require().NoError(s.store.CreateReservation(s.ctx, notDue))

	settled := s.newReservation(sale.ID)
	settled.ExpiresAt = s.now.Add(-time.Minute)
	settled.Status = models.StatusConfirmed
	s.Require().NoError(s.store.CreateReservation(s.ctx, settled))

	ids, err := s.store.ListExpiredPending(s.ctx, s.now, 100)
	s.Require().NoError(err)
	s.Require().Len(ids, 1)
	s.Equal(due.ID, ids[0])
}

func (s *MemoryStoreSuite) TestDuplicateReservation() {
	sale := s.seedSale()
	res := s.newReservation(sale.ID)
	s.Require().NoError(s.store.CreateReservation(s.ctx, res))
	s.ErrorIs(s.store.CreateReservation(s.ctx, res), sentinel.ErrConflict)
}

func (s *MemoryStoreSuite) TestListEndedOpenSales() {
	ended := s.seedSale()
	ended.EndsAt = s.now.Add(-time.Minute)
	s.store.PutSale(ended)

	running := s.seedSale()

	closed := s.seedSale()
	closed.EndsAt = s.now.Add(-time.Minute)
	closed.Closed = true
	s.store.PutSale(closed)

	sales, err := s.store.ListEndedOpenSales(s.ctx, s.now)
	s.Require().NoError(err)
	s.Require().Len(sales, 1)
	s.Equal(ended.ID, sales[0].ID)
	_ = running
}
