// Package memory is the in-memory ledger store. It mirrors the Postgres
// store's transactional contract with a coarse lock plus snapshot rollback,
// which is enough for unit tests and local development. It is not suitable
// for multi-instance deployments: the serialization point must then be the
// database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"salecore/internal/sale/models"
	id "salecore/pkg/domain"
	"salecore/pkg/platform/sentinel"
)

type txMarker struct{}

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	sales         map[id.SaleID]models.Sale
	reservations  map[id.ReservationID]models.Reservation
	distributions map[id.ReservationID]models.Distribution
	anomalies     []models.Anomaly
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sales:         make(map[id.SaleID]models.Sale),
		reservations:  make(map[id.ReservationID]models.Reservation),
		distributions: make(map[id.ReservationID]models.Distribution),
	}
}

// RunInTx serializes the closure against all other store access and rolls
// every map back if it returns an error, so partial mutations never leak —
// same observable contract as a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *Store) lockUnlessInTx(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type state struct {
	sales         map[id.SaleID]models.Sale
	reservations  map[id.ReservationID]models.Reservation
	distributions map[id.ReservationID]models.Distribution
	anomalies     []models.Anomaly
}

func (s *Store) snapshot() state {
	st := state{
		sales:         make(map[id.SaleID]models.Sale, len(s.sales)),
		reservations:  make(map[id.ReservationID]models.Reservation, len(s.reservations)),
		distributions: make(map[id.ReservationID]models.Distribution, len(s.distributions)),
		anomalies:     append([]models.Anomaly(nil), s.anomalies...),
	}
	for k, v := range s.sales {
		st.sales[k] = v
	}
	for k, v := range s.reservations {
		st.reservations[k] = copyReservation(v)
	}
	for k, v := range s.distributions {
		st.distributions[k] = v
	}
	return st
}

func (s *Store) restore(st state) {
	s.sales = st.sales
	s.reservations = st.reservations
	s.distributions = st.distributions
	s.anomalies = st.anomalies
}

// PutSale seeds or replaces a sale. Sale setup is owned by an external
// system; tests and local fixtures use this directly.
func (s *Store) PutSale(sale models.Sale) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sales[sale.ID] = sale
}

func (s *Store) GetSale(ctx context.Context, saleID id.SaleID) (models.Sale, error) {
	defer s.lockUnlessInTx(ctx)()
	sale, ok := s.sales[saleID]
	if !ok {
		return models.Sale{}, sentinel.ErrNotFound
	}
	return sale, nil
}

// GetSaleForUpdate is identical to GetSale here: within RunInTx the store
// mutex is already the sale's lock.
func (s *Store) GetSaleForUpdate(ctx context.Context, saleID id.SaleID) (models.Sale, error) {
	return s.GetSale(ctx, saleID)
}

func (s *Store) UpdateSaleCounters(ctx context.Context, saleID id.SaleID, reserved, confirmed decimal.Decimal) error {
	defer s.lockUnlessInTx(ctx)()
	sale, ok := s.sales[saleID]
	if !ok {
		return sentinel.ErrNotFound
	}
	sale.Reserved = reserved
	sale.Confirmed = confirmed
	sale.UpdatedAt = time.Now()
	s.sales[saleID] = sale
	return nil
}

func (s *Store) MarkSaleClosed(ctx context.Context, saleID id.SaleID) error {
	defer s.lockUnlessInTx(ctx)()
	sale, ok := s.sales[saleID]
	if !ok {
		return sentinel.ErrNotFound
	}
	sale.Closed = true
	sale.UpdatedAt = time.Now()
	s.sales[saleID] = sale
	return nil
}

func (s *Store) ListEndedOpenSales(ctx context.Context, now time.Time) ([]models.Sale, error) {
	defer s.lockUnlessInTx(ctx)()
	var out []models.Sale
	for _, sale := range s.sales {
		if !sale.Closed && now.After(sale.EndsAt) {
			out = append(out, sale)
		}
	}
	return out, nil
}

func (s *Store) CreateReservation(ctx context.Context, r models.Reservation) error {
	defer s.lockUnlessInTx(ctx)()
	if _, exists := s.reservations[r.ID]; exists {
		return sentinel.ErrConflict
	}
	s.reservations[r.ID] = copyReservation(r)
	return nil
}

func (s *Store) GetReservation(ctx context.Context, rid id.ReservationID) (models.Reservation, error) {
	defer s.lockUnlessInTx(ctx)()
	r, ok := s.reservations[rid]
	if !ok {
		return models.Reservation{}, sentinel.ErrNotFound
	}
	return copyReservation(r), nil
}

func (s *Store) GetReservationForUpdate(ctx context.Context, rid id.ReservationID) (models.Reservation, error) {
	return s.GetReservation(ctx, rid)
}

func (s *Store) UpdateReservation(ctx context.Context, r models.Reservation) error {
	defer s.lockUnlessInTx(ctx)()
	if _, ok := s.reservations[r.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.reservations[r.ID] = copyReservation(r)
	return nil
}

func (s *Store) ListReservationsByBuyer(ctx context.Context, buyerID id.BuyerID) ([]models.Reservation, error) {
	defer s.lockUnlessInTx(ctx)()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.BuyerID == buyerID {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]id.ReservationID, error) {
	defer s.lockUnlessInTx(ctx)()
	var out []id.ReservationID
	for _, r := range s.reservations {
		if r.Status == models.StatusPending && now.After(r.ExpiresAt) {
			out = append(out, r.ID)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListPendingByRail(ctx context.Context, rail models.Rail) ([]models.Reservation, error) {
	defer s.lockUnlessInTx(ctx)()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.StatusPending && r.Rail == rail {
			out = append(out, copyReservation(r))
		}
	}
	return out, nil
}

func (s *Store) CreateDistribution(ctx context.Context, d models.Distribution) error {
	defer s.lockUnlessInTx(ctx)()
	if _, exists := s.distributions[d.ReservationID]; exists {
		return sentinel.ErrConflict
	}
	s.distributions[d.ReservationID] = d
	return nil
}

// GetDistribution exposes recorded intents for test assertions.
func (s *Store) GetDistribution(rid id.ReservationID) (models.Distribution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[rid]
	return d, ok
}

func (s *Store) CreateAnomaly(ctx context.Context, a models.Anomaly) error {
	defer s.lockUnlessInTx(ctx)()
	for _, existing := range s.anomalies {
		if existing.ReservationID == a.ReservationID && existing.Kind == a.Kind {
			return nil // already flagged
		}
	}
	s.anomalies = append(s.anomalies, a)
	return nil
}

func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]models.Anomaly, error) {
	defer s.lockUnlessInTx(ctx)()
	out := append([]models.Anomaly(nil), s.anomalies...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyReservation(r models.Reservation) models.Reservation {
	out := r
	if r.Evidence != nil {
		ev := *r.Evidence
		out.Evidence = &ev
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
